package services

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sharifemon/buspulse/internal/config"
	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/internal/repository"
	"github.com/sharifemon/buspulse/pkg/geo"
	"github.com/sharifemon/buspulse/pkg/logger"
)

// AggregateStore is the persistence the aggregator reads and the single
// CurrentPosition row it writes.
type AggregateStore interface {
	RecentValidatedSamples(ctx context.Context, busID string, since time.Time) ([]models.LocationSample, error)
	LatestValidatedSample(ctx context.Context, busID string) (*models.LocationSample, error)
	CountDistinctTrackers(ctx context.Context, busID string, activeSince time.Time) (int, error)
	GetPosition(ctx context.Context, busID string) (*models.CurrentPosition, error)
	UpsertPosition(ctx context.Context, pos *models.CurrentPosition) error
	AllPositions(ctx context.Context) ([]models.CurrentPosition, error)
	TrackedBusIDs(ctx context.Context) ([]string, error)
}

// PositionCache is the short-TTL read cache in front of the position rows.
// Nil disables caching.
type PositionCache interface {
	GetPosition(ctx context.Context, busID string) (*models.CurrentPosition, error)
	SetPosition(ctx context.Context, pos *models.CurrentPosition) error
	InvalidatePosition(ctx context.Context, busID string) error
}

// PositionPublisher pushes recomputed positions to downstream consumers.
// Nil disables publishing.
type PositionPublisher interface {
	PublishPosition(ctx context.Context, pos *models.CurrentPosition) error
}

// AggregateMetrics counts recomputations. Nil disables metrics.
type AggregateMetrics interface {
	PositionComputed(status string)
	AggregateObserve(d time.Duration)
}

// Aggregator answers "where is bus X right now, and how much should we trust
// that answer".
type Aggregator struct {
	store    AggregateStore
	schedule ScheduleProvider
	cfg      *config.AggregationConfig
	trusted  float64
	cache    PositionCache
	pub      PositionPublisher
	metrics  AggregateMetrics
}

func NewAggregator(
	store AggregateStore,
	schedule ScheduleProvider,
	cfg *config.AggregationConfig,
	trustedThreshold float64,
	cache PositionCache,
	pub PositionPublisher,
	metrics AggregateMetrics,
) *Aggregator {
	return &Aggregator{
		store:    store,
		schedule: schedule,
		cfg:      cfg,
		trusted:  trustedThreshold,
		cache:    cache,
		pub:      pub,
		metrics:  metrics,
	}
}

// GetCurrent serves the pull model: cached position when fresh enough,
// otherwise a full recompute.
func (a *Aggregator) GetCurrent(ctx context.Context, busID string, now time.Time) (*models.CurrentPosition, error) {
	if a.cache != nil {
		if pos, err := a.cache.GetPosition(ctx, busID); err == nil && pos != nil {
			return pos, nil
		}
	}
	return a.Compute(ctx, busID, now)
}

// GetAll lists every bus with published history, recomputing rows whose
// freshness window has lapsed so consumers never see an overstated status.
func (a *Aggregator) GetAll(ctx context.Context, now time.Time) ([]models.CurrentPosition, error) {
	positions, err := a.store.AllPositions(ctx)
	if err != nil {
		return nil, err
	}

	for idx := range positions {
		if positions[idx].Status == models.StatusActive &&
			now.Sub(positions[idx].LastUpdated) > a.cfg.FreshnessWindow {
			fresh, err := a.Compute(ctx, positions[idx].BusID, now)
			if err != nil {
				logger.Warn("Failed to refresh stale position", map[string]any{
					"bus_id": positions[idx].BusID,
					"error":  err.Error(),
				})
				continue
			}
			positions[idx] = *fresh
		}
	}
	return positions, nil
}

// ComputeAll recomputes every tracked bus; used by the cadence sweeper.
func (a *Aggregator) ComputeAll(ctx context.Context, now time.Time) error {
	busIDs, err := a.store.TrackedBusIDs(ctx)
	if err != nil {
		return err
	}
	for _, busID := range busIDs {
		if _, err := a.Compute(ctx, busID, now); err != nil {
			logger.Warn("Failed to recompute position", map[string]any{
				"bus_id": busID,
				"error":  err.Error(),
			})
		}
	}
	return nil
}

// Compute recomputes one bus's position from durable samples. Idempotent and
// side-effect-free beyond the single upsert: recomputing with the same sample
// set converges to the same answer regardless of ordering.
func (a *Aggregator) Compute(ctx context.Context, busID string, now time.Time) (*models.CurrentPosition, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.AggregateObserve(time.Since(start))
		}
	}()

	previous, err := a.store.GetPosition(ctx, busID)
	if err != nil && !errors.Is(err, repository.ErrPositionNotFound) {
		return nil, err
	}

	active, err := a.schedule.IsCurrentlyActive(ctx, busID, now)
	if err != nil {
		return nil, err
	}

	var pos *models.CurrentPosition
	if !active {
		pos = a.inactivePosition(busID, previous, now)
	} else {
		pos, err = a.livePosition(ctx, busID, previous, now)
		if err != nil {
			return nil, err
		}
	}

	if err := a.store.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}

	if a.cache != nil {
		_ = a.cache.InvalidatePosition(ctx, busID)
		_ = a.cache.SetPosition(ctx, pos)
	}
	if a.pub != nil {
		if err := a.pub.PublishPosition(ctx, pos); err != nil {
			logger.Warn("Failed to publish position", map[string]any{
				"bus_id": busID,
				"error":  err.Error(),
			})
		}
	}
	if a.metrics != nil {
		a.metrics.PositionComputed(string(pos.Status))
	}

	return pos, nil
}

// inactivePosition freezes the last known location with no live coordinates.
func (a *Aggregator) inactivePosition(busID string, previous *models.CurrentPosition, now time.Time) *models.CurrentPosition {
	pos := &models.CurrentPosition{
		BusID:       busID,
		Status:      models.StatusInactive,
		LastUpdated: now,
	}
	if previous != nil {
		pos.LastKnownLatitude = previous.LastKnownLatitude
		pos.LastKnownLongitude = previous.LastKnownLongitude
		pos.LastKnownAt = previous.LastKnownAt
	}
	return pos
}

func (a *Aggregator) livePosition(ctx context.Context, busID string, previous *models.CurrentPosition, now time.Time) (*models.CurrentPosition, error) {
	samples, err := a.store.RecentValidatedSamples(ctx, busID, now.Add(-a.cfg.RecencyWindow))
	if err != nil {
		return nil, err
	}

	lat, lng, avgWeight, ok := weightedCentroid(samples)
	if !ok {
		// No usable recent samples (none at all, or total weight zero):
		// fall back to the most recent validated sample of any age.
		return a.noDataPosition(ctx, busID, now)
	}

	trackers, err := a.store.CountDistinctTrackers(ctx, busID, now.Add(-a.cfg.TrackerWindow))
	if err != nil {
		return nil, err
	}

	// Trusted trackers are counted from the sample set, active trackers from
	// session rows. Sessionless submissions are allowed, so cap the trusted
	// count at the active count.
	trusted := countTrustedTrackers(samples, a.trusted)
	if trusted > trackers {
		trusted = trackers
	}

	// Freeze the centroid as the fallback snapshot, timestamped by the
	// newest contributing sample so recomputation stays idempotent.
	newestAt := samples[0].RecordedAt
	pos := &models.CurrentPosition{
		BusID:              busID,
		Latitude:           &lat,
		Longitude:          &lng,
		Status:             models.StatusActive,
		ActiveTrackers:     trackers,
		TrustedTrackers:    trusted,
		AverageTrustScore:  avgWeight,
		ConfidenceLevel:    a.confidence(trackers, avgWeight),
		LastKnownLatitude:  &lat,
		LastKnownLongitude: &lng,
		LastKnownAt:        &newestAt,
		LastUpdated:        now,
	}
	pos.MovementConsistency = movementConsistencyOf(samples)
	pos.BearingDegrees = a.bearingFrom(previous, lat, lng)
	return pos, nil
}

// noDataPosition implements the fallback ladder: last known location if any
// validated sample ever existed, otherwise null coordinates.
func (a *Aggregator) noDataPosition(ctx context.Context, busID string, now time.Time) (*models.CurrentPosition, error) {
	pos := &models.CurrentPosition{
		BusID:       busID,
		Status:      models.StatusNoData,
		LastUpdated: now,
	}

	latest, err := a.store.LatestValidatedSample(ctx, busID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		pos.LastKnownLatitude = &latest.Latitude
		pos.LastKnownLongitude = &latest.Longitude
		recordedAt := latest.RecordedAt
		pos.LastKnownAt = &recordedAt
	}
	return pos, nil
}

// confidence: base, plus a tracker-count boost capped at 0.4, plus a share
// scaled by average reputation weight. Clamped to [0,1].
func (a *Aggregator) confidence(trackers int, avgWeight float64) float64 {
	c := a.cfg.ConfidenceBase
	c += math.Min(0.4, float64(trackers)*a.cfg.PerTrackerBoost)
	c += a.cfg.WeightShare * avgWeight
	return clamp01(c)
}

// bearingFrom keeps the previous bearing when the bus has not measurably
// moved, so back-to-back recomputes stay byte-identical.
func (a *Aggregator) bearingFrom(previous *models.CurrentPosition, lat, lng float64) *float64 {
	if previous == nil || previous.Latitude == nil || previous.Longitude == nil {
		return nil
	}
	if geo.HaversineMeters(*previous.Latitude, *previous.Longitude, lat, lng) < 1 {
		return previous.BearingDegrees
	}
	b := geo.BearingDegrees(*previous.Latitude, *previous.Longitude, lat, lng)
	return &b
}

// weightedCentroid computes the reputation-weighted average position. ok is
// false when there are no samples or the total weight is zero; an unweighted
// mean would not be comparable across buses, so zero weight means no data.
func weightedCentroid(samples []models.LocationSample) (lat, lng, avgWeight float64, ok bool) {
	if len(samples) == 0 {
		return 0, 0, 0, false
	}

	var sumLat, sumLng, totalWeight float64
	for _, s := range samples {
		sumLat += s.Latitude * s.ReputationWeight
		sumLng += s.Longitude * s.ReputationWeight
		totalWeight += s.ReputationWeight
	}
	if totalWeight == 0 {
		return 0, 0, 0, false
	}

	return sumLat / totalWeight, sumLng / totalWeight, totalWeight / float64(len(samples)), true
}

// countTrustedTrackers counts distinct devices whose sample weight clears the
// trusted threshold.
func countTrustedTrackers(samples []models.LocationSample, threshold float64) int {
	seen := make(map[string]bool)
	for _, s := range samples {
		if s.ReputationWeight >= threshold {
			seen[s.DeviceTokenHash] = true
		}
	}
	return len(seen)
}

// movementConsistencyOf scores how tightly the recent samples cluster around
// their weighted center: all within ~150m reads as fully consistent.
func movementConsistencyOf(samples []models.LocationSample) float64 {
	lat, lng, _, ok := weightedCentroid(samples)
	if !ok || len(samples) < 2 {
		return 0
	}

	var total float64
	for _, s := range samples {
		total += geo.HaversineMeters(lat, lng, s.Latitude, s.Longitude)
	}
	mean := total / float64(len(samples))
	return clamp01(1 - mean/150)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
