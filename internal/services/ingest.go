package services

import (
	"context"
	"errors"
	"time"

	"github.com/sharifemon/buspulse/internal/config"
	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/internal/repository"
	"github.com/sharifemon/buspulse/pkg/logger"
	"github.com/sharifemon/buspulse/pkg/validator"
)

// IngestStore persists one judged submission atomically.
type IngestStore interface {
	StoreSample(ctx context.Context, w repository.SampleWrite) (int64, error)
}

// IngestMetrics receives ingestion outcome counters. Nil disables metrics.
type IngestMetrics interface {
	SampleAccepted(validated bool)
	SampleRejected(reason string)
	IngestObserve(d time.Duration)
}

// DailyCounters tracks per-day ingest volume for the stats surface.
type DailyCounters interface {
	IncrementDailyCounter(ctx context.Context, name string, day time.Time) error
}

// Ingestor turns one raw sample into a stored, judged LocationSample and the
// matching trust update.
type Ingestor struct {
	store    IngestStore
	tokens   *TokenService
	schedule ScheduleProvider
	trust    *config.TrustConfig
	checks   *config.ValidationConfig
	metrics  IngestMetrics
	counters DailyCounters
}

func NewIngestor(
	store IngestStore,
	tokens *TokenService,
	schedule ScheduleProvider,
	trust *config.TrustConfig,
	checks *config.ValidationConfig,
	metrics IngestMetrics,
	counters DailyCounters,
) *Ingestor {
	return &Ingestor{
		store:    store,
		tokens:   tokens,
		schedule: schedule,
		trust:    trust,
		checks:   checks,
		metrics:  metrics,
		counters: counters,
	}
}

// Submit runs the full ingestion pipeline for one location report.
//
// Validation failures are the dominant expected path here: they produce an
// isValidated=false sample plus a negative trust delta, never an error. Only
// input errors (unknown device, malformed request) and storage failures
// surface as errors, and a storage failure rolls the whole submission back.
func (i *Ingestor) Submit(ctx context.Context, req models.SubmitLocationRequest, now time.Time) (*models.IngestionResult, error) {
	start := time.Now()
	defer func() {
		if i.metrics != nil {
			i.metrics.IngestObserve(time.Since(start))
		}
	}()

	device, err := i.tokens.Validate(ctx, req.DeviceToken)
	if err != nil {
		if i.metrics != nil {
			i.metrics.SampleRejected("unknown_device")
		}
		return nil, err
	}

	recordedAt := now
	if req.RecordedAt != nil {
		recordedAt = *req.RecordedAt
	}

	detail, delta := i.runChecks(ctx, req, now)

	// Route/stop validity only affects scoring. A device near but not
	// exactly on a known stop still contributes.
	isValidated := detail.Coordinates.Passed && detail.Speed.Passed

	sample := models.LocationSample{
		BusID:           req.BusID,
		DeviceTokenHash: device.TokenHash,
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
		AccuracyMeters:  req.AccuracyMeters,
		SpeedMps:        req.SpeedMps,
		// Snapshot of trust at this instant; never recomputed later.
		ReputationWeight: device.TrustScore,
		IsValidated:      isValidated,
		RecordedAt:       recordedAt,
		CreatedAt:        now,
	}

	write := repository.SampleWrite{
		Sample:           sample,
		TrustDelta:       delta,
		WasAccurate:      isValidated,
		TrustedThreshold: i.trust.TrustedThreshold,
		MaxSpeedMps:      i.checks.MaxSpeedMps,
		SessionID:        req.SessionID,
	}

	// Only serialization conflicts earn the single retry; everything else
	// fails the submission on the first attempt.
	var sampleID int64
	err = repository.WithRetry(ctx, repository.ConflictRetryConfig, func() error {
		var storeErr error
		sampleID, storeErr = i.store.StoreSample(ctx, write)
		if storeErr != nil && !repository.IsRetryableConflict(storeErr) {
			return repository.Permanent(storeErr)
		}
		return storeErr
	})
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			if i.metrics != nil {
				i.metrics.SampleRejected("bad_session")
			}
			return nil, ErrSessionNotFound
		}
		if i.metrics != nil {
			i.metrics.SampleRejected("storage")
		}
		logger.Error("Failed to store location sample", map[string]any{
			"bus_id": req.BusID,
			"error":  err.Error(),
		})
		return nil, err
	}

	if i.metrics != nil {
		i.metrics.SampleAccepted(isValidated)
	}
	if i.counters != nil {
		_ = i.counters.IncrementDailyCounter(ctx, "locations", now)
	}

	return &models.IngestionResult{
		Success:           true,
		SampleID:          sampleID,
		IsValidated:       isValidated,
		Validation:        detail,
		TrustDelta:        delta,
		ReputationUpdated: true,
	}, nil
}

// runChecks executes every validation and sums the trust deltas per the
// policy table. Checks without context contribute zero.
func (i *Ingestor) runChecks(ctx context.Context, req models.SubmitLocationRequest, now time.Time) (models.ValidationDetail, float64) {
	var detail models.ValidationDetail
	var delta float64

	region := validator.Region{
		MinLatitude:  i.checks.MinLatitude,
		MaxLatitude:  i.checks.MaxLatitude,
		MinLongitude: i.checks.MinLongitude,
		MaxLongitude: i.checks.MaxLongitude,
	}

	bounds := validator.CheckBounds(req.Latitude, req.Longitude, region)
	detail.Coordinates = models.CheckOutcome{Ran: true, Passed: bounds.OK, Reason: bounds.Reason}
	if bounds.OK {
		delta += i.trust.DeltaCoordsValid
	} else {
		delta += i.trust.DeltaCoordsInvalid
	}

	speed := validator.CheckSpeed(req.SpeedMps, i.checks.MaxSpeedMps)
	detail.Speed = models.CheckOutcome{Ran: true, Passed: speed.OK, Reason: speed.Reason}
	if speed.OK {
		delta += i.trust.DeltaSpeedValid
	} else {
		delta += i.trust.DeltaSpeedInvalid
	}

	// The stop check only runs when an expected stop is known for the bus's
	// current trip leg. A provider failure skips the check rather than
	// failing the submission.
	stop, err := i.schedule.ExpectedStopFor(ctx, req.BusID, now)
	if err != nil {
		logger.Warn("Schedule lookup failed, skipping stop check", map[string]any{
			"bus_id": req.BusID,
			"error":  err.Error(),
		})
	} else if stop != nil {
		res := validator.CheckStop(req.Latitude, req.Longitude, *stop)
		reason := ""
		if !res.OK {
			reason = "outside stop coverage radius"
		}
		detail.StopRadius = models.CheckOutcome{Ran: true, Passed: res.OK, Reason: reason}
		detail.StopDistance = res.DistanceMeters
		if res.OK {
			delta += i.trust.DeltaStopValid
		} else {
			delta += i.trust.DeltaStopInvalid
		}
	}

	accuracy := validator.CheckAccuracy(req.AccuracyMeters, i.checks.MaxAccuracyMeters)
	detail.Accuracy = models.CheckOutcome{Ran: true, Passed: accuracy.OK, Reason: accuracy.Reason}

	return detail, delta
}
