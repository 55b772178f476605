package services

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/sharifemon/buspulse/internal/config"
	"github.com/sharifemon/buspulse/internal/models"
)

func testAggConfig() *config.AggregationConfig {
	return &config.AggregationConfig{
		RecencyWindow:   2 * time.Minute,
		FreshnessWindow: 5 * time.Minute,
		TrackerWindow:   2 * time.Hour,
		ConfidenceBase:  0.3,
		PerTrackerBoost: 0.15,
		WeightShare:     0.3,
	}
}

func sampleAt(busID, device string, lat, lng, weight float64, recordedAt time.Time) models.LocationSample {
	return models.LocationSample{
		BusID:            busID,
		DeviceTokenHash:  device,
		Latitude:         lat,
		Longitude:        lng,
		ReputationWeight: weight,
		IsValidated:      true,
		RecordedAt:       recordedAt,
	}
}

func TestCompute_WeightedCentroid(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeAggStore()
	store.trackers = 2
	store.samples = []models.LocationSample{
		sampleAt("DHK-12", "dev-a", 23.70, 90.40, 1.0, now.Add(-30*time.Second)),
		sampleAt("DHK-12", "dev-b", 23.80, 90.50, 0.5, now.Add(-60*time.Second)),
	}

	agg := NewAggregator(store, &fakeSchedule{active: true}, testAggConfig(), 0.7, nil, nil, nil)

	pos, err := agg.Compute(context.Background(), "DHK-12", now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if pos.Status != models.StatusActive {
		t.Fatalf("Expected active status, got %s", pos.Status)
	}

	// (23.70*1.0 + 23.80*0.5) / 1.5
	wantLat := (23.70 + 23.80*0.5) / 1.5
	wantLng := (90.40 + 90.50*0.5) / 1.5
	if math.Abs(*pos.Latitude-wantLat) > 1e-9 {
		t.Errorf("Expected latitude %.6f, got %.6f", wantLat, *pos.Latitude)
	}
	if math.Abs(*pos.Longitude-wantLng) > 1e-9 {
		t.Errorf("Expected longitude %.6f, got %.6f", wantLng, *pos.Longitude)
	}

	// The centroid should sit closer to the higher-weight report.
	if math.Abs(*pos.Latitude-23.70) > math.Abs(*pos.Latitude-23.80) {
		t.Error("Expected centroid pulled toward the higher-weight sample")
	}

	if pos.ActiveTrackers != 2 {
		t.Errorf("Expected 2 active trackers, got %d", pos.ActiveTrackers)
	}
	// Only dev-a's weight (1.0) clears the 0.7 threshold.
	if pos.TrustedTrackers != 1 {
		t.Errorf("Expected 1 trusted tracker, got %d", pos.TrustedTrackers)
	}

	// 0.3 base + 2*0.15 tracker boost + 0.3 * (1.5/2) average weight.
	wantConfidence := 0.3 + 0.3 + 0.3*0.75
	if math.Abs(pos.ConfidenceLevel-wantConfidence) > 1e-9 {
		t.Errorf("Expected confidence %.4f, got %.4f", wantConfidence, pos.ConfidenceLevel)
	}
}

func TestCompute_NoSamplesEver(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeAggStore()

	agg := NewAggregator(store, &fakeSchedule{active: true}, testAggConfig(), 0.7, nil, nil, nil)

	pos, err := agg.Compute(context.Background(), "DHK-99", now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if pos.Status != models.StatusNoData {
		t.Errorf("Expected no_data status, got %s", pos.Status)
	}
	if pos.Latitude != nil || pos.Longitude != nil {
		t.Error("Expected null coordinates for a bus with no history")
	}
	if pos.LastKnownLatitude != nil {
		t.Error("Expected no last-known location for a bus with no history")
	}
}

func TestCompute_FallsBackToLastKnown(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	recorded := now.Add(-10 * time.Minute) // outside the 2-minute recency window
	store := newFakeAggStore()
	store.samples = []models.LocationSample{
		sampleAt("DHK-12", "dev-a", 23.75, 90.42, 0.8, recorded),
	}

	agg := NewAggregator(store, &fakeSchedule{active: true}, testAggConfig(), 0.7, nil, nil, nil)

	pos, err := agg.Compute(context.Background(), "DHK-12", now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if pos.Status != models.StatusNoData {
		t.Errorf("Expected no_data status, got %s", pos.Status)
	}
	if pos.LastKnownLatitude == nil || *pos.LastKnownLatitude != 23.75 {
		t.Errorf("Expected last known latitude 23.75, got %v", pos.LastKnownLatitude)
	}
	if pos.LastKnownAt == nil || !pos.LastKnownAt.Equal(recorded) {
		t.Errorf("Expected last known timestamp %v, got %v", recorded, pos.LastKnownAt)
	}
}

func TestCompute_InactiveSchedule(t *testing.T) {
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	store := newFakeAggStore()

	lat, lng := 23.72, 90.41
	knownAt := now.Add(-3 * time.Hour)
	store.positions["DHK-12"] = models.CurrentPosition{
		BusID:              "DHK-12",
		Status:             models.StatusActive,
		LastKnownLatitude:  &lat,
		LastKnownLongitude: &lng,
		LastKnownAt:        &knownAt,
		LastUpdated:        knownAt,
	}

	agg := NewAggregator(store, &fakeSchedule{active: false}, testAggConfig(), 0.7, nil, nil, nil)

	pos, err := agg.Compute(context.Background(), "DHK-12", now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if pos.Status != models.StatusInactive {
		t.Errorf("Expected inactive status, got %s", pos.Status)
	}
	if pos.Latitude != nil {
		t.Error("Expected no live coordinates while off schedule")
	}
	if pos.LastKnownLatitude == nil || *pos.LastKnownLatitude != 23.72 {
		t.Errorf("Expected frozen last known latitude 23.72, got %v", pos.LastKnownLatitude)
	}
}

func TestCompute_Idempotent(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeAggStore()
	store.trackers = 3
	store.samples = []models.LocationSample{
		sampleAt("DHK-12", "dev-a", 23.70, 90.40, 0.9, now.Add(-20*time.Second)),
		sampleAt("DHK-12", "dev-b", 23.71, 90.41, 0.6, now.Add(-40*time.Second)),
		sampleAt("DHK-12", "dev-c", 23.705, 90.405, 0.8, now.Add(-60*time.Second)),
	}

	agg := NewAggregator(store, &fakeSchedule{active: true}, testAggConfig(), 0.7, nil, nil, nil)

	first, err := agg.Compute(context.Background(), "DHK-12", now)
	if err != nil {
		t.Fatalf("First compute failed: %v", err)
	}
	second, err := agg.Compute(context.Background(), "DHK-12", now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Second compute failed: %v", err)
	}

	if *first.Latitude != *second.Latitude || *first.Longitude != *second.Longitude {
		t.Error("Expected identical coordinates on recompute with the same samples")
	}
	if first.ConfidenceLevel != second.ConfidenceLevel {
		t.Error("Expected identical confidence on recompute")
	}
	if first.TrustedTrackers != second.TrustedTrackers || first.ActiveTrackers != second.ActiveTrackers {
		t.Error("Expected identical tracker counts on recompute")
	}
	if !first.LastKnownAt.Equal(*second.LastKnownAt) {
		t.Error("Expected identical last-known timestamp on recompute")
	}
	if first.BearingDegrees != nil && second.BearingDegrees != nil && *first.BearingDegrees != *second.BearingDegrees {
		t.Error("Expected stable bearing when the bus has not moved")
	}
}

func TestCompute_TrustedNeverExceedsActive(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeAggStore()
	// Two high-trust devices reporting without sessions: no session rows,
	// so zero active trackers.
	store.trackers = 0
	store.samples = []models.LocationSample{
		sampleAt("DHK-12", "dev-a", 23.70, 90.40, 0.9, now.Add(-30*time.Second)),
		sampleAt("DHK-12", "dev-b", 23.71, 90.41, 0.8, now.Add(-45*time.Second)),
	}

	agg := NewAggregator(store, &fakeSchedule{active: true}, testAggConfig(), 0.7, nil, nil, nil)

	pos, err := agg.Compute(context.Background(), "DHK-12", now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if pos.TrustedTrackers > pos.ActiveTrackers {
		t.Errorf("Expected trusted trackers capped at active trackers, got %d > %d",
			pos.TrustedTrackers, pos.ActiveTrackers)
	}

	// With one session-holding device, the cap allows exactly one.
	store.trackers = 1
	pos, err = agg.Compute(context.Background(), "DHK-12", now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if pos.TrustedTrackers != 1 {
		t.Errorf("Expected 1 trusted tracker under the cap, got %d", pos.TrustedTrackers)
	}
}

func TestCompute_ZeroTotalWeight(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeAggStore()
	store.samples = []models.LocationSample{
		sampleAt("DHK-12", "dev-a", 23.70, 90.40, 0, now.Add(-30*time.Second)),
		sampleAt("DHK-12", "dev-b", 23.71, 90.41, 0, now.Add(-45*time.Second)),
	}

	agg := NewAggregator(store, &fakeSchedule{active: true}, testAggConfig(), 0.7, nil, nil, nil)

	pos, err := agg.Compute(context.Background(), "DHK-12", now)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	// Zero-trust reports carry no positional information.
	if pos.Status != models.StatusNoData {
		t.Errorf("Expected no_data when total weight is zero, got %s", pos.Status)
	}
}

func TestConfidence_Clamped(t *testing.T) {
	agg := NewAggregator(newFakeAggStore(), &fakeSchedule{active: true}, testAggConfig(), 0.7, nil, nil, nil)

	// Many trackers with perfect weight must not push confidence past 1.
	if c := agg.confidence(10, 1.0); c > 1 {
		t.Errorf("Expected confidence clamped to 1, got %.4f", c)
	}
	// Tracker boost caps at 0.4 regardless of count.
	c5 := agg.confidence(5, 0)
	c50 := agg.confidence(50, 0)
	if c5 != c50 {
		t.Errorf("Expected tracker boost to saturate, got %.4f vs %.4f", c5, c50)
	}
}

func TestWeightedCentroid_Empty(t *testing.T) {
	if _, _, _, ok := weightedCentroid(nil); ok {
		t.Error("Expected no centroid for empty sample set")
	}
}

func TestMovementConsistency_TightCluster(t *testing.T) {
	now := time.Now()
	tight := []models.LocationSample{
		sampleAt("b", "d1", 23.7000, 90.4000, 1, now),
		sampleAt("b", "d2", 23.7001, 90.4001, 1, now),
	}
	if got := movementConsistencyOf(tight); got < 0.9 {
		t.Errorf("Expected near-1 consistency for a tight cluster, got %.3f", got)
	}

	spread := []models.LocationSample{
		sampleAt("b", "d1", 23.70, 90.40, 1, now),
		sampleAt("b", "d2", 23.74, 90.44, 1, now),
	}
	if got := movementConsistencyOf(spread); got > 0.2 {
		t.Errorf("Expected low consistency for a dispersed cluster, got %.3f", got)
	}
}
