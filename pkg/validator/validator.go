package validator

import (
	"fmt"
	"math"

	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/pkg/geo"
)

// Region is the operating area's bounding box in degrees.
type Region struct {
	MinLatitude  float64
	MaxLatitude  float64
	MinLongitude float64
	MaxLongitude float64
}

// CheckResult is a typed valid/invalid outcome. Validation failures are normal
// expected results, never errors.
type CheckResult struct {
	OK     bool
	Reason string
}

// StopCheckResult carries the measured distance alongside the verdict.
type StopCheckResult struct {
	OK             bool
	DistanceMeters float64
}

// CheckBounds verifies a point lies within the operating region. NaN, Inf and
// out-of-range degrees are rejected as invalid results, not as errors.
func CheckBounds(lat, lng float64, region Region) CheckResult {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return CheckResult{Reason: "coordinate is NaN"}
	}
	if math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return CheckResult{Reason: "coordinate is infinite"}
	}
	if lat < -90 || lat > 90 {
		return CheckResult{Reason: "latitude outside [-90, 90]"}
	}
	if lng < -180 || lng > 180 {
		return CheckResult{Reason: "longitude outside [-180, 180]"}
	}
	if lat < region.MinLatitude || lat > region.MaxLatitude {
		return CheckResult{Reason: fmt.Sprintf("latitude outside operating region (%.2f to %.2f)", region.MinLatitude, region.MaxLatitude)}
	}
	if lng < region.MinLongitude || lng > region.MaxLongitude {
		return CheckResult{Reason: fmt.Sprintf("longitude outside operating region (%.2f to %.2f)", region.MinLongitude, region.MaxLongitude)}
	}
	return CheckResult{OK: true}
}

// CheckSpeed validates a reported speed. A nil speed is valid: the signal is
// optional. Buses above maxSpeedMps are presumed GPS glitches or non-bus devices.
func CheckSpeed(speedMps *float64, maxSpeedMps float64) CheckResult {
	if speedMps == nil {
		return CheckResult{OK: true}
	}
	v := *speedMps
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return CheckResult{Reason: "speed is not a finite number"}
	}
	if v < 0 {
		return CheckResult{Reason: "speed is negative"}
	}
	if v > maxSpeedMps {
		return CheckResult{Reason: fmt.Sprintf("speed %.1f m/s exceeds limit %.1f m/s", v, maxSpeedMps)}
	}
	return CheckResult{OK: true}
}

// CheckStop verifies a point falls inside a stop's circular coverage geofence.
func CheckStop(lat, lng float64, stop models.Stop) StopCheckResult {
	dist := geo.HaversineMeters(lat, lng, stop.Latitude, stop.Longitude)
	return StopCheckResult{
		OK:             dist <= stop.CoverageRadius,
		DistanceMeters: dist,
	}
}

// CheckAccuracy flags samples with GPS accuracy worse than the ceiling. The
// sample stays admissible; the flag is feedback for the client.
func CheckAccuracy(accuracyMeters, maxAccuracyMeters float64) CheckResult {
	if math.IsNaN(accuracyMeters) || math.IsInf(accuracyMeters, 0) || accuracyMeters < 0 {
		return CheckResult{Reason: "accuracy is not a valid distance"}
	}
	if accuracyMeters > maxAccuracyMeters {
		return CheckResult{Reason: fmt.Sprintf("GPS accuracy %.0f m is too poor (limit %.0f m)", accuracyMeters, maxAccuracyMeters)}
	}
	return CheckResult{OK: true}
}

// GeofenceBoundaries projects reference stop data for map overlays.
func GeofenceBoundaries(stops []models.Stop) []models.GeofenceBoundary {
	boundaries := make([]models.GeofenceBoundary, 0, len(stops))
	for _, s := range stops {
		boundaries = append(boundaries, models.GeofenceBoundary{
			StopName:     s.Name,
			Latitude:     s.Latitude,
			Longitude:    s.Longitude,
			RadiusMeters: s.CoverageRadius,
		})
	}
	return boundaries
}

// ValidateSubmitRequest rejects malformed submissions before any state
// mutation. These are input errors, distinct from validation failures.
func ValidateSubmitRequest(req models.SubmitLocationRequest) error {
	if req.BusID == "" {
		return fmt.Errorf("bus_id: required")
	}
	if req.DeviceToken == "" {
		return fmt.Errorf("device_token: required")
	}
	if len(req.DeviceToken) > 128 {
		return fmt.Errorf("device_token: too long")
	}
	if math.IsNaN(req.AccuracyMeters) || req.AccuracyMeters < 0 {
		return fmt.Errorf("accuracy_meters: must be a non-negative number")
	}
	return nil
}
