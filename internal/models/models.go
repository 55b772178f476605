package models

import (
	"time"

	"github.com/google/uuid"
)

// BusStatus is the published state of a bus position.
type BusStatus string

const (
	StatusActive   BusStatus = "active"
	StatusInactive BusStatus = "inactive"
	StatusNoData   BusStatus = "no_data"
)

// DeviceIdentity is the long-lived record of one anonymous contributing device.
// TokenHash is derived from the client fingerprint plus a server secret; the raw
// fingerprint is never stored.
type DeviceIdentity struct {
	TokenHash             string    `db:"token_hash" json:"token_hash"`
	FingerprintSummary    string    `db:"fingerprint_summary" json:"-"`
	ReputationScore       float64   `db:"reputation_score" json:"reputation_score"`
	TrustScore            float64   `db:"trust_score" json:"trust_score"`
	IsTrusted             bool      `db:"is_trusted" json:"is_trusted"`
	TotalContributions    int64     `db:"total_contributions" json:"total_contributions"`
	AccurateContributions int64     `db:"accurate_contributions" json:"accurate_contributions"`
	MovementConsistency   float64   `db:"movement_consistency" json:"movement_consistency"`
	ClusteringScore       float64   `db:"clustering_score" json:"clustering_score"`
	LastActivity          time.Time `db:"last_activity" json:"last_activity"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
}

// LocationSample is one raw GPS report. ReputationWeight and IsValidated are a
// historical judgment frozen at write time and never recomputed.
type LocationSample struct {
	ID               int64     `db:"id" json:"id"`
	BusID            string    `db:"bus_id" json:"bus_id"`
	DeviceTokenHash  string    `db:"device_token_hash" json:"device_token_hash"`
	Latitude         float64   `db:"latitude" json:"latitude"`
	Longitude        float64   `db:"longitude" json:"longitude"`
	AccuracyMeters   float64   `db:"accuracy_meters" json:"accuracy_meters"`
	SpeedMps         *float64  `db:"speed_mps" json:"speed_mps,omitempty"`
	ReputationWeight float64   `db:"reputation_weight" json:"reputation_weight"`
	IsValidated      bool      `db:"is_validated" json:"is_validated"`
	RecordedAt       time.Time `db:"recorded_at" json:"recorded_at"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// TrackingSession is one device's engagement window with one bus.
type TrackingSession struct {
	SessionID            uuid.UUID  `db:"session_id" json:"session_id"`
	DeviceTokenHash      string     `db:"device_token_hash" json:"device_token_hash"`
	BusID                string     `db:"bus_id" json:"bus_id"`
	StartedAt            time.Time  `db:"started_at" json:"started_at"`
	EndedAt              *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	IsActive             bool       `db:"is_active" json:"is_active"`
	LocationsContributed int64      `db:"locations_contributed" json:"locations_contributed"`
	ValidLocations       int64      `db:"valid_locations" json:"valid_locations"`
	AverageAccuracy      float64    `db:"average_accuracy" json:"average_accuracy"`
	TotalDistanceCovered float64    `db:"total_distance_covered" json:"total_distance_covered"`
	LastLatitude         *float64   `db:"last_latitude" json:"-"`
	LastLongitude        *float64   `db:"last_longitude" json:"-"`
	LastActivity         time.Time  `db:"last_activity" json:"last_activity"`
	TrustScoreAtStart    float64    `db:"trust_score_at_start" json:"trust_score_at_start"`
}

// AccuracyRate is validLocations / locationsContributed, 0 with no contributions.
func (s *TrackingSession) AccuracyRate() float64 {
	if s.LocationsContributed == 0 {
		return 0
	}
	return float64(s.ValidLocations) / float64(s.LocationsContributed)
}

// CurrentPosition is the materialized read model, one row per bus.
type CurrentPosition struct {
	BusID               string     `db:"bus_id" json:"bus_id"`
	Latitude            *float64   `db:"latitude" json:"latitude"`
	Longitude           *float64   `db:"longitude" json:"longitude"`
	ConfidenceLevel     float64    `db:"confidence_level" json:"confidence_level"`
	Status              BusStatus  `db:"status" json:"status"`
	ActiveTrackers      int        `db:"active_trackers" json:"active_trackers"`
	TrustedTrackers     int        `db:"trusted_trackers" json:"trusted_trackers"`
	AverageTrustScore   float64    `db:"average_trust_score" json:"average_trust_score"`
	MovementConsistency float64    `db:"movement_consistency" json:"movement_consistency"`
	BearingDegrees      *float64   `db:"bearing_degrees" json:"bearing_degrees,omitempty"`
	LastKnownLatitude   *float64   `db:"last_known_latitude" json:"last_known_latitude,omitempty"`
	LastKnownLongitude  *float64   `db:"last_known_longitude" json:"last_known_longitude,omitempty"`
	LastKnownAt         *time.Time `db:"last_known_at" json:"last_known_at,omitempty"`
	LastUpdated         time.Time  `db:"last_updated" json:"last_updated"`
}

// Stop is a known stop with its circular coverage geofence.
type Stop struct {
	ID             int64   `db:"id" json:"id"`
	RouteID        string  `db:"route_id" json:"route_id"`
	Name           string  `db:"name" json:"name"`
	Latitude       float64 `db:"latitude" json:"latitude"`
	Longitude      float64 `db:"longitude" json:"longitude"`
	CoverageRadius float64 `db:"coverage_radius" json:"coverage_radius"`
	Sequence       int     `db:"sequence" json:"sequence"`
}

// SubmitLocationRequest is the device-facing ingestion payload.
type SubmitLocationRequest struct {
	BusID          string     `json:"bus_id"`
	DeviceToken    string     `json:"device_token"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	AccuracyMeters float64    `json:"accuracy_meters"`
	SpeedMps       *float64   `json:"speed_mps,omitempty"`
	RecordedAt     *time.Time `json:"recorded_at,omitempty"`
	SessionID      *uuid.UUID `json:"session_id,omitempty"`
}

// CheckOutcome is the result of one validation check. Ran=false means the
// check had no context to run (e.g. no expected stop for the bus right now).
type CheckOutcome struct {
	Ran    bool   `json:"ran"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// ValidationDetail itemizes every check so a buggy client can self-diagnose.
type ValidationDetail struct {
	Coordinates  CheckOutcome `json:"coordinates"`
	Speed        CheckOutcome `json:"speed"`
	StopRadius   CheckOutcome `json:"stop_radius"`
	Accuracy     CheckOutcome `json:"accuracy"`
	StopDistance float64      `json:"stop_distance_meters,omitempty"`
}

// IngestionResult is returned to the submitting device.
type IngestionResult struct {
	Success           bool             `json:"success"`
	SampleID          int64            `json:"sample_id,omitempty"`
	IsValidated       bool             `json:"is_validated"`
	Validation        ValidationDetail `json:"validation"`
	TrustDelta        float64          `json:"trust_delta"`
	ReputationUpdated bool             `json:"reputation_updated"`
}

// RegisterDeviceRequest bootstraps an anonymous device identity.
type RegisterDeviceRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// RegisterDeviceResponse carries the opaque token the client submits with.
type RegisterDeviceResponse struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
	IsNew    bool   `json:"is_new"`
}

// StartSessionRequest opens a tracking session for one device on one bus.
type StartSessionRequest struct {
	DeviceToken string `json:"device_token"`
	BusID       string `json:"bus_id"`
}

// SessionResult reports the session a start call converged on.
type SessionResult struct {
	SessionID uuid.UUID `json:"session_id"`
	BusID     string    `json:"bus_id"`
	StartedAt time.Time `json:"started_at"`
	Existing  bool      `json:"existing"`
}

// DeviceTrustSummary is the read surface for a device's own standing.
type DeviceTrustSummary struct {
	ReputationScore    float64 `json:"reputation_score"`
	TrustScore         float64 `json:"trust_score"`
	IsTrusted          bool    `json:"is_trusted"`
	TotalContributions int64   `json:"total_contributions"`
}

// CollectionStatistics is the monitoring read surface.
type CollectionStatistics struct {
	ActiveSessions  int64 `json:"active_sessions"`
	LocationsToday  int64 `json:"locations_today"`
	TotalDevices    int64 `json:"total_devices"`
	TrustedDevices  int64 `json:"trusted_devices"`
	TrackedBuses    int64 `json:"tracked_buses"`
	SamplesRetained int64 `json:"samples_retained"`
}

// CleanupResult reports what a retention purge removed.
type CleanupResult struct {
	SamplesRemoved  int64 `json:"samples_removed"`
	SessionsRemoved int64 `json:"sessions_removed"`
	SessionsClosed  int64 `json:"sessions_closed"`
}

// GeofenceBoundary is the map-overlay projection of a stop geofence.
type GeofenceBoundary struct {
	StopName     string  `json:"stop_name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters"`
}
