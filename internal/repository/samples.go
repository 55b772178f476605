package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/pkg/geo"
)

// SampleWrite bundles everything one submission mutates: the judged sample,
// the summed trust delta, the accuracy outcome for the reputation counters and
// the optional session to update. All of it commits in one transaction.
type SampleWrite struct {
	Sample           models.LocationSample
	TrustDelta       float64
	WasAccurate      bool
	TrustedThreshold float64
	MaxSpeedMps      float64
	SessionID        *uuid.UUID
}

// StoreSample persists a judged sample together with its device trust update
// and session counter bump. Either all three commit or none do, so a sample's
// reputation_weight always matches a ledger that saw the same submission.
func (r *Repository) StoreSample(ctx context.Context, w SampleWrite) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize updates within one session via a row lock. Reads the last
	// point for distance and movement plausibility.
	var session *models.TrackingSession
	if w.SessionID != nil {
		var s models.TrackingSession
		err := tx.GetContext(ctx, &s,
			`SELECT * FROM tracking_sessions WHERE session_id = $1 AND is_active FOR UPDATE`,
			*w.SessionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, ErrSessionNotFound
			}
			return 0, fmt.Errorf("failed to lock session: %w", err)
		}
		if s.DeviceTokenHash != w.Sample.DeviceTokenHash {
			return 0, ErrSessionNotFound
		}
		session = &s
	}

	var sampleID int64
	err = tx.GetContext(ctx, &sampleID, `
		INSERT INTO location_samples
		(bus_id, device_token_hash, latitude, longitude, accuracy_meters, speed_mps,
		 reputation_weight, is_validated, recorded_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`,
		w.Sample.BusID, w.Sample.DeviceTokenHash, w.Sample.Latitude, w.Sample.Longitude,
		w.Sample.AccuracyMeters, w.Sample.SpeedMps, w.Sample.ReputationWeight,
		w.Sample.IsValidated, w.Sample.RecordedAt, w.Sample.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sample: %w", err)
	}

	accurate := 0
	if w.WasAccurate {
		accurate = 1
	}

	// Score this report's agreement with the bus's published consensus
	// position, when one exists.
	var clustering *float64
	var consensusLat, consensusLng sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT latitude, longitude FROM current_positions WHERE bus_id = $1`,
		w.Sample.BusID).Scan(&consensusLat, &consensusLng)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read consensus position: %w", err)
	}
	if consensusLat.Valid && consensusLng.Valid {
		clustering = ptr(clusterAgreement(geo.HaversineMeters(
			consensusLat.Float64, consensusLng.Float64,
			w.Sample.Latitude, w.Sample.Longitude)))
	}

	var plausible *float64
	var legDistance float64
	if session != nil && session.LastLatitude != nil && session.LastLongitude != nil {
		legDistance = geo.HaversineMeters(*session.LastLatitude, *session.LastLongitude,
			w.Sample.Latitude, w.Sample.Longitude)
		plausible = ptr(movementPlausibility(legDistance,
			w.Sample.RecordedAt.Sub(session.LastActivity), w.MaxSpeedMps))
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE devices SET
			total_contributions = total_contributions + 1,
			accurate_contributions = accurate_contributions + $2,
			reputation_score = LEAST(1.0, GREATEST(0.0,
				(accurate_contributions + $2)::float8 / (total_contributions + 1))),
			trust_score = LEAST(1.0, GREATEST(0.0, trust_score + $3)),
			is_trusted = LEAST(1.0, GREATEST(0.0, trust_score + $3)) >= $4,
			movement_consistency = CASE
				WHEN $5::float8 IS NULL THEN movement_consistency
				ELSE LEAST(1.0, GREATEST(0.0, movement_consistency * 0.8 + $5::float8 * 0.2))
			END,
			clustering_score = CASE
				WHEN $7::float8 IS NULL THEN clustering_score
				ELSE LEAST(1.0, GREATEST(0.0, clustering_score * 0.8 + $7::float8 * 0.2))
			END,
			last_activity = $6
		WHERE token_hash = $1
	`, w.Sample.DeviceTokenHash, accurate, w.TrustDelta, w.TrustedThreshold, plausible,
		w.Sample.RecordedAt, clustering)
	if err != nil {
		return 0, fmt.Errorf("failed to update device trust: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, ErrDeviceNotFound
	}

	if session != nil {
		validInc := 0
		if w.Sample.IsValidated {
			validInc = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tracking_sessions SET
				locations_contributed = locations_contributed + 1,
				valid_locations = valid_locations + $2,
				average_accuracy = (average_accuracy * locations_contributed + $3)
					/ (locations_contributed + 1),
				total_distance_covered = total_distance_covered + $4,
				last_latitude = $5,
				last_longitude = $6,
				last_activity = $7
			WHERE session_id = $1
		`, session.SessionID, validInc, w.Sample.AccuracyMeters, legDistance,
			w.Sample.Latitude, w.Sample.Longitude, w.Sample.RecordedAt)
		if err != nil {
			return 0, fmt.Errorf("failed to update session counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sample: %w", err)
	}

	return sampleID, nil
}

// RecentValidatedSamples returns validated samples for a bus recorded at or
// after the cutoff, newest first.
func (r *Repository) RecentValidatedSamples(ctx context.Context, busID string, since time.Time) ([]models.LocationSample, error) {
	var samples []models.LocationSample
	query := `
		SELECT * FROM location_samples
		WHERE bus_id = $1 AND is_validated AND recorded_at >= $2
		ORDER BY recorded_at DESC
	`
	if err := r.db.SelectContext(ctx, &samples, query, busID, since); err != nil {
		return nil, fmt.Errorf("failed to select recent samples: %w", err)
	}
	return samples, nil
}

// LatestValidatedSample returns the most recent validated sample regardless of
// age, or nil when the bus has no validated history at all.
func (r *Repository) LatestValidatedSample(ctx context.Context, busID string) (*models.LocationSample, error) {
	var sample models.LocationSample
	query := `
		SELECT * FROM location_samples
		WHERE bus_id = $1 AND is_validated
		ORDER BY recorded_at DESC
		LIMIT 1
	`
	if err := r.db.GetContext(ctx, &sample, query, busID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select latest sample: %w", err)
	}
	return &sample, nil
}

// DeleteSamplesBefore purges raw samples past the retention window.
func (r *Repository) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM location_samples WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old samples: %w", err)
	}
	return res.RowsAffected()
}

// CountSamples returns how many raw samples are currently retained.
func (r *Repository) CountSamples(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM location_samples`); err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return n, nil
}

// clusterAgreement scores how well a report agrees with the published
// consensus position: directly on it reads 1, 150m or more away reads 0.
func clusterAgreement(distanceMeters float64) float64 {
	if distanceMeters <= 0 {
		return 1
	}
	if distanceMeters >= 150 {
		return 0
	}
	return 1 - distanceMeters/150
}

func movementPlausibility(distanceMeters float64, elapsed time.Duration, maxSpeedMps float64) float64 {
	if elapsed <= 0 {
		// Same-instant reports from two places apart are implausible.
		if distanceMeters > 50 {
			return 0
		}
		return 1
	}
	if distanceMeters/elapsed.Seconds() > maxSpeedMps {
		return 0
	}
	return 1
}

func ptr[T any](v T) *T { return &v }
