package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sharifemon/buspulse/internal/models"
)

// UpsertPosition replaces a bus's published position. Last-writer-wins is fine:
// the row is a recomputation from durable samples, not an accumulator.
func (r *Repository) UpsertPosition(ctx context.Context, pos *models.CurrentPosition) error {
	query := `
		INSERT INTO current_positions
		(bus_id, latitude, longitude, confidence_level, status, active_trackers,
		 trusted_trackers, average_trust_score, movement_consistency, bearing_degrees,
		 last_known_latitude, last_known_longitude, last_known_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (bus_id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			confidence_level = EXCLUDED.confidence_level,
			status = EXCLUDED.status,
			active_trackers = EXCLUDED.active_trackers,
			trusted_trackers = EXCLUDED.trusted_trackers,
			average_trust_score = EXCLUDED.average_trust_score,
			movement_consistency = EXCLUDED.movement_consistency,
			bearing_degrees = EXCLUDED.bearing_degrees,
			last_known_latitude = EXCLUDED.last_known_latitude,
			last_known_longitude = EXCLUDED.last_known_longitude,
			last_known_at = EXCLUDED.last_known_at,
			last_updated = EXCLUDED.last_updated
	`

	_, err := r.db.ExecContext(ctx, query,
		pos.BusID, pos.Latitude, pos.Longitude, pos.ConfidenceLevel, pos.Status,
		pos.ActiveTrackers, pos.TrustedTrackers, pos.AverageTrustScore,
		pos.MovementConsistency, pos.BearingDegrees,
		pos.LastKnownLatitude, pos.LastKnownLongitude, pos.LastKnownAt, pos.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

// GetPosition returns the stored position row for a bus.
func (r *Repository) GetPosition(ctx context.Context, busID string) (*models.CurrentPosition, error) {
	var pos models.CurrentPosition
	if err := r.db.GetContext(ctx, &pos, `SELECT * FROM current_positions WHERE bus_id = $1`, busID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return &pos, nil
}

// AllPositions lists every bus with any published history.
func (r *Repository) AllPositions(ctx context.Context) ([]models.CurrentPosition, error) {
	var positions []models.CurrentPosition
	if err := r.db.SelectContext(ctx, &positions, `SELECT * FROM current_positions ORDER BY bus_id`); err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	return positions, nil
}

// TrackedBusIDs returns every bus ID that has any sample history, so the
// aggregation sweep knows which buses to recompute.
func (r *Repository) TrackedBusIDs(ctx context.Context) ([]string, error) {
	var ids []string
	query := `
		SELECT bus_id FROM current_positions
		UNION
		SELECT DISTINCT bus_id FROM location_samples
		ORDER BY bus_id
	`
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to list tracked buses: %w", err)
	}
	return ids, nil
}

// CountTrackedBuses counts buses with a published position row.
func (r *Repository) CountTrackedBuses(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM current_positions`); err != nil {
		return 0, fmt.Errorf("failed to count tracked buses: %w", err)
	}
	return n, nil
}
