package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sharifemon/buspulse/internal/models"
)

// InsertSessionIfAbsent opens a tracking session unless the device already has
// an active one on the same bus. The partial unique index on
// (device_token_hash, bus_id) WHERE is_active makes concurrent starts converge:
// exactly one insert wins and everyone else reads the winner's row.
func (r *Repository) InsertSessionIfAbsent(ctx context.Context, s models.TrackingSession) (*models.TrackingSession, bool, error) {
	query := `
		INSERT INTO tracking_sessions
		(session_id, device_token_hash, bus_id, started_at, is_active,
		 locations_contributed, valid_locations, average_accuracy,
		 total_distance_covered, last_activity, trust_score_at_start)
		VALUES ($1, $2, $3, $4, TRUE, 0, 0, 0, 0, $4, $5)
		ON CONFLICT (device_token_hash, bus_id) WHERE is_active DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query,
		s.SessionID, s.DeviceTokenHash, s.BusID, s.StartedAt, s.TrustScoreAtStart)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert session: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		stored, err := r.GetSession(ctx, s.SessionID)
		if err != nil {
			return nil, false, err
		}
		return stored, true, nil
	}

	// Lost the race or the session already existed; observe the winner.
	var existing models.TrackingSession
	err = r.db.GetContext(ctx, &existing, `
		SELECT * FROM tracking_sessions
		WHERE device_token_hash = $1 AND bus_id = $2 AND is_active
	`, s.DeviceTokenHash, s.BusID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrSessionNotFound
		}
		return nil, false, fmt.Errorf("failed to load existing session: %w", err)
	}
	return &existing, false, nil
}

// GetSession retrieves one session by ID.
func (r *Repository) GetSession(ctx context.Context, sessionID uuid.UUID) (*models.TrackingSession, error) {
	var s models.TrackingSession
	if err := r.db.GetContext(ctx, &s, `SELECT * FROM tracking_sessions WHERE session_id = $1`, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// EndSession closes a session. Ending an already-ended session is a no-op, so
// the sweep and an in-flight end call cannot race destructively. Returns the
// closed row, or nil when the session was already closed.
func (r *Repository) EndSession(ctx context.Context, sessionID uuid.UUID, now time.Time) (*models.TrackingSession, error) {
	var s models.TrackingSession
	err := r.db.GetContext(ctx, &s, `
		UPDATE tracking_sessions
		SET is_active = FALSE, ended_at = $2
		WHERE session_id = $1 AND is_active
		RETURNING *
	`, sessionID, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish "never existed" from "already ended".
			if _, getErr := r.GetSession(ctx, sessionID); getErr != nil {
				return nil, getErr
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	return &s, nil
}

// ActiveSessionsForBus lists sessions active on a bus with recent activity.
func (r *Repository) ActiveSessionsForBus(ctx context.Context, busID string, activeSince time.Time) ([]models.TrackingSession, error) {
	var sessions []models.TrackingSession
	query := `
		SELECT * FROM tracking_sessions
		WHERE bus_id = $1 AND is_active AND last_activity >= $2
		ORDER BY started_at
	`
	if err := r.db.SelectContext(ctx, &sessions, query, busID, activeSince); err != nil {
		return nil, fmt.Errorf("failed to select active sessions: %w", err)
	}
	return sessions, nil
}

// CountDistinctTrackers counts distinct devices with an active session on a
// bus since the cutoff.
func (r *Repository) CountDistinctTrackers(ctx context.Context, busID string, activeSince time.Time) (int, error) {
	var n int
	query := `
		SELECT COUNT(DISTINCT device_token_hash) FROM tracking_sessions
		WHERE bus_id = $1 AND is_active AND last_activity >= $2
	`
	if err := r.db.GetContext(ctx, &n, query, busID, activeSince); err != nil {
		return 0, fmt.Errorf("failed to count trackers: %w", err)
	}
	return n, nil
}

// CountActiveSessions counts all currently active sessions.
func (r *Repository) CountActiveSessions(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tracking_sessions WHERE is_active`); err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return n, nil
}

// CloseStaleSessions force-ends sessions with no activity past the cutoff.
// The is_active guard keeps concurrent sweeps idempotent.
func (r *Repository) CloseStaleSessions(ctx context.Context, idleCutoff, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tracking_sessions
		SET is_active = FALSE, ended_at = $2
		WHERE is_active AND last_activity < $1
	`, idleCutoff, now)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// DeleteSessionsBefore purges ended sessions past the retention window.
func (r *Repository) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM tracking_sessions
		WHERE NOT is_active AND started_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	return res.RowsAffected()
}
