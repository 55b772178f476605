package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sharifemon/buspulse/internal/models"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrPositionNotFound = errors.New("position not found")
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(dsn string, maxConns, maxIdleConns int) (*Repository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Repository{db: db}, nil
}

// GetDevice retrieves a device identity by token hash.
func (r *Repository) GetDevice(ctx context.Context, tokenHash string) (*models.DeviceIdentity, error) {
	var device models.DeviceIdentity
	query := `SELECT * FROM devices WHERE token_hash = $1`

	if err := r.db.GetContext(ctx, &device, query, tokenHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return &device, nil
}

// CreateDeviceIfAbsent registers a device with neutral seed scores. Returns the
// stored record and whether this call created it. Concurrent registrations for
// the same token converge on a single row.
func (r *Repository) CreateDeviceIfAbsent(ctx context.Context, tokenHash, fingerprintSummary string, seedScore float64, trustedThreshold float64, now time.Time) (*models.DeviceIdentity, bool, error) {
	query := `
		INSERT INTO devices
		(token_hash, fingerprint_summary, reputation_score, trust_score, is_trusted,
		 total_contributions, accurate_contributions, movement_consistency, clustering_score,
		 last_activity, created_at)
		VALUES ($1, $2, $3, $3, $3 >= $4, 0, 0, $3, $3, $5, $5)
		ON CONFLICT (token_hash) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query, tokenHash, fingerprintSummary, seedScore, trustedThreshold, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create device: %w", err)
	}

	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}

	device, err := r.GetDevice(ctx, tokenHash)
	if err != nil {
		return nil, false, err
	}
	return device, created, nil
}

// ApplyTrustDelta adds a signed delta to a device's trust score, clamped to
// [0,1], and rederives the trusted flag. Returns the new score.
func (r *Repository) ApplyTrustDelta(ctx context.Context, tokenHash string, delta, trustedThreshold float64, now time.Time) (float64, error) {
	query := `
		UPDATE devices SET
			trust_score = LEAST(1.0, GREATEST(0.0, trust_score + $2)),
			is_trusted = LEAST(1.0, GREATEST(0.0, trust_score + $2)) >= $3,
			last_activity = $4
		WHERE token_hash = $1
		RETURNING trust_score
	`

	var newScore float64
	if err := r.db.GetContext(ctx, &newScore, query, tokenHash, delta, trustedThreshold, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrDeviceNotFound
		}
		return 0, fmt.Errorf("failed to apply trust delta: %w", err)
	}
	return newScore, nil
}

// SetTrustScore is the administrative override. It bypasses delta logic but
// still clamps and rederives the trusted flag.
func (r *Repository) SetTrustScore(ctx context.Context, tokenHash string, score, trustedThreshold float64, now time.Time) error {
	query := `
		UPDATE devices SET
			trust_score = LEAST(1.0, GREATEST(0.0, $2::float8)),
			is_trusted = LEAST(1.0, GREATEST(0.0, $2::float8)) >= $3,
			last_activity = $4
		WHERE token_hash = $1
	`

	res, err := r.db.ExecContext(ctx, query, tokenHash, score, trustedThreshold, now)
	if err != nil {
		return fmt.Errorf("failed to set trust score: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// RecordContributionOutcome bumps the contribution counters and rederives the
// reputation ratio. Used outside the ingestion transaction (e.g. moderation).
func (r *Repository) RecordContributionOutcome(ctx context.Context, tokenHash string, wasAccurate bool, now time.Time) error {
	accurate := 0
	if wasAccurate {
		accurate = 1
	}

	query := `
		UPDATE devices SET
			total_contributions = total_contributions + 1,
			accurate_contributions = accurate_contributions + $2,
			reputation_score = LEAST(1.0, GREATEST(0.0,
				(accurate_contributions + $2)::float8 / (total_contributions + 1))),
			last_activity = $3
		WHERE token_hash = $1
	`

	res, err := r.db.ExecContext(ctx, query, tokenHash, accurate, now)
	if err != nil {
		return fmt.Errorf("failed to record contribution outcome: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// CountDevices returns total and trusted device counts.
func (r *Repository) CountDevices(ctx context.Context) (total, trusted int64, err error) {
	query := `SELECT COUNT(*), COUNT(*) FILTER (WHERE is_trusted) FROM devices`
	if err := r.db.QueryRowxContext(ctx, query).Scan(&total, &trusted); err != nil {
		return 0, 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return total, trusted, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// BeginTx starts a transaction.
func (r *Repository) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, nil)
}
