package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sharifemon/buspulse/pkg/logger"
)

var (
	ErrNoConnection = errors.New("no database connection")
	ErrMaxRetries   = errors.New("max retries exceeded")
)

type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 5,
	InitialWait: 100 * time.Millisecond,
	MaxWait:     5 * time.Second,
	Multiplier:  2.0,
}

// ConflictRetryConfig retries exactly once, for optimistic write conflicts on
// the trust ledger before surfacing a transient failure to the caller.
var ConflictRetryConfig = RetryConfig{
	MaxAttempts: 2,
	InitialWait: 50 * time.Millisecond,
	MaxWait:     200 * time.Millisecond,
	Multiplier:  2.0,
}

// WithRetry wraps a database operation with exponential backoff retry logic.
func WithRetry(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	wait := config.InitialWait

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		// Errors marked permanent by the operation fail immediately.
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		// Don't retry on context cancellation
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Don't retry on certain SQL errors
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}

		// Check if we've exhausted retries
		if attempt >= config.MaxAttempts {
			break
		}

		logger.Warn("Database operation failed, retrying", map[string]any{
			"attempt": attempt,
			"max":     config.MaxAttempts,
			"wait_ms": wait.Milliseconds(),
			"error":   err.Error(),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		// Exponential backoff
		wait = time.Duration(float64(wait) * config.Multiplier)
		wait = min(wait, config.MaxWait)
	}

	return fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

// Permanent marks an error so WithRetry fails immediately instead of burning
// attempts on it. WithRetry returns the original error unwrapped.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsRetryableConflict reports whether an error is a serialization failure or
// deadlock that a single retry can resolve.
func IsRetryableConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// HealthCheck verifies database connectivity.
func (r *Repository) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return r.db.PingContext(ctx)
}

// Stats returns database connection pool statistics.
func (r *Repository) Stats() sql.DBStats {
	return r.db.Stats()
}
