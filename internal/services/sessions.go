package services

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/sharifemon/buspulse/internal/config"
	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/internal/repository"
	"github.com/sharifemon/buspulse/pkg/logger"
)

// ErrSessionNotFound means the referenced session does not exist at all.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore is the persistence the tracker needs.
type SessionStore interface {
	InsertSessionIfAbsent(ctx context.Context, s models.TrackingSession) (*models.TrackingSession, bool, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*models.TrackingSession, error)
	EndSession(ctx context.Context, sessionID uuid.UUID, now time.Time) (*models.TrackingSession, error)
	ActiveSessionsForBus(ctx context.Context, busID string, activeSince time.Time) ([]models.TrackingSession, error)
	CloseStaleSessions(ctx context.Context, idleCutoff, now time.Time) (int64, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionMetrics counts session lifecycle events. Nil disables metrics.
type SessionMetrics interface {
	SessionStarted()
	SessionEnded(forced bool)
}

// SessionTracker keeps the bookkeeping of start/stop tracking windows per
// device and bus.
type SessionTracker struct {
	store   SessionStore
	ledger  *TrustLedger
	cfg     *config.SessionConfig
	metrics SessionMetrics
}

func NewSessionTracker(store SessionStore, ledger *TrustLedger, cfg *config.SessionConfig, metrics SessionMetrics) *SessionTracker {
	return &SessionTracker{store: store, ledger: ledger, cfg: cfg, metrics: metrics}
}

// Start opens a session for a device on a bus. A device has at most one
// active session per bus; a second start returns the existing session rather
// than failing, and concurrent starts converge on a single winner.
func (t *SessionTracker) Start(ctx context.Context, deviceToken, busID string, now time.Time) (*models.SessionResult, error) {
	device, err := t.ledger.Get(ctx, HashToken(deviceToken))
	if err != nil {
		return nil, err
	}

	session, created, err := t.store.InsertSessionIfAbsent(ctx, models.TrackingSession{
		SessionID:       uuid.New(),
		DeviceTokenHash: device.TokenHash,
		BusID:           busID,
		StartedAt:       now,
		IsActive:        true,
		// Snapshot for quality scoring independent of later trust drift.
		TrustScoreAtStart: device.TrustScore,
	})
	if err != nil {
		return nil, err
	}

	if created && t.metrics != nil {
		t.metrics.SessionStarted()
	}

	return &models.SessionResult{
		SessionID: session.SessionID,
		BusID:     session.BusID,
		StartedAt: session.StartedAt,
		Existing:  !created,
	}, nil
}

// End closes a session. Ending an already-ended session is a no-op. A freshly
// closed session's quality score feeds back into device trust as a small
// secondary adjustment.
func (t *SessionTracker) End(ctx context.Context, sessionID uuid.UUID, now time.Time) error {
	session, err := t.store.EndSession(ctx, sessionID, now)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if session == nil {
		return nil // already ended
	}

	if t.metrics != nil {
		t.metrics.SessionEnded(false)
	}

	quality := t.QualityScore(session, now)
	delta := (quality - 0.5) * 0.1
	if _, err := t.ledger.ApplyTrustDelta(ctx, session.DeviceTokenHash, delta, now); err != nil {
		logger.Warn("Failed to apply session quality trust delta", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	return nil
}

// ActiveForBus lists sessions active on a bus within the tracker window.
func (t *SessionTracker) ActiveForBus(ctx context.Context, busID string, now time.Time) ([]models.TrackingSession, error) {
	return t.store.ActiveSessionsForBus(ctx, busID, now.Add(-t.cfg.StaleAfter))
}

// SweepStale force-ends sessions idle past the staleness cutoff. Safe to run
// concurrently with itself and with in-flight End calls: every transition
// lands on is_active=false.
func (t *SessionTracker) SweepStale(ctx context.Context, now time.Time) (int64, error) {
	closed, err := t.store.CloseStaleSessions(ctx, now.Add(-t.cfg.StaleAfter), now)
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		logger.Info("Swept stale tracking sessions", map[string]any{"closed": closed})
		if t.metrics != nil {
			for i := int64(0); i < closed; i++ {
				t.metrics.SessionEnded(true)
			}
		}
	}
	return closed, nil
}

// QualityScore blends accuracy rate (40%), session duration capped at the
// configured maximum (30%) and GPS accuracy quality (30%).
func (t *SessionTracker) QualityScore(s *models.TrackingSession, now time.Time) float64 {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	duration := end.Sub(s.StartedAt)
	durationScore := math.Min(1, duration.Minutes()/t.cfg.MaxDurationScore.Minutes())

	// 10m accuracy scores 0.9; anything at or beyond 100m scores 0.
	accuracyQuality := clamp01(1 - s.AverageAccuracy/100)

	return clamp01(0.4*s.AccuracyRate() + 0.3*durationScore + 0.3*accuracyQuality)
}
