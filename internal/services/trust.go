package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sharifemon/buspulse/internal/config"
	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/internal/repository"
)

// ErrUnknownDevice means the token was never registered. Registration is a
// prerequisite handled by the TokenService.
var ErrUnknownDevice = errors.New("unknown device")

// TrustStore is the persistence the ledger needs. Implemented by
// *repository.Repository.
type TrustStore interface {
	GetDevice(ctx context.Context, tokenHash string) (*models.DeviceIdentity, error)
	CreateDeviceIfAbsent(ctx context.Context, tokenHash, fingerprintSummary string, seedScore, trustedThreshold float64, now time.Time) (*models.DeviceIdentity, bool, error)
	ApplyTrustDelta(ctx context.Context, tokenHash string, delta, trustedThreshold float64, now time.Time) (float64, error)
	SetTrustScore(ctx context.Context, tokenHash string, score, trustedThreshold float64, now time.Time) error
	RecordContributionOutcome(ctx context.Context, tokenHash string, wasAccurate bool, now time.Time) error
}

// TrustLedger is the single source of truth for how much we believe a device.
// It is agnostic to why trust moves, only that it moves; the scoring policy
// lives with the ingestion pipeline.
type TrustLedger struct {
	store TrustStore
	cfg   *config.TrustConfig
}

func NewTrustLedger(store TrustStore, cfg *config.TrustConfig) *TrustLedger {
	return &TrustLedger{store: store, cfg: cfg}
}

// GetOrCreate registers an unseen device with neutral seed scores, or returns
// the existing record. The fingerprint is summarized before it gets here; the
// ledger never sees raw fingerprints.
func (l *TrustLedger) GetOrCreate(ctx context.Context, tokenHash, fingerprintSummary string, now time.Time) (*models.DeviceIdentity, bool, error) {
	device, created, err := l.store.CreateDeviceIfAbsent(ctx, tokenHash, fingerprintSummary,
		l.cfg.SeedScore, l.cfg.TrustedThreshold, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get or create device: %w", err)
	}
	return device, created, nil
}

// Get looks up a registered device; unknown tokens fail with ErrUnknownDevice.
func (l *TrustLedger) Get(ctx context.Context, tokenHash string) (*models.DeviceIdentity, error) {
	device, err := l.store.GetDevice(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return nil, ErrUnknownDevice
		}
		return nil, err
	}
	return device, nil
}

// ApplyTrustDelta adds a signed delta to the trust score. Writes clamp rather
// than reject, so there is no invalid-score error to report upward.
func (l *TrustLedger) ApplyTrustDelta(ctx context.Context, tokenHash string, delta float64, now time.Time) (float64, error) {
	score, err := l.store.ApplyTrustDelta(ctx, tokenHash, delta, l.cfg.TrustedThreshold, now)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return 0, ErrUnknownDevice
		}
		return 0, err
	}
	return score, nil
}

// SetTrustScore is the moderator override; it bypasses delta logic.
func (l *TrustLedger) SetTrustScore(ctx context.Context, tokenHash string, score float64, now time.Time) error {
	if err := l.store.SetTrustScore(ctx, tokenHash, score, l.cfg.TrustedThreshold, now); err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return ErrUnknownDevice
		}
		return err
	}
	return nil
}

// RecordContributionOutcome updates the statistical accuracy counters.
func (l *TrustLedger) RecordContributionOutcome(ctx context.Context, tokenHash string, wasAccurate bool, now time.Time) error {
	if err := l.store.RecordContributionOutcome(ctx, tokenHash, wasAccurate, now); err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return ErrUnknownDevice
		}
		return err
	}
	return nil
}

// Summary projects the device-facing trust read surface.
func (l *TrustLedger) Summary(ctx context.Context, tokenHash string) (*models.DeviceTrustSummary, error) {
	device, err := l.Get(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	return &models.DeviceTrustSummary{
		ReputationScore:    device.ReputationScore,
		TrustScore:         device.TrustScore,
		IsTrusted:          device.IsTrusted,
		TotalContributions: device.TotalContributions,
	}, nil
}
