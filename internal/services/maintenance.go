package services

import (
	"context"
	"time"

	"github.com/sharifemon/buspulse/internal/config"
	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/pkg/logger"
)

// MaintenanceStore covers the retention and monitoring queries.
type MaintenanceStore interface {
	DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CloseStaleSessions(ctx context.Context, idleCutoff, now time.Time) (int64, error)
	CountActiveSessions(ctx context.Context) (int64, error)
	CountSamples(ctx context.Context) (int64, error)
	CountDevices(ctx context.Context) (total, trusted int64, err error)
	CountTrackedBuses(ctx context.Context) (int64, error)
}

// DailyCounterReader reads per-day ingest counters. Nil disables the field.
type DailyCounterReader interface {
	GetDailyCounter(ctx context.Context, name string, day time.Time) (int64, error)
}

// Maintenance owns retention purges and the collection statistics surface.
type Maintenance struct {
	store    MaintenanceStore
	counters DailyCounterReader
	cfg      *config.SessionConfig
}

func NewMaintenance(store MaintenanceStore, counters DailyCounterReader, cfg *config.SessionConfig) *Maintenance {
	return &Maintenance{store: store, counters: counters, cfg: cfg}
}

// CleanupOldData purges samples and sessions beyond their retention windows
// and force-closes anything idle past the staleness cutoff.
func (m *Maintenance) CleanupOldData(ctx context.Context, now time.Time) (*models.CleanupResult, error) {
	closed, err := m.store.CloseStaleSessions(ctx, now.Add(-m.cfg.StaleAfter), now)
	if err != nil {
		return nil, err
	}

	samples, err := m.store.DeleteSamplesBefore(ctx, now.Add(-m.cfg.SampleRetention))
	if err != nil {
		return nil, err
	}

	sessions, err := m.store.DeleteSessionsBefore(ctx, now.Add(-m.cfg.SessionRetention))
	if err != nil {
		return nil, err
	}

	result := &models.CleanupResult{
		SamplesRemoved:  samples,
		SessionsRemoved: sessions,
		SessionsClosed:  closed,
	}
	logger.Info("Retention cleanup complete", map[string]any{
		"samples_removed":  samples,
		"sessions_removed": sessions,
		"sessions_closed":  closed,
	})
	return result, nil
}

// Statistics assembles the health/monitoring read surface.
func (m *Maintenance) Statistics(ctx context.Context, now time.Time) (*models.CollectionStatistics, error) {
	stats := &models.CollectionStatistics{}

	var err error
	if stats.ActiveSessions, err = m.store.CountActiveSessions(ctx); err != nil {
		return nil, err
	}
	if stats.SamplesRetained, err = m.store.CountSamples(ctx); err != nil {
		return nil, err
	}
	if stats.TotalDevices, stats.TrustedDevices, err = m.store.CountDevices(ctx); err != nil {
		return nil, err
	}
	if stats.TrackedBuses, err = m.store.CountTrackedBuses(ctx); err != nil {
		return nil, err
	}

	if m.counters != nil {
		if locations, err := m.counters.GetDailyCounter(ctx, "locations", now); err == nil {
			stats.LocationsToday = locations
		}
	}
	return stats, nil
}
