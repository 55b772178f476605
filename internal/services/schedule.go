package services

import (
	"context"
	"time"

	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/internal/repository"
)

// ScheduleProvider supplies the route/stop context the validator needs. The
// current time is always passed explicitly so schedule math stays testable
// without wall-clock dependence.
type ScheduleProvider interface {
	IsCurrentlyActive(ctx context.Context, busID string, now time.Time) (bool, error)
	ExpectedStopFor(ctx context.Context, busID string, now time.Time) (*models.Stop, error)
}

// ScheduleStore is the persistence behind the default provider.
type ScheduleStore interface {
	ScheduleWindowFor(ctx context.Context, busID string, now time.Time) (*repository.ScheduleWindow, error)
	StopsForRoute(ctx context.Context, routeID string) ([]models.Stop, error)
}

// DBScheduleProvider reads the schedule/CRUD subsystem's tables.
type DBScheduleProvider struct {
	store ScheduleStore
}

func NewDBScheduleProvider(store ScheduleStore) *DBScheduleProvider {
	return &DBScheduleProvider{store: store}
}

func (p *DBScheduleProvider) IsCurrentlyActive(ctx context.Context, busID string, now time.Time) (bool, error) {
	window, err := p.store.ScheduleWindowFor(ctx, busID, now)
	if err != nil {
		return false, err
	}
	return window != nil, nil
}

// ExpectedStopFor estimates the stop a bus should be near right now by
// interpolating the stop sequence over the active service window. Returns nil
// when the bus is off schedule or the route has no stops; the stop check is
// then simply skipped.
func (p *DBScheduleProvider) ExpectedStopFor(ctx context.Context, busID string, now time.Time) (*models.Stop, error) {
	window, err := p.store.ScheduleWindowFor(ctx, busID, now)
	if err != nil || window == nil {
		return nil, err
	}

	stops, err := p.store.StopsForRoute(ctx, window.RouteID)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, nil
	}

	span := window.EndMinutes - window.StartMinutes
	if span <= 0 {
		return &stops[0], nil
	}

	minutes := now.Hour()*60 + now.Minute()
	fraction := float64(minutes-window.StartMinutes) / float64(span)
	idx := int(fraction * float64(len(stops)-1))
	if idx < 0 {
		idx = 0
	}
	if idx > len(stops)-1 {
		idx = len(stops) - 1
	}
	return &stops[idx], nil
}
