package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sharifemon/buspulse/internal/models"
)

// ScheduleWindow is one bus's service window for a weekday, in minutes from
// local midnight.
type ScheduleWindow struct {
	RouteID      string `db:"route_id"`
	StartMinutes int    `db:"start_minutes"`
	EndMinutes   int    `db:"end_minutes"`
}

// ScheduleWindowFor returns the service window covering the given local time,
// or nil when the bus has no active schedule then.
func (r *Repository) ScheduleWindowFor(ctx context.Context, busID string, now time.Time) (*ScheduleWindow, error) {
	minutes := now.Hour()*60 + now.Minute()
	weekday := int(now.Weekday())

	var w ScheduleWindow
	query := `
		SELECT b.route_id, s.start_minutes, s.end_minutes
		FROM bus_schedules s
		JOIN buses b ON b.id = s.bus_id
		WHERE s.bus_id = $1 AND s.weekday = $2
		  AND s.start_minutes <= $3 AND s.end_minutes >= $3
		ORDER BY s.start_minutes
		LIMIT 1
	`
	if err := r.db.GetContext(ctx, &w, query, busID, weekday, minutes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get schedule window: %w", err)
	}
	return &w, nil
}

// StopsForRoute lists a route's stops in sequence order.
func (r *Repository) StopsForRoute(ctx context.Context, routeID string) ([]models.Stop, error) {
	var stops []models.Stop
	query := `SELECT * FROM route_stops WHERE route_id = $1 ORDER BY sequence`
	if err := r.db.SelectContext(ctx, &stops, query, routeID); err != nil {
		return nil, fmt.Errorf("failed to list route stops: %w", err)
	}
	return stops, nil
}
