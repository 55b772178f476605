package services

import (
	"context"
	"testing"
	"time"

	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/internal/repository"
)

type fakeScheduleStore struct {
	window *repository.ScheduleWindow
	stops  []models.Stop
}

func (f *fakeScheduleStore) ScheduleWindowFor(_ context.Context, _ string, _ time.Time) (*repository.ScheduleWindow, error) {
	return f.window, nil
}

func (f *fakeScheduleStore) StopsForRoute(_ context.Context, _ string) ([]models.Stop, error) {
	return f.stops, nil
}

func routeStops(n int) []models.Stop {
	stops := make([]models.Stop, n)
	for i := range stops {
		stops[i] = models.Stop{
			RouteID:  "R1",
			Name:     string(rune('A' + i)),
			Sequence: i + 1,
		}
	}
	return stops
}

func TestIsCurrentlyActive(t *testing.T) {
	onDuty := NewDBScheduleProvider(&fakeScheduleStore{
		window: &repository.ScheduleWindow{RouteID: "R1", StartMinutes: 480, EndMinutes: 600},
	})
	active, err := onDuty.IsCurrentlyActive(context.Background(), "DHK-12", time.Now())
	if err != nil {
		t.Fatalf("IsCurrentlyActive failed: %v", err)
	}
	if !active {
		t.Error("Expected active with a covering window")
	}

	offDuty := NewDBScheduleProvider(&fakeScheduleStore{})
	active, err = offDuty.IsCurrentlyActive(context.Background(), "DHK-12", time.Now())
	if err != nil {
		t.Fatalf("IsCurrentlyActive failed: %v", err)
	}
	if active {
		t.Error("Expected inactive with no window")
	}
}

func TestExpectedStopFor_Interpolates(t *testing.T) {
	// 08:00-10:00 service window over 5 stops.
	provider := NewDBScheduleProvider(&fakeScheduleStore{
		window: &repository.ScheduleWindow{RouteID: "R1", StartMinutes: 480, EndMinutes: 600},
		stops:  routeStops(5),
	})

	atStart := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	stop, err := provider.ExpectedStopFor(context.Background(), "DHK-12", atStart)
	if err != nil {
		t.Fatalf("ExpectedStopFor failed: %v", err)
	}
	if stop == nil || stop.Sequence != 1 {
		t.Errorf("Expected the first stop at window start, got %+v", stop)
	}

	midway := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	stop, err = provider.ExpectedStopFor(context.Background(), "DHK-12", midway)
	if err != nil {
		t.Fatalf("ExpectedStopFor failed: %v", err)
	}
	if stop == nil || stop.Sequence != 3 {
		t.Errorf("Expected the middle stop halfway through, got %+v", stop)
	}
}

func TestExpectedStopFor_NoContext(t *testing.T) {
	offSchedule := NewDBScheduleProvider(&fakeScheduleStore{})
	stop, err := offSchedule.ExpectedStopFor(context.Background(), "DHK-12", time.Now())
	if err != nil {
		t.Fatalf("ExpectedStopFor failed: %v", err)
	}
	if stop != nil {
		t.Errorf("Expected nil stop off schedule, got %+v", stop)
	}

	noStops := NewDBScheduleProvider(&fakeScheduleStore{
		window: &repository.ScheduleWindow{RouteID: "R1", StartMinutes: 0, EndMinutes: 1439},
	})
	stop, err = noStops.ExpectedStopFor(context.Background(), "DHK-12", time.Now())
	if err != nil {
		t.Fatalf("ExpectedStopFor failed: %v", err)
	}
	if stop != nil {
		t.Errorf("Expected nil stop for a route without stops, got %+v", stop)
	}
}
