package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/pkg/logger"
)

// NATSPublisher pushes recomputed bus positions to downstream consumers
// (passenger map feeds, notification workers) as JSON messages on
// <base>.<busID>.position subjects.
type NATSPublisher struct {
	nc          *nats.Conn
	subjectBase string
}

func NewNATSPublisher(url, subjectBase string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("buspulse"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			logger.Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, subjectBase: subjectBase}, nil
}

// PositionMessage is the wire shape consumers subscribe to.
type PositionMessage struct {
	BusID           string           `json:"bus_id"`
	Status          models.BusStatus `json:"status"`
	Latitude        *float64         `json:"latitude"`
	Longitude       *float64         `json:"longitude"`
	ConfidenceLevel float64          `json:"confidence_level"`
	ActiveTrackers  int              `json:"active_trackers"`
	BearingDegrees  *float64         `json:"bearing_degrees,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func (p *NATSPublisher) PublishPosition(_ context.Context, pos *models.CurrentPosition) error {
	msg := PositionMessage{
		BusID:           pos.BusID,
		Status:          pos.Status,
		Latitude:        pos.Latitude,
		Longitude:       pos.Longitude,
		ConfidenceLevel: pos.ConfidenceLevel,
		ActiveTrackers:  pos.ActiveTrackers,
		BearingDegrees:  pos.BearingDegrees,
		UpdatedAt:       pos.LastUpdated,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("%s.%s.position", p.subjectBase, subjectToken(pos.BusID))
	return p.nc.Publish(subject, data)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// subjectToken sanitizes an ID for use as a NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
