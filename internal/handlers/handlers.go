package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/sharifemon/buspulse/internal/models"
	"github.com/sharifemon/buspulse/internal/services"
	"github.com/sharifemon/buspulse/pkg/logger"
	"github.com/sharifemon/buspulse/pkg/validator"
)

// StopReader serves the reference stop data behind the geofence overlay.
type StopReader interface {
	StopsForRoute(ctx context.Context, routeID string) ([]models.Stop, error)
}

type Handler struct {
	tokens      *services.TokenService
	ingestor    *services.Ingestor
	aggregator  *services.Aggregator
	sessions    *services.SessionTracker
	ledger      *services.TrustLedger
	maintenance *services.Maintenance
	settings    *services.Settings
	stops       StopReader
}

func NewHandler(
	tokens *services.TokenService,
	ingestor *services.Ingestor,
	aggregator *services.Aggregator,
	sessions *services.SessionTracker,
	ledger *services.TrustLedger,
	maintenance *services.Maintenance,
	settings *services.Settings,
	stops StopReader,
) *Handler {
	return &Handler{
		tokens:      tokens,
		ingestor:    ingestor,
		aggregator:  aggregator,
		sessions:    sessions,
		ledger:      ledger,
		maintenance: maintenance,
		settings:    settings,
		stops:       stops,
	}
}

// RegisterDevice handles POST /v1/devices/register.
func (h *Handler) RegisterDevice(c *fiber.Ctx) error {
	requestID := uuid.New().String()
	log := logger.WithField("request_id", requestID)

	var req models.RegisterDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":      "Invalid request body",
			"request_id": requestID,
		})
	}

	result, err := h.tokens.Register(c.Context(), req.Fingerprint, time.Now().UTC())
	if err != nil {
		if errors.Is(err, services.ErrFingerprintRequired) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":      err.Error(),
				"request_id": requestID,
			})
		}
		log.Error("Device registration failed", map[string]any{"error": err.Error()})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":      "Failed to register device",
			"request_id": requestID,
		})
	}

	log.Info("Device registered", map[string]any{
		"device_id": result.DeviceID,
		"is_new":    result.IsNew,
	})

	return c.Status(fiber.StatusOK).JSON(result)
}

// SubmitLocation handles POST /v1/locations.
func (h *Handler) SubmitLocation(c *fiber.Ctx) error {
	requestID := uuid.New().String()
	log := logger.WithField("request_id", requestID)

	var req models.SubmitLocationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":      "Invalid request body",
			"request_id": requestID,
		})
	}
	if req.DeviceToken == "" {
		req.DeviceToken = c.Get("X-Device-Token")
	}

	if err := validator.ValidateSubmitRequest(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":      err.Error(),
			"request_id": requestID,
		})
	}

	result, err := h.ingestor.Submit(c.Context(), req, time.Now().UTC())
	if err != nil {
		if errors.Is(err, services.ErrUnknownDevice) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":      "Unknown device token",
				"request_id": requestID,
			})
		}
		if errors.Is(err, services.ErrSessionNotFound) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":      "Unknown, ended, or foreign session_id",
				"request_id": requestID,
			})
		}
		log.Error("Submission failed", map[string]any{
			"bus_id": req.BusID,
			"error":  err.Error(),
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":      "Failed to store location",
			"request_id": requestID,
		})
	}

	return c.Status(fiber.StatusOK).JSON(result)
}

// StartSession handles POST /v1/sessions.
func (h *Handler) StartSession(c *fiber.Ctx) error {
	var req models.StartSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.DeviceToken == "" {
		req.DeviceToken = c.Get("X-Device-Token")
	}
	if req.DeviceToken == "" || req.BusID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "device_token and bus_id are required",
		})
	}

	result, err := h.sessions.Start(c.Context(), req.DeviceToken, req.BusID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, services.ErrUnknownDevice) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unknown device token",
			})
		}
		logger.Error("Failed to start session", map[string]any{
			"bus_id": req.BusID,
			"error":  err.Error(),
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start session",
		})
	}

	status := fiber.StatusCreated
	if result.Existing {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(result)
}

// EndSession handles POST /v1/sessions/:id/end.
func (h *Handler) EndSession(c *fiber.Ctx) error {
	sessionID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session id",
		})
	}

	if err := h.sessions.End(c.Context(), sessionID, time.Now().UTC()); err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		logger.Error("Failed to end session", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to end session",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ended": true})
}

// GetPosition handles GET /v1/buses/:id/position.
func (h *Handler) GetPosition(c *fiber.Ctx) error {
	busID := c.Params("id")
	if busID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "bus id is required",
		})
	}

	pos, err := h.aggregator.GetCurrent(c.Context(), busID, time.Now().UTC())
	if err != nil {
		logger.Error("Failed to compute position", map[string]any{
			"bus_id": busID,
			"error":  err.Error(),
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute position",
		})
	}

	return c.Status(fiber.StatusOK).JSON(pos)
}

// GetAllPositions handles GET /v1/buses/positions.
func (h *Handler) GetAllPositions(c *fiber.Ctx) error {
	positions, err := h.aggregator.GetAll(c.Context(), time.Now().UTC())
	if err != nil {
		logger.Error("Failed to list positions", map[string]any{"error": err.Error()})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list positions",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"positions": positions,
		"count":     len(positions),
	})
}

// GetDeviceTrust handles GET /v1/devices/me/trust. The caller identifies
// itself with the X-Device-Token header.
func (h *Handler) GetDeviceTrust(c *fiber.Ctx) error {
	token := c.Get("X-Device-Token")
	if token == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "X-Device-Token header is required",
		})
	}

	summary, err := h.ledger.Summary(c.Context(), services.HashToken(token))
	if err != nil {
		if errors.Is(err, services.ErrUnknownDevice) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unknown device token",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch trust summary",
		})
	}

	return c.Status(fiber.StatusOK).JSON(summary)
}

// GetRouteGeofences handles GET /v1/routes/:id/geofences.
func (h *Handler) GetRouteGeofences(c *fiber.Ctx) error {
	routeID := c.Params("id")
	if routeID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "route id is required",
		})
	}

	stops, err := h.stops.StopsForRoute(c.Context(), routeID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch route stops",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"route_id":  routeID,
		"geofences": validator.GeofenceBoundaries(stops),
	})
}

// GetBusSessions handles GET /api/buses/:id/sessions, the monitoring view of
// who is actively tracking a bus.
func (h *Handler) GetBusSessions(c *fiber.Ctx) error {
	busID := c.Params("id")
	sessions, err := h.sessions.ActiveForBus(c.Context(), busID, time.Now().UTC())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sessions",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"bus_id":   busID,
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(c *fiber.Ctx) error {
	stats, err := h.maintenance.Statistics(c.Context(), time.Now().UTC())
	if err != nil {
		logger.Error("Failed to assemble statistics", map[string]any{"error": err.Error()})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch statistics",
		})
	}

	return c.Status(fiber.StatusOK).JSON(stats)
}

// Cleanup handles POST /api/admin/cleanup.
func (h *Handler) Cleanup(c *fiber.Ctx) error {
	result, err := h.maintenance.CleanupOldData(c.Context(), time.Now().UTC())
	if err != nil {
		logger.Error("Cleanup failed", map[string]any{"error": err.Error()})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Cleanup failed",
		})
	}

	return c.Status(fiber.StatusOK).JSON(result)
}

// SetDeviceTrust handles PUT /api/admin/devices/:hash/trust, the moderator
// override for a device's trust score.
func (h *Handler) SetDeviceTrust(c *fiber.Ctx) error {
	tokenHash := c.Params("hash")

	var req struct {
		TrustScore float64 `json:"trust_score"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.TrustScore < 0 || req.TrustScore > 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "trust_score must be between 0 and 1",
		})
	}

	if err := h.ledger.SetTrustScore(c.Context(), tokenHash, req.TrustScore, time.Now().UTC()); err != nil {
		if errors.Is(err, services.ErrUnknownDevice) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Device not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update trust score",
		})
	}

	logger.Info("Moderator trust override applied", map[string]any{
		"device_id":   tokenHash,
		"trust_score": req.TrustScore,
	})

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"updated": true})
}

// GetSetting handles GET /api/admin/settings/:key.
func (h *Handler) GetSetting(c *fiber.Ctx) error {
	key := c.Params("key")
	value, err := h.settings.GetString(c.Context(), key, "")
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch setting",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"key":   key,
		"value": value,
	})
}

// PutSetting handles PUT /api/admin/settings/:key.
func (h *Handler) PutSetting(c *fiber.Ctx) error {
	key := c.Params("key")

	var req struct {
		Value string `json:"value"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := h.settings.Set(c.Context(), key, req.Value, time.Now().UTC()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update setting",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"updated": true})
}

// Health handles GET /health.
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":  "healthy",
		"service": "buspulse-api",
	})
}
