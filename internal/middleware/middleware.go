package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/sharifemon/buspulse/internal/config"
	"github.com/sharifemon/buspulse/internal/services"
	"github.com/sharifemon/buspulse/pkg/cache"
	"github.com/sharifemon/buspulse/pkg/logger"
)

type RateLimiter struct {
	cache  *cache.Cache
	config *config.RateLimitConfig
}

func NewRateLimiter(cache *cache.Cache, config *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cache:  cache,
		config: config,
	}
}

// LimitByIP rate limits requests by IP address.
func (rl *RateLimiter) LimitByIP() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.cache == nil {
			return c.Next()
		}

		identifier := fmt.Sprintf("ip:%s", c.IP())

		allowed, err := rl.cache.CheckRateLimit(
			c.Context(),
			identifier,
			rl.config.Requests,
			rl.config.Window,
		)

		if err != nil {
			// Redis trouble should not take ingestion down with it.
			return c.Next()
		}

		if !allowed {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Rate limit exceeded",
				"retry_after": rl.config.Window.Seconds(),
			})
		}

		return c.Next()
	}
}

// LimitByDeviceToken rate limits by the submitting device's token, keyed by
// its hash so the raw token never lands in Redis. Requests without a token
// fall through to the IP limiter alone.
func (rl *RateLimiter) LimitByDeviceToken() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.cache == nil {
			return c.Next()
		}

		token := c.Get("X-Device-Token")
		if token == "" {
			return c.Next()
		}

		identifier := fmt.Sprintf("dev:%s", services.HashToken(token))

		allowed, err := rl.cache.CheckRateLimit(
			c.Context(),
			identifier,
			rl.config.DeviceRequests,
			rl.config.DeviceWindow,
		)

		if err != nil {
			return c.Next()
		}

		if !allowed {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Device rate limit exceeded",
				"retry_after": rl.config.DeviceWindow.Seconds(),
			})
		}

		return c.Next()
	}
}

// RequireAdminKey guards the operational endpoints. An unset key disables the
// admin surface entirely.
func RequireAdminKey(key string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if key == "" {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Admin API is disabled",
			})
		}
		provided := c.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid admin key",
			})
		}
		return c.Next()
	}
}

func CORS(origins []string) fiber.Handler {
	allowedOrigins := make(map[string]bool)
	for _, origin := range origins {
		allowedOrigins[origin] = true
	}

	return func(c *fiber.Ctx) error {
		origin := c.Get("Origin")

		if allowedOrigins["*"] || allowedOrigins[origin] {
			c.Set("Access-Control-Allow-Origin", origin)
			c.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			c.Set("Access-Control-Allow-Headers", "Content-Type, X-Device-Token, X-Admin-Key")
			c.Set("Access-Control-Max-Age", "3600")
		}

		if c.Method() == "OPTIONS" {
			return c.SendStatus(http.StatusNoContent)
		}

		return c.Next()
	}
}

func Logger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := c.Context().Time()
		err := c.Next()
		duration := c.Context().Time().Sub(start)

		logger.Info("Request", map[string]any{
			"method":   c.Method(),
			"path":     c.Path(),
			"status":   c.Response().StatusCode(),
			"duration": duration.String(),
			"ip":       c.IP(),
		})

		return err
	}
}

func Recover() fiber.Handler {
	return func(c *fiber.Ctx) error {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered", map[string]any{
					"panic": fmt.Sprintf("%v", r),
					"path":  c.Path(),
				})
				_ = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "Internal server error",
				})
			}
		}()
		return c.Next()
	}
}
