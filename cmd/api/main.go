package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"

	"github.com/sharifemon/buspulse/internal/config"
	"github.com/sharifemon/buspulse/internal/handlers"
	"github.com/sharifemon/buspulse/internal/metrics"
	"github.com/sharifemon/buspulse/internal/middleware"
	"github.com/sharifemon/buspulse/internal/publisher"
	"github.com/sharifemon/buspulse/internal/repository"
	"github.com/sharifemon/buspulse/internal/services"
	"github.com/sharifemon/buspulse/pkg/cache"
	"github.com/sharifemon/buspulse/pkg/logger"
)

func main() {
	// Load environment variables
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	// Set log level
	logger.SetLevel(logger.ParseLevel(cfg.Monitoring.LogLevel))
	logger.Info("Starting BusPulse API", map[string]any{
		"version":     "1.0.0",
		"environment": cfg.API.Environment,
	})

	// Initialize database with retry logic
	var repo *repository.Repository
	err = repository.WithRetry(context.Background(), repository.DefaultRetryConfig, func() error {
		var retryErr error
		repo, retryErr = repository.NewRepository(
			cfg.Database.URL,
			cfg.Database.MaxConns,
			cfg.Database.MaxIdleConns,
		)
		return retryErr
	})
	if err != nil {
		logger.Error("Failed to connect to database", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("Connected to PostgreSQL")

	// Health check database
	if err := repo.HealthCheck(context.Background()); err != nil {
		logger.Error("Database health check failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	// Initialize Redis cache
	var redisCache *cache.Cache
	err = repository.WithRetry(context.Background(), repository.DefaultRetryConfig, func() error {
		var retryErr error
		redisCache, retryErr = cache.New(
			cfg.Redis.Addr,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PositionTTL,
			cfg.Redis.SettingsTTL,
		)
		return retryErr
	})
	if err != nil {
		logger.Error("Failed to connect to Redis", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer redisCache.Close()
	logger.Info("Connected to Redis", map[string]any{"addr": cfg.Redis.Addr})

	// Optional Prometheus collector on a side listener
	var collector *metrics.Collector
	if cfg.Monitoring.MetricsAddr != "" {
		collector = metrics.NewCollector()
		metricsSrv := collector.Serve(cfg.Monitoring.MetricsAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(ctx)
		}()
	}

	// Optional NATS publisher for downstream position consumers
	var natsPub *publisher.NATSPublisher
	if cfg.NATS.URL != "" {
		natsPub, err = publisher.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectBase)
		if err != nil {
			logger.Error("Failed to connect to NATS", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		defer natsPub.Close()
		logger.Info("Connected to NATS", map[string]any{"url": cfg.NATS.URL})
	}

	// Nil-able interfaces: a typed nil pointer would dodge the nil checks
	// inside the services, so only assign when the backend is configured.
	var ingestMetrics services.IngestMetrics
	var aggMetrics services.AggregateMetrics
	var sessMetrics services.SessionMetrics
	if collector != nil {
		ingestMetrics = collector
		aggMetrics = collector
		sessMetrics = collector
	}
	var positionPub services.PositionPublisher
	if natsPub != nil {
		positionPub = natsPub
	}

	// Initialize services
	ledger := services.NewTrustLedger(repo, &cfg.Trust)
	tokens := services.NewTokenService(cfg.Trust.TokenSecret, ledger)
	schedule := services.NewDBScheduleProvider(repo)
	ingestor := services.NewIngestor(repo, tokens, schedule,
		&cfg.Trust, &cfg.Validation, ingestMetrics, redisCache)
	aggregator := services.NewAggregator(repo, schedule, &cfg.Aggregation,
		cfg.Trust.TrustedThreshold, redisCache, positionPub, aggMetrics)
	sessions := services.NewSessionTracker(repo, ledger, &cfg.Session, sessMetrics)
	settings := services.NewSettings(repo, redisCache)
	maintenance := services.NewMaintenance(repo, redisCache, &cfg.Session)
	logger.Info("Initialized services")

	// Initialize handlers
	handler := handlers.NewHandler(tokens, ingestor, aggregator, sessions,
		ledger, maintenance, settings, repo)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		DisableStartupMessage: false,
		ServerHeader:          "BusPulse",
		AppName:               "BusPulse API v1.0",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			logger.Error("Request error", map[string]any{
				"error": err.Error(),
				"path":  c.Path(),
				"code":  code,
			})
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(middleware.Recover())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS(cfg.Security.CORSOrigins))

	// Rate limiters
	rateLimiter := middleware.NewRateLimiter(redisCache, &cfg.RateLimit)

	// Routes
	app.Get("/health", handler.Health)

	// Device-facing API
	v1 := app.Group("/v1", rateLimiter.LimitByIP())
	v1.Post("/devices/register", handler.RegisterDevice)
	v1.Get("/devices/me/trust", handler.GetDeviceTrust)
	v1.Post("/locations", rateLimiter.LimitByDeviceToken(), handler.SubmitLocation)
	v1.Post("/sessions", handler.StartSession)
	v1.Post("/sessions/:id/end", handler.EndSession)
	v1.Get("/buses/positions", handler.GetAllPositions)
	v1.Get("/buses/:id/position", handler.GetPosition)
	v1.Get("/routes/:id/geofences", handler.GetRouteGeofences)

	// Monitoring and admin API
	api := app.Group("/api")
	api.Get("/stats", handler.Stats)
	api.Get("/buses/:id/sessions", handler.GetBusSessions)
	admin := api.Group("/admin", middleware.RequireAdminKey(cfg.Security.AdminKey))
	admin.Post("/cleanup", handler.Cleanup)
	admin.Put("/devices/:hash/trust", handler.SetDeviceTrust)
	admin.Get("/settings/:key", handler.GetSetting)
	admin.Put("/settings/:key", handler.PutSetting)

	// Background loops: position recompute cadence, stale session sweep,
	// retention cleanup.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go runEvery(bgCtx, cfg.Aggregation.RecomputeEvery, "position recompute", func(ctx context.Context, now time.Time) error {
		return aggregator.ComputeAll(ctx, now)
	})
	go runEvery(bgCtx, cfg.Session.SweepEvery, "session sweep", func(ctx context.Context, now time.Time) error {
		_, err := sessions.SweepStale(ctx, now)
		return err
	})
	go runEvery(bgCtx, cfg.Session.CleanupEvery, "retention cleanup", func(ctx context.Context, now time.Time) error {
		_, err := maintenance.CleanupOldData(ctx, now)
		return err
	})

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down gracefully...")
		bgCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = app.ShutdownWithContext(ctx)
		logger.Info("Server shutdown complete")
		os.Exit(0)
	}()

	// Start server
	addr := fmt.Sprintf("%s:%s", cfg.API.Host, cfg.API.Port)
	logger.Info("BusPulse API started", map[string]any{"address": addr})

	if err := app.Listen(addr); err != nil {
		logger.Error("Server error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

// runEvery runs fn on a fixed cadence until the context is cancelled.
func runEvery(ctx context.Context, every time.Duration, name string, fn func(context.Context, time.Time) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := fn(ctx, now.UTC()); err != nil {
				logger.Warn("Background task failed", map[string]any{
					"task":  name,
					"error": err.Error(),
				})
			}
		}
	}
}
