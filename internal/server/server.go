package server

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-api/metering/internal/api"
	"github.com/nexus-api/metering/internal/config"
	"github.com/nexus-api/metering/internal/services/apikey"
	"github.com/nexus-api/metering/internal/services/billing"
	"github.com/nexus-api/metering/internal/services/database"
	"github.com/nexus-api/metering/internal/services/middleware"
	"github.com/nexus-api/metering/internal/services/ratelimit"
	"github.com/nexus-api/metering/internal/services/scheduler"
	"github.com/nexus-api/metering/internal/services/usage"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Server wires the metering services together and owns their lifecycle.
type Server struct {
	cfg     *config.Config
	app     *fiber.App
	db      *database.DB
	redis   *redis.Client
	tracker *usage.Tracker
}

func New(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts the HTTP server and the overage scheduler, and blocks until
// an interrupt or a fatal server error. On shutdown the tracker drains
// its queue before the process exits.
func (s *Server) Run() error {
	db, err := database.New(s.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	defer func() {
		if err := s.db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}()

	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	var cache ratelimit.CounterCache
	if s.cfg.RateLimit.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(s.cfg.RateLimit.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		s.redis = client
		cache = ratelimit.NewRedisCounterCache(client)
		defer func() {
			if err := client.Close(); err != nil {
				fiberlog.Errorf("Failed to close Redis client: %v", err)
			}
		}()
	}

	store := usage.NewGormStore(db.DB)
	s.tracker = usage.NewTracker(store, s.cfg.Tracker)
	limiter := ratelimit.New(s.cfg.RateLimit, cache, store)

	apiKeyService := apikey.NewService(db.DB)
	overageService := billing.NewOverageService(db.DB, s.cfg.Stripe)
	overageScheduler := billing.NewOverageScheduler(overageService, time.Hour)
	purgeScheduler := scheduler.NewRequestCountPurgeScheduler(store, time.Hour, 24*time.Hour)

	s.app = s.createApp()

	authMiddleware := middleware.NewAuthMiddleware(s.cfg.Auth)
	keyMiddleware := middleware.NewAPIKeyMiddleware(apiKeyService, limiter, s.tracker, &s.cfg.APIKeys, s.cfg.RateLimit.DefaultRpm)
	usageMiddleware := middleware.NewUsageMiddleware(s.tracker)

	// Metered API surface: key auth, rate limit, then track.
	secure := s.app.Group("/api/secure", keyMiddleware.RequireAPIKey(), usageMiddleware.TrackUsage())
	secure.Get("/ping", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"pong": true})
	})

	api.NewUsageHandler(store, overageService).RegisterRoutes(s.app, "/api/usage", authMiddleware)
	api.NewAPIKeyHandler(apiKeyService).RegisterRoutes(s.app, "/api/keys", authMiddleware)
	s.app.Get("/health", api.NewHealthHandler(db, s.redis).HealthCheck)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		listenAddr := ":" + s.cfg.Server.Port
		fiberlog.Infof("Metering API listening on %s", listenAddr)
		return s.app.Listen(listenAddr)
	})

	g.Go(func() error {
		overageScheduler.Start(gctx)
		return nil
	})

	g.Go(func() error {
		purgeScheduler.Start(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fiberlog.Info("Shutting down gracefully...")
		overageScheduler.Stop()
		purgeScheduler.Stop()

		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			fiberlog.Errorf("Server shutdown error: %v", err)
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.tracker.Shutdown(drainCtx)
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) createApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:       "Nexus Metering v1.0",
		ReadTimeout:   time.Minute,
		WriteTimeout:  time.Minute,
		IdleTimeout:   5 * time.Minute,
		CaseSensitive: true,
		ServerHeader:  "NexusMetering",
	})

	app.Use(recover.New())

	if s.cfg.Server.AllowedOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.Server.AllowedOrigins,
		}))
	}

	return app
}
