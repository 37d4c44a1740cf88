package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"offer-redemption-engine/internal/cache"
	"offer-redemption-engine/internal/config"
	"offer-redemption-engine/internal/database"
	"offer-redemption-engine/internal/events"
	"offer-redemption-engine/internal/features"
	"offer-redemption-engine/internal/feed"
	"offer-redemption-engine/internal/handler"
	"offer-redemption-engine/internal/identity"
	"offer-redemption-engine/internal/ledger"
	"offer-redemption-engine/internal/middleware"
	"offer-redemption-engine/internal/ratelimit"
	"offer-redemption-engine/internal/service"
	"offer-redemption-engine/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "Config file path (YAML, JSON or TOML)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger := newLogger(cfg.Log)
	log.Logger = logger
	flags := features.NewManager(cfg.Features)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Initialize database
	db, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("Failed to initialize database")
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
	}

	limiter := newLimiter(cfg, flags, redisClient)

	var ids identity.Store = identity.NewDatabaseStore(db)
	if flags.IsEnabled(features.IdentityCache) {
		var c cache.Cache = cache.NewInMemoryCache()
		if redisClient != nil {
			c = cache.NewRedisCache(redisClient, "redemption:")
		}
		ids = identity.NewCached(ids, c, cfg.Identity.CacheTTL)
	}

	reconciler := ledger.NewReconciler(db, logger, cfg.Reconciler.Concurrency)
	recorder := ledger.NewRecorder(db,
		ledger.WithReconciler(reconciler),
		ledger.WithLogger(logger),
	)

	bus := events.NewManager(flags.IsEnabled(features.ChangeFeed), logger)
	var hub *feed.Hub
	if flags.IsEnabled(features.ChangeFeed) {
		hub = feed.NewHub(logger)
		defer hub.Close()
		bus.Subscribe(events.EventRedemptionCommitted, hub.HandleEvent)

		if len(cfg.Kafka.Brokers) > 0 {
			publisher := feed.NewKafkaPublisher(feed.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
			defer publisher.Close()
			bus.Subscribe(events.EventRedemptionCommitted, publisher.HandleEvent)
			bus.Subscribe(events.EventOfferUpserted, publisher.HandleEvent)
		}
	}

	// Initialize service
	svc := service.NewService(service.Options{
		Store:          db,
		Recorder:       recorder,
		Identity:       ids,
		Limiter:        limiter,
		Events:         bus,
		Commit:         cfg.Commit,
		SessionIdleTTL: cfg.Sessions.IdleTTL,
		Logger:         logger,
	})

	go svc.Sessions().Run(ctx, cfg.Sessions.SweepInterval)
	if flags.IsEnabled(features.AggregateReconciler) {
		go reconciler.Run(ctx, cfg.Reconciler.Interval)
	}

	// Initialize handlers
	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Server.MaxRequestBodySize,
		Feed:        hub,
	})

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.TracingMiddleware())
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	if limiter != nil {
		r.Use(middleware.RateLimitMiddleware(limiter, logger))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h.Routes(r)
	r.Get("/health", handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("driver", cfg.Database.Driver).
			Bool("redis", redisClient != nil).
			Interface("features", flags.All()).
			Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error closing server")
	}

	// Let in-flight change-feed deliveries finish before closing their sinks.
	bus.Shutdown()
	if err := reconciler.Flush(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Aggregates still pending at shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down tracer provider")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Str("service", "offer-redemption-engine").Logger()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (database.Store, error) {
	if cfg.Driver == "postgres" {
		db, err := database.NewPostgresDB(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	db, err := database.NewDB(cfg.Path)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// newLimiter returns nil when rate limiting is disabled.
func newLimiter(cfg *config.Config, flags *features.Manager, client *redis.Client) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	if client != nil && flags.IsEnabled(features.RedisRateLimit) {
		return ratelimit.NewRedisLimiter(client, cfg.RateLimit.Rules)
	}
	return ratelimit.NewSlidingWindow(cfg.RateLimit.Rules, ratelimit.WithCleanupInterval(time.Minute))
}
