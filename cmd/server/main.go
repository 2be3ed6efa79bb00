package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/therr/realtime-server-go/internal/auth"
	"github.com/therr/realtime-server-go/internal/config"
	"github.com/therr/realtime-server-go/internal/database"
	"github.com/therr/realtime-server-go/internal/fanout"
	"github.com/therr/realtime-server-go/internal/gateway"
	"github.com/therr/realtime-server-go/internal/handler"
	"github.com/therr/realtime-server-go/internal/jobs"
	"github.com/therr/realtime-server-go/internal/middleware"
	"github.com/therr/realtime-server-go/internal/presence"
	"github.com/therr/realtime-server-go/internal/proximity"
	"github.com/therr/realtime-server-go/internal/redis"
	"github.com/therr/realtime-server-go/internal/repository"
	"github.com/therr/realtime-server-go/internal/service"
	"github.com/therr/realtime-server-go/internal/session"
	"github.com/therr/realtime-server-go/internal/throttle"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	redisClient, err := redis.NewClient(cfg.RedisURL,
		redis.WithKeyPrefix(cfg.RedisKeyPrefix),
		redis.WithTimeout(cfg.StoreTimeout()),
		redis.WithMaxRetries(cfg.StoreMaxRetries),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Str("keyPrefix", cfg.RedisKeyPrefix).Msg("redis connected")

	var db *database.DB
	var contentSource service.ContentSource
	if cfg.DatabaseURL != "" {
		db, err = database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := db.Ping(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		log.Info().Msg("database connected")

		contentSource = repository.NewContentLoader(db)
	} else {
		log.Warn().Msg("DATABASE_URL not set: nearby content will not be loaded")
	}

	broker := fanout.NewBroker(redisClient, config.FanoutSubscriptionBuffer)
	defer broker.Close()

	registry := session.NewRegistry(redisClient, cfg.SessionTTL())
	tracker := presence.NewTracker(redisClient, registry, broker)
	gate := throttle.NewGate(redisClient, throttle.TTLs{
		DirectMessage: cfg.DMThrottleTTL(),
		Reaction:      cfg.ReactionThrottleTTL(),
	})
	cache := proximity.NewCache(redisClient, cfg.ProximityTTL())

	locationService := service.NewLocationService(cache, contentSource, broker, cfg.MinNotificationInterval())
	notificationService := service.NewNotificationService(gate, tracker, broker)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience)
	wsGateway := gateway.NewGateway(verifier, registry, tracker, broker, locationService)

	authMiddleware := middleware.NewAuthMiddleware(verifier)
	apiRateLimit := middleware.NewRedisRateLimitMiddleware(redisClient, "api", config.DefaultRateLimitPerMin)
	locationRateLimit := middleware.NewRedisRateLimitMiddleware(redisClient, "location", cfg.LocationRateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	healthHandler := handler.NewHealthHandler(redisClient, db, wsGateway)
	presenceHandler := handler.NewPresenceHandler(tracker)
	locationHandler := handler.NewLocationHandler(locationService)
	notificationHandler := handler.NewNotificationHandler(notificationService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	// Websocket connections outlive the request timeout.
	r.Handle("/ws", wsGateway)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)

		r.Get("/health", healthHandler.ServeHTTP)

		r.Route("/v1", func(r chi.Router) {
			r.Use(authMiddleware.Handler)

			r.Group(func(r chi.Router) {
				r.Use(apiRateLimit.Handler)
				r.Mount("/presence", presenceHandler.Routes())
				r.Mount("/notifications", notificationHandler.Routes())
			})

			r.Group(func(r chi.Router) {
				r.Use(locationRateLimit.Handler)
				r.Mount("/location", locationHandler.Routes())
			})
		})
	})

	sweepJob := jobs.NewSessionSweepJob(registry, config.SessionSweepInterval)
	sweepJob.Start()
	defer sweepJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	wsGateway.Close()

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
