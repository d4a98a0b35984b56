package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/api"
	"github.com/infiniteloophole/soractic-final/internal/broker"
	"github.com/infiniteloophole/soractic-final/internal/cache"
	"github.com/infiniteloophole/soractic-final/internal/clients"
	"github.com/infiniteloophole/soractic-final/internal/config"
	"github.com/infiniteloophole/soractic-final/internal/gate"
	"github.com/infiniteloophole/soractic-final/internal/gateway"
	"github.com/infiniteloophole/soractic-final/internal/handlers"
	"github.com/infiniteloophole/soractic-final/internal/presence"
	"github.com/infiniteloophole/soractic-final/internal/ratelimit"
	"github.com/infiniteloophole/soractic-final/internal/sequence"
	"github.com/infiniteloophole/soractic-final/internal/store"
	"github.com/infiniteloophole/soractic-final/internal/tasks"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store: Postgres in production, SQLite for development.
	var dataStore store.DataStore
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		dataStore = pg
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		dataStore = lite
		logger.Info().Msg("using SQLite store")
	}
	defer dataStore.Close()

	// Shared coordination state
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer rdb.Close()
	logger.Info().Msg("connected to Redis")

	// Collaborators
	verifier := clients.NewHTTPVerifier(cfg.VerifierURL)
	authSvc := clients.NewHTTPAuthService(cfg.AuthURL)
	aiSvc := clients.NewHTTPAIQuery(cfg.AIQueryURL)

	// Core components
	bus := broker.New(rdb, logger)
	grants := cache.NewGrantCache(rdb)
	seq := sequence.NewSequencer(rdb)
	accessGate := gate.New(grants, verifier, dataStore, bus, cfg.GrantTTL, logger)
	tracker := presence.NewTracker(rdb, bus, cfg.PresenceWindow, cfg.TypingTTL, logger)
	limiter := ratelimit.NewLimiter(rdb,
		ratelimit.Limit{Rate: cfg.PrincipalRate, Burst: cfg.PrincipalBurst},
		ratelimit.Limit{Rate: cfg.RoomRate, Burst: cfg.RoomBurst},
		cfg.AbuseThreshold, logger)

	pipeline := gateway.NewPipeline(dataStore, seq, bus, logger)
	hub := gateway.NewHub(ctx, dataStore, accessGate, pipeline, bus, tracker, limiter, aiSvc, seq, cfg.BackfillBatch, logger)
	tracker.OnDeparture = hub.AnnounceDeparture

	go hub.Run()
	go tracker.Run(ctx)

	// Background jobs (recovery sweep, grant purges)
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("asynq redis config failed")
	}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()

	worker := tasks.NewWorker(dataStore, bus, grants, cfg.SweepGrace, logger)
	mux := asynq.NewServeMux()
	worker.Register(mux)
	queueServer := asynq.NewServer(redisOpt, asynq.Config{Concurrency: 4})
	go func() {
		if err := queueServer.Run(mux); err != nil {
			logger.Fatal().Err(err).Msg("task server failed")
		}
	}()
	go tasks.RunScheduler(ctx, queueClient, cfg.SweepInterval, logger)

	// HTTP surface
	wsHandler := gateway.NewHandler(hub, authSvc, dataStore, cfg.AuthorizeTimeout, logger)
	restHandler := handlers.NewHandler(dataStore, rdb, accessGate, hub, queueClient, logger)
	router := api.NewRouter(logger, restHandler, wsHandler, cfg.AdminToken)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections outlive any write timeout
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting soractic gateway")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	queueServer.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	logger.Info().Msg("gateway stopped")
}
