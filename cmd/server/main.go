package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/classdesk/classchat/internal/api"
	"github.com/classdesk/classchat/internal/broker"
	"github.com/classdesk/classchat/internal/chat"
	"github.com/classdesk/classchat/internal/config"
	"github.com/classdesk/classchat/internal/fanout"
	"github.com/classdesk/classchat/internal/history"
	"github.com/classdesk/classchat/internal/presence"
	"github.com/classdesk/classchat/internal/queue"
	"github.com/classdesk/classchat/internal/ratelimit"
	"github.com/classdesk/classchat/internal/store"
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

	ctx := context.Background()

	// Durable store: PostgreSQL, or SQLite in development
	var ds store.DataStore
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		ds = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		ds = sqliteStore
		logger.Info().Msg("using SQLite store")
	}
	defer ds.Close()

	// Broker connection manager
	redisURL := cfg.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	mgr, err := broker.Dial(ctx, redisURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis URL")
	}
	defer mgr.Close()

	// Delivery pipeline components
	limiter := ratelimit.New(ratelimit.NewRedisCounter(mgr), mgr, cfg.RateLimitPerWindow, logger)
	historyCache := history.New(history.NewRedisStore(mgr), mgr, logger)
	tracker := presence.New(presence.NewRedisStore(mgr), mgr, logger)
	broadcast := fanout.New(fanout.NewRedisBus(mgr), mgr, logger)

	sendStore := queue.NewRedisStore(mgr, "send")
	statusStore := queue.NewRedisStore(mgr, "status")
	producer := queue.NewProducer(sendStore, mgr)
	statusRecorder := queue.NewStatusRecorder(statusStore, mgr, logger)

	svc := chat.New(ds, producer, limiter, historyCache, tracker, broadcast, statusRecorder, logger)

	pool := queue.NewWorkerPool("send", sendStore, mgr, svc.ProcessJob, svc.DeadLetter, cfg.MessageWorkers, logger)
	pool.Start()

	statusWorker := queue.NewStatusWorker(statusStore, mgr, queue.NewRedisStatusSink(mgr), cfg.StatusWorkers, logger)
	statusWorker.Start()

	// Create router
	router := api.NewRouter(logger, ds, mgr, tracker)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Int("workers", cfg.MessageWorkers).
			Msg("starting classchat server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Drain worker pools before the stores close underneath them
	pool.Stop()
	statusWorker.Stop()

	logger.Info().Msg("server stopped")
}
