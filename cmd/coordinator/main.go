package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/troupe-chat/troupe/internal/api/middleware"
	"github.com/troupe-chat/troupe/internal/config"
	"github.com/troupe-chat/troupe/internal/control"
	"github.com/troupe-chat/troupe/internal/coordinator"
	"github.com/troupe-chat/troupe/internal/identity"
	"github.com/troupe-chat/troupe/internal/sig"
	"github.com/troupe-chat/troupe/internal/store"
)

const serviceName = "coordinator"

func main() {
	// Load configuration
	cfg := config.LoadCoordinator()

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared state store
	redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisStore.Close()
	logger.Info().Msg("connected to Redis")

	// Transcript archive, optional
	var transcripts store.TranscriptStore
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		transcripts = pg
		logger.Info().Msg("transcripts archived to PostgreSQL")
	} else if cfg.SQLitePath != "" {
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		transcripts = sq
		logger.Info().Str("path", cfg.SQLitePath).Msg("transcripts archived to SQLite")
	} else {
		logger.Warn().Msg("no transcript store configured, archiving disabled")
	}
	if transcripts != nil {
		defer transcripts.Close()
	}

	// Service identity for signed calls into agents
	var signer *sig.Signer
	if cfg.ServiceKey != "" {
		signer, err = sig.NewSigner(serviceName, cfg.ServiceKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid service key")
		}
		if err := redisStore.PublishServiceKey(ctx, serviceName, signer.PublicKey()); err != nil {
			logger.Fatal().Err(err).Msg("service key publish failed")
		}
	} else {
		logger.Warn().Msg("no SERVICE_KEY, outgoing requests are unsigned")
	}

	// Persona registry from the roster's control addresses
	roster, err := identity.LoadFile(cfg.RosterPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("roster load failed")
	}
	registry := coordinator.NewRegistry()
	for _, p := range roster.All() {
		if p.ControlURL == "" {
			logger.Warn().Str("persona", p.Name).Msg("persona has no control_url, replies for it will be dropped")
			continue
		}
		registry.Add(p.Name, control.NewClient(p.ControlURL, signer, 30*time.Second))
	}

	// Reply generation
	var responder coordinator.Responder
	if cfg.ResponderURL != "" {
		responder = coordinator.NewHTTPResponder(cfg.ResponderURL, signer)
	} else {
		logger.Warn().Msg("no RESPONDER_URL, using canned replies")
		responder = coordinator.StaticResponder{}
	}

	coord := coordinator.New(redisStore, registry, responder, transcripts, cfg.MaxAgentTurns, logger)

	// Organic conversation starts
	scheduler, err := coordinator.NewScheduler(ctx, coord, cfg.ScheduleCron, cfg.ScheduleChannels, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.ScheduleCron).Msg("invalid cron expression")
	}
	scheduler.Start()
	defer scheduler.Stop()

	auth := middleware.NewAuthMiddleware(redisStore, redisStore)
	handler := coordinator.NewHandler(ctx, coord, logger)
	router := coordinator.NewRouter(logger, handler, auth)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("env", cfg.Env).
			Str("personas", strings.Join(registry.Personas(), ",")).
			Msg("starting coordinator")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down coordinator...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("coordinator stopped")
}
