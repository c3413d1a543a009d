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
	"github.com/troupe-chat/troupe/internal/identity"
	"github.com/troupe-chat/troupe/internal/orchestrator"
	"github.com/troupe-chat/troupe/internal/platform"
	"github.com/troupe-chat/troupe/internal/runtime"
	"github.com/troupe-chat/troupe/internal/sig"
	"github.com/troupe-chat/troupe/internal/store"
)

const readyTimeout = 60 * time.Second

func main() {
	// Load configuration
	cfg := config.LoadAgent()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Str("persona", cfg.Persona).
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("persona", cfg.Persona).
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

	// Persona roster; every agent loads all identities
	roster, err := identity.LoadFile(cfg.RosterPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("roster load failed")
	}
	self, ok := roster.Lookup(cfg.Persona)
	if !ok {
		logger.Fatal().Str("persona", cfg.Persona).Msg("persona not in roster")
	}

	// Service identity for signed inter-service requests
	serviceName := "agent-" + strings.ToLower(self.Name)
	var signer *sig.Signer
	if cfg.ServiceKey != "" {
		signer, err = sig.NewSigner(serviceName, cfg.ServiceKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid service key")
		}
		publishKey(ctx, redisStore, serviceName, signer.PublicKey(), logger)
	} else {
		logger.Warn().Msg("no SERVICE_KEY, outgoing requests are unsigned")
	}

	// Coordinator client
	submitter := orchestrator.New(cfg.CoordinatorURL, signer, orchestrator.Config{
		Timeout:  cfg.SubmitTimeout,
		Attempts: cfg.SubmitRetries,
		Backoff:  cfg.SubmitBackoff,
	}, logger)

	// Platform connection
	gateway, err := platform.Dial(ctx, cfg.GatewayURL, cfg.PlatformToken, self.Name, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("platform connection failed")
	}
	defer gateway.Close()

	rt := runtime.New(self, gateway, submitter, redisStore, "", logger)

	runErr := make(chan error, 1)
	go func() {
		runErr <- rt.Run(ctx)
	}()

	// The control surface only makes sense once the platform session is
	// live; starting it earlier would advertise an agent that cannot
	// deliver anything.
	select {
	case <-rt.Ready():
		logger.Info().Msg("platform session ready")
	case err := <-runErr:
		logger.Fatal().Err(err).Msg("platform session ended before ready")
	case <-time.After(readyTimeout):
		logger.Fatal().Msg("platform session never became ready")
	}

	auth := middleware.NewAuthMiddleware(redisStore, redisStore)
	handler := control.NewHandler(self.Name, rt, redisStore, logger)
	router := control.NewRouter(logger, handler, auth)

	srv := &http.Server{
		Addr:         cfg.ControlAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.ControlAddr).
			Str("env", cfg.Env).
			Msg("starting agent control surface")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("control server failed to start")
		}
	}()

	// Wait for interrupt or platform session loss
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info().Msg("shutting down agent...")
	case err := <-runErr:
		logger.Error().Err(err).Msg("platform session lost, shutting down")
	}

	cancel()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("control server forced to shutdown")
	}

	logger.Info().Msg("agent stopped")
}

// publishKey makes this service's public key discoverable and keeps the
// published copy fresh while the process runs.
func publishKey(ctx context.Context, s *store.RedisStore, service, pubkey string, logger zerolog.Logger) {
	if err := s.PublishServiceKey(ctx, service, pubkey); err != nil {
		logger.Fatal().Err(err).Msg("service key publish failed")
	}
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.PublishServiceKey(ctx, service, pubkey); err != nil {
					logger.Warn().Err(err).Msg("service key refresh failed")
				}
			}
		}
	}()
}
