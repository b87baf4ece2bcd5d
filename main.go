package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/room4-2/livevoice/config"
	"github.com/room4-2/livevoice/logging"
	"github.com/room4-2/livevoice/metrics"
	"github.com/room4-2/livevoice/server"
	"github.com/room4-2/livevoice/session"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := logging.New(logging.Config{Console: true})
		bootLogger.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Console: !cfg.LogJSON,
		App:     "livevoice-server",
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Create session manager
	sessionManager, err := session.NewManager(cfg, logger, metrics.NewServer(reg))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create session manager")
	}

	// Start cleanup routine
	ctx, cancel := context.WithCancel(context.Background())
	go sessionManager.StartCleanupRoutine(ctx)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	srv := server.NewServerWebsocket(cfg, sessionManager, reg, logger)

	go func() {
		<-sigChan
		logger.Info().Msg("Received shutdown signal")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server error")
	}

	logger.Info().Msg("Server stopped")
}
