package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finboard/feedclient/internal/config"
	"github.com/finboard/feedclient/internal/database"
	"github.com/finboard/feedclient/internal/feed"
	"github.com/finboard/feedclient/internal/recorder"
	"github.com/finboard/feedclient/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/feed.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(*configPath),
	}))
	slog.SetDefault(logger)

	logger.Info("starting feedrecorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.Recorder.Enabled {
		logger.Error("recorder is disabled in config, nothing to do")
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"rest_url", cfg.API.RestURL,
		"stream_url", cfg.API.StreamURL,
		"channels", cfg.Recorder.Channels,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Create recorder
	rec := recorder.New(recorder.Config{
		Channels:      cfg.Recorder.Channels,
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
	}, pool, logger)

	if err := rec.Start(ctx); err != nil {
		logger.Error("failed to start recorder", "error", err)
		os.Exit(1)
	}

	// Create feed client and record every configured channel
	client := feed.New(feed.FromConfig(cfg, logger))

	for _, channel := range cfg.Recorder.Channels {
		if _, err := client.Subscribe(channel, rec.Consume); err != nil {
			logger.Error("failed to subscribe", "channel", channel, "error", err)
			os.Exit(1)
		}
	}

	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	logger.Info("recording started")

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := client.Close(); err != nil {
		logger.Warn("close error", "error", err)
	}
	if err := rec.Stop(shutdownCtx); err != nil {
		logger.Warn("recorder stop error", "error", err)
	}

	logger.Info("shutdown complete")
}

// logLevel peeks at the config for the log level before the full load,
// falling back to info.
func logLevel(path string) slog.Level {
	cfg, err := config.LoadWithDefaults(path)
	if err != nil {
		return slog.LevelInfo
	}
	switch cfg.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
