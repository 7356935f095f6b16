// feedwatch connects to the feed and streams delivered events to the
// console. Usage: go run ./cmd/feedwatch --config configs/feed.example.yaml trades.AAPL quotes.MSFT
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finboard/feedclient/internal/config"
	"github.com/finboard/feedclient/internal/feed"
)

func main() {
	configPath := flag.String("config", "configs/feed.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full event payloads")
	flag.Parse()

	channels := flag.Args()
	if len(channels) == 0 {
		fmt.Fprintln(os.Stderr, "usage: feedwatch [flags] CHANNEL [CHANNEL...]")
		os.Exit(2)
	}

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	client := feed.New(feed.FromConfig(cfg, logger))

	// Print connection transitions
	unsubStatus, err := client.Subscribe(feed.StatusChannel, func(ev feed.Event) {
		for _, payload := range ev.Payloads {
			fmt.Printf("[STATUS] %s\n", payload)
		}
	})
	if err != nil {
		logger.Error("failed to subscribe to status channel", "error", err)
		os.Exit(1)
	}
	defer unsubStatus()

	for _, channel := range channels {
		unsub, err := client.Subscribe(channel, printEvent(*verbose))
		if err != nil {
			logger.Error("failed to subscribe", "channel", channel, "error", err)
			os.Exit(1)
		}
		defer unsub()
	}

	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := client.Stats()
				logger.Info("stats",
					"state", stats.Connection.State,
					"queue_depth", stats.Connection.QueueDepth,
					"frames_routed", stats.Router.FramesRouted,
					"parse_errors", stats.Router.ParseErrors,
					"batches_flushed", stats.Batcher.Flushes,
					"poller_active", stats.Poller.Active,
					"polls", stats.Poller.Polls,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "channels", channels)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")
	if err := client.Close(); err != nil {
		logger.Warn("close error", "error", err)
	}
	logger.Info("shutdown complete")
}

func printEvent(verbose bool) feed.Consumer {
	return func(ev feed.Event) {
		if verbose {
			for _, payload := range ev.Payloads {
				fmt.Printf("[%s %s] %s\n", ev.Channel, ev.Source, payload)
			}
			return
		}
		fmt.Printf("[%s %s] %d message(s)\n", ev.Channel, ev.Source, len(ev.Payloads))
	}
}
