package feed

import (
	"log/slog"

	"github.com/finboard/feedclient/internal/auth"
	"github.com/finboard/feedclient/internal/config"
	"github.com/finboard/feedclient/internal/connection"
	"github.com/finboard/feedclient/internal/poller"
)

// FromConfig translates a loaded YAML config into a Client Config.
func FromConfig(cfg *config.FeedConfig, logger *slog.Logger) Config {
	var tokens auth.TokenProvider
	if cfg.API.TokenFile != "" {
		tokens = auth.FileToken{Path: cfg.API.TokenFile}
	} else {
		tokens = auth.StaticToken(cfg.API.Token)
	}

	return Config{
		StreamURL: cfg.API.StreamURL,
		RestURL:   cfg.API.RestURL,
		Tokens:    tokens,
		Connection: connection.ManagerConfig{
			Backoff: connection.Backoff{
				Base:        cfg.Connection.ReconnectBaseDelay,
				Max:         cfg.Connection.ReconnectMaxDelay,
				MaxAttempts: cfg.Connection.MaxReconnectAttempts,
			},
			Heartbeat: connection.HeartbeatConfig{
				Interval: cfg.Connection.HeartbeatInterval,
				Watchdog: cfg.Connection.HeartbeatWatchdog,
			},
			MessageBuffer: cfg.Connection.MessageBuffer,
		},
		BatchWindow: cfg.Batch.Window,
		Poller: poller.Config{
			Interval: cfg.Poller.Interval,
			Grace:    cfg.Poller.Grace,
			Timeout:  cfg.API.Timeout,
		},
		APITimeout:       cfg.API.Timeout,
		APIMaxRetries:    cfg.API.MaxRetries,
		APIConcurrency:   cfg.Poller.Concurrency,
		HandshakeTimeout: cfg.Connection.HandshakeTimeout,
		WriteTimeout:     cfg.Connection.WriteTimeout,
		Logger:           logger,
	}
}
