package config

import "time"

// FeedConfig is the root configuration for a feed client instance.
type FeedConfig struct {
	API        APIConfig        `yaml:"api"`
	Connection ConnectionConfig `yaml:"connection"`
	Batch      BatchConfig      `yaml:"batch"`
	Poller     PollerConfig     `yaml:"poller"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Database   DBConfig         `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// APIConfig holds upstream endpoint settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	StreamURL  string        `yaml:"stream_url"`
	Token      string        `yaml:"token"`      // Bearer token (supports ${ENV} expansion)
	TokenFile  string        `yaml:"token_file"` // Path to a token file, takes precedence over token
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// ConnectionConfig holds streaming connection settings.
type ConnectionConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatWatchdog    time.Duration `yaml:"heartbeat_watchdog"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	MessageBuffer        int           `yaml:"message_buffer"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// BatchConfig holds per-channel delivery batching settings.
type BatchConfig struct {
	Window time.Duration `yaml:"window"`
}

// PollerConfig holds REST fallback poller settings.
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Grace       time.Duration `yaml:"grace"`
	Concurrency int           `yaml:"concurrency"`
}

// RecorderConfig holds message recorder settings. The recorder is
// optional; when disabled the database section is ignored.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Channels      []string      `yaml:"channels"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds the Postgres connection for recorded messages.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
