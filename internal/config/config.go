// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package config loads the server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. See Load.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the complete server configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Registry    RegistryConfig    `koanf:"registry"`
	Endpoints   []EndpointConfig  `koanf:"endpoints" validate:"dive"`
	Stream      StreamConfig      `koanf:"stream"`
	Daemon      DaemonConfig      `koanf:"daemon"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Bus         BusConfig         `koanf:"bus"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	NATS        NATSConfig        `koanf:"nats"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig configures the dashboard-facing HTTP listener.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port" validate:"gte=1,lte=65535"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gte=1s"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gte=1s"`
	CORSOrigins       []string      `koanf:"cors_origins"`

	// RateLimitRequests caps new subscriptions per client IP per window.
	// Zero disables the limiter.
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// DatabaseConfig configures the DuckDB event store.
type DatabaseConfig struct {
	// Path is a file path, or ":memory:" for a throwaway store.
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"gte=0"`
}

// RegistryConfig configures endpoint persistence.
type RegistryConfig struct {
	// Path of the BadgerDB directory. Empty keeps endpoints in memory only.
	Path string `koanf:"path"`
}

// EndpointConfig declares an endpoint seeded into the registry at startup.
type EndpointConfig struct {
	Name    string `koanf:"name" validate:"required,max=64"`
	URL     string `koanf:"url" validate:"required,http_url"`
	APIPath string `koanf:"api_path" validate:"apipath"`
	APIKey  string `koanf:"api_key" validate:"required"`
}

// StreamConfig tunes the per-endpoint event stream client.
type StreamConfig struct {
	DialTimeout time.Duration `koanf:"dial_timeout" validate:"gte=100ms"`

	// IdleTimeout closes a stream that delivered no bytes for this long.
	// Zero disables the watchdog.
	IdleTimeout time.Duration `koanf:"idle_timeout" validate:"gte=0"`

	// EnqueueWait bounds how long the read loop waits for queue space.
	EnqueueWait time.Duration `koanf:"enqueue_wait" validate:"gte=1ms"`

	MaxFrameBytes      int  `koanf:"max_frame_bytes" validate:"gte=1024"`
	InsecureSkipVerify bool `koanf:"insecure_skip_verify"`
}

// DaemonConfig tunes reconnection of endpoint streams.
type DaemonConfig struct {
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gte=10ms"`
	MaxBackoff     time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	Multiplier     float64       `koanf:"multiplier" validate:"gte=1"`
	Jitter         float64       `koanf:"jitter" validate:"gte=0,lt=1"`

	// AuthBackoff is the minimum wait after the endpoint rejected the API key.
	AuthBackoff time.Duration `koanf:"auth_backoff" validate:"gte=0"`

	// StableAfter is how long a connection must last before backoff resets.
	StableAfter     time.Duration `koanf:"stable_after" validate:"gte=0"`
	PollInterval    time.Duration `koanf:"poll_interval" validate:"gte=100ms"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=100ms"`
}

// IngestConfig tunes the event queue and store workers.
type IngestConfig struct {
	QueueSize    int           `koanf:"queue_size" validate:"gte=1"`
	Workers      int           `koanf:"workers" validate:"gte=1"`
	MaxRetries   int           `koanf:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay   time.Duration `koanf:"retry_delay" validate:"gte=0"`
	DrainTimeout time.Duration `koanf:"drain_timeout" validate:"gte=0"`

	// Breaker opens after this many consecutive store failures.
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gte=100ms"`
}

// MaxWorkers caps IngestConfig.Workers so a misconfiguration cannot flood
// the single DuckDB writer.
const MaxWorkers = 16

// BusConfig tunes local subscriber delivery.
type BusConfig struct {
	BufferSize int `koanf:"buffer_size" validate:"gte=1"`

	// IdleTimeout removes subscribers that stopped reading while messages
	// were waiting for them.
	IdleTimeout   time.Duration `koanf:"idle_timeout" validate:"gte=0"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gte=100ms"`
}

// AggregationConfig tunes traffic rollups.
type AggregationConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval" validate:"gte=1s"`

	// Backfill is how far back the first tick after startup looks.
	Backfill time.Duration `koanf:"backfill" validate:"gte=0"`

	EventRetention  time.Duration `koanf:"event_retention" validate:"gte=0"`
	MinuteRetention time.Duration `koanf:"minute_retention" validate:"gte=0"`
}

// NATSConfig configures the optional mirror of persisted events.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url" validate:"required_if=Enabled true"`
	SubjectPrefix string `koanf:"subject_prefix" validate:"required_if=Enabled true"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
