// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/nodepassdash/config.yaml",
	"/etc/nodepassdash/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// ErrInvalidConfig wraps every validation failure returned by Load.
var ErrInvalidConfig = errors.New("invalid configuration")

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              3000,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			CORSOrigins:       []string{"*"},
			RateLimitRequests: 60,
			RateLimitWindow:   time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/nodepassdash.duckdb",
			MaxMemory: "1GB",
		},
		Registry: RegistryConfig{
			Path: "/data/registry",
		},
		Stream: StreamConfig{
			DialTimeout:   10 * time.Second,
			IdleTimeout:   2 * time.Minute,
			EnqueueWait:   250 * time.Millisecond,
			MaxFrameBytes: 1 << 20,
		},
		Daemon: DaemonConfig{
			InitialBackoff:  time.Second,
			MaxBackoff:      60 * time.Second,
			Multiplier:      2,
			Jitter:          0.2,
			AuthBackoff:     30 * time.Second,
			StableAfter:     30 * time.Second,
			PollInterval:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			QueueSize:       2048,
			Workers:         4,
			MaxRetries:      3,
			RetryDelay:      50 * time.Millisecond,
			DrainTimeout:    10 * time.Second,
			BreakerFailures: 10,
			BreakerTimeout:  15 * time.Second,
		},
		Bus: BusConfig{
			BufferSize:    256,
			IdleTimeout:   2 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Aggregation: AggregationConfig{
			Enabled:         true,
			Interval:        time.Minute,
			Backfill:        2 * time.Hour,
			EventRetention:  7 * 24 * time.Hour,
			MinuteRetention: 48 * time.Hour,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "nodepass.events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the first config file found
// and the environment, then validates it.
func Load() (*Config, error) {
	return load(findConfigFile())
}

func load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitListFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var listConfigPaths = []string{
	"server.cors_origins",
}

// splitListFields turns comma-separated env values into lists.
func splitListFields(k *koanf.Koanf) error {
	for _, path := range listConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variable names (lowercased) to config keys.
// Unlisted variables are ignored.
var envMappings = map[string]string{
	"port":                 "server.port",
	"http_host":            "server.host",
	"http_port":            "server.port",
	"shutdown_timeout":     "server.shutdown_timeout",
	"cors_origins":         "server.cors_origins",
	"rate_limit_requests":  "server.rate_limit_requests",
	"rate_limit_window":    "server.rate_limit_window",
	"duckdb_path":          "database.path",
	"duckdb_max_memory":    "database.max_memory",
	"duckdb_threads":       "database.threads",
	"registry_path":        "registry.path",
	"sse_dial_timeout":     "stream.dial_timeout",
	"sse_idle_timeout":     "stream.idle_timeout",
	"sse_enqueue_wait":     "stream.enqueue_wait",
	"sse_max_frame_bytes":  "stream.max_frame_bytes",
	"sse_insecure_tls":     "stream.insecure_skip_verify",
	"reconnect_initial":    "daemon.initial_backoff",
	"reconnect_max":        "daemon.max_backoff",
	"reconnect_multiplier": "daemon.multiplier",
	"reconnect_jitter":     "daemon.jitter",
	"reconnect_auth":       "daemon.auth_backoff",
	"reconnect_stable":     "daemon.stable_after",
	"daemon_poll_interval": "daemon.poll_interval",
	"daemon_stop_timeout":  "daemon.shutdown_timeout",
	"ingest_queue_size":    "ingest.queue_size",
	"ingest_workers":       "ingest.workers",
	"ingest_max_retries":   "ingest.max_retries",
	"ingest_retry_delay":   "ingest.retry_delay",
	"ingest_drain_timeout": "ingest.drain_timeout",
	"bus_buffer_size":      "bus.buffer_size",
	"bus_idle_timeout":     "bus.idle_timeout",
	"aggregation_enabled":  "aggregation.enabled",
	"aggregation_interval": "aggregation.interval",
	"aggregation_backfill": "aggregation.backfill",
	"event_retention":      "aggregation.event_retention",
	"minute_retention":     "aggregation.minute_retention",
	"nats_enabled":         "nats.enabled",
	"nats_url":             "nats.url",
	"nats_subject_prefix":  "nats.subject_prefix",
	"log_level":            "logging.level",
	"log_format":           "logging.format",
	"log_caller":           "logging.caller",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
