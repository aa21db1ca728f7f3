// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults fail validation: %v", err)
	}

	if cfg.Ingest.QueueSize != 2048 {
		t.Errorf("Ingest.QueueSize = %d, want 2048", cfg.Ingest.QueueSize)
	}
	if cfg.Ingest.Workers != 4 {
		t.Errorf("Ingest.Workers = %d, want 4", cfg.Ingest.Workers)
	}
	if cfg.Daemon.InitialBackoff != time.Second || cfg.Daemon.MaxBackoff != time.Minute {
		t.Errorf("backoff = %v..%v, want 1s..1m", cfg.Daemon.InitialBackoff, cfg.Daemon.MaxBackoff)
	}
	if cfg.Bus.BufferSize != 256 {
		t.Errorf("Bus.BufferSize = %d, want 256", cfg.Bus.BufferSize)
	}
	if cfg.Aggregation.Interval != time.Minute {
		t.Errorf("Aggregation.Interval = %v, want 1m", cfg.Aggregation.Interval)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 8088
ingest:
  workers: 6
  retry_delay: 10ms
daemon:
  max_backoff: 30s
endpoints:
  - name: edge-1
    url: https://10.0.0.5:9090/
    api_key: secret
  - name: edge-2
    url: http://10.0.0.6:9090
    api_path: /v2
    api_key: other
`)

	cfg, err := load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8088 {
		t.Errorf("Server.Port = %d, want 8088", cfg.Server.Port)
	}
	if cfg.Ingest.Workers != 6 {
		t.Errorf("Ingest.Workers = %d, want 6", cfg.Ingest.Workers)
	}
	if cfg.Ingest.RetryDelay != 10*time.Millisecond {
		t.Errorf("Ingest.RetryDelay = %v, want 10ms", cfg.Ingest.RetryDelay)
	}
	if cfg.Daemon.MaxBackoff != 30*time.Second {
		t.Errorf("Daemon.MaxBackoff = %v, want 30s", cfg.Daemon.MaxBackoff)
	}
	// Untouched keys keep their defaults.
	if cfg.Ingest.QueueSize != 2048 {
		t.Errorf("Ingest.QueueSize = %d, want default 2048", cfg.Ingest.QueueSize)
	}

	if len(cfg.Endpoints) != 2 {
		t.Fatalf("len(Endpoints) = %d, want 2", len(cfg.Endpoints))
	}
	if got := cfg.Endpoints[0]; got.URL != "https://10.0.0.5:9090" || got.APIPath != "/api" {
		t.Errorf("endpoint 0 = %+v, want trimmed URL and default api path", got)
	}
	if got := cfg.Endpoints[1].APIPath; got != "/v2" {
		t.Errorf("endpoint 1 APIPath = %q, want /v2", got)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "ingest:\n  workers: 6\n")
	t.Setenv("INGEST_WORKERS", "8")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CORS_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("RECONNECT_MAX", "45s")

	cfg, err := load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ingest.Workers != 8 {
		t.Errorf("Ingest.Workers = %d, want 8", cfg.Ingest.Workers)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "http://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Daemon.MaxBackoff != 45*time.Second {
		t.Errorf("Daemon.MaxBackoff = %v, want 45s", cfg.Daemon.MaxBackoff)
	}
}

func TestLoadCapsWorkers(t *testing.T) {
	t.Setenv("INGEST_WORKERS", "64")

	cfg, err := load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ingest.Workers != MaxWorkers {
		t.Errorf("Ingest.Workers = %d, want cap %d", cfg.Ingest.Workers, MaxWorkers)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "endpoint without key",
			yaml:    "endpoints:\n  - name: a\n    url: http://h\n",
			wantMsg: "api_key is required",
		},
		{
			name:    "endpoint bad url",
			yaml:    "endpoints:\n  - name: a\n    url: not a url\n    api_key: k\n",
			wantMsg: "url must be an http or https URL",
		},
		{
			name:    "duplicate endpoint names",
			yaml:    "endpoints:\n  - {name: a, url: 'http://h', api_key: k}\n  - {name: A, url: 'http://i', api_key: k}\n",
			wantMsg: "duplicate endpoint name",
		},
		{
			name:    "max backoff below initial",
			yaml:    "daemon:\n  initial_backoff: 10s\n  max_backoff: 1s\n",
			wantMsg: "max_backoff",
		},
		{
			name:    "zero queue",
			yaml:    "ingest:\n  queue_size: 0\n",
			wantMsg: "queue_size",
		},
		{
			name:    "nats without url",
			yaml:    "nats:\n  enabled: true\n  url: ''\n",
			wantMsg: "nats.url",
		},
		{
			name:    "unknown log format",
			yaml:    "logging:\n  format: xml\n",
			wantMsg: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(writeConfigFile(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestFindConfigFileFromEnv(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 9000\n")
	t.Setenv(ConfigPathEnvVar, path)

	if got := findConfigFile(); got != path {
		t.Errorf("findConfigFile() = %q, want %q", got, path)
	}
}

func TestServerAddr(t *testing.T) {
	t.Parallel()

	s := ServerConfig{Host: "127.0.0.1", Port: 3000}
	if got := s.Addr(); got != "127.0.0.1:3000" {
		t.Errorf("Addr() = %q", got)
	}
}
