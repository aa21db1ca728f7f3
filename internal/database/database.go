// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package database is the DuckDB store behind the event pipeline.
//
// Three tables with different write disciplines:
//
//   - endpoint_events is append-only. Rows are never updated; retention
//     pruning is the only delete.
//   - instance_states holds one row per (endpoint, instance). Writes are
//     single-statement upserts whose counter columns merge with GREATEST, so
//     concurrent and out-of-order writers converge.
//   - traffic_rollups holds one row per (granularity, bucket, endpoint,
//     instance) and is overwritten by key, so recomputing a bucket is
//     idempotent.
//
// No application lock guards any of them.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver

	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/logging"
)

// ErrNotFound is returned by single-row lookups.
var ErrNotFound = errors.New("not found")

// DB wraps the DuckDB connection pool.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig
}

// Open opens the database described by cfg and creates the schema.
func Open(cfg *config.DatabaseConfig) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s", cfg.Path, threads, maxMemory)
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := db.createSchema(ctx); err != nil {
		closeQuietly(conn)
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Int("threads", threads).Str("max_memory", maxMemory).Msg("Database opened")
	return db, nil
}

// Conn exposes the pool for read-only callers.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return errors.New("database connection is nil")
	}
	return db.conn.PingContext(ctx)
}

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := db.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint database before close")
	}
	cancel()
	return db.conn.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS endpoint_events (
		id VARCHAR PRIMARY KEY,
		endpoint_id BIGINT NOT NULL,
		instance_id VARCHAR NOT NULL DEFAULT '',
		event_type VARCHAR NOT NULL,
		status VARCHAR,
		tcp_rx BIGINT,
		tcp_tx BIGINT,
		udp_rx BIGINT,
		udp_tx BIGINT,
		pool BIGINT,
		ping BIGINT,
		message VARCHAR,
		raw VARCHAR,
		event_time TIMESTAMP NOT NULL,
		received_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instance_states (
		endpoint_id BIGINT NOT NULL,
		instance_id VARCHAR NOT NULL,
		instance_type VARCHAR NOT NULL DEFAULT '',
		status VARCHAR NOT NULL DEFAULT '',
		url VARCHAR NOT NULL DEFAULT '',
		alias VARCHAR NOT NULL DEFAULT '',
		tcp_rx BIGINT NOT NULL DEFAULT 0,
		tcp_tx BIGINT NOT NULL DEFAULT 0,
		udp_rx BIGINT NOT NULL DEFAULT 0,
		udp_tx BIGINT NOT NULL DEFAULT 0,
		pool BIGINT,
		ping BIGINT,
		last_event_at TIMESTAMP NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (endpoint_id, instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS traffic_rollups (
		granularity VARCHAR NOT NULL,
		bucket_start TIMESTAMP NOT NULL,
		endpoint_id BIGINT NOT NULL,
		instance_id VARCHAR NOT NULL,
		samples BIGINT NOT NULL,
		tcp_rx_delta BIGINT NOT NULL,
		tcp_tx_delta BIGINT NOT NULL,
		udp_rx_delta BIGINT NOT NULL,
		udp_tx_delta BIGINT NOT NULL,
		tcp_rx_last BIGINT NOT NULL,
		tcp_tx_last BIGINT NOT NULL,
		udp_rx_last BIGINT NOT NULL,
		udp_tx_last BIGINT NOT NULL,
		avg_ping DOUBLE NOT NULL,
		avg_pool DOUBLE NOT NULL,
		PRIMARY KEY (granularity, bucket_start, endpoint_id, instance_id)
	)`,
}

func (db *DB) createSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// closeQuietly is for error paths where a Close failure is not actionable.
func closeQuietly(c interface{ Close() error }) {
	if c != nil {
		_ = c.Close()
	}
}

// closeRows closes rows and logs a failure.
func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close rows")
	}
}
