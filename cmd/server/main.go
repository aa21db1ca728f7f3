// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package main runs the NodePassDash event ingestion server.
//
// The server keeps one event stream open to every registered NodePass
// endpoint, persists what they report into DuckDB and relays it to browsers
// over SSE and WebSocket.
//
// Components start in this order and run under a suture supervisor tree:
//
//  1. Configuration (koanf: defaults, config.yaml, NODEPASSDASH_* env)
//  2. DuckDB event store
//  3. Endpoint registry (BadgerDB), seeded from the endpoints list
//  4. Event bus and the optional NATS mirror
//  5. Ingest queue and store worker pool
//  6. Connection daemon, one stream session per endpoint
//  7. Traffic aggregator (if aggregation.enabled)
//  8. HTTP server
//
// SIGINT or SIGTERM cancels the tree. The daemon marks every endpoint
// DISCONNECT, the pool drains its queue and open streams are closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodepassdash/nodepassdash/internal/aggregate"
	"github.com/nodepassdash/nodepassdash/internal/api"
	"github.com/nodepassdash/nodepassdash/internal/bus"
	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/daemon"
	"github.com/nodepassdash/nodepassdash/internal/database"
	"github.com/nodepassdash/nodepassdash/internal/ingest"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/mirror"
	"github.com/nodepassdash/nodepassdash/internal/models"
	"github.com/nodepassdash/nodepassdash/internal/registry"
	"github.com/nodepassdash/nodepassdash/internal/supervisor"
	"github.com/nodepassdash/nodepassdash/internal/supervisor/services"
	"github.com/nodepassdash/nodepassdash/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logConfigErrors(err)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	lc := logging.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.Format = cfg.Logging.Format
	lc.Caller = cfg.Logging.Caller
	logging.Init(lc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	logging.Info().Msg("Server stopped")
}

// logConfigErrors reports each failed configuration rule on its own line.
func logConfigErrors(err error) {
	var verr *validation.RequestValidationError
	if !errors.As(err, &verr) {
		return
	}
	for _, fe := range verr.Errors() {
		logging.Error().Str("field", fe.Field()).Str("rule", fe.Tag()).Str("param", fe.Param()).Msg(fe.Error())
	}
}

// run wires every component and blocks until ctx is canceled.
func run(ctx context.Context, cfg *config.Config) error {
	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("db_path", cfg.Database.Path).
		Str("registry_path", cfg.Registry.Path).
		Bool("aggregation", cfg.Aggregation.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Starting NodePassDash")

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	store, err := registry.OpenBadgerStore(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing registry store")
		}
	}()

	reg := registry.New(store)
	if err := reg.Load(); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	if n := reg.Seed(endpointSpecs(cfg.Endpoints)); n > 0 {
		logging.Info().Int("added", n).Msg("Seeded endpoints from configuration")
	}
	logging.Info().Int("endpoints", len(reg.List())).Msg("Endpoint registry loaded")

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: shutdownTimeout(cfg),
	})
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	eventBus := bus.New(cfg.Bus)
	tree.AddRelayService(eventBus)

	queue := ingest.NewQueue(cfg.Ingest.QueueSize)
	pool := ingest.NewPool(queue, db, reg, eventBus, cfg.Ingest)
	if cfg.NATS.Enabled {
		m, err := mirror.Connect(cfg.NATS)
		if err != nil {
			return fmt.Errorf("connect nats mirror: %w", err)
		}
		pool.SetMirror(m)
		tree.AddRelayService(m)
	}
	tree.AddStorageService(pool)

	d := daemon.New(reg, daemon.StreamClientFactory(queue, cfg.Stream), cfg.Daemon)
	tree.AddStreamService(d)

	if cfg.Aggregation.Enabled {
		tree.AddStorageService(aggregate.New(db, cfg.Aggregation))
	}

	handler := api.NewHandler(api.Deps{
		Bus:      eventBus,
		Registry: reg,
		Sessions: d,
		Store:    db,
		Pool:     pool,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewRouter(handler, api.NewChiMiddleware(api.ChiMiddlewareConfigFromServer(cfg.Server))),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	logging.Info().Str("addr", server.Addr).Msg("Supervisor tree starting")
	err = tree.Serve(ctx)

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, s := range report {
			logging.Warn().Str("service", s.Name).Msg("Service did not stop in time")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// endpointSpecs converts the configured endpoints for Registry.Seed.
func endpointSpecs(eps []config.EndpointConfig) []models.EndpointSpec {
	specs := make([]models.EndpointSpec, 0, len(eps))
	for _, ep := range eps {
		specs = append(specs, models.EndpointSpec{
			Name:    ep.Name,
			URL:     ep.URL,
			APIPath: ep.APIPath,
			APIKey:  ep.APIKey,
		})
	}
	return specs
}

// shutdownTimeout gives every service enough time for its own drain.
func shutdownTimeout(cfg *config.Config) time.Duration {
	d := 10 * time.Second
	for _, t := range []time.Duration{cfg.Server.ShutdownTimeout, cfg.Daemon.ShutdownTimeout, cfg.Ingest.DrainTimeout} {
		if t+time.Second > d {
			d = t + time.Second
		}
	}
	return d
}
