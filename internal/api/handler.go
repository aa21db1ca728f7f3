// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package api

import (
	"context"
	"time"

	"github.com/nodepassdash/nodepassdash/internal/bus"
	"github.com/nodepassdash/nodepassdash/internal/daemon"
	"github.com/nodepassdash/nodepassdash/internal/database"
	"github.com/nodepassdash/nodepassdash/internal/ingest"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

const defaultKeepAlive = 15 * time.Second

// Registry is the read side of the endpoint registry.
type Registry interface {
	List() []models.Endpoint
	Get(id int64) (models.Endpoint, error)
}

// Sessions exposes the connection daemon.
type Sessions interface {
	States() []daemon.SessionState
	State(id int64) (daemon.SessionState, bool)
	Reconnect(id int64) error
}

// Store is the query side of the event store.
type Store interface {
	Ping(ctx context.Context) error
	RecentEvents(ctx context.Context, endpointID int64, instanceID string, limit int) ([]database.StoredEvent, error)
	InstanceStates(ctx context.Context, endpointID int64) ([]models.InstanceState, error)
	Rollups(ctx context.Context, g models.Granularity, endpointID int64, instanceID string, from, to time.Time) ([]models.TrafficRollup, error)
}

// PoolStats reports the ingestion pool's counters.
type PoolStats interface {
	Stats() ingest.Stats
}

// Deps are the components the handlers read from. Pool may be nil.
type Deps struct {
	Bus      *bus.Bus
	Registry Registry
	Sessions Sessions
	Store    Store
	Pool     PoolStats

	// KeepAlive is the interval of SSE comment frames on idle streams.
	KeepAlive time.Duration
}

// Handler serves every route of the router.
type Handler struct {
	bus       *bus.Bus
	registry  Registry
	sessions  Sessions
	store     Store
	pool      PoolStats
	keepAlive time.Duration
	startTime time.Time
}

// NewHandler creates a handler from deps.
func NewHandler(deps Deps) *Handler {
	keepAlive := deps.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &Handler{
		bus:       deps.Bus,
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		store:     deps.Store,
		pool:      deps.Pool,
		keepAlive: keepAlive,
		startTime: time.Now(),
	}
}
