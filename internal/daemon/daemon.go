// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package daemon keeps one event stream open per registered endpoint.
//
// Each endpoint gets a session goroutine that walks the state machine
// Disconnected -> Connecting -> Connected -> Disconnected, marking the
// endpoint OFFLINE (or FAIL on credential errors) whenever a stream ends
// and reconnecting with exponential backoff. The Daemon itself follows the
// registry: new endpoints get a session, removed endpoints have theirs
// cancelled and never respawned.
package daemon

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/metrics"
	"github.com/nodepassdash/nodepassdash/internal/models"
	"github.com/nodepassdash/nodepassdash/internal/registry"
	"github.com/nodepassdash/nodepassdash/internal/stream"
)

// ErrUnknownEndpoint is returned for endpoints without a session.
var ErrUnknownEndpoint = errors.New("no session for endpoint")

// Runner is one connection attempt. Run blocks until the stream ends.
type Runner interface {
	Run(ctx context.Context) error
}

// ClientFactory builds the Runner for one attempt against ep.
type ClientFactory func(ep models.Endpoint, rep stream.Reporter) Runner

// StreamClientFactory returns a ClientFactory producing stream clients that
// push into sink.
func StreamClientFactory(sink stream.Sink, cfg config.StreamConfig) ClientFactory {
	return func(ep models.Endpoint, rep stream.Reporter) Runner {
		return stream.NewClient(ep, sink, rep, cfg)
	}
}

// Registry is the part of the endpoint registry the daemon relies on.
type Registry interface {
	List() []models.Endpoint
	Get(id int64) (models.Endpoint, error)
	UpdateStatus(id int64, status models.EndpointStatus) error
	UpdateSystemInfo(id int64, info models.SystemInfo) error
	Watch() (<-chan registry.Change, func())
}

// Daemon supervises the per-endpoint sessions. It implements suture.Service.
type Daemon struct {
	reg     Registry
	factory ClientFactory
	cfg     config.DaemonConfig
	now     func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session
	wg       sync.WaitGroup
}

// New creates a daemon. Zero config values fall back to defaults.
func New(reg Registry, factory ClientFactory, cfg config.DaemonConfig) *Daemon {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 60 * time.Second
		if cfg.MaxBackoff < cfg.InitialBackoff {
			cfg.MaxBackoff = cfg.InitialBackoff
		}
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0.2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Daemon{
		reg:      reg,
		factory:  factory,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[int64]*session),
	}
}

func (d *Daemon) String() string { return "connection-daemon" }

// Serve starts a session per registered endpoint and follows membership
// changes until ctx is done.
func (d *Daemon) Serve(ctx context.Context) error {
	changes, stopWatch := d.reg.Watch()
	defer stopWatch()

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	d.reconcile(runCtx)
	logging.Info().Int("sessions", d.count()).Msg("Connection daemon started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancelAll()
			d.shutdown()
			return ctx.Err()

		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			switch c.Type {
			case registry.ChangeAdded:
				if ep, err := d.reg.Get(c.EndpointID); err == nil {
					d.start(runCtx, ep.ID)
				}
			case registry.ChangeRemoved:
				d.stop(c.EndpointID)
			default:
				d.reconcile(runCtx)
			}

		case <-ticker.C:
			d.reconcile(runCtx)
		}
	}
}

// reconcile aligns running sessions with the registry contents.
func (d *Daemon) reconcile(ctx context.Context) {
	wanted := make(map[int64]struct{})
	for _, ep := range d.reg.List() {
		wanted[ep.ID] = struct{}{}
		d.start(ctx, ep.ID)
	}

	d.mu.Lock()
	var stale []int64
	for id := range d.sessions {
		if _, ok := wanted[id]; !ok {
			stale = append(stale, id)
		}
	}
	d.mu.Unlock()

	for _, id := range stale {
		d.stop(id)
	}
}

func (d *Daemon) start(ctx context.Context, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if s, ok := d.sessions[id]; ok {
		select {
		case <-s.done:
			// Finished on its own (endpoint vanished briefly); replace it.
		default:
			return
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := newSession(d, id, cancel)
	d.sessions[id] = s
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		s.run(sctx)
	}()
	logging.Debug().Int64("endpoint_id", id).Msg("Session started")
}

func (d *Daemon) stop(id int64) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	if ok {
		delete(d.sessions, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	metrics.ForgetStream(id)
	logging.Info().Int64("endpoint_id", id).Msg("Endpoint removed, session stopped")
}

// shutdown waits for all sessions, then marks the endpoints that are still
// registered DISCONNECT.
func (d *Daemon) shutdown() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if d.cfg.ShutdownTimeout > 0 {
		t := time.NewTimer(d.cfg.ShutdownTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-done:
	case <-timeout:
		logging.Warn().Dur("timeout", d.cfg.ShutdownTimeout).Msg("Sessions did not stop in time")
	}

	d.mu.Lock()
	ids := make([]int64, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.sessions = make(map[int64]*session)
	d.mu.Unlock()

	for _, id := range ids {
		if err := d.reg.UpdateStatus(id, models.StatusDisconnect); err != nil && !errors.Is(err, registry.ErrEndpointNotFound) {
			logging.Warn().Err(err).Int64("endpoint_id", id).Msg("Failed to mark endpoint disconnected")
		}
	}
	logging.Info().Int("endpoints", len(ids)).Msg("Connection daemon stopped")
}

func (d *Daemon) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// States returns a snapshot of every session ordered by endpoint id.
func (d *Daemon) States() []SessionState {
	d.mu.Lock()
	out := make([]SessionState, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s.snapshot())
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// State returns the session snapshot for one endpoint.
func (d *Daemon) State(id int64) (SessionState, bool) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if !ok {
		return SessionState{}, false
	}
	return s.snapshot(), true
}

// Reconnect drops the endpoint's current stream, or skips its backoff wait,
// so a fresh attempt starts right away.
func (d *Daemon) Reconnect(id int64) error {
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if !ok {
		return ErrUnknownEndpoint
	}
	s.reconnect()
	return nil
}
