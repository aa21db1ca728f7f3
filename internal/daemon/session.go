// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/metrics"
	"github.com/nodepassdash/nodepassdash/internal/models"
	"github.com/nodepassdash/nodepassdash/internal/stream"
)

// State is a session's position in the connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionState is a snapshot of one endpoint's session.
type SessionState struct {
	EndpointID  int64     `json:"endpointId"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	NextAttempt time.Time `json:"nextAttempt,omitempty"`
}

// session owns the reconnect loop of one endpoint.
type session struct {
	id     int64
	d      *Daemon
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	snap          SessionState
	attemptCancel context.CancelFunc
	forced        bool
	kick          chan struct{}
}

func newSession(d *Daemon, id int64, cancel context.CancelFunc) *session {
	return &session{
		id:     id,
		d:      d,
		cancel: cancel,
		done:   make(chan struct{}),
		snap:   SessionState{EndpointID: id, State: StateDisconnected},
		kick:   make(chan struct{}, 1),
	}
}

func newBackoff(cfg config.DaemonConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *session) snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.snap.State = st
	s.mu.Unlock()
	metrics.SetStreamState(s.id, int(st))
}

// run connects, waits for the stream to end, backs off and repeats until
// ctx is cancelled or the endpoint leaves the registry.
func (s *session) run(ctx context.Context) {
	defer close(s.done)
	log := logging.WithComponent("daemon").With().Int64("endpoint_id", s.id).Logger()
	b := newBackoff(s.d.cfg)

	for {
		ep, err := s.d.reg.Get(s.id)
		if err != nil {
			log.Info().Msg("Endpoint no longer registered, session ending")
			return
		}

		attemptCtx, attemptCancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.attemptCancel = attemptCancel
		s.snap.Attempts++
		s.snap.NextAttempt = time.Time{}
		s.mu.Unlock()
		s.setState(StateConnecting)

		log.Debug().Str("url", ep.EventsURL()).Msg("Connecting to event stream")
		runErr := s.d.factory(ep, &reporter{s: s}).Run(attemptCtx)
		attemptCancel()

		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		s.mu.Lock()
		wasConnected := s.snap.State == StateConnected
		connectedAt := s.snap.ConnectedAt
		forced := s.forced
		s.forced = false
		s.attemptCancel = nil
		s.mu.Unlock()

		// Stability counts from the handshake, not from the dial.
		if wasConnected && s.d.now().Sub(connectedAt) >= s.d.cfg.StableAfter {
			b.Reset()
		}

		auth := stream.IsAuth(runErr)
		status, outcome := models.StatusOffline, "offline"
		if auth {
			status, outcome = models.StatusFail, "auth"
		}
		metrics.StreamConnects.WithLabelValues(outcome).Inc()
		if err := s.d.reg.UpdateStatus(s.id, status); err != nil {
			log.Debug().Err(err).Msg("Status update skipped")
		}

		wait := b.NextBackOff()
		if auth && wait < s.d.cfg.AuthBackoff {
			wait = s.d.cfg.AuthBackoff
		}
		if forced {
			wait = 0
			b.Reset()
		}

		errText := ""
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			errText = runErr.Error()
		}
		s.mu.Lock()
		s.snap.LastError = errText
		s.snap.NextAttempt = s.d.now().Add(wait)
		s.mu.Unlock()
		s.setState(StateDisconnected)
		metrics.StreamBackoffSeconds.Observe(wait.Seconds())

		level := zerolog.WarnLevel
		if forced {
			level = zerolog.InfoLevel
		}
		log.WithLevel(level).Err(runErr).Str("status", string(status)).Dur("retry_in", wait).Msg("Event stream disconnected")

		if !s.sleep(ctx, wait) {
			s.setState(StateDisconnected)
			return
		}
	}
}

// sleep waits for d, a kick, or ctx. It reports false when ctx ended.
func (s *session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-s.kick:
		return true
	}
}

// reconnect ends the current attempt, or the current backoff wait, so the
// next attempt starts immediately.
func (s *session) reconnect() {
	s.mu.Lock()
	cancel := s.attemptCancel
	if cancel != nil {
		s.forced = true
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// reporter turns stream liveness signals into registry updates.
type reporter struct {
	s *session
}

func (r *reporter) Connected(endpointID int64) {
	s := r.s
	s.mu.Lock()
	already := s.snap.State == StateConnected
	if !already {
		s.snap.ConnectedAt = s.d.now().UTC()
		s.snap.LastError = ""
	}
	s.mu.Unlock()
	if already {
		return
	}

	s.setState(StateConnected)
	metrics.StreamConnects.WithLabelValues("connected").Inc()
	if err := s.d.reg.UpdateStatus(endpointID, models.StatusOnline); err != nil {
		logging.Debug().Err(err).Int64("endpoint_id", endpointID).Msg("Status update skipped")
	}
	logging.Info().Int64("endpoint_id", endpointID).Msg("Event stream connected")
}

func (r *reporter) SystemInfo(endpointID int64, info models.SystemInfo) {
	if err := r.s.d.reg.UpdateSystemInfo(endpointID, info); err != nil {
		logging.Debug().Err(err).Int64("endpoint_id", endpointID).Msg("System info update skipped")
	}
}
