// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package mirror republishes persisted events on NATS so tools outside the
// dashboard can follow the same stream.
//
// Subjects are <prefix>.<endpointId>.<kind>, for example
// nodepass.events.3.update. Payloads use the relay JSON form of package
// bus. Publishing is fire-and-forget: the NATS client buffers while
// reconnecting and the ingest path never waits on it.
package mirror

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/nodepassdash/nodepassdash/internal/bus"
	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/metrics"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

// Mirror publishes events to NATS. It implements suture.Service so the
// connection is drained on shutdown.
type Mirror struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials the NATS server named in cfg.
func Connect(cfg config.NATSConfig) (*Mirror, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("nodepassdash-mirror"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS mirror disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Info().Str("url", c.ConnectedUrl()).Msg("NATS mirror reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return New(nc, cfg.SubjectPrefix), nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, prefix string) *Mirror {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = "nodepass.events"
	}
	return &Mirror{nc: nc, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (m *Mirror) Subject(ev *models.Event) string {
	kind := string(ev.Kind)
	if kind == "" {
		kind = string(models.KindRaw)
	}
	return m.prefix + "." + strconv.FormatInt(ev.EndpointID, 10) + "." + kind
}

// Mirror publishes ev. Failures are counted and logged, never returned.
func (m *Mirror) Mirror(ev *models.Event) {
	data, err := json.Marshal(bus.FromEvent(ev))
	if err != nil {
		metrics.MirrorPublished.WithLabelValues("error").Inc()
		logging.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to encode mirrored event")
		return
	}
	if err := m.nc.Publish(m.Subject(ev), data); err != nil {
		metrics.MirrorPublished.WithLabelValues("error").Inc()
		logging.Debug().Err(err).Str("event_id", ev.ID).Msg("Failed to mirror event")
		return
	}
	metrics.MirrorPublished.WithLabelValues("ok").Inc()
}

func (m *Mirror) String() string { return "nats-mirror" }

// Serve waits for ctx and then drains the connection.
func (m *Mirror) Serve(ctx context.Context) error {
	<-ctx.Done()
	if err := m.nc.Drain(); err != nil {
		logging.Warn().Err(err).Msg("NATS mirror drain failed")
		m.nc.Close()
	}
	return ctx.Err()
}
