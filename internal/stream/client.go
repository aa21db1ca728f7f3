// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package stream consumes one endpoint's server-sent event stream.
//
// A Client runs exactly one session: it connects, decodes frames into
// events, hands them to the ingest queue and returns when the stream ends.
// Reconnecting is the caller's job so that backoff policy lives in one
// place.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/metrics"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

var (
	// ErrStreamClosed is returned when the remote ends the stream cleanly.
	ErrStreamClosed = errors.New("event stream closed by remote")

	// ErrIdleTimeout is returned when no bytes arrived for the idle timeout.
	ErrIdleTimeout = errors.New("event stream idle timeout")
)

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("event stream returned %s", e.Status)
}

// Auth reports whether the endpoint rejected the credentials.
func (e *StatusError) Auth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsAuth reports whether err is an authentication rejection.
func IsAuth(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Auth()
}

// Sink accepts decoded events.
type Sink interface {
	// TryEnqueue adds ev without waiting.
	TryEnqueue(ev *models.Event) bool

	// Enqueue waits up to wait for room.
	Enqueue(ctx context.Context, ev *models.Event, wait time.Duration) error
}

// Reporter receives liveness signals ahead of ingestion, so endpoint status
// is current even when storage is slow.
type Reporter interface {
	Connected(endpointID int64)
	SystemInfo(endpointID int64, info models.SystemInfo)
}

// Client streams events from one endpoint.
type Client struct {
	endpoint   models.Endpoint
	sink       Sink
	reporter   Reporter
	cfg        config.StreamConfig
	httpClient *http.Client
	now        func() time.Time

	backpressure rate.Sometimes
	dropped      rate.Sometimes

	received atomic.Int64
}

// NewClient creates a client for ep.
func NewClient(ep models.Endpoint, sink Sink, reporter Reporter, cfg config.StreamConfig) *Client {
	return &Client{
		endpoint:     ep,
		sink:         sink,
		reporter:     reporter,
		cfg:          cfg,
		httpClient:   newHTTPClient(cfg),
		now:          time.Now,
		backpressure: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		dropped:      rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// newHTTPClient builds a client without an overall timeout; a stream is
// expected to stay open indefinitely and the idle watchdog bounds silence.
func newHTTPClient(cfg config.StreamConfig) *http.Client {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 10 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: dial,
		MaxIdleConnsPerHost: 1,
		DisableCompression:  true,
	}
	if cfg.InsecureSkipVerify {
		// NodePass agents commonly run with self-signed certificates.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per deployment
	}
	return &http.Client{Transport: transport}
}

// Received returns how many events this client decoded.
func (c *Client) Received() int64 {
	return c.received.Load()
}

// Run connects and consumes the stream until it ends. It always returns a
// non-nil error: ctx.Err() on cancellation, *StatusError for HTTP failures,
// ErrStreamClosed on EOF, ErrIdleTimeout when the stream went silent.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var idleFired atomic.Bool
	watchdog := c.startWatchdog(func() {
		idleFired.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.EventsURL(), http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.endpoint.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classify(ctx, &idleFired, fmt.Errorf("connect %s: %w", c.endpoint.URL, err))
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logging.Debug().Err(cerr).Int64("endpoint_id", c.endpoint.ID).Msg("Failed to close stream body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body := &touchReader{r: resp.Body, touch: watchdog.Touch}
	sc := NewScanner(body, c.cfg.MaxFrameBytes)
	first := true

	for sc.Next() {
		ev, ok := Decode(c.endpoint.ID, sc.Frame(), c.now())
		if !ok {
			continue
		}
		c.received.Add(1)
		metrics.StreamEventsReceived.WithLabelValues(string(ev.Kind)).Inc()

		if first || ev.Kind == models.KindConnected {
			first = false
			c.reporter.Connected(c.endpoint.ID)
		}
		if ev.SystemInfo != nil {
			c.reporter.SystemInfo(c.endpoint.ID, *ev.SystemInfo)
		}
		if ev.Kind == models.KindConnected {
			continue
		}
		c.enqueue(ctx, &ev)
	}

	if err := sc.Err(); err != nil {
		return c.classify(ctx, &idleFired, fmt.Errorf("read stream: %w", err))
	}
	if err := c.classify(ctx, &idleFired, nil); err != nil {
		return err
	}
	return ErrStreamClosed
}

// classify maps a failure caused by our own cancellation to the reason for
// it.
func (c *Client) classify(ctx context.Context, idleFired *atomic.Bool, err error) error {
	if idleFired.Load() {
		return ErrIdleTimeout
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// enqueue hands ev to the sink, waiting at most EnqueueWait. It never
// blocks the read loop for longer than that.
func (c *Client) enqueue(ctx context.Context, ev *models.Event) {
	if c.sink.TryEnqueue(ev) {
		return
	}
	metrics.IngestBackpressure.Inc()
	c.backpressure.Do(func() {
		logging.Warn().Int64("endpoint_id", c.endpoint.ID).Dur("wait", c.cfg.EnqueueWait).
			Msg("Ingest queue full, applying backpressure")
	})

	if err := c.sink.Enqueue(ctx, ev, c.cfg.EnqueueWait); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.dropped.Do(func() {
			logging.Warn().Err(err).Int64("endpoint_id", c.endpoint.ID).Str("kind", string(ev.Kind)).
				Msg("Dropping event, ingest queue still full")
		})
	}
}

// watchdog cancels the session when Touch has not been called for the idle
// timeout. A zero timeout disables it.
type watchdog struct {
	timer   *time.Timer
	timeout time.Duration
}

func (c *Client) startWatchdog(fire func()) *watchdog {
	w := &watchdog{timeout: c.cfg.IdleTimeout}
	if w.timeout > 0 {
		w.timer = time.AfterFunc(w.timeout, func() {
			logging.Warn().Int64("endpoint_id", c.endpoint.ID).Dur("idle_timeout", w.timeout).
				Msg("Event stream silent, closing")
			fire()
		})
	}
	return w
}

func (w *watchdog) Touch() {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) Stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

type touchReader struct {
	r     io.Reader
	touch func()
}

func (t *touchReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.touch()
	}
	return n, err
}
