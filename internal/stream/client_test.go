// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

type fakeSink struct {
	mu       sync.Mutex
	events   []*models.Event
	capacity int
	waits    int
}

func (s *fakeSink) TryEnqueue(ev *models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && len(s.events) >= s.capacity {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *fakeSink) Enqueue(ctx context.Context, ev *models.Event, wait time.Duration) error {
	s.mu.Lock()
	s.waits++
	s.mu.Unlock()
	select {
	case <-time.After(wait):
		return errors.New("queue full")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSink) snapshot() []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Event(nil), s.events...)
}

type fakeReporter struct {
	mu        sync.Mutex
	connected int
	infos     []models.SystemInfo
}

func (r *fakeReporter) Connected(int64) {
	r.mu.Lock()
	r.connected++
	r.mu.Unlock()
}

func (r *fakeReporter) SystemInfo(_ int64, info models.SystemInfo) {
	r.mu.Lock()
	r.infos = append(r.infos, info)
	r.mu.Unlock()
}

func testConfig() config.StreamConfig {
	return config.StreamConfig{
		DialTimeout:   time.Second,
		IdleTimeout:   0,
		EnqueueWait:   10 * time.Millisecond,
		MaxFrameBytes: 1 << 16,
	}
}

func endpointFor(srv *httptest.Server) models.Endpoint {
	return models.Endpoint{ID: 5, Name: "edge", URL: srv.URL, APIPath: "/api", APIKey: "secret"}
}

func sseHandler(t *testing.T, frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
	}
}

func TestRunDeliversEventsInOrder(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(sseHandler(t,
		"data: {\"type\":\"connected\"}\n\n",
		"data: {\"type\":\"initial\",\"os\":\"linux\",\"instance\":{\"id\":\"a\",\"tcprx\":1}}\n\n",
		": keepalive\n\n",
		"data: {\"type\":\"update\",\"instance\":{\"id\":\"a\",\"tcprx\":5}}\n\n",
		"data: garbage\n\n",
	))
	defer srv.Close()

	sink := &fakeSink{}
	rep := &fakeReporter{}
	c := NewClient(endpointFor(srv), sink, rep, testConfig())

	err := c.Run(context.Background())
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Run = %v, want ErrStreamClosed", err)
	}

	events := sink.snapshot()
	kinds := make([]models.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
		if ev.EndpointID != 5 {
			t.Errorf("event %d endpoint = %d", i, ev.EndpointID)
		}
	}
	want := []models.EventKind{models.KindInitial, models.KindUpdate, models.KindLog}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("kinds = %v, want %v (handshake must not be forwarded)", kinds, want)
	}
	if events[2].Message != "garbage" {
		t.Errorf("malformed frame message = %q", events[2].Message)
	}
	if rep.connected < 1 {
		t.Error("no liveness signal")
	}
	if len(rep.infos) != 1 || rep.infos[0].OS != "linux" {
		t.Errorf("system info reports = %+v", rep.infos)
	}
	if c.Received() != 4 {
		t.Errorf("Received = %d, want 4", c.Received())
	}
}

func TestRunFirstEventSignalsLiveness(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(sseHandler(t, "data: {\"type\":\"log\",\"logs\":\"hi\"}\n\n"))
	defer srv.Close()

	rep := &fakeReporter{}
	_ = NewClient(endpointFor(srv), &fakeSink{}, rep, testConfig()).Run(context.Background())
	if rep.connected != 1 {
		t.Errorf("connected signals = %d, want 1", rep.connected)
	}
}

func TestRunStatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		auth   bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		{"server error", http.StatusBadGateway, false},
		{"not found", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewClient(endpointFor(srv), &fakeSink{}, &fakeReporter{}, testConfig()).Run(context.Background())
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("Run = %v, want *StatusError", err)
			}
			if se.StatusCode != tt.status || se.Auth() != tt.auth || IsAuth(err) != tt.auth {
				t.Errorf("StatusError = %+v auth=%v", se, se.Auth())
			}
		})
	}
}

func TestRunConnectionRefused(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	ep := endpointFor(srv)
	srv.Close()

	err := NewClient(ep, &fakeSink{}, &fakeReporter{}, testConfig()).Run(context.Background())
	if err == nil || errors.Is(err, ErrStreamClosed) || IsAuth(err) {
		t.Errorf("Run = %v, want a transport error", err)
	}
}

func TestRunCancelReturnsContextError(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- NewClient(endpointFor(srv), &fakeSink{}, &fakeReporter{}, testConfig()).Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunIdleTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	err := NewClient(endpointFor(srv), &fakeSink{}, &fakeReporter{}, cfg).Run(context.Background())
	if !errors.Is(err, ErrIdleTimeout) {
		t.Errorf("Run = %v, want ErrIdleTimeout", err)
	}
}

func TestRunBackpressureBoundsReadLoop(t *testing.T) {
	t.Parallel()
	frames := make([]string, 20)
	for i := range frames {
		frames[i] = fmt.Sprintf("data: {\"type\":\"update\",\"instance\":{\"id\":\"i%d\",\"tcprx\":%d}}\n\n", i, i)
	}
	srv := httptest.NewServer(sseHandler(t, frames...))
	defer srv.Close()

	sink := &fakeSink{capacity: 5}
	start := time.Now()
	err := NewClient(endpointFor(srv), sink, &fakeReporter{}, testConfig()).Run(context.Background())
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Run = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("read loop stalled for %v", elapsed)
	}
	if got := len(sink.snapshot()); got != 5 {
		t.Errorf("accepted = %d, want 5", got)
	}
	if sink.waits != 15 {
		t.Errorf("bounded waits = %d, want 15", sink.waits)
	}
}
