// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/nodepassdash/nodepassdash/internal/bus"
	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/models"
	"github.com/nodepassdash/nodepassdash/internal/registry"
)

// openStream starts an SSE request and returns a reader over its body.
func openStream(t *testing.T, srv *httptest.Server, path string) (*http.Response, *bufio.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})
	return resp, bufio.NewReader(resp.Body), cancel
}

// nextFrame returns the next data frame, skipping comments.
func nextFrame(t *testing.T, r *bufio.Reader) bus.Message {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	deadline := time.After(3 * time.Second)
	for {
		ch := make(chan result, 1)
		go func() {
			line, err := r.ReadString('\n')
			ch <- result{line, err}
		}()
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("read frame: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var m bus.Message
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil {
				t.Fatalf("decode %q: %v", line, err)
			}
			return m
		case <-deadline:
			t.Fatal("no SSE frame")
		}
	}
}

func waitSubscribers(t *testing.T, b *bus.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for b.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", b.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEGlobalHandshakeThenEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	resp, r, _ := openStream(t, srv, "/api/sse/global")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if m := nextFrame(t, r); m.Type != bus.TypeConnected {
		t.Fatalf("first frame = %+v, want handshake", m)
	}

	f.bus.PublishEvent(&models.Event{Kind: models.KindCreate, EndpointID: 1, InstanceID: "a", Timestamp: time.Now()})
	f.bus.PublishEvent(&models.Event{Kind: models.KindLog, EndpointID: 2, InstanceID: "b", Message: "hello"})

	if m := nextFrame(t, r); m.Type != "create" || m.InstanceID != "a" {
		t.Errorf("frame 1 = %+v", m)
	}
	if m := nextFrame(t, r); m.Type != "log" || m.Message != "hello" {
		t.Errorf("frame 2 = %+v", m)
	}
}

func TestSSETunnelFilter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	_, r, _ := openStream(t, srv, "/api/sse/tunnel/abc")
	if m := nextFrame(t, r); m.Type != bus.TypeConnected || m.InstanceID != "abc" {
		t.Fatalf("handshake = %+v", m)
	}

	f.bus.PublishEvent(&models.Event{Kind: models.KindUpdate, EndpointID: 1, InstanceID: "xyz"})
	f.bus.PublishEvent(&models.Event{Kind: models.KindUpdate, EndpointID: 1, InstanceID: "abc"})

	if m := nextFrame(t, r); m.InstanceID != "abc" {
		t.Errorf("filtered frame = %+v", m)
	}
}

func TestSSEEndpointFilter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	_, r, _ := openStream(t, srv, "/api/sse/endpoint/2")
	nextFrame(t, r)

	f.bus.PublishEvent(&models.Event{Kind: models.KindLog, EndpointID: 1, Message: "no"})
	f.bus.PublishEvent(&models.Event{Kind: models.KindLog, EndpointID: 2, Message: "yes"})

	if m := nextFrame(t, r); m.Message != "yes" {
		t.Errorf("filtered frame = %+v", m)
	}
}

func TestSSERejectsBadEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	rec, env := f.do(t, http.MethodGet, "/api/sse/endpoint/zero")
	if rec.Code != http.StatusBadRequest || env.Error.Code != ErrCodeBadRequest {
		t.Errorf("status = %d, error = %+v", rec.Code, env.Error)
	}
	if f.bus.Len() != 0 {
		t.Error("rejected request left a subscription")
	}
}

func TestSSEUnsubscribesOnDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	_, r, cancel := openStream(t, srv, "/api/sse/global")
	nextFrame(t, r)
	waitSubscribers(t, f.bus, 1)

	cancel()
	waitSubscribers(t, f.bus, 0)
}

func TestSSEKeepAlive(t *testing.T) {
	t.Parallel()
	b := bus.New(config.BusConfig{BufferSize: 4})
	h := NewHandler(Deps{Bus: b, Registry: registry.New(nil), Store: &fakeStore{}, KeepAlive: 20 * time.Millisecond})
	srv := httptest.NewServer(NewRouter(h, nil))
	t.Cleanup(srv.Close)

	_, r, _ := openStream(t, srv, "/api/sse/global")
	nextFrame(t, r)

	got := make(chan string, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, ":") {
				got <- line
				return
			}
		}
	}()
	select {
	case line := <-got:
		if strings.TrimSpace(line) != ": keep-alive" {
			t.Errorf("comment = %q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no keep-alive comment")
	}
}

func TestSSEClosesWhenBusStops(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = f.bus.Serve(ctx)
	}()

	_, r, _ := openStream(t, srv, "/api/sse/global")
	nextFrame(t, r)
	waitSubscribers(t, f.bus, 1)

	cancel()
	<-served

	done := make(chan error, 1)
	go func() {
		_, err := r.ReadString('\n')
		for err == nil {
			_, err = r.ReadString('\n')
		}
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream stayed open after bus shutdown")
	}
}
