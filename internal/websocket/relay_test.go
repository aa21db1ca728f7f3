// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package websocket

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodepassdash/nodepassdash/internal/bus"
	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

func setupRelay(t *testing.T, origins ...string) (*bus.Bus, *httptest.Server) {
	t.Helper()
	b := bus.New(config.BusConfig{BufferSize: 16})
	srv := httptest.NewServer(NewRelay(b, origins))
	t.Cleanup(srv.Close)
	return b, srv
}

// dialWebSocket connects to the relay with an optional query string.
func dialWebSocket(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) bus.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m bus.Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return m
}

func waitForSubscribers(t *testing.T, b *bus.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for b.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", b.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayHandshakeThenEvents(t *testing.T) {
	t.Parallel()
	b, srv := setupRelay(t)
	conn := dialWebSocket(t, srv, "")

	if m := readMessage(t, conn); m.Type != bus.TypeConnected {
		t.Fatalf("first frame = %+v, want handshake", m)
	}
	waitForSubscribers(t, b, 1)

	b.PublishEvent(&models.Event{Kind: models.KindUpdate, EndpointID: 1, InstanceID: "a", Timestamp: time.Now()})
	m := readMessage(t, conn)
	if m.Type != "update" || m.InstanceID != "a" || m.EndpointID != 1 {
		t.Errorf("event frame = %+v", m)
	}
}

func TestRelayInstanceFilter(t *testing.T) {
	t.Parallel()
	b, srv := setupRelay(t)
	conn := dialWebSocket(t, srv, "/?instance=want")
	readMessage(t, conn)
	waitForSubscribers(t, b, 1)

	b.PublishEvent(&models.Event{Kind: models.KindUpdate, EndpointID: 1, InstanceID: "other"})
	b.PublishEvent(&models.Event{Kind: models.KindUpdate, EndpointID: 1, InstanceID: "want"})

	if m := readMessage(t, conn); m.InstanceID != "want" {
		t.Errorf("filtered frame = %+v", m)
	}
}

func TestRelayEndpointFilter(t *testing.T) {
	t.Parallel()
	b, srv := setupRelay(t)
	conn := dialWebSocket(t, srv, "/?endpoint=2")
	if m := readMessage(t, conn); m.EndpointID != 2 {
		t.Errorf("handshake = %+v, want endpoint echoed", m)
	}
	waitForSubscribers(t, b, 1)

	b.PublishEvent(&models.Event{Kind: models.KindLog, EndpointID: 1, Message: "no"})
	b.PublishEvent(&models.Event{Kind: models.KindLog, EndpointID: 2, Message: "yes"})
	if m := readMessage(t, conn); m.Message != "yes" {
		t.Errorf("filtered frame = %+v", m)
	}
}

func TestRelayRejectsBadEndpoint(t *testing.T) {
	t.Parallel()
	_, srv := setupRelay(t)
	resp, err := http.Get(srv.URL + "/?endpoint=abc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRelayAnswersPing(t *testing.T) {
	t.Parallel()
	_, srv := setupRelay(t)
	conn := dialWebSocket(t, srv, "")
	readMessage(t, conn)

	if err := conn.WriteJSON(map[string]string{"type": MessageTypePing}); err != nil {
		t.Fatal(err)
	}
	if m := readMessage(t, conn); m.Type != MessageTypePong {
		t.Errorf("reply = %+v, want pong", m)
	}
}

func TestRelayUnsubscribesOnClose(t *testing.T) {
	t.Parallel()
	b, srv := setupRelay(t)
	conn := dialWebSocket(t, srv, "")
	readMessage(t, conn)
	waitForSubscribers(t, b, 1)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	waitForSubscribers(t, b, 0)
}

func TestRelayClosesWhenSubscriptionRemoved(t *testing.T) {
	t.Parallel()
	b, srv := setupRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = b.Serve(ctx)
	}()

	conn := dialWebSocket(t, srv, "")
	readMessage(t, conn)
	waitForSubscribers(t, b, 1)

	// Stopping the bus closes every subscription.
	cancel()
	<-served

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage = %v, want normal close", err)
	}
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"no list allows all", nil, "http://evil.example", true},
		{"wildcard", []string{"*"}, "http://evil.example", true},
		{"listed", []string{"http://dash.local/"}, "http://dash.local", true},
		{"unlisted", []string{"http://dash.local"}, "http://evil.example", false},
		{"no origin header", []string{"http://dash.local"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.origins)(r); got != tt.want {
				t.Errorf("allowed = %v, want %v", got, tt.want)
			}
		})
	}
}
