// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package websocket

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/nodepassdash/nodepassdash/internal/bus"
	"github.com/nodepassdash/nodepassdash/internal/logging"
)

// Relay upgrades HTTP requests and streams bus messages to them.
type Relay struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader
}

// NewRelay creates a relay. origins lists allowed Origin headers; an empty
// list or "*" allows any origin.
func NewRelay(b *bus.Bus, origins []string) *Relay {
	r := &Relay{bus: b}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(origins),
	}
	return r
}

func originChecker(origins []string) func(*http.Request) bool {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// FilterFromQuery builds a bus filter from the instance and endpoint query
// parameters.
func FilterFromQuery(r *http.Request) (bus.Filter, bool) {
	f := bus.Filter{InstanceID: r.URL.Query().Get("instance")}
	if raw := r.URL.Query().Get("endpoint"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return bus.Filter{}, false
		}
		f.EndpointID = id
	}
	return f, true
}

// ServeHTTP handles one WebSocket connection for its whole lifetime.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	f, ok := FilterFromQuery(req)
	if !ok {
		http.Error(w, "invalid endpoint id", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	sub := r.bus.Subscribe(f)
	defer r.bus.Unsubscribe(sub)

	c := NewClient(conn, sub)
	logging.Debug().Uint64("client", c.ID()).Str("subscription", sub.ID()).Msg("Websocket client connected")
	c.Run(req.Context())
	logging.Debug().Uint64("client", c.ID()).Uint64("dropped", sub.Dropped()).Msg("Websocket client disconnected")
}
