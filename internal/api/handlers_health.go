// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nodepassdash/nodepassdash/internal/daemon"
	"github.com/nodepassdash/nodepassdash/internal/ingest"
)

// HealthStatus is the body of /healthz.
type HealthStatus struct {
	Status            string         `json:"status"`
	DatabaseConnected bool           `json:"databaseConnected"`
	Endpoints         int            `json:"endpoints"`
	Sessions          map[string]int `json:"sessions"`
	Subscribers       int            `json:"subscribers"`
	Ingest            *ingest.Stats  `json:"ingest,omitempty"`
	Uptime            float64        `json:"uptimeSeconds"`
}

// Health reports liveness. It answers 503 when the store is unreachable or
// the ingest circuit breaker is open.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	hs := HealthStatus{
		Status:            "healthy",
		DatabaseConnected: h.store != nil && h.store.Ping(ctx) == nil,
		Endpoints:         len(h.registry.List()),
		Sessions:          map[string]int{},
		Subscribers:       h.bus.Len(),
		Uptime:            time.Since(h.startTime).Seconds(),
	}
	if h.sessions != nil {
		for _, st := range h.sessions.States() {
			hs.Sessions[st.State.String()]++
		}
	}
	if h.pool != nil {
		st := h.pool.Stats()
		hs.Ingest = &st
	}

	rw := NewResponseWriter(w, r)
	if !hs.DatabaseConnected || (hs.Ingest != nil && hs.Ingest.Breaker == "open") {
		hs.Status = "degraded"
		rw.writeJSON(http.StatusServiceUnavailable, APIResponse{Success: false, Data: hs, Meta: rw.meta()})
		return
	}
	rw.Success(hs)
}

var _ Sessions = (*daemon.Daemon)(nil)
