// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodepassdash/nodepassdash/internal/middleware"
	"github.com/nodepassdash/nodepassdash/internal/websocket"
)

// NewRouter builds the HTTP handler. A nil mw uses the default middleware
// configuration.
func NewRouter(h *Handler, mw *ChiMiddleware) http.Handler {
	if mw == nil {
		mw = NewChiMiddleware(nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.PrometheusMetrics)
	r.Use(middleware.AccessLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(mw.CORS())

		r.Group(func(r chi.Router) {
			r.Use(mw.RateLimit())
			r.Get("/sse/global", h.StreamGlobal)
			r.Get("/sse/tunnel/{instanceId}", h.StreamInstance)
			r.Get("/sse/endpoint/{endpointId}", h.StreamEndpoint)
			r.Handle("/ws", websocket.NewRelay(h.bus, mw.config.CORSAllowedOrigins))
		})

		r.Get("/endpoints", h.ListEndpoints)
		r.Post("/endpoints/{endpointId}/reconnect", h.ReconnectEndpoint)
		r.Get("/endpoints/{endpointId}/events", h.EndpointEvents)
		r.Get("/instances/{endpointId}", h.ListInstances)
		r.Get("/traffic/{endpointId}/{instanceId}", h.Traffic)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).NotFound("no such route")
	})
	return r
}
