// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nodepassdash/nodepassdash/internal/daemon"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/models"
	"github.com/nodepassdash/nodepassdash/internal/registry"
)

const (
	defaultEventLimit   = 100
	maxEventLimit       = 1000
	defaultTrafficHours = 24
	maxTrafficHours     = 24 * 31
)

// EndpointView is an endpoint with its session state.
type EndpointView struct {
	models.Endpoint
	Session *daemon.SessionState `json:"session,omitempty"`
}

// endpointIDParam parses {endpointId}. It writes a 400 and reports false on
// failure.
func endpointIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "endpointId"), 10, 64)
	if err != nil || id <= 0 {
		NewResponseWriter(w, r).BadRequest("invalid endpoint id")
		return 0, false
	}
	return id, true
}

// knownEndpoint parses {endpointId} and checks it is registered.
func (h *Handler) knownEndpoint(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := endpointIDParam(w, r)
	if !ok {
		return 0, false
	}
	if _, err := h.registry.Get(id); err != nil {
		if errors.Is(err, registry.ErrEndpointNotFound) {
			NewResponseWriter(w, r).NotFound("endpoint not found")
		} else {
			NewResponseWriter(w, r).InternalError("failed to look up endpoint", err)
		}
		return 0, false
	}
	return id, true
}

// ListEndpoints returns every registered endpoint with its session state.
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps := h.registry.List()
	out := make([]EndpointView, 0, len(eps))
	for _, ep := range eps {
		v := EndpointView{Endpoint: ep}
		if h.sessions != nil {
			if st, ok := h.sessions.State(ep.ID); ok {
				v.Session = &st
			}
		}
		out = append(out, v)
	}
	NewResponseWriter(w, r).List(out, len(out))
}

// ReconnectEndpoint wakes the endpoint's session out of its backoff.
func (h *Handler) ReconnectEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := h.knownEndpoint(w, r)
	if !ok {
		return
	}
	rw := NewResponseWriter(w, r)
	if h.sessions == nil {
		rw.ServiceUnavailable("connection daemon is not running")
		return
	}
	if err := h.sessions.Reconnect(id); err != nil {
		if errors.Is(err, daemon.ErrUnknownEndpoint) {
			rw.Conflict("endpoint has no active session")
			return
		}
		rw.InternalError("failed to reconnect endpoint", err)
		return
	}
	logging.Ctx(r.Context()).Info().Int64("endpoint_id", id).Msg("Reconnect requested")
	rw.Accepted(map[string]int64{"endpointId": id})
}

// EndpointEvents returns the newest stored events of an endpoint, optionally
// narrowed by the instance query parameter.
func (h *Handler) EndpointEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.knownEndpoint(w, r)
	if !ok {
		return
	}
	rw := NewResponseWriter(w, r)
	limit, err := intQuery(r, "limit", defaultEventLimit, 1, maxEventLimit)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	events, err := h.store.RecentEvents(r.Context(), id, r.URL.Query().Get("instance"), limit)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.List(events, len(events))
}

// ListInstances returns the current snapshot of every instance of an
// endpoint, including deleted ones.
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	id, ok := h.knownEndpoint(w, r)
	if !ok {
		return
	}
	rw := NewResponseWriter(w, r)
	states, err := h.store.InstanceStates(r.Context(), id)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.List(states, len(states))
}

// Traffic returns the rollup series of one instance over the last hours.
func (h *Handler) Traffic(w http.ResponseWriter, r *http.Request) {
	id, ok := h.knownEndpoint(w, r)
	if !ok {
		return
	}
	rw := NewResponseWriter(w, r)

	g := models.GranularityHour
	switch raw := r.URL.Query().Get("granularity"); raw {
	case "", string(models.GranularityHour):
	case string(models.GranularityMinute):
		g = models.GranularityMinute
	default:
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeBadRequest, "granularity must be minute or hour",
			map[string]any{"granularity": raw, "allowed": []models.Granularity{models.GranularityMinute, models.GranularityHour}})
		return
	}
	hours, err := intQuery(r, "hours", defaultTrafficHours, 1, maxTrafficHours)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	to := time.Now().UTC()
	from := g.Bucket(to.Add(-time.Duration(hours) * time.Hour))
	series, err := h.store.Rollups(r.Context(), g, id, chi.URLParam(r, "instanceId"), from, to.Add(g.Duration()))
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.List(series, len(series))
}

// intQuery parses an optional integer query parameter within [lo, hi].
func intQuery(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, errors.New(name + " must be an integer between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi))
	}
	return n, nil
}
