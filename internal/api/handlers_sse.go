// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package api

import (
	"bufio"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/nodepassdash/nodepassdash/internal/bus"
	"github.com/nodepassdash/nodepassdash/internal/logging"
)

// StreamGlobal relays every event.
func (h *Handler) StreamGlobal(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, bus.All())
}

// StreamInstance relays the events of one instance.
func (h *Handler) StreamInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")
	if id == "" {
		NewResponseWriter(w, r).BadRequest("instance id is required")
		return
	}
	h.serveSSE(w, r, bus.Instance(id))
}

// StreamEndpoint relays the events of one endpoint.
func (h *Handler) StreamEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := endpointIDParam(w, r)
	if !ok {
		return
	}
	h.serveSSE(w, r, bus.Endpoint(id))
}

// serveSSE holds one subscription open until the client leaves or the bus
// closes it.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, f bus.Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		NewResponseWriter(w, r).InternalError("streaming unsupported", nil)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.bus.Subscribe(f)
	defer h.bus.Unsubscribe(sub)

	log := logging.Ctx(r.Context())
	log.Debug().Str("subscription", sub.ID()).Str("instance_id", f.InstanceID).
		Int64("endpoint_id", f.EndpointID).Msg("SSE client connected")

	bw := bufio.NewWriter(w)
	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		if err := writeFrames(bw, sub); err != nil {
			log.Debug().Err(err).Str("subscription", sub.ID()).Msg("SSE write failed")
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			log.Debug().Str("subscription", sub.ID()).Uint64("dropped", sub.Dropped()).Msg("SSE client disconnected")
			return
		case <-sub.Done():
			if writeFrames(bw, sub) == nil {
				flusher.Flush()
			}
			return
		case <-sub.C():
		case <-keepAlive.C:
			if _, err := bw.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
		}
	}
}

// writeFrames writes every buffered message as a data frame.
func writeFrames(bw *bufio.Writer, sub *bus.Subscription) error {
	for {
		m, ok := sub.TryNext()
		if !ok {
			return bw.Flush()
		}
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := bw.WriteString("data: "); err != nil {
			return err
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
		if _, err := bw.WriteString("\n\n"); err != nil {
			return err
		}
	}
}
