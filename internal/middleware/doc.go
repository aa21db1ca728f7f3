// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

/*
Package middleware provides HTTP middleware for the dashboard API.

Key Components:

  - RequestID: X-Request-ID propagation into the logging context
  - PrometheusMetrics: request count, latency and in-flight instrumentation
  - AccessLog: one structured log line per finished request

All middleware has the chi signature func(http.Handler) http.Handler and
keeps the optional interfaces of the wrapped writer (http.Flusher for SSE,
http.Hijacker for WebSocket upgrades) intact.
*/
package middleware
