// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Endpoint streams

	StreamState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodepass_stream_state",
			Help: "Connection state per endpoint (0=disconnected, 1=connecting, 2=connected)",
		},
		[]string{"endpoint"},
	)

	StreamConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepass_stream_connects_total",
			Help: "Stream connection attempts by outcome",
		},
		[]string{"outcome"}, // "connected", "offline", "auth"
	)

	StreamEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepass_stream_events_received_total",
			Help: "Events decoded from endpoint streams by kind",
		},
		[]string{"kind"},
	)

	StreamBackoffSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodepass_stream_backoff_seconds",
			Help:    "Wait before each reconnection attempt",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	// Ingestion

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodepass_ingest_queue_depth",
			Help: "Events waiting for a store worker",
		},
	)

	IngestBackpressure = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nodepass_ingest_backpressure_total",
			Help: "Enqueue attempts that found the queue full",
		},
	)

	IngestPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nodepass_ingest_persisted_total",
			Help: "Events written to the event log",
		},
	)

	IngestDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepass_ingest_dropped_total",
			Help: "Events dropped before or during persistence",
		},
		[]string{"reason"}, // "queue_full", "store_error", "poison", "closed"
	)

	IngestRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nodepass_ingest_retries_total",
			Help: "Store operations retried after a failure",
		},
	)

	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nodepass_store_duration_seconds",
			Help:    "Duration of DuckDB store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodepass_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepass_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Broadcast bus

	BusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodepass_bus_subscribers",
			Help: "Active local subscriptions",
		},
	)

	BusPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nodepass_bus_published_total",
			Help: "Messages published to the local bus",
		},
	)

	BusDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nodepass_bus_dropped_total",
			Help: "Messages evicted from full subscriber buffers",
		},
	)

	BusReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nodepass_bus_reaped_total",
			Help: "Subscriptions removed for not reading",
		},
	)

	// Aggregation

	AggregationTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepass_aggregation_ticks_total",
			Help: "Aggregation ticks by result",
		},
		[]string{"result"}, // "ok", "error"
	)

	AggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodepass_aggregation_duration_seconds",
			Help:    "Duration of one aggregation tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	AggregationRollups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepass_aggregation_rollups_total",
			Help: "Rollup rows upserted",
		},
		[]string{"granularity"},
	)

	// Mirror

	MirrorPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepass_mirror_published_total",
			Help: "Events mirrored to NATS by result",
		},
		[]string{"result"},
	)

	// HTTP

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "HTTP requests in flight, including open event streams",
		},
	)
)

// RecordStore observes one store operation.
func RecordStore(operation string, d time.Duration) {
	StoreDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordAPIRequest records one finished HTTP request.
func RecordAPIRequest(method, endpoint string, status int, d time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// TrackActiveRequest moves the in-flight gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// SetStreamState publishes an endpoint's connection state.
func SetStreamState(endpointID int64, state int) {
	StreamState.WithLabelValues(strconv.FormatInt(endpointID, 10)).Set(float64(state))
}

// ForgetStream removes the series of a deleted endpoint.
func ForgetStream(endpointID int64) {
	StreamState.DeleteLabelValues(strconv.FormatInt(endpointID, 10))
}
