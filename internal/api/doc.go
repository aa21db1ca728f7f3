// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

/*
Package api serves the dashboard's HTTP surface on a chi router.

Streaming routes relay the local event bus to browsers:

	GET /api/sse/global                  every event
	GET /api/sse/tunnel/{instanceId}     one instance
	GET /api/sse/endpoint/{endpointId}   one endpoint
	GET /api/ws                          WebSocket relay, same filters as query params

Each stream owns one bus subscription for its lifetime. The first frame is
the bus handshake; a comment line is written on idle connections so proxies
keep them open.

Read routes expose persisted state:

	GET  /api/endpoints                          registry snapshot with session state
	POST /api/endpoints/{endpointId}/reconnect   skip the current backoff
	GET  /api/endpoints/{endpointId}/events      most recent stored events
	GET  /api/instances/{endpointId}             current instance snapshots
	GET  /api/traffic/{endpointId}/{instanceId}  traffic rollup series

JSON responses use the APIResponse envelope. /healthz and /metrics are
mounted outside /api and are not rate limited.
*/
package api
