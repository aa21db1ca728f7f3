// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

/*
Package supervisor runs the dashboard's long-lived services under a suture v4
tree.

	root ("nodepassdash")
	├── storage-layer
	│   ├── ingest-pool
	│   └── traffic-aggregator (if enabled)
	├── stream-layer
	│   └── connection-daemon
	├── relay-layer
	│   ├── event-bus
	│   └── nats-mirror (if enabled)
	└── api-layer
	    └── http-server

A service that returns an error is restarted by its layer supervisor with
suture's failure backoff; other layers keep running. Supervisor events are
logged through sutureslog into the zerolog logger.

Returning suture.ErrDoNotRestart or suture.ErrTerminateSupervisorTree from a
service stops it for good or brings the whole tree down.
*/
package supervisor
