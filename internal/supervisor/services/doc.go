// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package services adapts blocking servers to suture.Service.
//
// The dashboard's own components (ingest pool, connection daemon, event bus,
// aggregator, NATS mirror) already implement Serve(ctx) and String(), so
// only net/http needs a wrapper.
package services
