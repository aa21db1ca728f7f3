// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

/*
Package websocket relays bus subscriptions to browsers over WebSocket.

It is the WebSocket twin of the SSE relay endpoints: each connection owns
exactly one bus.Subscription, so filtering, buffering and drop-oldest
behavior are the bus's. The relay only moves messages onto the wire.

Each client has two goroutines:
  - readPump: reads client frames, answers {"type":"ping"} and detects
    disconnects
  - writePump: drains the subscription, writes JSON frames and sends
    protocol pings

Query parameters select the filter:

	/api/ws                 every event
	/api/ws?instance=abc    one instance
	/api/ws?endpoint=3      one endpoint

The first frame is always the bus handshake {"type":"connected",...}.
Closing the socket removes the subscription; a subscription reaped by the
bus closes the socket with a normal close frame.
*/
package websocket
