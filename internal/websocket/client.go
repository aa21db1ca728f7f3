// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package websocket

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodepassdash/nodepassdash/internal/bus"
	"github.com/nodepassdash/nodepassdash/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Client frame types.
const (
	MessageTypePing = "ping"
	MessageTypePong = "pong"
)

var clientIDCounter atomic.Uint64

// clientMessage is what browsers may send.
type clientMessage struct {
	Type string `json:"type"`
}

// Client pumps one subscription onto one connection.
type Client struct {
	id   uint64
	conn *websocket.Conn
	sub  *bus.Subscription

	// pong carries replies from readPump to writePump, the only writer.
	pong chan struct{}
	gone chan struct{}
}

// NewClient creates a client for conn fed by sub.
func NewClient(conn *websocket.Conn, sub *bus.Subscription) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		conn: conn,
		sub:  sub,
		pong: make(chan struct{}, 1),
		gone: make(chan struct{}),
	}
}

// ID returns the client's sequence number.
func (c *Client) ID() uint64 {
	return c.id
}

// Run blocks until the browser disconnects, the subscription is closed or
// ctx is done. The connection is closed on return.
func (c *Client) Run(ctx context.Context) {
	go c.readPump()
	c.writePump(ctx)
	_ = c.conn.Close()
}

// readPump reads client frames until the connection fails.
func (c *Client) readPump() {
	defer close(c.gone)

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Uint64("client", c.id).Msg("Unexpected websocket close")
			}
			return
		}
		if msg.Type == MessageTypePing {
			select {
			case c.pong <- struct{}{}:
			default:
			}
		}
	}
}

// writePump drains the subscription onto the connection.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		if !c.flush() {
			return
		}
		select {
		case <-ctx.Done():
			c.closeWith(websocket.CloseGoingAway)
			return

		case <-c.gone:
			return

		case <-c.sub.Done():
			c.flush()
			c.closeWith(websocket.CloseNormalClosure)
			return

		case <-c.sub.C():

		case <-c.pong:
			if !c.write(bus.Message{Type: MessageTypePong, Timestamp: time.Now().UTC()}) {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes every buffered message. It reports false when the
// connection failed.
func (c *Client) flush() bool {
	for {
		m, ok := c.sub.TryNext()
		if !ok {
			return true
		}
		if !c.write(m) {
			return false
		}
	}
}

func (c *Client) write(m bus.Message) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteJSON(m); err != nil {
		logging.Debug().Err(err).Uint64("client", c.id).Msg("Websocket write failed")
		return false
	}
	return true
}

func (c *Client) closeWith(code int) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
}
