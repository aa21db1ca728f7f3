// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package bus fans persisted events out to in-process subscribers such as
// the SSE and WebSocket relays.
//
// Every subscription owns a bounded ring buffer. Publish never blocks: when
// a buffer is full the oldest message is discarded and counted, so one slow
// browser tab cannot stall ingestion or starve other subscribers.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/metrics"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

// ErrClosed is returned by Next once the subscription has been removed and
// its buffer is empty.
var ErrClosed = errors.New("subscription closed")

// TypeConnected is the handshake message queued first on every
// subscription.
const TypeConnected = "connected"

// Message is the relay form of an event.
type Message struct {
	Type       string               `json:"type"`
	EndpointID int64                `json:"endpointId,omitempty"`
	InstanceID string               `json:"instanceId,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
	Instance   *models.InstanceInfo `json:"instance,omitempty"`
	Message    string               `json:"message,omitempty"`
	SystemInfo *models.SystemInfo   `json:"systemInfo,omitempty"`
	Raw        json.RawMessage      `json:"raw,omitempty"`
}

// FromEvent converts a stored event to a relay message.
func FromEvent(ev *models.Event) Message {
	return Message{
		Type:       string(ev.Kind),
		EndpointID: ev.EndpointID,
		InstanceID: ev.InstanceID,
		Timestamp:  ev.Timestamp,
		Instance:   ev.Instance,
		Message:    ev.Message,
		SystemInfo: ev.SystemInfo,
		Raw:        ev.Raw,
	}
}

// Filter selects which messages a subscription receives. The zero value
// matches everything.
type Filter struct {
	EndpointID int64
	InstanceID string
}

// All matches every message.
func All() Filter { return Filter{} }

// Instance matches messages about one instance.
func Instance(id string) Filter { return Filter{InstanceID: id} }

// Endpoint matches messages from one endpoint.
func Endpoint(id int64) Filter { return Filter{EndpointID: id} }

// Matches reports whether m passes the filter.
func (f Filter) Matches(m *Message) bool {
	if f.EndpointID != 0 && m.EndpointID != f.EndpointID {
		return false
	}
	if f.InstanceID != "" && m.InstanceID != f.InstanceID {
		return false
	}
	return true
}

// Bus is the publish side. It is safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	bufferSize    int
	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

// New creates a bus.
func New(cfg config.BusConfig) *Bus {
	size := cfg.BufferSize
	if size <= 0 {
		size = 256
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	return &Bus{
		subs:          make(map[string]*Subscription),
		bufferSize:    size,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: sweep,
		now:           time.Now,
	}
}

// Subscribe registers a subscription. The handshake message is already
// queued when Subscribe returns.
func (b *Bus) Subscribe(f Filter) *Subscription {
	now := b.now()
	sub := &Subscription{
		id:     uuid.NewString(),
		filter: f,
		buf:    make([]Message, b.bufferSize),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		clock:  b.now,
	}
	sub.push(Message{Type: TypeConnected, EndpointID: f.EndpointID, InstanceID: f.InstanceID, Timestamp: now.UTC()})

	b.mu.Lock()
	b.subs[sub.id] = sub
	n := len(b.subs)
	b.mu.Unlock()

	metrics.BusSubscribers.Set(float64(n))
	logging.Debug().Str("subscription", sub.id).Int64("endpoint_id", f.EndpointID).
		Str("instance_id", f.InstanceID).Int("subscribers", n).Msg("Bus subscriber added")
	return sub
}

// Unsubscribe removes sub. It is idempotent and safe to call concurrently
// with Publish.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	n := len(b.subs)
	b.mu.Unlock()

	sub.close()
	if ok {
		metrics.BusSubscribers.Set(float64(n))
		logging.Debug().Str("subscription", sub.id).Uint64("dropped", sub.Dropped()).
			Int("subscribers", n).Msg("Bus subscriber removed")
	}
}

// Publish delivers m to every matching subscription and returns how many
// received it. It never blocks on a subscriber.
func (b *Bus) Publish(m Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if !sub.filter.Matches(&m) {
			continue
		}
		if sub.push(m) {
			delivered++
		}
	}
	metrics.BusPublished.Inc()
	return delivered
}

// PublishEvent publishes the relay form of ev.
func (b *Bus) PublishEvent(ev *models.Event) int {
	return b.Publish(FromEvent(ev))
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Serve reaps idle subscriptions until ctx is done, then closes every
// remaining subscription.
func (b *Bus) Serve(ctx context.Context) error {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return ctx.Err()
		case <-ticker.C:
			if n := b.reap(b.now()); n > 0 {
				logging.Info().Int("reaped", n).Msg("Removed idle bus subscribers")
			}
		}
	}
}

func (b *Bus) String() string { return "event-bus" }

// reap removes subscriptions with pending messages whose consumer has not
// read for idleTimeout.
func (b *Bus) reap(now time.Time) int {
	if b.idleTimeout <= 0 {
		return 0
	}
	var stale []*Subscription
	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.idleSince(now) > b.idleTimeout {
			stale = append(stale, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range stale {
		b.Unsubscribe(sub)
		metrics.BusReaped.Inc()
	}
	return len(stale)
}

func (b *Bus) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	metrics.BusSubscribers.Set(0)
}
