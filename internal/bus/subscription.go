// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodepassdash/nodepassdash/internal/metrics"
)

// Subscription is one consumer's view of the bus.
type Subscription struct {
	id     string
	filter Filter

	mu     sync.Mutex
	buf    []Message
	head   int
	size   int
	closed bool

	// pendingSince is when the oldest unread message started waiting: the
	// push that made the buffer non-empty, or the last read that left
	// messages behind.
	pendingSince time.Time
	clock        func() time.Time

	notify  chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Filter returns the filter the subscription was created with.
func (s *Subscription) Filter() Filter { return s.filter }

// Dropped returns how many messages were discarded because the buffer was
// full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// C is signalled when messages may be available. Drain with TryNext.
func (s *Subscription) C() <-chan struct{} { return s.notify }

// Done is closed when the subscription is removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Pending returns the number of buffered messages.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// push appends m, discarding the oldest message when full. It reports
// false only when the subscription is closed.
func (s *Subscription) push(m Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.size == len(s.buf) {
		s.buf[s.head] = Message{}
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.dropped.Add(1)
		metrics.BusDropped.Inc()
	}
	s.buf[(s.head+s.size)%len(s.buf)] = m
	if s.size == 0 {
		s.pendingSince = s.clock()
	}
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// TryNext pops the oldest buffered message without waiting.
func (s *Subscription) TryNext() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

func (s *Subscription) popLocked() (Message, bool) {
	if s.size == 0 {
		return Message{}, false
	}
	m := s.buf[s.head]
	s.buf[s.head] = Message{}
	s.head = (s.head + 1) % len(s.buf)
	s.size--
	if s.size > 0 {
		s.pendingSince = s.clock()
	}
	return m, true
}

// Next waits for the next message. It returns ErrClosed once the
// subscription has been removed.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if m, ok := s.popLocked(); ok {
			s.mu.Unlock()
			return m, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Message{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// idleSince returns how long the consumer has left pending messages unread,
// or zero when nothing is pending.
func (s *Subscription) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 || s.closed {
		return 0
	}
	return now.Sub(s.pendingSince)
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.buf, s.head, s.size = nil, 0, 0
	close(s.done)
}
