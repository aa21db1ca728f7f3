// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nodepassdash/nodepassdash/internal/metrics"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("ingest queue closed")

	// ErrQueueFull is returned by Enqueue when no room appeared in time.
	ErrQueueFull = errors.New("ingest queue full")
)

// Queue is the bounded hand-off between stream clients and store workers.
// Producers never block for longer than the wait they pass to Enqueue.
type Queue struct {
	ch chan *models.Event

	// mu orders sends against Close so a send never hits a closed channel.
	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a queue holding up to size events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 2048
	}
	return &Queue{ch: make(chan *models.Event, size)}
}

// TryEnqueue adds ev if there is room right now.
func (q *Queue) TryEnqueue(ev *models.Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- ev:
		metrics.IngestQueueDepth.Set(float64(len(q.ch)))
		return true
	default:
		return false
	}
}

// Enqueue adds ev, waiting up to wait for room. A drop is counted in the
// ingest metrics.
func (q *Queue) Enqueue(ctx context.Context, ev *models.Event, wait time.Duration) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		metrics.IngestDropped.WithLabelValues("closed").Inc()
		return ErrQueueClosed
	}

	select {
	case q.ch <- ev:
		metrics.IngestQueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case q.ch <- ev:
		metrics.IngestQueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-timer.C:
		metrics.IngestDropped.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Close stops accepting events. Already queued events stay readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *Queue) events() <-chan *models.Event { return q.ch }
