// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package ingest persists decoded events.
//
// Stream clients push into a bounded Queue; a fixed Pool of workers drains
// it. For each event a worker appends the raw event, folds it into instance
// state, then publishes it to the local bus. Storage failures are retried a
// few times behind a circuit breaker and then dropped: the pipeline favours
// staying live over completeness of a single event.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/metrics"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

// ErrPoisonEvent marks an event that can never be stored. It is not
// retried.
var ErrPoisonEvent = errors.New("event cannot be stored")

const breakerName = "event-store"

// Store is the durable side of the pipeline.
type Store interface {
	AppendEvent(ctx context.Context, ev *models.Event, receivedAt time.Time) error
	UpsertInstance(ctx context.Context, ev *models.Event, create bool) (bool, error)
	MarkInstanceDeleted(ctx context.Context, endpointID int64, instanceID string, at time.Time) error
	MarkEndpointStopped(ctx context.Context, endpointID int64, at time.Time) (int64, error)
}

// Membership answers whether an endpoint is still registered.
type Membership interface {
	Contains(endpointID int64) bool
}

// Publisher receives events after they are stored.
type Publisher interface {
	PublishEvent(ev *models.Event) int
}

// Mirror is an optional hook fed every stored event.
type Mirror interface {
	Mirror(ev *models.Event)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Processed  int64  `json:"processed"`
	Dropped    int64  `json:"dropped"`
	Retries    int64  `json:"retries"`
	QueueDepth int    `json:"queueDepth"`
	QueueCap   int    `json:"queueCap"`
	Breaker    string `json:"breaker"`
}

// Pool is the store worker pool. It implements suture.Service.
type Pool struct {
	queue     *Queue
	store     Store
	members   Membership
	publisher Publisher
	mirror    Mirror
	cfg       config.IngestConfig
	workers   int
	breaker   *gobreaker.CircuitBreaker[any]
	now       func() time.Time

	processed atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64
}

// NewPool creates a pool draining q.
func NewPool(q *Queue, store Store, members Membership, publisher Publisher, cfg config.IngestConfig) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	if workers > config.MaxWorkers {
		workers = config.MaxWorkers
	}
	return &Pool{
		queue:     q,
		store:     store,
		members:   members,
		publisher: publisher,
		cfg:       cfg,
		workers:   workers,
		breaker:   newBreaker(cfg),
		now:       time.Now,
	}
}

func newBreaker(cfg config.IngestConfig) *gobreaker.CircuitBreaker[any] {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 10
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Poison events and shutdown are not storage failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrPoisonEvent) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Store circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

// SetMirror installs an optional mirror hook. Call before Serve.
func (p *Pool) SetMirror(m Mirror) {
	p.mirror = m
}

func (p *Pool) String() string { return "ingest-pool" }

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:  p.processed.Load(),
		Dropped:    p.dropped.Load(),
		Retries:    p.retries.Load(),
		QueueDepth: p.queue.Len(),
		QueueCap:   p.queue.Cap(),
		Breaker:    p.breaker.State().String(),
	}
}

// Serve runs the workers until ctx is done. It then closes the queue and
// lets the workers drain it for at most DrainTimeout.
func (p *Pool) Serve(ctx context.Context) error {
	logging.Info().Int("workers", p.workers).Int("queue_size", p.queue.Cap()).Msg("Ingest pool started")

	// Store calls outlive ctx so queued events can still be written while
	// draining.
	storeCtx, cancelStore := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStore()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(storeCtx)
		}()
	}

	<-ctx.Done()
	start := time.Now()
	p.queue.Close()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	var timeout <-chan time.Time
	if p.cfg.DrainTimeout > 0 {
		t := time.NewTimer(p.cfg.DrainTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-drained:
	case <-timeout:
		cancelStore()
		<-drained
	}

	if remaining := p.queue.Len(); remaining > 0 {
		p.dropped.Add(int64(remaining))
		metrics.IngestDropped.WithLabelValues("closed").Add(float64(remaining))
		logging.Warn().Int("remaining", remaining).Dur("drain_timeout", p.cfg.DrainTimeout).
			Msg("Ingest drain timed out, discarding queued events")
	}
	logging.Info().Int64("processed", p.processed.Load()).Int64("dropped", p.dropped.Load()).
		Dur("drain", time.Since(start)).Msg("Ingest pool stopped")
	return ctx.Err()
}

func (p *Pool) work(ctx context.Context) {
	for ev := range p.queue.events() {
		if ctx.Err() != nil {
			return
		}
		metrics.IngestQueueDepth.Set(float64(p.queue.Len()))
		p.process(ctx, ev)
	}
}

// process stores one event. Instance rows are only created while the
// endpoint is registered; an event that raced with removal is still
// appended to the log but does not resurrect state.
func (p *Pool) process(ctx context.Context, ev *models.Event) {
	if ev.EndpointID == 0 || ev.ID == "" {
		p.drop(ev, "poison", fmt.Errorf("%w: missing endpoint or event id", ErrPoisonEvent))
		return
	}

	receivedAt := p.now()
	err := p.withRetry(ctx, func() error {
		return p.store.AppendEvent(ctx, ev, receivedAt)
	})
	if err != nil {
		reason := "store_error"
		if errors.Is(err, ErrPoisonEvent) {
			reason = "poison"
		}
		p.drop(ev, reason, err)
		return
	}

	if err := p.applyState(ctx, ev); err != nil {
		metrics.IngestDropped.WithLabelValues("store_error").Inc()
		logging.Error().Err(err).Str("event_id", ev.ID).Int64("endpoint_id", ev.EndpointID).
			Str("instance_id", ev.InstanceID).Str("kind", string(ev.Kind)).
			Msg("Instance state update failed, event kept in log only")
	}

	p.processed.Add(1)
	metrics.IngestPersisted.Inc()
	logging.Trace().Str("event_id", ev.ID).Int64("endpoint_id", ev.EndpointID).
		Str("kind", string(ev.Kind)).Msg("Event persisted")

	p.publisher.PublishEvent(ev)
	if p.mirror != nil {
		p.mirror.Mirror(ev)
	}
}

func (p *Pool) applyState(ctx context.Context, ev *models.Event) error {
	switch {
	case ev.Kind == models.KindShutdown:
		return p.withRetry(ctx, func() error {
			_, err := p.store.MarkEndpointStopped(ctx, ev.EndpointID, ev.Timestamp)
			return err
		})

	case ev.Kind == models.KindDelete && ev.InstanceID != "":
		return p.withRetry(ctx, func() error {
			return p.store.MarkInstanceDeleted(ctx, ev.EndpointID, ev.InstanceID, ev.Timestamp)
		})

	case ev.Kind.TouchesInstance() && ev.InstanceID != "":
		create := p.members.Contains(ev.EndpointID)
		return p.withRetry(ctx, func() error {
			_, err := p.store.UpsertInstance(ctx, ev, create)
			return err
		})
	}
	return nil
}

// withRetry runs fn through the breaker, retrying up to MaxRetries times.
func (p *Pool) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			metrics.IngestRetries.Inc()
			if p.cfg.RetryDelay > 0 {
				select {
				case <-time.After(p.cfg.RetryDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		_, err = p.breaker.Execute(func() (any, error) {
			return nil, fn()
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrPoisonEvent),
			errors.Is(err, gobreaker.ErrOpenState),
			ctx.Err() != nil:
			return err
		}
	}
	return err
}

func (p *Pool) drop(ev *models.Event, reason string, err error) {
	p.dropped.Add(1)
	metrics.IngestDropped.WithLabelValues(reason).Inc()
	logging.Error().Err(err).Str("event_id", ev.ID).Int64("endpoint_id", ev.EndpointID).
		Str("instance_id", ev.InstanceID).Str("kind", string(ev.Kind)).Str("reason", reason).
		Msg("Dropping event")
}
