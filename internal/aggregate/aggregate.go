// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package aggregate rolls the raw event log up into per-minute and
// per-hour traffic buckets.
//
// Each tick recomputes every bucket touched by events received since the
// previous tick, starting at the hour boundary before the oldest touched
// event so minute and hour rollups share one baseline. Rollups are pure
// functions of the immutable event log and are written with upserts, so a
// tick can be repeated any number of times with the same result.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/database"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/metrics"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

// lookback widens the receive-time window so events stored while the
// previous tick was running are not missed.
const lookback = time.Minute

// Store is the storage the scheduler reads from and writes to.
type Store interface {
	ChangedInstances(ctx context.Context, since time.Time) ([]database.ChangedInstance, error)
	CounterBaseline(ctx context.Context, endpointID int64, instanceID string, before time.Time) (models.Counters, bool, error)
	CounterSamples(ctx context.Context, endpointID int64, instanceID string, from, to time.Time) ([]database.CounterSample, error)
	UpsertRollup(ctx context.Context, r *models.TrafficRollup) error
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
	PruneRollups(ctx context.Context, g models.Granularity, cutoff time.Time) (int64, error)
}

// TickResult summarizes one RunOnce.
type TickResult struct {
	Instances     int
	Rollups       int
	PrunedEvents  int64
	PrunedRollups int64
}

// Scheduler runs the aggregation on a fixed interval. It implements
// suture.Service.
type Scheduler struct {
	store  Store
	cfg    config.AggregationConfig
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	watermark time.Time
}

// New creates a scheduler.
func New(store Store, cfg config.AggregationConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		logger: logging.WithComponent("aggregate"),
		now:    time.Now,
	}
}

func (s *Scheduler) String() string { return "traffic-aggregator" }

// Serve ticks until ctx is done. The first tick runs immediately.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.cfg.Interval).Dur("backfill", s.cfg.Backfill).
		Msg("Traffic aggregation started")

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Traffic aggregation stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	// A tick may not outlive the next one.
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
	defer cancel()

	start := time.Now()
	res, err := s.RunOnce(tickCtx, s.now())
	metrics.AggregationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.AggregationTicks.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Int("instances", res.Instances).Int("rollups", res.Rollups).
			Msg("Aggregation tick failed, retrying next tick")
		return
	}
	metrics.AggregationTicks.WithLabelValues("ok").Inc()
	s.logger.Debug().Int("instances", res.Instances).Int("rollups", res.Rollups).
		Int64("pruned_events", res.PrunedEvents).Int64("pruned_rollups", res.PrunedRollups).
		Dur("duration", time.Since(start)).Msg("Aggregation tick complete")
}

// Watermark returns the receive-time the next tick starts from.
func (s *Scheduler) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// RunOnce performs one aggregation pass as of now. The watermark only
// advances when every instance was folded successfully.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (TickResult, error) {
	now = now.UTC()
	s.mu.Lock()
	since := s.watermark
	s.mu.Unlock()
	if since.IsZero() {
		since = now.Add(-s.cfg.Backfill)
	} else {
		since = since.Add(-lookback)
	}

	var res TickResult
	changed, err := s.store.ChangedInstances(ctx, since)
	if err != nil {
		return res, err
	}

	var errs []error
	for _, c := range changed {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := s.foldInstance(ctx, c, now)
		res.Rollups += n
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.Instances++
	}
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}

	s.mu.Lock()
	s.watermark = now
	s.mu.Unlock()

	res.PrunedEvents, res.PrunedRollups, err = s.prune(ctx, now)
	return res, err
}

// foldInstance recomputes the buckets of one instance from the hour
// containing its oldest new event up to now.
func (s *Scheduler) foldInstance(ctx context.Context, c database.ChangedInstance, now time.Time) (int, error) {
	from := models.GranularityHour.Bucket(c.Earliest)
	baseline, ok, err := s.store.CounterBaseline(ctx, c.EndpointID, c.InstanceID, from)
	if err != nil {
		return 0, err
	}
	samples, err := s.store.CounterSamples(ctx, c.EndpointID, c.InstanceID, from, now.Add(time.Nanosecond))
	if err != nil {
		return 0, err
	}

	written := 0
	for _, g := range models.Granularities {
		for _, r := range buildRollups(g, c.EndpointID, c.InstanceID, baseline, ok, samples) {
			if err := s.store.UpsertRollup(ctx, &r); err != nil {
				return written, fmt.Errorf("instance %d/%s: %w", c.EndpointID, c.InstanceID, err)
			}
			written++
			metrics.AggregationRollups.WithLabelValues(string(g)).Inc()
		}
	}
	return written, nil
}

func (s *Scheduler) prune(ctx context.Context, now time.Time) (events, rollups int64, err error) {
	if s.cfg.EventRetention > 0 {
		events, err = s.store.PruneEvents(ctx, now.Add(-s.cfg.EventRetention))
		if err != nil {
			return 0, 0, err
		}
	}
	if s.cfg.MinuteRetention > 0 {
		rollups, err = s.store.PruneRollups(ctx, models.GranularityMinute, now.Add(-s.cfg.MinuteRetention))
		if err != nil {
			return events, 0, err
		}
	}
	return events, rollups, nil
}
