// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package aggregate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nodepassdash/nodepassdash/internal/config"
	"github.com/nodepassdash/nodepassdash/internal/database"
	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func ptr(v int64) *int64 { return &v }

func sample(offset time.Duration, tcpRx int64, ping *int64) database.CounterSample {
	return database.CounterSample{
		At:       base.Add(offset),
		Counters: models.Counters{TCPRx: tcpRx, TCPTx: tcpRx / 2},
		Ping:     ping,
	}
}

func TestBuildRollups(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		g           models.Granularity
		baseline    models.Counters
		hasBaseline bool
		samples     []database.CounterSample
		wantDeltas  []int64
		wantSamples []int64
	}{
		{
			name:        "first sample is the baseline",
			g:           models.GranularityMinute,
			samples:     []database.CounterSample{sample(10*time.Second, 100, nil), sample(40*time.Second, 150, nil), sample(80*time.Second, 400, nil)},
			wantDeltas:  []int64{50, 250},
			wantSamples: []int64{2, 1},
		},
		{
			name:        "explicit baseline",
			g:           models.GranularityMinute,
			baseline:    models.Counters{TCPRx: 60},
			hasBaseline: true,
			samples:     []database.CounterSample{sample(10*time.Second, 100, nil)},
			wantDeltas:  []int64{40},
			wantSamples: []int64{1},
		},
		{
			name:        "out of order and duplicate samples",
			g:           models.GranularityMinute,
			samples:     []database.CounterSample{sample(5*time.Second, 100, nil), sample(30*time.Second, 300, nil), sample(20*time.Second, 200, nil), sample(30*time.Second, 300, nil)},
			wantDeltas:  []int64{200},
			wantSamples: []int64{4},
		},
		{
			name:        "stale reading below the mark adds nothing",
			g:           models.GranularityMinute,
			samples:     []database.CounterSample{sample(0, 500, nil), sample(30*time.Second, 800, nil), sample(70*time.Second, 20, nil), sample(130*time.Second, 900, nil)},
			wantDeltas:  []int64{300, 0, 100},
			wantSamples: []int64{2, 1, 1},
		},
		{
			name:        "replay below the mark restarts the counter",
			g:           models.GranularityMinute,
			samples:     []database.CounterSample{sample(0, 500, nil), sample(30*time.Second, 800, nil), replay(sample(70*time.Second, 20, nil)), sample(130*time.Second, 900, nil)},
			wantDeltas:  []int64{300, 20, 880},
			wantSamples: []int64{2, 1, 1},
		},
		{
			name:        "replay above the mark is an ordinary reading",
			g:           models.GranularityMinute,
			samples:     []database.CounterSample{sample(0, 500, nil), sample(30*time.Second, 800, nil), replay(sample(70*time.Second, 850, nil)), sample(75*time.Second, 840, nil)},
			wantDeltas:  []int64{300, 50},
			wantSamples: []int64{2, 2},
		},
		{
			name:        "restart against the baseline",
			g:           models.GranularityMinute,
			baseline:    models.Counters{TCPRx: 10_000, TCPTx: 5_000},
			hasBaseline: true,
			samples:     []database.CounterSample{replay(sample(5*time.Second, 40, nil)), sample(20*time.Second, 100, nil)},
			wantDeltas:  []int64{100},
			wantSamples: []int64{2},
		},
		{
			name:        "hour buckets",
			g:           models.GranularityHour,
			samples:     []database.CounterSample{sample(10*time.Second, 100, nil), sample(30*time.Minute, 400, nil), sample(65*time.Minute, 1000, nil)},
			wantDeltas:  []int64{300, 600},
			wantSamples: []int64{2, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := buildRollups(tt.g, 1, "a", tt.baseline, tt.hasBaseline, tt.samples)
			if len(got) != len(tt.wantDeltas) {
				t.Fatalf("rollups = %d, want %d: %+v", len(got), len(tt.wantDeltas), got)
			}
			for i, r := range got {
				if r.Delta.TCPRx != tt.wantDeltas[i] {
					t.Errorf("bucket %d delta = %d, want %d", i, r.Delta.TCPRx, tt.wantDeltas[i])
				}
				if r.Samples != tt.wantSamples[i] {
					t.Errorf("bucket %d samples = %d, want %d", i, r.Samples, tt.wantSamples[i])
				}
				if i > 0 && !got[i-1].BucketStart.Before(r.BucketStart) {
					t.Errorf("buckets out of order at %d", i)
				}
			}
		})
	}
}

func TestBuildRollupsAverages(t *testing.T) {
	t.Parallel()
	samples := []database.CounterSample{
		sample(0, 10, ptr(20)),
		sample(10*time.Second, 20, nil),
		sample(20*time.Second, 30, ptr(40)),
	}
	samples[0].Pool = ptr(3)
	samples[2].Pool = ptr(5)

	got := buildRollups(models.GranularityMinute, 1, "a", models.Counters{}, false, samples)
	if len(got) != 1 {
		t.Fatalf("rollups = %+v", got)
	}
	r := got[0]
	if r.AvgPing != 30 || r.AvgPool != 4 {
		t.Errorf("avg ping/pool = %v/%v, want 30/4", r.AvgPing, r.AvgPool)
	}
	if r.Last.TCPRx != 30 || r.Delta.TCPTx != 10 {
		t.Errorf("last = %+v delta = %+v", r.Last, r.Delta)
	}
	if !r.BucketStart.Equal(base) {
		t.Errorf("bucket = %v", r.BucketStart)
	}
}

func TestBuildRollupsEmpty(t *testing.T) {
	t.Parallel()
	if got := buildRollups(models.GranularityHour, 1, "a", models.Counters{}, false, nil); got != nil {
		t.Errorf("rollups = %+v, want nil", got)
	}
}

func replay(s database.CounterSample) database.CounterSample {
	s.Restart = true
	return s
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func appendCounter(t *testing.T, db *database.DB, instanceID string, at time.Time, tcpRx int64, receivedAt time.Time) {
	t.Helper()
	appendReading(t, db, models.KindUpdate, instanceID, at, tcpRx, receivedAt)
}

func appendReading(t *testing.T, db *database.DB, kind models.EventKind, instanceID string, at time.Time, tcpRx int64, receivedAt time.Time) {
	t.Helper()
	ev := &models.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		EndpointID: 1,
		InstanceID: instanceID,
		Instance:   &models.InstanceInfo{Counters: &models.Counters{TCPRx: tcpRx}},
		Timestamp:  at,
	}
	if err := db.AppendEvent(context.Background(), ev, receivedAt); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
}

func deltas(t *testing.T, db *database.DB, g models.Granularity, instanceID string) string {
	t.Helper()
	rs, err := db.Rollups(context.Background(), g, 1, instanceID, base.Add(-24*time.Hour), base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Rollups: %v", err)
	}
	out := ""
	for _, r := range rs {
		out += fmt.Sprintf("%s=%d/%d ", r.BucketStart.Format("15:04"), r.Delta.TCPRx, r.Samples)
	}
	return out
}

func TestRunOnceIsIdempotent(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	appendCounter(t, db, "a", base.Add(10*time.Second), 100, base)
	appendCounter(t, db, "a", base.Add(40*time.Second), 150, base)
	appendCounter(t, db, "a", base.Add(80*time.Second), 400, base)
	appendCounter(t, db, "a", base.Add(65*time.Minute), 1000, base)

	s := New(db, config.AggregationConfig{Interval: time.Minute, Backfill: 48 * time.Hour})
	now := base.Add(70 * time.Minute)

	res, err := s.RunOnce(ctx, now)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Instances != 1 || res.Rollups != 5 {
		t.Errorf("result = %+v, want 1 instance and 5 rollups", res)
	}

	wantMinute := "10:00=50/2 10:01=250/1 11:05=600/1 "
	wantHour := "10:00=300/3 11:00=600/1 "
	if got := deltas(t, db, models.GranularityMinute, "a"); got != wantMinute {
		t.Errorf("minute = %q, want %q", got, wantMinute)
	}
	if got := deltas(t, db, models.GranularityHour, "a"); got != wantHour {
		t.Errorf("hour = %q, want %q", got, wantHour)
	}

	// Forget the watermark so the same window is recomputed.
	s.watermark = time.Time{}
	if _, err := s.RunOnce(ctx, now); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if got := deltas(t, db, models.GranularityMinute, "a"); got != wantMinute {
		t.Errorf("minute after rerun = %q, want %q", got, wantMinute)
	}
	if got := deltas(t, db, models.GranularityHour, "a"); got != wantHour {
		t.Errorf("hour after rerun = %q, want %q", got, wantHour)
	}
}

func TestRunOnceFoldsLateEvents(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	appendCounter(t, db, "a", base.Add(10*time.Second), 100, base)
	appendCounter(t, db, "a", base.Add(40*time.Second), 150, base)
	appendCounter(t, db, "a", base.Add(80*time.Second), 400, base)

	s := New(db, config.AggregationConfig{Interval: time.Minute, Backfill: 48 * time.Hour})
	now := base.Add(5 * time.Minute)
	if _, err := s.RunOnce(ctx, now); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !s.Watermark().Equal(now) {
		t.Errorf("watermark = %v, want %v", s.Watermark(), now)
	}

	// A delayed event for the first minute arrives after the tick.
	appendCounter(t, db, "a", base.Add(50*time.Second), 120, now.Add(30*time.Second))
	if _, err := s.RunOnce(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	want := "10:00=50/3 10:01=250/1 "
	if got := deltas(t, db, models.GranularityMinute, "a"); got != want {
		t.Errorf("minute = %q, want %q", got, want)
	}
}

func TestRunOnceCountsTrafficAfterAgentRestart(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	appendCounter(t, db, "a", base.Add(10*time.Second), 1000, base)
	appendCounter(t, db, "a", base.Add(30*time.Minute), 5000, base)
	s := New(db, config.AggregationConfig{Interval: time.Minute, Backfill: 48 * time.Hour})
	now := base.Add(40 * time.Minute)
	if _, err := s.RunOnce(ctx, now); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// The agent restarts: the reconnect replays the instance from zero.
	appendReading(t, db, models.KindInitial, "a", base.Add(65*time.Minute), 30, now.Add(time.Minute))
	appendCounter(t, db, "a", base.Add(66*time.Minute), 80, now.Add(time.Minute))
	if _, err := s.RunOnce(ctx, base.Add(70*time.Minute)); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	wantMinute := "10:00=0/1 10:30=4000/1 11:05=30/1 11:06=50/1 "
	wantHour := "10:00=4000/2 11:00=80/2 "
	if got := deltas(t, db, models.GranularityMinute, "a"); got != wantMinute {
		t.Errorf("minute = %q, want %q", got, wantMinute)
	}
	if got := deltas(t, db, models.GranularityHour, "a"); got != wantHour {
		t.Errorf("hour = %q, want %q", got, wantHour)
	}
}

func TestRunOnceIgnoresEventsWithoutCounters(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	// A status-only event precedes the first reading of a long-running
	// instance; it must not act as a zero baseline.
	status := &models.Event{
		ID:         uuid.NewString(),
		Kind:       models.KindUpdate,
		EndpointID: 1,
		InstanceID: "a",
		Instance:   &models.InstanceInfo{Status: "running"},
		Timestamp:  base.Add(5 * time.Second),
	}
	if err := db.AppendEvent(ctx, status, base); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	appendCounter(t, db, "a", base.Add(10*time.Second), 5_000_000_000, base)
	appendCounter(t, db, "a", base.Add(40*time.Second), 5_000_000_100, base)

	s := New(db, config.AggregationConfig{Interval: time.Minute, Backfill: 48 * time.Hour})
	if _, err := s.RunOnce(ctx, base.Add(5*time.Minute)); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got, want := deltas(t, db, models.GranularityMinute, "a"), "10:00=100/2 "; got != want {
		t.Errorf("minute = %q, want %q", got, want)
	}
}

func TestRunOnceSkipsUnchangedInstances(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	appendCounter(t, db, "old", base.Add(10*time.Second), 100, base)
	s := New(db, config.AggregationConfig{Interval: time.Minute, Backfill: 48 * time.Hour})
	if _, err := s.RunOnce(ctx, base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	appendCounter(t, db, "new", base.Add(2*time.Hour), 5, base.Add(2*time.Hour))
	res, err := s.RunOnce(ctx, base.Add(2*time.Hour+time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if res.Instances != 1 {
		t.Errorf("instances = %d, want only the new one", res.Instances)
	}
}

func TestRunOncePrunes(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	appendCounter(t, db, "a", base.Add(-72*time.Hour), 1, base)
	appendCounter(t, db, "a", base.Add(time.Minute), 5, base)

	s := New(db, config.AggregationConfig{
		Interval:        time.Minute,
		Backfill:        96 * time.Hour,
		EventRetention:  48 * time.Hour,
		MinuteRetention: 48 * time.Hour,
	})
	res, err := s.RunOnce(ctx, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.PrunedEvents != 1 || res.PrunedRollups != 1 {
		t.Errorf("pruned = %d events, %d rollups; want 1 and 1", res.PrunedEvents, res.PrunedRollups)
	}
	n, err := db.CountEvents(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("events left = %d, want 1", n)
	}
}

// failingStore fails UpsertRollup for one instance.
type failingStore struct {
	*database.DB
	failFor string
}

func (f *failingStore) UpsertRollup(ctx context.Context, r *models.TrafficRollup) error {
	if r.InstanceID == f.failFor {
		return errors.New("disk full")
	}
	return f.DB.UpsertRollup(ctx, r)
}

func TestRunOnceFailureKeepsWatermark(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	appendCounter(t, db, "bad", base.Add(10*time.Second), 1, base)
	appendCounter(t, db, "good", base.Add(10*time.Second), 1, base)
	appendCounter(t, db, "good", base.Add(20*time.Second), 9, base)

	s := New(&failingStore{DB: db, failFor: "bad"}, config.AggregationConfig{Interval: time.Minute, Backfill: time.Hour * 48})
	res, err := s.RunOnce(ctx, base.Add(time.Minute))
	if err == nil {
		t.Fatal("RunOnce succeeded despite a failing instance")
	}
	if res.Instances != 1 {
		t.Errorf("instances = %d, want the healthy one folded", res.Instances)
	}
	if !s.Watermark().IsZero() {
		t.Errorf("watermark advanced to %v after a failure", s.Watermark())
	}
	if got := deltas(t, db, models.GranularityMinute, "good"); got != "10:00=8/2 " {
		t.Errorf("good minute = %q", got)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	s := New(db, config.AggregationConfig{Interval: 500 * time.Millisecond, Backfill: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
	if s.Watermark().IsZero() {
		t.Error("no tick ran")
	}
}
