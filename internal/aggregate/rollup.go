// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package aggregate

import (
	"sort"
	"time"

	"github.com/nodepassdash/nodepassdash/internal/database"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

// buildRollups folds samples into one rollup per bucket of width g.
//
// Counters are cumulative. Each sample adds how far it climbed above the
// running high-water mark, so duplicates and stale deliveries add nothing.
// A sample that opens a stream session (Restart) and reads below the mark
// means the agent started counting from zero again: the whole reading is new
// traffic and the mark drops to it. baseline is the mark before the first
// sample; without one the first sample is the baseline.
func buildRollups(g models.Granularity, endpointID int64, instanceID string,
	baseline models.Counters, hasBaseline bool, samples []database.CounterSample) []models.TrafficRollup {
	if len(samples) == 0 {
		return nil
	}

	ordered := make([]database.CounterSample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })

	high := baseline
	if !hasBaseline {
		high = ordered[0].Counters
	}

	type acc struct {
		start          time.Time
		n              int64
		delta, last    models.Counters
		pingSum, pingN int64
		poolSum, poolN int64
	}
	var buckets []*acc
	for _, s := range ordered {
		start := g.Bucket(s.At)
		if len(buckets) == 0 || !buckets[len(buckets)-1].start.Equal(start) {
			buckets = append(buckets, &acc{start: start})
		}
		a := buckets[len(buckets)-1]

		var d models.Counters
		high, d = advance(high, s.Counters, s.Restart)
		a.n++
		a.delta = a.delta.Add(d)
		a.last = high
		if s.Ping != nil {
			a.pingSum += *s.Ping
			a.pingN++
		}
		if s.Pool != nil {
			a.poolSum += *s.Pool
			a.poolN++
		}
	}

	out := make([]models.TrafficRollup, 0, len(buckets))
	for _, a := range buckets {
		r := models.TrafficRollup{
			Granularity: g,
			BucketStart: a.start,
			EndpointID:  endpointID,
			InstanceID:  instanceID,
			Samples:     a.n,
			Delta:       a.delta,
			Last:        a.last,
		}
		if a.pingN > 0 {
			r.AvgPing = float64(a.pingSum) / float64(a.pingN)
		}
		if a.poolN > 0 {
			r.AvgPool = float64(a.poolSum) / float64(a.poolN)
		}
		out = append(out, r)
	}
	return out
}

// advance moves the high-water mark to reading c and returns the new mark
// with the traffic c adds, field by field.
func advance(high, c models.Counters, restart bool) (models.Counters, models.Counters) {
	var next, delta models.Counters
	next.TCPRx, delta.TCPRx = step(high.TCPRx, c.TCPRx, restart)
	next.TCPTx, delta.TCPTx = step(high.TCPTx, c.TCPTx, restart)
	next.UDPRx, delta.UDPRx = step(high.UDPRx, c.UDPRx, restart)
	next.UDPTx, delta.UDPTx = step(high.UDPTx, c.UDPTx, restart)
	return next, delta
}

func step(high, cur int64, restart bool) (next, delta int64) {
	switch {
	case cur >= high:
		return cur, cur - high
	case restart:
		return cur, cur
	default:
		return high, 0
	}
}
