// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nodepassdash/nodepassdash/internal/metrics"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

// ChangedInstance names an instance that received counter samples.
type ChangedInstance struct {
	EndpointID int64
	InstanceID string
	// Earliest is the oldest event time among the new samples.
	Earliest time.Time
}

// CounterSample is one stored counter reading.
type CounterSample struct {
	At       time.Time
	Counters models.Counters
	Pool     *int64
	Ping     *int64
	// Restart marks a reading replayed when a stream session opened.
	Restart bool
}

// ChangedInstances lists instances with counter-bearing events received at
// or after since. Selecting by receive time rather than event time catches
// late deliveries for old buckets.
func (db *DB) ChangedInstances(ctx context.Context, since time.Time) ([]ChangedInstance, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT endpoint_id, instance_id, MIN(event_time)
		FROM endpoint_events
		WHERE received_at >= ? AND instance_id <> '' AND tcp_rx IS NOT NULL
		GROUP BY endpoint_id, instance_id
		ORDER BY endpoint_id, instance_id`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query changed instances: %w", err)
	}
	defer closeRows(rows)

	var out []ChangedInstance
	for rows.Next() {
		var c ChangedInstance
		if err := rows.Scan(&c.EndpointID, &c.InstanceID, &c.Earliest); err != nil {
			return nil, fmt.Errorf("scan changed instance: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CounterBaseline returns the high-water mark of the samples strictly
// before the given time: the per-field maximum since the latest session
// replay, where a restarted agent's counters begin again. ok is false when
// there is no earlier sample.
func (db *DB) CounterBaseline(ctx context.Context, endpointID int64, instanceID string, before time.Time) (models.Counters, bool, error) {
	var (
		n                          int64
		tcpRx, tcpTx, udpRx, udpTx sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT count(tcp_rx), max(tcp_rx), max(tcp_tx), max(udp_rx), max(udp_tx)
		FROM endpoint_events
		WHERE endpoint_id = ? AND instance_id = ? AND event_time < ? AND tcp_rx IS NOT NULL
			AND event_time >= COALESCE((
				SELECT max(event_time)
				FROM endpoint_events
				WHERE endpoint_id = ? AND instance_id = ? AND event_time < ?
					AND tcp_rx IS NOT NULL AND event_type = ?
			), TIMESTAMP '1970-01-01 00:00:00')`,
		endpointID, instanceID, before.UTC(),
		endpointID, instanceID, before.UTC(), string(models.KindInitial)).Scan(&n, &tcpRx, &tcpTx, &udpRx, &udpTx)
	if err != nil {
		return models.Counters{}, false, fmt.Errorf("query counter baseline: %w", err)
	}
	if n == 0 {
		return models.Counters{}, false, nil
	}
	return models.Counters{TCPRx: tcpRx.Int64, TCPTx: tcpTx.Int64, UDPRx: udpRx.Int64, UDPTx: udpTx.Int64}, true, nil
}

// CounterSamples returns the samples with from <= event time < to, oldest
// first.
func (db *DB) CounterSamples(ctx context.Context, endpointID int64, instanceID string, from, to time.Time) ([]CounterSample, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT event_time, tcp_rx, tcp_tx, udp_rx, udp_tx, pool, ping, event_type = ?
		FROM endpoint_events
		WHERE endpoint_id = ? AND instance_id = ? AND event_time >= ? AND event_time < ?
			AND tcp_rx IS NOT NULL
		ORDER BY event_time, received_at`,
		string(models.KindInitial), endpointID, instanceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query counter samples: %w", err)
	}
	defer closeRows(rows)

	var out []CounterSample
	for rows.Next() {
		var (
			s          CounterSample
			pool, ping sql.NullInt64
		)
		if err := rows.Scan(&s.At, &s.Counters.TCPRx, &s.Counters.TCPTx, &s.Counters.UDPRx, &s.Counters.UDPTx, &pool, &ping, &s.Restart); err != nil {
			return nil, fmt.Errorf("scan counter sample: %w", err)
		}
		if pool.Valid {
			v := pool.Int64
			s.Pool = &v
		}
		if ping.Valid {
			v := ping.Int64
			s.Ping = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertRollup writes r, replacing any row with the same key. Writing the
// same rollup twice leaves the table unchanged.
func (db *DB) UpsertRollup(ctx context.Context, r *models.TrafficRollup) error {
	start := time.Now()
	defer func() { metrics.RecordStore("upsert_rollup", time.Since(start)) }()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO traffic_rollups (
			granularity, bucket_start, endpoint_id, instance_id, samples,
			tcp_rx_delta, tcp_tx_delta, udp_rx_delta, udp_tx_delta,
			tcp_rx_last, tcp_tx_last, udp_rx_last, udp_tx_last,
			avg_ping, avg_pool
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (granularity, bucket_start, endpoint_id, instance_id) DO UPDATE SET
			samples = EXCLUDED.samples,
			tcp_rx_delta = EXCLUDED.tcp_rx_delta,
			tcp_tx_delta = EXCLUDED.tcp_tx_delta,
			udp_rx_delta = EXCLUDED.udp_rx_delta,
			udp_tx_delta = EXCLUDED.udp_tx_delta,
			tcp_rx_last = EXCLUDED.tcp_rx_last,
			tcp_tx_last = EXCLUDED.tcp_tx_last,
			udp_rx_last = EXCLUDED.udp_rx_last,
			udp_tx_last = EXCLUDED.udp_tx_last,
			avg_ping = EXCLUDED.avg_ping,
			avg_pool = EXCLUDED.avg_pool`,
		string(r.Granularity), r.BucketStart.UTC(), r.EndpointID, r.InstanceID, r.Samples,
		r.Delta.TCPRx, r.Delta.TCPTx, r.Delta.UDPRx, r.Delta.UDPTx,
		r.Last.TCPRx, r.Last.TCPTx, r.Last.UDPRx, r.Last.UDPTx,
		r.AvgPing, r.AvgPool)
	if err != nil {
		return fmt.Errorf("upsert %s rollup %d/%s@%s: %w", r.Granularity, r.EndpointID, r.InstanceID,
			r.BucketStart.Format(time.RFC3339), err)
	}
	return nil
}

// Rollups returns the rollups of one instance with from <= bucket < to,
// oldest first.
func (db *DB) Rollups(ctx context.Context, g models.Granularity, endpointID int64, instanceID string, from, to time.Time) ([]models.TrafficRollup, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT bucket_start, samples,
			tcp_rx_delta, tcp_tx_delta, udp_rx_delta, udp_tx_delta,
			tcp_rx_last, tcp_tx_last, udp_rx_last, udp_tx_last,
			avg_ping, avg_pool
		FROM traffic_rollups
		WHERE granularity = ? AND endpoint_id = ? AND instance_id = ?
			AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start`,
		string(g), endpointID, instanceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}
	defer closeRows(rows)

	var out []models.TrafficRollup
	for rows.Next() {
		r := models.TrafficRollup{Granularity: g, EndpointID: endpointID, InstanceID: instanceID}
		if err := rows.Scan(&r.BucketStart, &r.Samples,
			&r.Delta.TCPRx, &r.Delta.TCPTx, &r.Delta.UDPRx, &r.Delta.UDPTx,
			&r.Last.TCPRx, &r.Last.TCPTx, &r.Last.UDPRx, &r.Last.UDPTx,
			&r.AvgPing, &r.AvgPool); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		r.BucketStart = r.BucketStart.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneRollups deletes rollups of granularity g older than cutoff.
func (db *DB) PruneRollups(ctx context.Context, g models.Granularity, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM traffic_rollups WHERE granularity = ? AND bucket_start < ?`, string(g), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune %s rollups: %w", g, err)
	}
	return res.RowsAffected()
}
