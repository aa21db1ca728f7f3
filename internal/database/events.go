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

// AppendEvent inserts ev into the event log. Re-appending an id that is
// already stored is a no-op, so a retry after an ambiguous failure cannot
// duplicate the row.
func (db *DB) AppendEvent(ctx context.Context, ev *models.Event, receivedAt time.Time) error {
	start := time.Now()
	defer func() { metrics.RecordStore("append_event", time.Since(start)) }()

	var (
		status                     sql.NullString
		tcpRx, tcpTx, udpRx, udpTx sql.NullInt64
		pool, ping                 sql.NullInt64
		message, raw               sql.NullString
	)
	if inst := ev.Instance; inst != nil {
		status = nullString(inst.Status)
		// Absent counters stay NULL so aggregation never reads them as zero.
		if c := inst.Counters; c != nil {
			tcpRx = sql.NullInt64{Int64: c.TCPRx, Valid: true}
			tcpTx = sql.NullInt64{Int64: c.TCPTx, Valid: true}
			udpRx = sql.NullInt64{Int64: c.UDPRx, Valid: true}
			udpTx = sql.NullInt64{Int64: c.UDPTx, Valid: true}
		}
		pool = nullInt(inst.Pool)
		ping = nullInt(inst.Ping)
	}
	message = nullString(ev.Message)
	if len(ev.Raw) > 0 {
		raw = sql.NullString{String: string(ev.Raw), Valid: true}
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO endpoint_events (
			id, endpoint_id, instance_id, event_type, status,
			tcp_rx, tcp_tx, udp_rx, udp_tx, pool, ping,
			message, raw, event_time, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.EndpointID, ev.InstanceID, string(ev.Kind), status,
		tcpRx, tcpTx, udpRx, udpTx, pool, ping,
		message, raw, ev.Timestamp.UTC(), receivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

// StoredEvent is one row of the event log.
type StoredEvent struct {
	ID         string           `json:"id"`
	EndpointID int64            `json:"endpointId"`
	InstanceID string           `json:"instanceId"`
	Kind       models.EventKind `json:"type"`
	Status     string           `json:"status,omitempty"`
	Counters   *models.Counters `json:"counters,omitempty"`
	Message    string           `json:"message,omitempty"`
	EventTime  time.Time        `json:"timestamp"`
	ReceivedAt time.Time        `json:"receivedAt"`
}

// RecentEvents returns the newest events of one endpoint, newest first.
// An empty instanceID matches every instance.
func (db *DB) RecentEvents(ctx context.Context, endpointID int64, instanceID string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, endpoint_id, instance_id, event_type, status,
			tcp_rx, tcp_tx, udp_rx, udp_tx, message, event_time, received_at
		FROM endpoint_events
		WHERE endpoint_id = ? AND (? = '' OR instance_id = ?)
		ORDER BY event_time DESC, received_at DESC
		LIMIT ?`,
		endpointID, instanceID, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer closeRows(rows)

	var out []StoredEvent
	for rows.Next() {
		var (
			e                          StoredEvent
			kind                       string
			status, message            sql.NullString
			tcpRx, tcpTx, udpRx, udpTx sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.EndpointID, &e.InstanceID, &kind, &status,
			&tcpRx, &tcpTx, &udpRx, &udpTx, &message, &e.EventTime, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = models.EventKind(kind)
		e.Status = status.String
		e.Message = message.String
		if tcpRx.Valid {
			e.Counters = &models.Counters{TCPRx: tcpRx.Int64, TCPTx: tcpTx.Int64, UDPRx: udpRx.Int64, UDPTx: udpTx.Int64}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEvents returns the number of stored events for an endpoint.
func (db *DB) CountEvents(ctx context.Context, endpointID int64) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM endpoint_events WHERE endpoint_id = ?`, endpointID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// PruneEvents deletes events whose event time is before cutoff.
func (db *DB) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM endpoint_events WHERE event_time < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
