// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nodepassdash/nodepassdash/internal/metrics"
	"github.com/nodepassdash/nodepassdash/internal/models"
)

// mergeSet is the column merge shared by the insert and update paths. %[1]s
// names the relation carrying the incoming values.
//
// Counters only grow. Descriptive fields take the incoming value when it is
// non-empty. Status, pool and ping take the incoming value only when it is
// at least as new as what is stored, so a late delivery cannot roll them
// back.
const mergeSet = `
	instance_type = CASE WHEN %[1]s.instance_type <> '' THEN %[1]s.instance_type ELSE instance_states.instance_type END,
	url = CASE WHEN %[1]s.url <> '' THEN %[1]s.url ELSE instance_states.url END,
	alias = CASE WHEN %[1]s.alias <> '' THEN %[1]s.alias ELSE instance_states.alias END,
	status = CASE WHEN %[1]s.status <> '' AND %[1]s.last_event_at >= instance_states.last_event_at
		THEN %[1]s.status ELSE instance_states.status END,
	tcp_rx = GREATEST(instance_states.tcp_rx, %[1]s.tcp_rx),
	tcp_tx = GREATEST(instance_states.tcp_tx, %[1]s.tcp_tx),
	udp_rx = GREATEST(instance_states.udp_rx, %[1]s.udp_rx),
	udp_tx = GREATEST(instance_states.udp_tx, %[1]s.udp_tx),
	pool = CASE WHEN %[1]s.pool IS NOT NULL AND %[1]s.last_event_at >= instance_states.last_event_at
		THEN %[1]s.pool ELSE instance_states.pool END,
	ping = CASE WHEN %[1]s.ping IS NOT NULL AND %[1]s.last_event_at >= instance_states.last_event_at
		THEN %[1]s.ping ELSE instance_states.ping END,
	deleted = CASE WHEN %[1]s.last_event_at >= instance_states.last_event_at
		THEN false ELSE instance_states.deleted END,
	last_event_at = GREATEST(instance_states.last_event_at, %[1]s.last_event_at)`

var (
	upsertInstanceSQL = `
		INSERT INTO instance_states (
			endpoint_id, instance_id, instance_type, status, url, alias,
			tcp_rx, tcp_tx, udp_rx, udp_tx, pool, ping, last_event_at, deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, false)
		ON CONFLICT (endpoint_id, instance_id) DO UPDATE SET` + fmt.Sprintf(mergeSet, "EXCLUDED")

	updateInstanceSQL = `
		UPDATE instance_states SET` + fmt.Sprintf(mergeSet, "n") + `
		FROM (SELECT
			?::VARCHAR AS instance_type, ?::VARCHAR AS status, ?::VARCHAR AS url, ?::VARCHAR AS alias,
			?::BIGINT AS tcp_rx, ?::BIGINT AS tcp_tx, ?::BIGINT AS udp_rx, ?::BIGINT AS udp_tx,
			?::BIGINT AS pool, ?::BIGINT AS ping, ?::TIMESTAMP AS last_event_at) AS n
		WHERE instance_states.endpoint_id = ? AND instance_states.instance_id = ?`
)

// UpsertInstance folds an instance event into instance_states in one
// statement. With create false an absent row is left absent and the call
// reports false; this is how events for an endpoint that has since been
// removed avoid resurrecting rows.
func (db *DB) UpsertInstance(ctx context.Context, ev *models.Event, create bool) (bool, error) {
	if ev.InstanceID == "" {
		return false, errors.New("upsert instance: event has no instance id")
	}
	start := time.Now()
	defer func() { metrics.RecordStore("upsert_instance", time.Since(start)) }()

	info := ev.Instance
	if info == nil {
		info = &models.InstanceInfo{}
	}
	c := ev.Counters()
	at := ev.Timestamp.UTC()

	if create {
		_, err := db.conn.ExecContext(ctx, upsertInstanceSQL,
			ev.EndpointID, ev.InstanceID, info.Type, info.Status, info.URL, info.Alias,
			c.TCPRx, c.TCPTx, c.UDPRx, c.UDPTx,
			nullInt(info.Pool), nullInt(info.Ping), at)
		if err != nil {
			return false, fmt.Errorf("upsert instance %d/%s: %w", ev.EndpointID, ev.InstanceID, err)
		}
		return true, nil
	}

	res, err := db.conn.ExecContext(ctx, updateInstanceSQL,
		info.Type, info.Status, info.URL, info.Alias,
		c.TCPRx, c.TCPTx, c.UDPRx, c.UDPTx,
		nullInt(info.Pool), nullInt(info.Ping), at,
		ev.EndpointID, ev.InstanceID)
	if err != nil {
		return false, fmt.Errorf("update instance %d/%s: %w", ev.EndpointID, ev.InstanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update instance %d/%s: %w", ev.EndpointID, ev.InstanceID, err)
	}
	return n > 0, nil
}

// MarkInstanceDeleted flags the instance deleted unless a newer event has
// already been applied. Rows are kept so history stays attributable.
func (db *DB) MarkInstanceDeleted(ctx context.Context, endpointID int64, instanceID string, at time.Time) error {
	start := time.Now()
	defer func() { metrics.RecordStore("mark_deleted", time.Since(start)) }()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE instance_states
		SET deleted = true, last_event_at = ?
		WHERE endpoint_id = ? AND instance_id = ? AND last_event_at <= ?`,
		at.UTC(), endpointID, instanceID, at.UTC())
	if err != nil {
		return fmt.Errorf("mark instance %d/%s deleted: %w", endpointID, instanceID, err)
	}
	return nil
}

// MarkEndpointStopped sets every live instance of the endpoint to stopped
// and returns how many rows changed.
func (db *DB) MarkEndpointStopped(ctx context.Context, endpointID int64, at time.Time) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordStore("mark_stopped", time.Since(start)) }()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE instance_states
		SET status = ?, last_event_at = ?
		WHERE endpoint_id = ? AND NOT deleted AND last_event_at <= ?`,
		string(models.InstanceStopped), at.UTC(), endpointID, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark endpoint %d stopped: %w", endpointID, err)
	}
	return res.RowsAffected()
}

const instanceColumns = `endpoint_id, instance_id, instance_type, status, url, alias,
	tcp_rx, tcp_tx, udp_rx, udp_tx, pool, ping, last_event_at, deleted`

func scanInstance(row interface{ Scan(...any) error }) (models.InstanceState, error) {
	var (
		st         models.InstanceState
		status     string
		pool, ping sql.NullInt64
	)
	err := row.Scan(&st.EndpointID, &st.InstanceID, &st.Type, &status, &st.URL, &st.Alias,
		&st.Counters.TCPRx, &st.Counters.TCPTx, &st.Counters.UDPRx, &st.Counters.UDPTx,
		&pool, &ping, &st.LastEventAt, &st.Deleted)
	st.Status = models.InstanceStatus(status)
	st.Pool = pool.Int64
	st.Ping = ping.Int64
	return st, err
}

// InstanceState returns one instance row.
func (db *DB) InstanceState(ctx context.Context, endpointID int64, instanceID string) (models.InstanceState, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instance_states WHERE endpoint_id = ? AND instance_id = ?`,
		endpointID, instanceID)
	st, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.InstanceState{}, fmt.Errorf("instance %d/%s: %w", endpointID, instanceID, ErrNotFound)
	}
	if err != nil {
		return models.InstanceState{}, fmt.Errorf("query instance %d/%s: %w", endpointID, instanceID, err)
	}
	return st, nil
}

// InstanceStates returns every instance of an endpoint, deleted ones
// included, ordered by instance id.
func (db *DB) InstanceStates(ctx context.Context, endpointID int64) ([]models.InstanceState, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instance_states WHERE endpoint_id = ? ORDER BY instance_id`,
		endpointID)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer closeRows(rows)

	var out []models.InstanceState
	for rows.Next() {
		st, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
