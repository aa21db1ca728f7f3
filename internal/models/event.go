// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// EventKind discriminates the Event union.
type EventKind string

const (
	KindInitial  EventKind = "initial"
	KindCreate   EventKind = "create"
	KindUpdate   EventKind = "update"
	KindDelete   EventKind = "delete"
	KindShutdown EventKind = "shutdown"
	KindLog      EventKind = "log"

	// KindConnected is the stream handshake. It is consumed by the stream
	// client and never stored.
	KindConnected EventKind = "connected"

	// KindRaw carries a JSON object whose type is not recognized.
	KindRaw EventKind = "raw"
)

// ParseEventKind maps a payload's type field to a kind. Unknown values map
// to KindRaw.
func ParseEventKind(s string) EventKind {
	switch k := EventKind(s); k {
	case KindInitial, KindCreate, KindUpdate, KindDelete, KindShutdown, KindLog, KindConnected:
		return k
	}
	return KindRaw
}

// TouchesInstance reports whether events of this kind update instance state.
func (k EventKind) TouchesInstance() bool {
	switch k {
	case KindInitial, KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Counters are the cumulative traffic totals of one instance, in bytes.
type Counters struct {
	TCPRx int64 `json:"tcpRx"`
	TCPTx int64 `json:"tcpTx"`
	UDPRx int64 `json:"udpRx"`
	UDPTx int64 `json:"udpTx"`
}

// Merge returns the per-field maximum of c and o. Merging is commutative
// and idempotent so delivery order does not matter.
func (c Counters) Merge(o Counters) Counters {
	return Counters{
		TCPRx: max(c.TCPRx, o.TCPRx),
		TCPTx: max(c.TCPTx, o.TCPTx),
		UDPRx: max(c.UDPRx, o.UDPRx),
		UDPTx: max(c.UDPTx, o.UDPTx),
	}
}

// Add returns the per-field sum.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		TCPRx: c.TCPRx + o.TCPRx,
		TCPTx: c.TCPTx + o.TCPTx,
		UDPRx: c.UDPRx + o.UDPRx,
		UDPTx: c.UDPTx + o.UDPTx,
	}
}

// InstanceInfo is the instance snapshot carried by instance events.
// Pointer fields distinguish "absent" from zero.
type InstanceInfo struct {
	Type     string    `json:"type,omitempty"`
	Status   string    `json:"status,omitempty"`
	URL      string    `json:"url,omitempty"`
	Alias    string    `json:"alias,omitempty"`
	Counters *Counters `json:"counters,omitempty"`
	Pool     *int64    `json:"pool,omitempty"`
	Ping     *int64    `json:"ping,omitempty"`
}

// Event is the normalized form of one frame received from an endpoint.
// Events are immutable once built.
type Event struct {
	ID         string          `json:"id"`
	Kind       EventKind       `json:"type"`
	EndpointID int64           `json:"endpointId"`
	InstanceID string          `json:"instanceId,omitempty"`
	Instance   *InstanceInfo   `json:"instance,omitempty"`
	Message    string          `json:"message,omitempty"`
	SystemInfo *SystemInfo     `json:"systemInfo,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Counters returns the instance counters, or zero counters.
func (e *Event) Counters() Counters {
	if e.Instance == nil || e.Instance.Counters == nil {
		return Counters{}
	}
	return *e.Instance.Counters
}

// HasCounters reports whether the event carries a counter reading.
func (e *Event) HasCounters() bool {
	return e.Instance != nil && e.Instance.Counters != nil
}
