// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package models

import (
	"testing"
	"time"
)

func TestCountersMergeIsOrderIndependent(t *testing.T) {
	t.Parallel()

	samples := []Counters{
		{TCPRx: 100, TCPTx: 5},
		{TCPRx: 80, UDPRx: 9},
		{TCPRx: 90, TCPTx: 7, UDPTx: 1},
	}
	want := Counters{TCPRx: 100, TCPTx: 7, UDPRx: 9, UDPTx: 1}

	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {1, 2, 0, 0, 1}}
	for _, order := range orders {
		var got Counters
		for _, i := range order {
			next := got.Merge(samples[i])
			if next.TCPRx < got.TCPRx || next.TCPTx < got.TCPTx || next.UDPRx < got.UDPRx || next.UDPTx < got.UDPTx {
				t.Fatalf("merge decreased a counter: %+v -> %+v", got, next)
			}
			got = next
		}
		if got != want {
			t.Errorf("order %v: merged = %+v, want %+v", order, got, want)
		}
	}
}

func TestParseEventKind(t *testing.T) {
	t.Parallel()

	tests := map[string]EventKind{
		"initial":   KindInitial,
		"update":    KindUpdate,
		"delete":    KindDelete,
		"shutdown":  KindShutdown,
		"log":       KindLog,
		"connected": KindConnected,
		"restart":   KindRaw,
		"":          KindRaw,
	}
	for in, want := range tests {
		if got := ParseEventKind(in); got != want {
			t.Errorf("ParseEventKind(%q) = %q, want %q", in, got, want)
		}
	}
	if KindLog.TouchesInstance() || KindShutdown.TouchesInstance() {
		t.Error("log and shutdown must not touch instance state")
	}
	if !KindUpdate.TouchesInstance() {
		t.Error("update must touch instance state")
	}
}

func TestGranularityBucket(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 4, 10, 42, 31, 0, time.FixedZone("X", 3600))
	if got := GranularityMinute.Bucket(ts); !got.Equal(time.Date(2026, 3, 4, 9, 42, 0, 0, time.UTC)) {
		t.Errorf("minute bucket = %v", got)
	}
	if got := GranularityHour.Bucket(ts); !got.Equal(time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("hour bucket = %v", got)
	}
}

func TestEndpointEventsURL(t *testing.T) {
	t.Parallel()

	e := Endpoint{URL: "https://10.1.1.1:9090/", APIPath: "/api/v1"}
	if got := e.EventsURL(); got != "https://10.1.1.1:9090/api/v1/events" {
		t.Errorf("EventsURL() = %q", got)
	}
}

func TestSystemInfoMerge(t *testing.T) {
	t.Parallel()

	base := SystemInfo{OS: "linux", Arch: "amd64", Version: "1.0"}
	got := base.Merge(SystemInfo{Version: "1.1", Uptime: 60})
	if got != (SystemInfo{OS: "linux", Arch: "amd64", Version: "1.1", Uptime: 60}) {
		t.Errorf("Merge = %+v", got)
	}
	if !(SystemInfo{}).IsZero() || got.IsZero() {
		t.Error("IsZero mismatch")
	}
}
