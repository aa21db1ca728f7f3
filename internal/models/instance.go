// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package models

import "time"

// InstanceStatus is the runtime status of a tunnel instance.
type InstanceStatus string

const (
	InstanceRunning  InstanceStatus = "running"
	InstanceStopped  InstanceStatus = "stopped"
	InstanceError    InstanceStatus = "error"
	InstanceStarting InstanceStatus = "starting"
	InstanceStopping InstanceStatus = "stopping"
)

// InstanceState is the current snapshot of one instance on one endpoint.
type InstanceState struct {
	EndpointID  int64          `json:"endpointId"`
	InstanceID  string         `json:"instanceId"`
	Type        string         `json:"type"`
	Status      InstanceStatus `json:"status"`
	URL         string         `json:"url"`
	Alias       string         `json:"alias"`
	Counters    Counters       `json:"counters"`
	Pool        int64          `json:"pool"`
	Ping        int64          `json:"ping"`
	LastEventAt time.Time      `json:"lastEventAt"`
	Deleted     bool           `json:"deleted"`
}

// Granularity is the width of a rollup bucket.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
)

// Granularities lists every granularity the aggregator maintains.
var Granularities = []Granularity{GranularityMinute, GranularityHour}

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	if g == GranularityMinute {
		return time.Minute
	}
	return time.Hour
}

// Bucket returns the start of the bucket containing t, in UTC.
func (g Granularity) Bucket(t time.Time) time.Time {
	return t.UTC().Truncate(g.Duration())
}

// TrafficRollup summarizes one instance over one bucket.
type TrafficRollup struct {
	Granularity Granularity `json:"granularity"`
	BucketStart time.Time   `json:"bucketStart"`
	EndpointID  int64       `json:"endpointId"`
	InstanceID  string      `json:"instanceId"`
	Samples     int64       `json:"samples"`

	// Delta is the traffic added during the bucket.
	Delta Counters `json:"delta"`

	// Last is the highest cumulative value seen in the bucket.
	Last Counters `json:"last"`

	AvgPing float64 `json:"avgPing"`
	AvgPool float64 `json:"avgPool"`
}
