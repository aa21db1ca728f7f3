// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package models holds the data types shared by the event pipeline.
package models

import (
	"strings"
	"time"
)

// EndpointStatus is the liveness badge shown for an endpoint.
type EndpointStatus string

const (
	// StatusOnline means the event stream is connected.
	StatusOnline EndpointStatus = "ONLINE"
	// StatusOffline means the last attempt failed with a network error. Retrying.
	StatusOffline EndpointStatus = "OFFLINE"
	// StatusFail means the endpoint rejected the API key. Retrying slowly.
	StatusFail EndpointStatus = "FAIL"
	// StatusDisconnect means no stream is being maintained.
	StatusDisconnect EndpointStatus = "DISCONNECT"
)

// Valid reports whether s is one of the known statuses.
func (s EndpointStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusFail, StatusDisconnect:
		return true
	}
	return false
}

// SystemInfo is reported by the remote agent inside its events.
type SystemInfo struct {
	OS      string `json:"os,omitempty"`
	Arch    string `json:"arch,omitempty"`
	Version string `json:"ver,omitempty"`
	Uptime  int64  `json:"uptime,omitempty"`
}

// IsZero reports whether no field is set.
func (s SystemInfo) IsZero() bool {
	return s == SystemInfo{}
}

// Merge returns s with every non-empty field of o applied.
func (s SystemInfo) Merge(o SystemInfo) SystemInfo {
	if o.OS != "" {
		s.OS = o.OS
	}
	if o.Arch != "" {
		s.Arch = o.Arch
	}
	if o.Version != "" {
		s.Version = o.Version
	}
	if o.Uptime != 0 {
		s.Uptime = o.Uptime
	}
	return s
}

// Endpoint is a remote NodePass agent the dashboard streams events from.
type Endpoint struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	URL        string         `json:"url"`
	APIPath    string         `json:"apiPath"`
	APIKey     string         `json:"-"`
	Status     EndpointStatus `json:"status"`
	LastCheck  time.Time      `json:"lastCheck"`
	SystemInfo SystemInfo     `json:"systemInfo"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// EventsURL is the address of the endpoint's event stream.
func (e *Endpoint) EventsURL() string {
	return strings.TrimRight(e.URL, "/") + e.APIPath + "/events"
}

// EndpointSpec is the input for registering an endpoint.
type EndpointSpec struct {
	Name    string `json:"name" validate:"required,max=64"`
	URL     string `json:"url" validate:"required,http_url"`
	APIPath string `json:"apiPath" validate:"apipath"`
	APIKey  string `json:"apiKey" validate:"required"`
}
