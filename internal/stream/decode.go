// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package stream

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/nodepassdash/nodepassdash/internal/models"
)

// wirePayload accepts both the nested shape NodePass emits
// ({"type":"update","time":...,"instance":{"id":...,"tcprx":...}}) and a
// flat shape with camelCase instance fields at the top level.
type wirePayload struct {
	Type      string        `json:"type"`
	Time      flexTime      `json:"time"`
	Timestamp flexTime      `json:"timestamp"`
	Instance  *wireInstance `json:"instance"`
	Logs      string        `json:"logs"`
	Message   string        `json:"message"`

	InstanceID string `json:"instanceId"`
	Status     string `json:"status"`
	URL        string `json:"url"`
	Alias      string `json:"alias"`
	TCPRx      *int64 `json:"tcpRx"`
	TCPTx      *int64 `json:"tcpTx"`
	UDPRx      *int64 `json:"udpRx"`
	UDPTx      *int64 `json:"udpTx"`
	Pool       *int64 `json:"pool"`
	Ping       *int64 `json:"ping"`

	OS     string          `json:"os"`
	Arch   string          `json:"arch"`
	Ver    string          `json:"ver"`
	Uptime *int64          `json:"uptime"`
	Info   *wireSystemInfo `json:"info"`
}

type wireInstance struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
	URL    string `json:"url"`
	Alias  string `json:"alias"`
	TCPRx  *int64 `json:"tcprx"`
	TCPTx  *int64 `json:"tcptx"`
	UDPRx  *int64 `json:"udprx"`
	UDPTx  *int64 `json:"udptx"`
	Pool   *int64 `json:"pool"`
	Ping   *int64 `json:"ping"`
}

type wireSystemInfo struct {
	OS     string `json:"os"`
	Arch   string `json:"arch"`
	Ver    string `json:"ver"`
	Uptime int64  `json:"uptime"`
}

// flexTime parses RFC 3339 strings and unix seconds or milliseconds.
// Anything else decodes to the zero time instead of failing the payload.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			t.Time = time.UnixMilli(n)
		} else {
			t.Time = time.Unix(n, 0)
		}
	}
	return nil
}

// Decode normalizes one frame into an event. It reports false for frames
// without data. A frame that is not a JSON object becomes a log event
// carrying the raw text; a JSON object of an unrecognized type becomes a raw
// event carrying the original JSON.
func Decode(endpointID int64, f Frame, receivedAt time.Time) (models.Event, bool) {
	data := strings.TrimSpace(f.Data)
	if data == "" {
		return models.Event{}, false
	}

	ev := models.Event{
		ID:         uuid.NewString(),
		EndpointID: endpointID,
		Timestamp:  receivedAt.UTC(),
	}

	raw := []byte(data)
	if raw[0] != '{' || !json.Valid(raw) {
		ev.Kind = models.KindLog
		ev.Message = f.Data
		return ev, true
	}

	var p wirePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		ev.Kind = models.KindRaw
		ev.Raw = json.RawMessage(bytes.Clone(raw))
		return ev, true
	}

	typ := p.Type
	if typ == "" {
		typ = f.Event
	}
	ev.Kind = models.ParseEventKind(typ)
	if typ == "" {
		ev.Kind = models.KindRaw
	}

	switch {
	case !p.Time.IsZero():
		ev.Timestamp = p.Time.UTC()
	case !p.Timestamp.IsZero():
		ev.Timestamp = p.Timestamp.UTC()
	}

	ev.Message = p.Logs
	if ev.Message == "" {
		ev.Message = p.Message
	}

	inst := p.Instance
	if inst == nil {
		inst = p.flatInstance()
	}
	if inst != nil {
		ev.InstanceID = inst.ID
		if ev.Kind.TouchesInstance() || inst.hasInstanceFields() {
			ev.Instance = inst.info()
		}
	}

	if si := p.systemInfo(); !si.IsZero() {
		ev.SystemInfo = &si
	}

	if ev.Kind == models.KindRaw {
		ev.Raw = json.RawMessage(bytes.Clone(raw))
	}
	return ev, true
}

func (w *wireInstance) hasInstanceFields() bool {
	return w.Status != "" || w.URL != "" || w.hasCounters() || w.Pool != nil || w.Ping != nil
}

// flatInstance lifts top-level instance fields into a wireInstance. In the
// flat shape "type" is the event type, not the tunnel type.
func (p *wirePayload) flatInstance() *wireInstance {
	w := &wireInstance{
		ID:     p.InstanceID,
		Status: p.Status,
		URL:    p.URL,
		Alias:  p.Alias,
		TCPRx:  p.TCPRx,
		TCPTx:  p.TCPTx,
		UDPRx:  p.UDPRx,
		UDPTx:  p.UDPTx,
		Pool:   p.Pool,
		Ping:   p.Ping,
	}
	if w.ID == "" && !w.hasInstanceFields() {
		return nil
	}
	return w
}

func (w *wireInstance) hasCounters() bool {
	return w.TCPRx != nil || w.TCPTx != nil || w.UDPRx != nil || w.UDPTx != nil
}

// info converts w. Counters stay nil unless the payload carried at least
// one, so a status-only event is never stored as a zero reading.
func (w *wireInstance) info() *models.InstanceInfo {
	info := &models.InstanceInfo{
		Type:   w.Type,
		Status: w.Status,
		URL:    w.URL,
		Alias:  w.Alias,
		Pool:   w.Pool,
		Ping:   w.Ping,
	}
	if w.hasCounters() {
		deref := func(p *int64) int64 {
			if p == nil {
				return 0
			}
			return *p
		}
		info.Counters = &models.Counters{
			TCPRx: deref(w.TCPRx),
			TCPTx: deref(w.TCPTx),
			UDPRx: deref(w.UDPRx),
			UDPTx: deref(w.UDPTx),
		}
	}
	return info
}

func (p *wirePayload) systemInfo() models.SystemInfo {
	si := models.SystemInfo{OS: p.OS, Arch: p.Arch, Version: p.Ver}
	if p.Uptime != nil {
		si.Uptime = *p.Uptime
	}
	if p.Info != nil {
		si = si.Merge(models.SystemInfo{OS: p.Info.OS, Arch: p.Info.Arch, Version: p.Info.Ver, Uptime: p.Info.Uptime})
	}
	return si
}
