// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

// Package registry keeps the set of remote endpoints the dashboard streams
// from.
//
// The Registry is read on every event by the store workers and on every
// reconcile by the connection daemon, and written only by operators and by
// liveness updates, so it sits behind an RWMutex. Membership changes are
// pushed to watchers; a watcher that falls behind receives a ChangeResync
// instead of blocking the writer.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nodepassdash/nodepassdash/internal/logging"
	"github.com/nodepassdash/nodepassdash/internal/models"
	"github.com/nodepassdash/nodepassdash/internal/validation"
)

var (
	// ErrEndpointNotFound is returned for unknown endpoint ids.
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrDuplicateName is returned by Add when the name is taken.
	ErrDuplicateName = errors.New("endpoint name already registered")

	// ErrInvalidStatus is returned by UpdateStatus for unknown statuses.
	ErrInvalidStatus = errors.New("invalid endpoint status")
)

// ChangeType describes a membership change.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	// ChangeResync tells the watcher that notifications were lost and it
	// should re-read List.
	ChangeResync
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	default:
		return "resync"
	}
}

// Change is one membership notification.
type Change struct {
	Type       ChangeType
	EndpointID int64
}

// Store persists endpoints. Implementations must be safe for concurrent use.
type Store interface {
	// LoadEndpoints returns the stored endpoints and the highest id ever
	// assigned, which may belong to a removed endpoint.
	LoadEndpoints() ([]models.Endpoint, int64, error)
	SaveEndpoint(ep *models.Endpoint) error
	DeleteEndpoint(id int64) error
}

const watchBuffer = 64

// Registry is the in-memory endpoint table.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[int64]*models.Endpoint
	nextID    int64
	store     Store

	watchMu  sync.Mutex
	watchers map[int]chan Change
	watchSeq int

	now func() time.Time
}

// New creates a registry. store may be nil for a memory-only registry.
func New(store Store) *Registry {
	return &Registry{
		endpoints: make(map[int64]*models.Endpoint),
		nextID:    1,
		store:     store,
		watchers:  make(map[int]chan Change),
		now:       time.Now,
	}
}

// Load replaces the table with the store's contents. Loaded endpoints start
// as DISCONNECT until the daemon connects them.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	eps, highID, err := r.store.LoadEndpoints()
	if err != nil {
		return fmt.Errorf("load endpoints: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = make(map[int64]*models.Endpoint, len(eps))
	if highID >= r.nextID {
		r.nextID = highID + 1
	}
	for i := range eps {
		ep := eps[i]
		ep.Status = models.StatusDisconnect
		r.endpoints[ep.ID] = &ep
		if ep.ID >= r.nextID {
			r.nextID = ep.ID + 1
		}
	}
	return nil
}

// List returns a copy of every endpoint ordered by id.
func (r *Registry) List() []models.Endpoint {
	r.mu.RLock()
	out := make([]models.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, *ep)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one endpoint.
func (r *Registry) Get(id int64) (models.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return models.Endpoint{}, fmt.Errorf("%w: %d", ErrEndpointNotFound, id)
	}
	return *ep, nil
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id int64) bool {
	r.mu.RLock()
	_, ok := r.endpoints[id]
	r.mu.RUnlock()
	return ok
}

// Add validates spec, registers it and notifies watchers.
func (r *Registry) Add(spec models.EndpointSpec) (models.Endpoint, error) {
	spec.URL = strings.TrimRight(strings.TrimSpace(spec.URL), "/")
	if spec.APIPath == "" {
		spec.APIPath = "/api"
	}
	if err := validation.Check(&spec); err != nil {
		return models.Endpoint{}, err
	}

	r.mu.Lock()
	for _, ep := range r.endpoints {
		if strings.EqualFold(ep.Name, spec.Name) {
			r.mu.Unlock()
			return models.Endpoint{}, fmt.Errorf("%w: %s", ErrDuplicateName, spec.Name)
		}
	}
	ep := &models.Endpoint{
		ID:        r.nextID,
		Name:      spec.Name,
		URL:       spec.URL,
		APIPath:   spec.APIPath,
		APIKey:    spec.APIKey,
		Status:    models.StatusDisconnect,
		CreatedAt: r.now().UTC(),
	}
	if err := r.persist(ep); err != nil {
		r.mu.Unlock()
		return models.Endpoint{}, err
	}
	r.nextID++
	r.endpoints[ep.ID] = ep
	out := *ep
	r.mu.Unlock()

	logging.Info().Int64("endpoint_id", out.ID).Str("name", out.Name).Str("url", out.URL).Msg("Endpoint registered")
	r.notify(Change{Type: ChangeAdded, EndpointID: out.ID})
	return out, nil
}

// Remove unregisters id. Once Remove returns, Contains(id) is false and
// watchers have been notified.
func (r *Registry) Remove(id int64) error {
	r.mu.Lock()
	if _, ok := r.endpoints[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrEndpointNotFound, id)
	}
	delete(r.endpoints, id)
	r.mu.Unlock()

	var err error
	if r.store != nil {
		if serr := r.store.DeleteEndpoint(id); serr != nil {
			// Memory and store now disagree until the next successful delete.
			err = fmt.Errorf("delete endpoint %d: %w", id, serr)
			logging.Error().Err(serr).Int64("endpoint_id", id).Msg("Failed to delete endpoint from store")
		}
	}

	logging.Info().Int64("endpoint_id", id).Msg("Endpoint removed")
	r.notify(Change{Type: ChangeRemoved, EndpointID: id})
	return err
}

// UpdateStatus records a liveness status and stamps LastCheck.
func (r *Registry) UpdateStatus(id int64, status models.EndpointStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return r.update(id, func(ep *models.Endpoint) bool {
		changed := ep.Status != status
		ep.Status = status
		ep.LastCheck = r.now().UTC()
		return changed
	})
}

// UpdateSystemInfo merges the non-empty fields of info into the endpoint.
func (r *Registry) UpdateSystemInfo(id int64, info models.SystemInfo) error {
	return r.update(id, func(ep *models.Endpoint) bool {
		merged := ep.SystemInfo.Merge(info)
		changed := merged != ep.SystemInfo
		ep.SystemInfo = merged
		return changed
	})
}

// update applies fn under the write lock and persists when fn reports a
// change worth keeping.
func (r *Registry) update(id int64, fn func(ep *models.Endpoint) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEndpointNotFound, id)
	}
	if fn(ep) {
		if err := r.persist(ep); err != nil {
			logging.Warn().Err(err).Int64("endpoint_id", id).Msg("Failed to persist endpoint update")
		}
	}
	return nil
}

// persist must be called with mu held.
func (r *Registry) persist(ep *models.Endpoint) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveEndpoint(ep); err != nil {
		return fmt.Errorf("save endpoint %d: %w", ep.ID, err)
	}
	return nil
}

// Seed registers every spec whose name is not registered yet. Invalid specs
// are logged and skipped.
func (r *Registry) Seed(specs []models.EndpointSpec) int {
	added := 0
	for _, spec := range specs {
		_, err := r.Add(spec)
		switch {
		case err == nil:
			added++
		case errors.Is(err, ErrDuplicateName):
		default:
			logging.Warn().Err(err).Str("name", spec.Name).Msg("Skipping configured endpoint")
		}
	}
	return added
}

// Watch subscribes to membership changes. Call cancel to stop; the channel
// is closed by cancel.
func (r *Registry) Watch() (<-chan Change, func()) {
	ch := make(chan Change, watchBuffer)

	r.watchMu.Lock()
	id := r.watchSeq
	r.watchSeq++
	r.watchers[id] = ch
	r.watchMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.watchMu.Lock()
			delete(r.watchers, id)
			r.watchMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *Registry) notify(c Change) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	for _, ch := range r.watchers {
		select {
		case ch <- c:
			continue
		default:
		}
		// Full: make room and ask the watcher to re-read everything.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- Change{Type: ChangeResync}:
		default:
		}
	}
}
