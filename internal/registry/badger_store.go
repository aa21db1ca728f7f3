// NodePassDash - NodePass Tunnel Management Dashboard
// Copyright 2026 NodePassDash Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nodepassdash/nodepassdash

package registry

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/nodepassdash/nodepassdash/internal/models"
)

const (
	endpointKeyPrefix = "endpoint:"
	// highIDKey holds the largest id ever saved so ids are never reused.
	highIDKey = "meta:high_id"
)

// endpointRecord is the stored form of an endpoint. Unlike models.Endpoint
// it keeps the API key.
type endpointRecord struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	APIPath    string            `json:"api_path"`
	APIKey     string            `json:"api_key"`
	LastCheck  time.Time         `json:"last_check"`
	SystemInfo models.SystemInfo `json:"system_info"`
	CreatedAt  time.Time         `json:"created_at"`
}

// BadgerStore persists endpoints in BadgerDB, one JSON value per endpoint.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the store at dir. An empty dir opens an
// in-memory database.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func endpointKey(id int64) []byte {
	return []byte(endpointKeyPrefix + strconv.FormatInt(id, 10))
}

// LoadEndpoints returns every stored endpoint and the largest id ever
// assigned.
func (s *BadgerStore) LoadEndpoints() ([]models.Endpoint, int64, error) {
	var (
		out    []models.Endpoint
		highID int64
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		if highID, err = readHighID(txn); err != nil {
			return err
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(endpointKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec endpointRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, models.Endpoint{
				ID:         rec.ID,
				Name:       rec.Name,
				URL:        rec.URL,
				APIPath:    rec.APIPath,
				APIKey:     rec.APIKey,
				Status:     models.StatusDisconnect,
				LastCheck:  rec.LastCheck,
				SystemInfo: rec.SystemInfo,
				CreatedAt:  rec.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, highID, nil
}

func readHighID(txn *badger.Txn) (int64, error) {
	item, err := txn.Get([]byte(highIDKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read high id: %w", err)
	}
	var id int64
	err = item.Value(func(val []byte) error {
		id, err = strconv.ParseInt(string(val), 10, 64)
		return err
	})
	return id, err
}

// SaveEndpoint inserts or replaces ep.
func (s *BadgerStore) SaveEndpoint(ep *models.Endpoint) error {
	data, err := json.Marshal(endpointRecord{
		ID:         ep.ID,
		Name:       ep.Name,
		URL:        ep.URL,
		APIPath:    ep.APIPath,
		APIKey:     ep.APIKey,
		LastCheck:  ep.LastCheck,
		SystemInfo: ep.SystemInfo,
		CreatedAt:  ep.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal endpoint: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(endpointKey(ep.ID), data); err != nil {
			return err
		}
		high, err := readHighID(txn)
		if err != nil {
			return err
		}
		if ep.ID > high {
			return txn.Set([]byte(highIDKey), []byte(strconv.FormatInt(ep.ID, 10)))
		}
		return nil
	})
}

// DeleteEndpoint removes id. Deleting a missing key is not an error.
func (s *BadgerStore) DeleteEndpoint(id int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(endpointKey(id))
	})
}
