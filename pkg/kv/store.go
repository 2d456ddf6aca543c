// Package kv provides the unkeyed root-value store the dotted-path facade
// and run scope sit on top of, plus a bbolt-backed reference Store
// implementation. Hosts may substitute any Store that satisfies the
// interface (Redis, Postgres, in-memory) without touching the facade.
package kv

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Store persists JSON-marshalable root values keyed by a single string.
// It knows nothing about dotted paths; that traversal lives in Path.
type Store interface {
	// Get loads the root value stored at key into out. It returns
	// ErrNotFound if no value is stored at key.
	Get(key string, out any) error

	// Put stores value at key, replacing any existing value.
	Put(key string, value any) error

	// Delete removes the value at key. Deleting an absent key is a no-op.
	Delete(key string) error

	// Has reports whether key currently has a stored value.
	Has(key string) (bool, error)

	// Close releases the store's underlying resources.
	Close() error
}

// ErrNotFound is returned by Get when key has no stored value.
var ErrNotFound = fmt.Errorf("kv: key not found")

var defaultBucket = []byte("kv")

// BoltStore is the reference Store implementation, backing each root key as
// a single JSON blob in one bbolt bucket -- the same open/bucket/marshal
// pattern as warren's node and service stores, collapsed to one bucket
// since the facade's root keys (run ids, topic state, arbitrary host data)
// don't need per-entity bucket separation.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database at path and
// ensures the kv bucket exists.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(defaultBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key string, out any) error {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(defaultBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *BoltStore) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv: marshal value for %q: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(defaultBucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(defaultBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) Has(key string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(defaultBucket).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemStore is an in-memory Store, used in tests and as the default for
// hosts that don't need persistence across restarts. KV adapters are
// expected to serialize their own operations (spec.md §5); MemStore is hit
// concurrently by router handlers, bus dispatch goroutines, and cron ticks,
// so a mutex guards the map the same way Bus.mu and runscope.Manager.mu
// guard theirs.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStore creates an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Get(key string, out any) error {
	s.mu.Lock()
	data, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func (s *MemStore) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv: marshal value for %q: %w", key, err)
	}
	s.mu.Lock()
	s.data[key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Has(key string) (bool, error) {
	s.mu.Lock()
	_, ok := s.data[key]
	s.mu.Unlock()
	return ok, nil
}

func (s *MemStore) Close() error {
	return nil
}
