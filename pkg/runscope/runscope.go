// Package runscope implements the per-invocation correlation container the
// bus and router thread through handlers. A Scope is backed by the KV
// facade under the key "__run__:<id>" and is reference-counted so that a
// chain of awaited emissions shares -- and outlives -- the scope of the
// emission that started it, until every handler touching it has released.
package runscope

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/relaysys/fabric/pkg/kv"
)

const keyPrefix = "__run__:"

// Scope is a handle into a run's correlation data. Get/Set/Has/Delete/Clear
// operate on dotted paths rooted at the run's backing KV entry.
type Scope struct {
	ID string

	path    *kv.Path
	rootKey string
}

// Manager tracks live run scopes and their reference counts.
type Manager struct {
	store kv.Store
	path  *kv.Path

	mu      sync.Mutex
	pending map[string]int
}

// NewManager builds a Manager backed by store.
func NewManager(store kv.Store) *Manager {
	return &Manager{
		store:   store,
		path:    kv.NewPath(store),
		pending: make(map[string]int),
	}
}

// CreateRun allocates a new run id, persists an empty backing object, sets
// its pending count to 1, and returns a handle to it.
func (m *Manager) CreateRun() (*Scope, error) {
	id := uuid.NewString()
	rootKey := keyPrefix + id

	if err := m.store.Put(rootKey, map[string]any{}); err != nil {
		return nil, fmt.Errorf("runscope: persist new run %s: %w", id, err)
	}

	m.mu.Lock()
	m.pending[id] = 1
	m.mu.Unlock()

	return &Scope{ID: id, path: m.path, rootKey: rootKey}, nil
}

// Get returns the Scope handle for an existing run id without touching its
// reference count. It returns nil if the run was never created or has
// already been released to zero.
func (m *Manager) Get(id string) *Scope {
	m.mu.Lock()
	_, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return &Scope{ID: id, path: m.path, rootKey: keyPrefix + id}
}

// KVPath exposes the dotted-path facade over the manager's backing store,
// for handler contexts that need raw KV access alongside their run scope.
func (m *Manager) KVPath() *kv.Path {
	return m.path
}

// Retain increments id's pending count. It is a no-op if the run is
// already gone (pending reached zero and was dropped).
func (m *Manager) Retain(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; ok {
		m.pending[id]++
	}
}

// Release decrements id's pending count. When it reaches zero, the backing
// KV entry is deleted and the record dropped.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	count, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	count--
	if count > 0 {
		m.pending[id] = count
		m.mu.Unlock()
		return nil
	}
	delete(m.pending, id)
	m.mu.Unlock()

	return m.store.Delete(keyPrefix + id)
}

// Pending returns id's current reference count, or 0 if the run is gone.
func (m *Manager) Pending(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[id]
}

// Get resolves a dotted path within the run's data object.
func (s *Scope) Get(path string) (any, error) {
	return s.path.Get(s.rootKey + "." + path)
}

// Set writes value at the dotted path within the run's data object.
func (s *Scope) Set(path string, value any) error {
	return s.path.Set(s.rootKey+"."+path, value)
}

// Has reports whether path resolves to a value in the run's data object.
func (s *Scope) Has(path string) (bool, error) {
	return s.path.Has(s.rootKey + "." + path)
}

// Delete removes path from the run's data object.
func (s *Scope) Delete(path string) error {
	return s.path.Delete(s.rootKey + "." + path)
}

// Clear resets the run's entire data object to empty, preserving the root
// key itself (unlike Delete on the root, which would remove it).
func (s *Scope) Clear() error {
	return s.path.Set(s.rootKey, map[string]any{})
}
