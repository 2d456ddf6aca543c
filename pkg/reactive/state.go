// Package reactive builds a mutable state proxy whose writes batch into a
// single notification per microtask boundary, and a watch() pipeline that
// turns those notifications into handler invocations under one of four
// concurrency strategies (spec §4.8). Go has no microtask queue; batching
// is approximated by deferring the flush to the next scheduler tick via
// runtime.Gosched, so that synchronous writes within one goroutine
// coalesce into a single snapshot the same way a JS microtask would.
package reactive

import (
	"encoding/json"
	"runtime"
	"sync"

	"github.com/relaysys/fabric/pkg/kv"
)

// State is a deep-clone-on-snapshot mutable proxy over a JSON-shaped
// object. Writes schedule a notification; listeners observe deep clones
// taken at the microtask boundary, never the live value.
type State struct {
	mu        sync.Mutex
	value     map[string]any
	prev      map[string]any
	scheduled bool
	listeners []func(next, prev map[string]any)
}

// NewState returns a State seeded with a deep clone of initial.
func NewState(initial map[string]any) *State {
	clone := deepClone(initial)
	return &State{value: clone, prev: deepClone(clone)}
}

// Get resolves a dotted path against the live (unsnapshotted) value.
func (s *State) Get(path string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kv.NewPath(singleValueStore{&s.value}).Get("root." + path)
}

// Set writes value at the dotted path and schedules a notification.
func (s *State) Set(path string, value any) error {
	s.mu.Lock()
	store := singleValueStore{&s.value}
	err := kv.NewPath(store).Set("root."+path, value)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	needsSchedule := !s.scheduled
	if needsSchedule {
		s.scheduled = true
	}
	s.mu.Unlock()

	if needsSchedule {
		go func() {
			runtime.Gosched()
			s.flush()
		}()
	}
	return nil
}

// Snapshot returns a deep clone of the current live value, bypassing
// batching -- used to seed a new watcher.
func (s *State) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepClone(s.value)
}

// Subscribe registers fn to receive (next, prev) deep clones on every
// flush. It returns an unsubscribe function.
func (s *State) Subscribe(fn func(next, prev map[string]any)) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	idx := len(s.listeners) - 1
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners) {
			s.listeners[idx] = nil
		}
	}
}

func (s *State) flush() {
	s.mu.Lock()
	if !s.scheduled {
		s.mu.Unlock()
		return
	}
	next := deepClone(s.value)
	prev := s.prev
	s.prev = next
	s.scheduled = false
	listeners := make([]func(next, prev map[string]any), 0, len(s.listeners))
	for _, l := range s.listeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(next, prev)
	}
}

func deepClone(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// singleValueStore adapts an in-memory map[string]any pointer to kv.Store,
// so the dotted-path facade's traversal logic can be reused against a
// State's live value under a fixed synthetic root key "root".
type singleValueStore struct {
	value *map[string]any
}

func (s singleValueStore) Get(key string, out any) error {
	data, err := json.Marshal(*s.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s singleValueStore) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*s.value = decoded
	return nil
}

func (s singleValueStore) Delete(key string) error {
	*s.value = map[string]any{}
	return nil
}

func (s singleValueStore) Has(key string) (bool, error) {
	return *s.value != nil, nil
}

func (s singleValueStore) Close() error { return nil }
