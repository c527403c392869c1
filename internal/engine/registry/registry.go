// Package registry implements the module map: a per-settings-object cache
// of module fetches keyed by (URL, module type).
package registry

import (
	"fmt"
	"sync"

	"modgraph/internal/core/errors"
	"modgraph/internal/shared/observability"
)

type State uint8

const (
	Fetching State = iota
	Failed
	Loaded
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Failed:
		return "failed"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Key identifies a module map entry.
type Key struct {
	URL  string
	Type string
}

func (k Key) String() string {
	return k.URL + " (" + k.Type + ")"
}

type Entry[V any] struct {
	State State
	Value V
}

func (e Entry[V]) Terminal() bool {
	return e.State == Failed || e.State == Loaded
}

// ModuleMap is safe for use from multiple goroutines, although the loader only
// mutates it from loop tasks.
//
// Once an entry is Loaded or Failed it never changes again. Waiters registered
// for a key are notified exactly once, in registration order, by the next Set
// of that key.
type ModuleMap[V any] struct {
	mu      sync.Mutex
	entries map[Key]Entry[V]
	order   []Key
	waiters map[Key][]func(Entry[V])
}

func New[V any]() *ModuleMap[V] {
	return &ModuleMap[V]{
		entries: make(map[Key]Entry[V]),
		waiters: make(map[Key][]func(Entry[V])),
	}
}

func (m *ModuleMap[V]) Get(key Key) (Entry[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

// Set stores entry under key and synchronously runs every waiter registered
// for key with the new entry. Overwriting a terminal entry is rejected.
func (m *ModuleMap[V]) Set(key Key, entry Entry[V]) error {
	m.mu.Lock()
	prev, existed := m.entries[key]
	if existed && prev.Terminal() {
		m.mu.Unlock()
		return errors.AddContext(
			errors.Newf(errors.CodeConflict, "module map entry is already %s", prev.State),
			errors.CtxURL, key.URL,
		)
	}
	if !existed {
		m.order = append(m.order, key)
	} else {
		observability.RegistryEntries.WithLabelValues(prev.State.String()).Dec()
	}
	m.entries[key] = entry
	observability.RegistryEntries.WithLabelValues(entry.State.String()).Inc()

	waiters := m.waiters[key]
	delete(m.waiters, key)
	m.mu.Unlock()

	observability.RegistryWaiters.Sub(float64(len(waiters)))
	for _, w := range waiters {
		w(entry)
	}
	return nil
}

func (m *ModuleMap[V]) IsFetching(key Key) bool {
	return m.is(key, Fetching)
}

func (m *ModuleMap[V]) IsFailed(key Key) bool {
	return m.is(key, Failed)
}

func (m *ModuleMap[V]) is(key Key, state State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && e.State == state
}

// WaitForChange registers a one-shot callback for the next Set of key. The key
// does not need to exist yet. Cancellation is the caller's concern: a callback
// that must not resume its continuation should check its own liveness flag.
func (m *ModuleMap[V]) WaitForChange(key Key, fn func(Entry[V])) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.waiters[key] = append(m.waiters[key], fn)
	m.mu.Unlock()
	observability.RegistryWaiters.Inc()
}

// Waiting reports how many callbacks are registered for key.
func (m *ModuleMap[V]) Waiting(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters[key])
}

func (m *ModuleMap[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Keys returns keys in insertion order.
func (m *ModuleMap[V]) Keys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Key(nil), m.order...)
}

// Counts tallies entries by state.
func (m *ModuleMap[V]) Counts() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[State]int, 3)
	for _, e := range m.entries {
		out[e.State]++
	}
	return out
}
