// Package intern implements the canonicalization of immutable descriptors and the memoization of pure functions
// over them.
//
// A Table maps a canonical string key to a single shared pointer, so descriptors built from equal parts can be
// compared with ==, and used as map keys. Tables are process-wide and safe for concurrent use.
//
// A Memo caches the results of a pure function of interned (comparable) keys. It is not safe for concurrent use:
// each worker owns its own memos.
package intern

import (
	"sync"
)

// Table holds the canonical instances of values of type V, indexed by their canonical string key.
// Entries are never removed.
type Table[V any] struct {
	mu      sync.RWMutex
	entries map[string]*V
}

// NewTable creates an empty Table.
func NewTable[V any]() *Table[V] {
	return &Table[V]{entries: make(map[string]*V)}
}

// Intern returns the canonical instance for key. If there is none yet, build is called to create it.
//
// build is called at most once per key per Table, while holding the table's lock, so it must not use the same
// Table.
func (t *Table[V]) Intern(key string, build func() *V) *V {
	t.mu.RLock()
	v, found := t.entries[key]
	t.mu.RUnlock()
	if found {
		return v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if v, found = t.entries[key]; found {
		return v
	}
	v = build()
	t.entries[key] = v
	return v
}

// Lookup returns the canonical instance for key, if one was already interned.
func (t *Table[V]) Lookup(key string) (*V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, found := t.entries[key]
	return v, found
}

// Len returns the number of interned values.
func (t *Table[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

type memoEntry[V any] struct {
	value V
	err   error
}

// Memo caches the results (including errors) of a pure function fn(K) (V, error).
//
// The keys must be immutable, typically interned pointers or structs of them, so entries never need invalidation.
// Memo is not safe for concurrent use.
type Memo[K comparable, V any] struct {
	fn      func(K) (V, error)
	entries map[K]memoEntry[V]

	hits, misses int
}

// NewMemo creates a Memo for the pure function fn.
func NewMemo[K comparable, V any](fn func(K) (V, error)) *Memo[K, V] {
	return &Memo[K, V]{
		fn:      fn,
		entries: make(map[K]memoEntry[V]),
	}
}

// Get returns fn(key), calling fn only the first time the key is seen.
func (m *Memo[K, V]) Get(key K) (V, error) {
	if e, found := m.entries[key]; found {
		m.hits++
		return e.value, e.err
	}
	m.misses++
	v, err := m.fn(key)
	m.entries[key] = memoEntry[V]{value: v, err: err}
	return v, err
}

// Len returns the number of cached entries.
func (m *Memo[K, V]) Len() int {
	return len(m.entries)
}

// Stats returns the number of cache hits and misses so far.
func (m *Memo[K, V]) Stats() (hits, misses int) {
	return m.hits, m.misses
}
