package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memo is a thread-safe, size-bounded memoization cache.
//
// It backs lookups that are pure but not free: ancestor-path resolution on
// scenario trees and repeated risk evaluations in the serving layer. Entries
// are evicted least-recently-used when the bound is hit; there is no TTL
// because memoized results never go stale (trees are topology-immutable and
// risk values are pure functions of the request).
type Memo[K comparable, V any] struct {
	cache  *lru.Cache[K, V]
	mu     sync.Mutex
	hits   uint64
	misses uint64
}

// NewMemo creates a memo bounded to size entries.
func NewMemo[K comparable, V any](size int) (*Memo[K, V], error) {
	c, err := lru.New[K, V](size)
	if err != nil {
		return nil, err
	}
	return &Memo[K, V]{cache: c}, nil
}

// Get retrieves a memoized value.
func (m *Memo[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(key)
	if ok {
		m.hits++
	} else {
		m.misses++
	}
	return v, ok
}

// Set stores a value, evicting the least recently used entry when full.
func (m *Memo[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Add(key, value)
}

// GetOrCompute returns the memoized value for key, computing and storing it
// on a miss. compute is called with the lock held so concurrent callers never
// compute the same key twice.
func (m *Memo[K, V]) GetOrCompute(key K, compute func() (V, error)) (V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.cache.Get(key); ok {
		m.hits++
		return v, nil
	}
	m.misses++

	v, err := compute()
	if err != nil {
		return v, err
	}
	m.cache.Add(key, v)
	return v, nil
}

// Stats returns hit/miss counters and the current entry count.
func (m *Memo[K, V]) Stats() (hits, misses uint64, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits, m.misses, m.cache.Len()
}

// Purge drops all entries and resets counters.
func (m *Memo[K, V]) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
	m.hits = 0
	m.misses = 0
}
