// Package cache provides the TTL key/value cache used for recovery
// checkpoints and warm page payloads.
package cache

import (
	"sync"
	"time"
)

// Cache is the narrow cache port consumed by the pipeline.
type Cache interface {
	Put(key string, value []byte, ttl time.Duration)
	Get(key string) ([]byte, bool)
	Forget(key string)
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Memory implements Cache with in-process storage. Expired entries are
// dropped lazily on read and swept when the entry count grows.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry

	// now is replaceable for tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Put stores value under key. A non-positive ttl means no expiry.
func (m *Memory) Put(key string, value []byte, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) > 0 && len(m.entries)%1024 == 0 {
		m.sweepLocked()
	}
	m.entries[key] = entry{value: value, expiresAt: expiresAt}
}

// Get returns the value for key, or false if absent or expired.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Forget removes key.
func (m *Memory) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len returns the number of live entries (expired entries may be counted
// until swept).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) sweepLocked() {
	now := m.now()
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
