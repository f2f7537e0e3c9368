package kv

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// Ensure Memory implements Store
var _ Store = (*Memory)(nil)

// Memory is an in-process Store used by tests and standalone mode. It
// honors TTLs lazily on read, matches glob patterns with path.Match
// semantics and provides the same atomic counter behavior as the Redis
// implementation.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	sets    map[string]map[string]struct{}

	// now is replaceable in tests for deterministic expiry.
	now func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		sets:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func (m *Memory) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}

// Get returns the value for key, treating expired entries as absent.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.expired(e) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set writes the value with the given TTL.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = m.entryFor(value, ttl)
	return nil
}

func (m *Memory) entryFor(value []byte, ttl time.Duration) memoryEntry {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	return e
}

// MGet returns one value per key, nil for absent keys.
func (m *Memory) MGet(_ context.Context, keys []string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if e, ok := m.entries[k]; ok && !m.expired(e) {
			out[i] = e.value
		}
	}
	return out, nil
}

// MSet writes all entries with a shared TTL.
func (m *Memory) MSet(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.entries[k] = m.entryFor(v, ttl)
	}
	return nil
}

// Delete removes the given keys, whether they hold values or sets.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
		delete(m.sets, k)
	}
	return nil
}

// DeletePattern removes every key matching the glob pattern.
func (m *Memory) DeletePattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k := range m.entries {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}

// IncrBy atomically adds n to the counter at key, applying ttl when the
// increment creates the key.
func (m *Memory) IncrBy(_ context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	e, ok := m.entries[key]
	if ok && !m.expired(e) {
		current, _ = strconv.ParseInt(string(e.value), 10, 64)
	} else {
		ok = false
	}
	current += n

	next := memoryEntry{value: []byte(strconv.FormatInt(current, 10))}
	if ok {
		next.expiresAt = e.expiresAt
	} else if ttl > 0 {
		next.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = next
	return current, nil
}

// TTL returns the remaining lifetime of key.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || m.expired(e) || e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

// SAdd adds members to the set at key.
func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

// SMembers returns all members of the set at key.
func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out, nil
}

// Ping always succeeds for the in-process store.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op for the in-process store.
func (m *Memory) Close() error { return nil }
