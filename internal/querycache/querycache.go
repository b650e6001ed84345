// Package querycache holds the short-lived query results the UI data layer
// keeps per session. The invalidation coordinator only needs Handle.
package querycache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Handle is the invalidation surface of an in-memory query cache.
type Handle interface {
	// InvalidateQueries drops every query whose key starts with prefix.
	InvalidateQueries(ctx context.Context, prefix []string) error
	// Clear drops every query.
	Clear(ctx context.Context) error
}

type entry struct {
	key       []string
	value     any
	expiresAt time.Time
}

// Memory is a goroutine-safe Handle keyed by query key segments, with lazy
// expiration.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewMemory creates an empty query cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Get returns the cached result of key.
func (m *Memory) Get(key ...string) (any, bool) {
	id := joinKey(key)

	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, id)
		m.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. A non-positive ttl keeps it until invalidated.
func (m *Memory) Set(value any, ttl time.Duration, key ...string) {
	e := &entry{key: append([]string(nil), key...), value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[joinKey(key)] = e
	m.mu.Unlock()
}

// Len reports how many queries are cached, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// InvalidateQueries implements Handle.
func (m *Memory) InvalidateQueries(ctx context.Context, prefix []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if hasPrefix(e.key, prefix) {
			delete(m.entries, id)
		}
	}
	return nil
}

// Clear implements Handle.
func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.mu.Unlock()
	return nil
}

func hasPrefix(key, prefix []string) bool {
	if len(prefix) > len(key) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

func joinKey(key []string) string {
	return strings.Join(key, "\x1f")
}
