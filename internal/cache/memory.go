package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	counter   int64
	isCounter bool
	zset      map[string]int64 // member -> score (unix nanos)
	expiresAt time.Time        // zero = never
}

// MemoryStore is a process-local Store. It is used for single-instance
// deployments and as the fast stand-in in tests. Expiry is evaluated lazily
// against the injected clock.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]*memEntry
	clock func() time.Time
}

// NewMemoryStore returns an empty MemoryStore. A nil clock uses time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{data: make(map[string]*memEntry), clock: clock}
}

// live returns the entry for key if present and unexpired. Caller holds mu.
func (m *MemoryStore) live(key string) *memEntry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.clock().Before(e.expiresAt) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.isCounter || e.zset != nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = &memEntry{value: v, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return false, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = &memEntry{value: v, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(m.clock()), nil
}

func (m *MemoryStore) incr(key string, delta int64, ttl time.Duration, rolling bool) int64 {
	e := m.live(key)
	if e == nil || !e.isCounter {
		e = &memEntry{isCounter: true, expiresAt: m.expiry(ttl)}
		m.data[key] = e
	} else if rolling {
		e.expiresAt = m.expiry(ttl)
	}
	e.counter += delta
	return e.counter
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incr(key, 1, ttl, false), nil
}

func (m *MemoryStore) IncrRolling(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incr(key, 1, ttl, true), nil
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incr(key, delta, 0, false), nil
}

func (m *MemoryStore) SlidingWindow(_ context.Context, key string, now time.Time, window time.Duration, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.zset == nil {
		e = &memEntry{zset: make(map[string]int64)}
		m.data[key] = e
	}
	cutoff := now.Add(-window).UnixNano()
	for mem, score := range e.zset {
		if score < cutoff {
			delete(e.zset, mem)
		}
	}
	count := int64(len(e.zset))
	e.zset[member] = now.UnixNano()
	e.expiresAt = m.expiry(window)
	return count, nil
}

func (m *MemoryStore) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) && m.live(k) != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Prune removes every expired entry.
func (m *MemoryStore) Prune(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.data)
	for k := range m.data {
		m.live(k)
	}
	return before - len(m.data), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error                { return nil }
