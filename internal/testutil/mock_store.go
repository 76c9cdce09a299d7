package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/developingchet/reqshield/internal/cache"
)

// Clock is a manually advanced clock for deterministic window tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// MockStore implements cache.Store on top of an in-memory backend with
// per-method error injection and an outage switch. All methods are safe for
// concurrent use.
type MockStore struct {
	inner *cache.MemoryStore

	mu sync.Mutex
	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	down   bool
	calls  map[string]int
}

// NewMockStore returns an empty MockStore. A nil clock uses time.Now.
func NewMockStore(clock *Clock) *MockStore {
	var now func() time.Time
	if clock != nil {
		now = clock.Now
	}
	return &MockStore{
		inner:  cache.NewMemoryStore(now),
		errors: make(map[string]error),
		calls:  make(map[string]int),
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetDown makes every call fail with cache.ErrUnavailable until cleared.
func (m *MockStore) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Calls returns how many times method was invoked.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockStore) enter(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	if m.down {
		return fmt.Errorf("%w: mock outage", cache.ErrUnavailable)
	}
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.enter("Get"); err != nil {
		return nil, err
	}
	return m.inner.Get(ctx, key)
}

func (m *MockStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.enter("Set"); err != nil {
		return err
	}
	return m.inner.Set(ctx, key, value, ttl)
}

func (m *MockStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := m.enter("SetNX"); err != nil {
		return false, err
	}
	return m.inner.SetNX(ctx, key, value, ttl)
}

func (m *MockStore) Delete(ctx context.Context, keys ...string) error {
	if err := m.enter("Delete"); err != nil {
		return err
	}
	return m.inner.Delete(ctx, keys...)
}

func (m *MockStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := m.enter("TTL"); err != nil {
		return 0, err
	}
	return m.inner.TTL(ctx, key)
}

func (m *MockStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := m.enter("Incr"); err != nil {
		return 0, err
	}
	return m.inner.Incr(ctx, key, ttl)
}

func (m *MockStore) IncrRolling(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := m.enter("IncrRolling"); err != nil {
		return 0, err
	}
	return m.inner.IncrRolling(ctx, key, ttl)
}

func (m *MockStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if err := m.enter("IncrBy"); err != nil {
		return 0, err
	}
	return m.inner.IncrBy(ctx, key, delta)
}

func (m *MockStore) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, error) {
	if err := m.enter("SlidingWindow"); err != nil {
		return 0, err
	}
	return m.inner.SlidingWindow(ctx, key, now, window, member)
}

func (m *MockStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	if err := m.enter("Scan"); err != nil {
		return nil, err
	}
	return m.inner.Scan(ctx, prefix)
}

func (m *MockStore) Ping(ctx context.Context) error {
	if err := m.enter("Ping"); err != nil {
		return err
	}
	return m.inner.Ping(ctx)
}

func (m *MockStore) Prune(ctx context.Context) (int, error) {
	if err := m.enter("Prune"); err != nil {
		return 0, err
	}
	return m.inner.Prune(ctx)
}

func (m *MockStore) Close() error {
	return nil
}

var (
	_ cache.Store  = (*MockStore)(nil)
	_ cache.Pruner = (*MockStore)(nil)
)
