package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or has expired.
	ErrNotFound = errors.New("cache: key not found")

	// ErrUnavailable wraps every failure to reach the backing store: transport
	// errors, per-operation timeouts and circuit-breaker rejections.
	ErrUnavailable = errors.New("cache: backing store unavailable")
)

// Store is the shared key-value store used for counters, blocklists and secrets.
// Every implementation must make each method atomic with respect to concurrent
// callers on the same key.
type Store interface {
	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value with the given TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key does not exist. Reports whether it was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// TTL returns the remaining lifetime of key, or ErrNotFound.
	// A key without expiry reports a negative duration.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr atomically increments key and applies ttl only when the increment
	// created the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrRolling atomically increments key and refreshes ttl on every call.
	IncrRolling(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrBy adds delta to a gauge with no expiry.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// SlidingWindow runs, as one atomic multi-op: drop members scored before
	// now-window, count the remainder, add member at score now and refresh the
	// key TTL to window. It returns the count taken before the add.
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, error)

	// Scan returns every live key starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Pruner is implemented by backends without native key expiry. The janitor
// calls Prune periodically to reclaim expired records.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// Backend names accepted by CACHE_BACKEND.
const (
	BackendRedis  = "redis"
	BackendBbolt  = "bbolt"
	BackendMemory = "memory"
)
