package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/developingchet/reqshield/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// GuardConfig bounds every backing-store call.
type GuardConfig struct {
	// OpTimeout caps a single round trip. Components apply their own
	// fail-open/fail-closed policy when it elapses.
	OpTimeout time.Duration
	// MaxFailures is the number of consecutive unavailable errors that opens
	// the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// Guarded wraps a Store with a per-operation timeout and a circuit breaker.
// While the breaker is open every call fails immediately with ErrUnavailable,
// so an outage costs no latency on the request path. The outage is logged once
// on each state transition rather than on every request.
type Guarded struct {
	inner   Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewGuarded wraps inner.
func NewGuarded(inner Store, cfg GuardConfig, log zerolog.Logger) *Guarded {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 150 * time.Millisecond
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	log = log.With().Str("component", "cache").Logger()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "shared-cache",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			metrics.CacheBreakerState.Set(float64(to))
			switch to {
			case gobreaker.StateOpen:
				log.Error().Str("from", from.String()).
					Msg("shared cache unavailable; components falling back to their failure policy")
			case gobreaker.StateClosed:
				log.Info().Str("from", from.String()).Msg("shared cache recovered")
			default:
				log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("shared cache breaker probing")
			}
		},
	})
	return &Guarded{inner: inner, cb: cb, timeout: cfg.OpTimeout}
}

// Unwrap returns the wrapped backend.
func (g *Guarded) Unwrap() Store { return g.inner }

// State returns the breaker state name: "closed", "half-open" or "open".
func (g *Guarded) State() string { return g.cb.State().String() }

func guard[T any](g *Guarded, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	res, err := g.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		v, err := fn(ctx)
		if err != nil && !errors.Is(err, ErrUnavailable) &&
			(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			err = fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
		}
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CacheErrors.WithLabelValues(op, "breaker_open").Inc()
		return zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			metrics.CacheErrors.WithLabelValues(op, "unavailable").Inc()
		}
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

func (g *Guarded) Get(ctx context.Context, key string) ([]byte, error) {
	return guard(g, ctx, "get", func(ctx context.Context) ([]byte, error) {
		return g.inner.Get(ctx, key)
	})
}

func (g *Guarded) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := guard(g, ctx, "set", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Set(ctx, key, value, ttl)
	})
	return err
}

func (g *Guarded) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return guard(g, ctx, "setnx", func(ctx context.Context) (bool, error) {
		return g.inner.SetNX(ctx, key, value, ttl)
	})
}

func (g *Guarded) Delete(ctx context.Context, keys ...string) error {
	_, err := guard(g, ctx, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Delete(ctx, keys...)
	})
	return err
}

func (g *Guarded) TTL(ctx context.Context, key string) (time.Duration, error) {
	return guard(g, ctx, "ttl", func(ctx context.Context) (time.Duration, error) {
		return g.inner.TTL(ctx, key)
	})
}

func (g *Guarded) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return guard(g, ctx, "incr", func(ctx context.Context) (int64, error) {
		return g.inner.Incr(ctx, key, ttl)
	})
}

func (g *Guarded) IncrRolling(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return guard(g, ctx, "incr_rolling", func(ctx context.Context) (int64, error) {
		return g.inner.IncrRolling(ctx, key, ttl)
	})
}

func (g *Guarded) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return guard(g, ctx, "incrby", func(ctx context.Context) (int64, error) {
		return g.inner.IncrBy(ctx, key, delta)
	})
}

func (g *Guarded) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, error) {
	return guard(g, ctx, "sliding_window", func(ctx context.Context) (int64, error) {
		return g.inner.SlidingWindow(ctx, key, now, window, member)
	})
}

func (g *Guarded) Scan(ctx context.Context, prefix string) ([]string, error) {
	return guard(g, ctx, "scan", func(ctx context.Context) ([]string, error) {
		return g.inner.Scan(ctx, prefix)
	})
}

// Ping bypasses the breaker so health probes always reach the backend.
func (g *Guarded) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.inner.Ping(ctx)
}

// Prune forwards to the backend when it needs explicit expiry.
func (g *Guarded) Prune(ctx context.Context) (int, error) {
	p, ok := g.inner.(Pruner)
	if !ok {
		return 0, nil
	}
	return p.Prune(ctx)
}

func (g *Guarded) Close() error { return g.inner.Close() }
