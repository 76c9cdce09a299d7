package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/reqshield/internal/cache"
	"github.com/developingchet/reqshield/internal/metrics"
)

// Shared gauges feeding the load factor. Active connections are maintained by
// the HTTP middleware; the CPU gauge is published by an external collector as
// a decimal percentage.
const (
	KeyActiveConnections = "load:active_connections"
	KeyCPUPercent        = "load:cpu_percent"
)

const (
	minLoadFactor = 0.5
	maxLoadFactor = 2.0
)

type loadSampler struct {
	store      cache.Store
	targetConn int64
	targetCPU  float64
	interval   time.Duration
	clock      func() time.Time

	mu       sync.Mutex
	cached   float64
	sampleAt time.Time
}

func newLoadSampler(store cache.Store, targetConn int64, targetCPU float64, interval time.Duration, clock func() time.Time) *loadSampler {
	return &loadSampler{
		store:      store,
		targetConn: targetConn,
		targetCPU:  targetCPU,
		interval:   interval,
		clock:      clock,
		cached:     1,
	}
}

// scale divides base by the load factor, never going below 1.
func (s *loadSampler) scale(ctx context.Context, base int64) int64 {
	f := s.factor(ctx)
	return max(1, int64(math.Floor(float64(base)/f)))
}

func (s *loadSampler) factor(ctx context.Context) float64 {
	now := s.clock()
	s.mu.Lock()
	if !s.sampleAt.IsZero() && now.Sub(s.sampleAt) < s.interval {
		f := s.cached
		s.mu.Unlock()
		return f
	}
	s.mu.Unlock()

	f, ok := s.sample(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.cached = f
		metrics.RateLimitLoadFactor.Set(f)
	}
	// A failed sample keeps the previous factor until the next interval.
	s.sampleAt = now
	return s.cached
}

// sample reads both gauges. Missing gauges count as idle.
func (s *loadSampler) sample(ctx context.Context) (float64, bool) {
	if s.targetConn <= 0 && s.targetCPU <= 0 {
		return 1, true
	}
	var f float64
	if s.targetConn > 0 {
		n, err := s.store.IncrBy(ctx, KeyActiveConnections, 0)
		if err != nil {
			return 0, false
		}
		f = math.Max(f, float64(n)/float64(s.targetConn))
	}
	if s.targetCPU > 0 {
		raw, err := s.store.Get(ctx, KeyCPUPercent)
		switch {
		case err == nil:
			if cpu, perr := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); perr == nil {
				f = math.Max(f, cpu/s.targetCPU)
			}
		case errors.Is(err, cache.ErrNotFound):
		default:
			return 0, false
		}
	}
	return clamp(f, minLoadFactor, maxLoadFactor), true
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
