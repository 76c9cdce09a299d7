package server

import (
	"context"
	"time"

	"github.com/developingchet/reqshield/internal/cache"
	"github.com/developingchet/reqshield/internal/metrics"
	"github.com/developingchet/reqshield/internal/waf"
	"github.com/rs/zerolog"
)

// IncidentPruner evicts firewall incidents past retention.
type IncidentPruner interface {
	PruneIncidents(now time.Time) int
	Stats(ctx context.Context) waf.Stats
}

// LocalPruner evicts expired local-tier blocklist entries.
type LocalPruner interface {
	PruneLocal(now time.Time) int
	Count(ctx context.Context) (int, error)
}

// Janitor performs periodic housekeeping: pruning expired state, updating gauges.
type Janitor struct {
	Incidents IncidentPruner
	Blocks    LocalPruner
	// Backend is the store when it needs explicit expiry sweeps.
	Backend cache.Pruner
	// SizeBytes reports the on-disk size of an embedded backend.
	SizeBytes  func() (int64, error)
	QueueDepth func() int
	Interval   time.Duration
	Clock      func() time.Time
	Log        zerolog.Logger
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) now() time.Time {
	if j.Clock != nil {
		return j.Clock()
	}
	return time.Now()
}

func (j *Janitor) tick(ctx context.Context) {
	now := j.now()

	if j.Incidents != nil {
		if n := j.Incidents.PruneIncidents(now); n > 0 {
			j.Log.Info().Int("count", n).Msg("janitor: pruned expired incidents")
		}
		s := j.Incidents.Stats(ctx)
		metrics.WAFRules.WithLabelValues("total").Set(float64(s.TotalRules))
		metrics.WAFRules.WithLabelValues("enabled").Set(float64(s.EnabledRules))
	}

	if j.Blocks != nil {
		if n := j.Blocks.PruneLocal(now); n > 0 {
			j.Log.Debug().Int("count", n).Msg("janitor: pruned local blocklist entries")
		}
		if n, err := j.Blocks.Count(ctx); err != nil {
			j.Log.Debug().Err(err).Msg("janitor: blocked ip count unavailable")
		} else {
			metrics.BlockedIPs.Set(float64(n))
		}
	}

	if j.Backend != nil {
		pruned, err := j.Backend.Prune(ctx)
		if err != nil {
			j.Log.Warn().Err(err).Msg("janitor: prune expired cache entries failed")
		} else if pruned > 0 {
			j.Log.Info().Int("count", pruned).Msg("janitor: pruned expired cache entries")
		}
	}

	if j.SizeBytes != nil {
		size, err := j.SizeBytes()
		if err != nil {
			j.Log.Warn().Err(err).Msg("janitor: read db size failed")
		} else {
			metrics.DBSizeBytes.Set(float64(size))
		}
	}

	if j.QueueDepth != nil {
		metrics.WorkerQueueDepth.Set(float64(j.QueueDepth()))
	}

	j.Log.Debug().Msg("janitor: tick complete")
}
