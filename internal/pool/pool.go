// Package pool runs feed jobs on a fixed set of workers with bounded,
// exponentially backed-off retries.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/developingchet/reqshield/internal/errs"
	"github.com/developingchet/reqshield/internal/metrics"
	"github.com/rs/zerolog"
)

// Job actions.
const (
	ActionBlock   = "block"
	ActionUnblock = "unblock"
)

const maxBackoff = 5 * time.Minute

// SyncJob applies one external decision to the blocklist.
type SyncJob struct {
	Action   string
	IP       string
	Duration time.Duration
	Reason   string
	// Origin is the decision origin, e.g. "CAPI" or "cscli".
	Origin string
	// RemediationType is the decision type as reported back to the LAPI.
	RemediationType string
}

// JobHandler processes one job. A returned error is retried unless it is
// marked with Permanent.
type JobHandler func(ctx context.Context, job SyncJob) error

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// Config holds worker pool configuration.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

// Pool is a bounded job queue drained by Workers goroutines.
type Pool struct {
	cfg      Config
	jobs     chan SyncJob
	handler  JobHandler
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New validates cfg and returns a Pool.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, errs.Config("pool", "POOL_WORKERS", fmt.Sprintf("must be 1-64, got %d", cfg.Workers))
	}
	if cfg.MaxRetries < 0 {
		return nil, errs.Config("pool", "POOL_MAX_RETRIES", "must not be negative")
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 4096
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Pool{
		cfg:     cfg,
		jobs:    make(chan SyncJob, cfg.QueueDepth),
		handler: handler,
		log:     log.With().Str("component", "pool").Logger(),
	}, nil
}

// Start launches the workers. ctx bounds their lifetime.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue adds job without blocking. It reports false when the queue is full
// and the job was dropped.
func (p *Pool) Enqueue(job SyncJob) bool {
	select {
	case p.jobs <- job:
		metrics.JobsEnqueued.WithLabelValues(job.Action).Inc()
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		return true
	default:
		metrics.JobsDropped.WithLabelValues("queue_full").Inc()
		p.log.Warn().Str("ip", job.IP).Str("action", job.Action).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes the queue and waits for the workers to finish. Further calls
// are no-ops; Enqueue must not be called afterwards.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

// Depth returns the number of queued jobs.
func (p *Pool) Depth() int { return len(p.jobs) }

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
			p.process(ctx, job, log)
		}
	}
}

// process runs the handler, retrying in place. Jobs are never re-enqueued, so
// a closed queue is never written to.
func (p *Pool) process(ctx context.Context, job SyncJob, log zerolog.Logger) {
	var err error
	for attempt := 0; ; attempt++ {
		if err = p.handler(ctx, job); err == nil {
			metrics.JobsProcessed.WithLabelValues(job.Action, "success").Inc()
			return
		}
		var perm permanentError
		if errors.As(err, &perm) {
			metrics.JobsProcessed.WithLabelValues(job.Action, "rejected").Inc()
			log.Warn().Err(err).Str("ip", job.IP).Str("action", job.Action).Msg("job rejected")
			return
		}
		if attempt >= p.cfg.MaxRetries {
			break
		}
		metrics.JobsProcessed.WithLabelValues(job.Action, "retried").Inc()
		wait := p.backoff(attempt)
		log.Debug().Err(err).Str("ip", job.IP).Int("attempt", attempt+1).Dur("backoff", wait).Msg("retrying job")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
			return
		case <-t.C:
		}
	}
	metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
	log.Error().Err(err).Str("ip", job.IP).Str("action", job.Action).
		Int("max_retries", p.cfg.MaxRetries).Msg("job failed: retries exhausted")
}

// backoff returns RetryBase * 2^n, capped.
func (p *Pool) backoff(n int) time.Duration {
	d := p.cfg.RetryBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
