// Package feed turns CrowdSec LAPI decisions into IP reputation blocks.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/developingchet/reqshield/internal/capabilities"
	"github.com/developingchet/reqshield/internal/decision"
	"github.com/developingchet/reqshield/internal/metrics"
	"github.com/developingchet/reqshield/internal/pool"
	"github.com/developingchet/reqshield/internal/reputation"
	"github.com/rs/zerolog"
)

// Blocklist is the subset of the IP reputation store the feed writes to.
type Blocklist interface {
	IsBlocked(ctx context.Context, ip string) (bool, *reputation.BlockEntry)
	Block(ctx context.Context, ip, reason string, d time.Duration, source string) error
	Unblock(ctx context.Context, ip string) error
}

// Config holds the LAPI connection and worker pool settings.
type Config struct {
	LAPIURL      string
	LAPIKey      string
	VerifyTLS    bool
	PollInterval time.Duration
	Version      string
	Pool         pool.Config
}

// Feed streams decisions, filters them and applies survivors through a
// retrying worker pool.
type Feed struct {
	filter    *decision.Filter
	blocklist Blocklist
	pool      *pool.Pool
	stream    *csbouncer.StreamBouncer
	log       zerolog.Logger
}

// New wires a Feed. The stream is not contacted until Run.
func New(cfg Config, filter *decision.Filter, blocklist Blocklist, log zerolog.Logger) (*Feed, error) {
	f := &Feed{
		filter:    filter,
		blocklist: blocklist,
		log:       log.With().Str("component", "feed").Logger(),
	}
	p, err := pool.New(cfg.Pool, f.apply, log)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	f.pool = p

	skipVerify := !cfg.VerifyTLS
	f.stream = &csbouncer.StreamBouncer{
		APIKey:              cfg.LAPIKey,
		APIUrl:              cfg.LAPIURL,
		TickerInterval:      cfg.PollInterval.String(),
		InsecureSkipVerify:  &skipVerify,
		UserAgent:           capabilities.UserAgent(cfg.Version),
		RetryInitialConnect: true,
	}
	return f, nil
}

// Depth returns the number of queued jobs.
func (f *Feed) Depth() int { return f.pool.Depth() }

// Run connects to the LAPI and processes the stream until ctx is cancelled.
// Queued jobs are drained before it returns.
func (f *Feed) Run(ctx context.Context) error {
	if err := f.stream.Init(); err != nil {
		return fmt.Errorf("init CrowdSec stream: %w", err)
	}
	f.pool.Start(ctx)
	defer f.pool.Stop()

	go f.stream.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case resp, ok := <-f.stream.Stream:
			if !ok {
				return errors.New("CrowdSec stream closed")
			}
			f.Handle(resp)
		}
	}
}

// Handle filters one stream response and enqueues the resulting jobs. New
// decisions become blocks, deleted ones unblocks.
func (f *Feed) Handle(resp *models.DecisionsStreamResponse) {
	if resp == nil {
		return
	}
	for _, d := range resp.New {
		v, ok := f.filter.Apply(d)
		if !ok || v.Action != "ban" {
			continue
		}
		f.enqueue(pool.SyncJob{
			Action:          pool.ActionBlock,
			IP:              v.IP,
			Duration:        v.Duration,
			Reason:          reasonFor(v),
			Origin:          v.Origin,
			RemediationType: v.Action,
		})
	}
	for _, d := range resp.Deleted {
		v, ok := f.filter.Apply(d)
		if !ok {
			continue
		}
		f.enqueue(pool.SyncJob{
			Action:          pool.ActionUnblock,
			IP:              v.IP,
			Origin:          v.Origin,
			RemediationType: v.Action,
		})
	}
}

func (f *Feed) enqueue(job pool.SyncJob) {
	metrics.FeedDecisions.WithLabelValues(job.Action, job.Origin).Inc()
	f.pool.Enqueue(job)
}

// apply is the pool's job handler. Unblocks only remove entries the feed
// wrote, so a CrowdSec deletion never lifts a local WAF or manual block.
func (f *Feed) apply(ctx context.Context, job pool.SyncJob) error {
	switch job.Action {
	case pool.ActionBlock:
		err := f.blocklist.Block(ctx, job.IP, job.Reason, job.Duration, Source(job.Origin))
		if errors.Is(err, reputation.ErrAllowlisted) {
			return pool.Permanent(err)
		}
		if err != nil {
			return fmt.Errorf("block %s: %w", job.IP, err)
		}
		f.log.Info().Str("ip", job.IP).Str("origin", job.Origin).Dur("duration", job.Duration).Msg("crowdsec block applied")
	case pool.ActionUnblock:
		blocked, entry := f.blocklist.IsBlocked(ctx, job.IP)
		if !blocked {
			metrics.JobsDropped.WithLabelValues("not_found").Inc()
			return nil
		}
		if !strings.HasPrefix(entry.Source, reputation.SourceCrowdSec) {
			metrics.JobsDropped.WithLabelValues("not_owned").Inc()
			f.log.Debug().Str("ip", job.IP).Str("source", entry.Source).Msg("skipping unblock of locally blocked ip")
			return nil
		}
		if err := f.blocklist.Unblock(ctx, job.IP); err != nil {
			return fmt.Errorf("unblock %s: %w", job.IP, err)
		}
		f.log.Info().Str("ip", job.IP).Str("origin", job.Origin).Msg("crowdsec block lifted")
	default:
		return pool.Permanent(fmt.Errorf("unknown job action %q", job.Action))
	}
	return nil
}

// Source is the block source recorded for a decision origin.
func Source(origin string) string {
	if origin == "" {
		return reputation.SourceCrowdSec
	}
	return reputation.SourceCrowdSec + ":" + origin
}

func reasonFor(v decision.Verdict) string {
	if v.Scenario == "" {
		return "crowdsec decision"
	}
	return "crowdsec: " + v.Scenario
}
