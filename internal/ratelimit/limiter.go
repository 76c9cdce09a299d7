// Package ratelimit implements fixed-window and sliding-window request
// limiting on top of the shared cache, with tier-aware ceilings and load
// scaling.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/developingchet/reqshield/internal/cache"
	"github.com/developingchet/reqshield/internal/decision"
	"github.com/developingchet/reqshield/internal/errs"
	"github.com/developingchet/reqshield/internal/metrics"
	"github.com/developingchet/reqshield/internal/request"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Mode selects the counting algorithm.
type Mode string

const (
	ModeFixed   Mode = "fixed"
	ModeSliding Mode = "sliding"
)

// Config describes one limiter window.
type Config struct {
	ID     string
	Mode   Mode
	Window time.Duration
	// Max is the flat ceiling. Tiered configs ignore it in favour of the
	// tier table.
	Max int64
	// Tiered resolves the ceiling from the principal's tier, or the anonymous
	// row for unauthenticated requests.
	Tiered bool
	// Adaptive scales the ceiling by the current load factor. Fixed mode only.
	Adaptive bool
}

func (c Config) validate() error {
	if c.ID == "" {
		return errs.Config("ratelimit", "id", "must not be empty")
	}
	if c.Window <= 0 {
		return errs.Config("ratelimit", c.ID+".window", "must be positive")
	}
	if c.Mode != ModeFixed && c.Mode != ModeSliding {
		return errs.Config("ratelimit", c.ID+".mode", fmt.Sprintf("unknown mode %q", c.Mode))
	}
	if !c.Tiered && c.Max <= 0 {
		return errs.Config("ratelimit", c.ID+".max", "must be positive")
	}
	return nil
}

// Result is the outcome of one check.
type Result struct {
	Allowed   bool
	LimiterID string
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// Count is the number of events seen in the window including this one.
	Count    int64
	Bypassed bool
	// FailOpen is set when the shared cache could not be reached and the
	// request was allowed without counting.
	FailOpen bool
}

// RetryAfter returns how long the client should wait before retrying.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Blocker writes IP block entries. Satisfied by the IP reputation store.
type Blocker interface {
	Block(ctx context.Context, ip, reason string, d time.Duration, source string) error
}

// Bypass lists identities that skip every check.
type Bypass struct {
	PrincipalIDs []string
	Roles        []string
	IPs          decision.NetList
}

// Options configure a Limiter.
type Options struct {
	Tiers     TierTable
	Anonymous TierLimits
	Bypass    Bypass

	// TargetConnections and TargetCPU define load factor 1.0. Zero disables
	// the respective signal.
	TargetConnections int64
	TargetCPU         float64
	// LoadSampleInterval caches the load factor between samples.
	LoadSampleInterval time.Duration

	// AbuseMultiplier blocks the source IP once a fixed-window count reaches
	// AbuseMultiplier times the limit. Zero disables the abuse path.
	AbuseMultiplier    int64
	AbuseBlockDuration time.Duration
	Blocker            Blocker

	Clock func() time.Time
}

// Limiter applies rate limits. It is safe for concurrent use.
type Limiter struct {
	store    cache.Store
	opts     Options
	ids      map[string]struct{}
	roles    map[string]struct{}
	load     *loadSampler
	log      zerolog.Logger
	warnOnce rate.Sometimes
}

// New validates opts and returns a Limiter. An invalid tier table is a
// ConfigError.
func New(store cache.Store, opts Options, log zerolog.Logger) (*Limiter, error) {
	if opts.Tiers == nil {
		opts.Tiers = DefaultTiers()
	}
	if opts.Anonymous == (TierLimits{}) {
		opts.Anonymous = DefaultAnonymous()
	}
	if err := opts.Tiers.Validate(); err != nil {
		return nil, err
	}
	if free := opts.Tiers[request.TierFree]; opts.Anonymous.Minute > free.Minute ||
		opts.Anonymous.Hour > free.Hour || opts.Anonymous.Day > free.Day {
		return nil, errs.Config("ratelimit", "anonymous", "must not exceed the FREE tier")
	}
	if opts.AbuseMultiplier > 0 && opts.AbuseBlockDuration <= 0 {
		opts.AbuseBlockDuration = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.LoadSampleInterval <= 0 {
		opts.LoadSampleInterval = time.Second
	}
	l := &Limiter{
		store:    store,
		opts:     opts,
		ids:      toSet(opts.Bypass.PrincipalIDs, false),
		roles:    toSet(opts.Bypass.Roles, true),
		log:      log.With().Str("component", "ratelimit").Logger(),
		warnOnce: rate.Sometimes{Interval: 30 * time.Second},
	}
	l.load = newLoadSampler(store, opts.TargetConnections, opts.TargetCPU, opts.LoadSampleInterval, opts.Clock)
	return l, nil
}

// Check counts one event for key against cfg using cfg.Max as the base
// ceiling.
func (l *Limiter) Check(ctx context.Context, key string, cfg Config) Result {
	return l.check(ctx, key, cfg, cfg.Max, "")
}

// CheckRequest evaluates every window in cfgs for desc and returns the most
// restrictive result: the first denial, else the allowed result with the
// lowest remaining count. Evaluation stops at the first denial.
func (l *Limiter) CheckRequest(ctx context.Context, desc *request.Descriptor, cfgs []Config) Result {
	if l.bypassed(desc) {
		metrics.RateLimitChecks.WithLabelValues("all", "bypass").Inc()
		ev := l.log.Debug().Str("ip", desc.SourceIP).Str("path", desc.Path)
		if desc.Principal != nil {
			ev = ev.Str("principal", desc.Principal.ID).Str("role", desc.Principal.Role)
		}
		ev.Msg("rate limit bypassed")
		return l.configured(desc, cfgs)
	}

	key := "ip:" + desc.SourceIP
	if desc.Authenticated() {
		key = "user:" + desc.Principal.ID
	}

	var best Result
	for i, cfg := range cfgs {
		res := l.check(ctx, key, cfg, l.baseLimit(desc, cfg), desc.SourceIP)
		if !res.Allowed {
			return res
		}
		if res.FailOpen {
			// Nothing else will succeed against an unavailable store.
			return res
		}
		if i == 0 || res.Remaining < best.Remaining {
			best = res
		}
	}
	if len(cfgs) == 0 {
		return Result{Allowed: true}
	}
	return best
}

// baseLimit is cfg's limit for desc before adaptive scaling.
func (l *Limiter) baseLimit(desc *request.Descriptor, cfg Config) int64 {
	if !cfg.Tiered {
		return cfg.Max
	}
	if desc.Authenticated() {
		return l.opts.Tiers.Limit(desc.Principal.Tier, cfg.Window)
	}
	return l.opts.Anonymous.For(cfg.Window)
}

// configured describes the tightest configured window without counting
// anything. Bypassed requests report it so clients still see their limits.
func (l *Limiter) configured(desc *request.Descriptor, cfgs []Config) Result {
	res := Result{Allowed: true, Bypassed: true}
	now := l.opts.Clock()
	for _, cfg := range cfgs {
		limit := l.baseLimit(desc, cfg)
		if res.LimiterID != "" && limit >= res.Limit {
			continue
		}
		res.LimiterID, res.Limit, res.Remaining = cfg.ID, limit, limit
		res.ResetAt = now.Add(cfg.Window)
		if cfg.Mode != ModeSliding {
			res.ResetAt = windowEnd(now, cfg.Window)
		}
	}
	return res
}

func windowEnd(now time.Time, window time.Duration) time.Time {
	idx := now.UnixNano() / int64(window)
	return time.Unix(0, (idx+1)*int64(window))
}

func (l *Limiter) check(ctx context.Context, key string, cfg Config, base int64, ip string) Result {
	now := l.opts.Clock()
	var (
		res Result
		err error
	)
	switch cfg.Mode {
	case ModeSliding:
		res, err = l.sliding(ctx, key, cfg, base, now)
	default:
		limit := base
		if cfg.Adaptive {
			limit = l.load.scale(ctx, base)
		}
		res, err = l.fixed(ctx, key, cfg, limit, now, ip)
	}
	if err != nil {
		metrics.RateLimitChecks.WithLabelValues(cfg.ID, "fail_open").Inc()
		metrics.StageFailOpen.WithLabelValues("ratelimit").Inc()
		l.warnOnce.Do(func() {
			l.log.Error().Err(err).Str("limiter", cfg.ID).Msg("rate limit check failed; allowing request")
		})
		return Result{Allowed: true, FailOpen: true, LimiterID: cfg.ID, Limit: base, Remaining: base, ResetAt: now.Add(cfg.Window)}
	}
	if res.Allowed {
		metrics.RateLimitChecks.WithLabelValues(cfg.ID, "allowed").Inc()
	} else {
		metrics.RateLimitChecks.WithLabelValues(cfg.ID, "denied").Inc()
	}
	return res
}

// fixed increments the counter for the current window index. The first
// increment in a window sets its TTL.
func (l *Limiter) fixed(ctx context.Context, key string, cfg Config, limit int64, now time.Time, ip string) (Result, error) {
	idx := now.UnixNano() / int64(cfg.Window)
	k := fmt.Sprintf("rl:%s:%s:%d", cfg.ID, key, idx)

	count, err := l.store.Incr(ctx, k, cfg.Window)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Allowed:   count <= limit,
		LimiterID: cfg.ID,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   windowEnd(now, cfg.Window),
		Count:     count,
	}
	if l.opts.AbuseMultiplier > 0 && l.opts.Blocker != nil && ip != "" &&
		count == l.opts.AbuseMultiplier*limit {
		l.blockAbuser(ctx, ip, cfg, count)
	}
	return res, nil
}

// sliding records one event in the trailing window. Denied events are
// recorded too, so a client hammering past the limit stays limited.
func (l *Limiter) sliding(ctx context.Context, key string, cfg Config, limit int64, now time.Time) (Result, error) {
	k := fmt.Sprintf("rl:sw:%s:%s", cfg.ID, key)
	before, err := l.store.SlidingWindow(ctx, k, now, cfg.Window, uuid.NewString())
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed:   before < limit,
		LimiterID: cfg.ID,
		Limit:     limit,
		Remaining: max(0, limit-before-1),
		ResetAt:   now.Add(cfg.Window),
		Count:     before + 1,
	}, nil
}

func (l *Limiter) blockAbuser(ctx context.Context, ip string, cfg Config, count int64) {
	reason := fmt.Sprintf("rate limit abuse on %s (%d requests)", cfg.ID, count)
	err := l.opts.Blocker.Block(ctx, ip, reason, l.opts.AbuseBlockDuration, "ratelimit")
	if err != nil && !errors.Is(err, cache.ErrUnavailable) {
		l.log.Warn().Err(err).Str("ip", ip).Msg("abuse block not written")
		return
	}
	l.log.Info().Str("ip", ip).Str("limiter", cfg.ID).Int64("count", count).
		Dur("duration", l.opts.AbuseBlockDuration).Msg("blocked abusive client")
}

func (l *Limiter) bypassed(desc *request.Descriptor) bool {
	if p := desc.Principal; p != nil {
		if _, ok := l.ids[p.ID]; ok && p.ID != "" {
			return true
		}
		if _, ok := l.roles[strings.ToLower(p.Role)]; ok && p.Role != "" {
			return true
		}
	}
	return l.opts.Bypass.IPs.Contains(desc.SourceIP)
}

// LoadFactor returns the current load factor, sampling the shared gauges if
// the cached value is stale.
func (l *Limiter) LoadFactor(ctx context.Context) float64 {
	return l.load.factor(ctx)
}

func toSet(vals []string, lower bool) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v != "" {
			m[v] = struct{}{}
		}
	}
	return m
}

// Validate checks a set of limiter configs.
func Validate(cfgs []Config) error {
	seen := make(map[string]struct{}, len(cfgs))
	for _, c := range cfgs {
		if err := c.validate(); err != nil {
			return err
		}
		if _, dup := seen[c.ID]; dup {
			return errs.Config("ratelimit", "id", fmt.Sprintf("duplicate limiter %q", c.ID))
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

// StandardWindows returns the minute/hour/day tiered windows plus an optional
// sliding burst window.
func StandardWindows(adaptive bool, burstWindow time.Duration, burstMax int64) []Config {
	cfgs := make([]Config, 0, 4)
	if burstWindow > 0 && burstMax > 0 {
		cfgs = append(cfgs, Config{ID: "burst", Mode: ModeSliding, Window: burstWindow, Max: burstMax})
	}
	return append(cfgs,
		Config{ID: "minute", Mode: ModeFixed, Window: time.Minute, Tiered: true, Adaptive: adaptive},
		Config{ID: "hour", Mode: ModeFixed, Window: time.Hour, Tiered: true},
		Config{ID: "day", Mode: ModeFixed, Window: 24 * time.Hour, Tiered: true},
	)
}
