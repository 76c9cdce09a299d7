// Package server wires the protection components into the running daemon:
// the protected listener, the admin API, health and metrics endpoints, the
// CrowdSec feed and the janitor.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/reqshield/internal/cache"
	"github.com/developingchet/reqshield/internal/config"
	"github.com/developingchet/reqshield/internal/csrf"
	"github.com/developingchet/reqshield/internal/decision"
	"github.com/developingchet/reqshield/internal/feed"
	"github.com/developingchet/reqshield/internal/lapi_metrics"
	"github.com/developingchet/reqshield/internal/pipeline"
	"github.com/developingchet/reqshield/internal/pool"
	"github.com/developingchet/reqshield/internal/ratelimit"
	"github.com/developingchet/reqshield/internal/reputation"
	"github.com/developingchet/reqshield/internal/waf"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	loadSampleInterval = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// Service is the assembled daemon.
type Service struct {
	cfg   *config.Config
	store *cache.Guarded
	log   zerolog.Logger

	reputation *reputation.Store
	limiter    *ratelimit.Limiter
	firewall   *waf.Engine
	csrf       *csrf.Manager
	pipeline   *pipeline.Pipeline
	reporter   *lapi_metrics.Reporter
	feed       *feed.Feed
	janitor    *Janitor

	protected http.Handler
	admin     http.Handler
	health    *Health
}

// OpenStore builds the configured backend behind the circuit breaker. The
// returned size function is nil unless the backend is an on-disk file.
func OpenStore(cfg *config.Config, log zerolog.Logger) (*cache.Guarded, func() (int64, error), error) {
	var (
		inner cache.Store
		size  func() (int64, error)
	)
	switch cfg.CacheBackend {
	case cache.BackendRedis:
		inner = cache.NewRedisStore(cache.RedisConfig{
			Addr:         cfg.RedisAddr,
			Username:     cfg.RedisUsername,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			KeyPrefix:    cfg.CacheKeyPrefix,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  cfg.CacheOpTimeout,
			WriteTimeout: cfg.CacheOpTimeout,
		})
	case cache.BackendBbolt:
		bs, err := cache.NewBboltStore(cfg.DataDir, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("open bbolt cache: %w", err)
		}
		inner, size = bs, bs.SizeBytes
	case cache.BackendMemory:
		inner = cache.NewMemoryStore(nil)
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
	guarded := cache.NewGuarded(inner, cache.GuardConfig{
		OpTimeout:   cfg.CacheOpTimeout,
		MaxFailures: uint32(cfg.BreakerMaxFailures),
		OpenTimeout: cfg.BreakerOpenTimeout,
	}, log)
	return guarded, size, nil
}

// New builds every enabled component from cfg.
func New(cfg *config.Config, version string, log zerolog.Logger) (*Service, error) {
	store, size, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	svc, err := assemble(cfg, store, size, version, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

func assemble(cfg *config.Config, store *cache.Guarded, size func() (int64, error), version string, log zerolog.Logger) (*Service, error) {
	s := &Service{cfg: cfg, store: store, log: log}

	allowlist, err := decision.ParseNetList(cfg.IPAllowlist)
	if err != nil {
		return nil, fmt.Errorf("parse IP_ALLOWLIST: %w", err)
	}
	trusted, err := decision.ParseNetList(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse TRUSTED_PROXIES: %w", err)
	}

	s.reputation = reputation.New(store, reputation.Options{
		FailThreshold:        cfg.IPFailThreshold,
		FailWindow:           cfg.IPFailWindow,
		FailBlockDuration:    cfg.IPFailBlockDuration,
		DefaultBlockDuration: cfg.WAFDefaultBlockDuration,
		LocalTTL:             cfg.IPLocalCacheTTL,
		Allowlist:            allowlist,
	}, log)

	// The limiter also backs rate_limit firewall rules, so it is built
	// whenever either component is on.
	if cfg.RateLimitEnabled || cfg.WAFEnabled {
		if s.limiter, err = newLimiter(cfg, store, s.reputation, log); err != nil {
			return nil, err
		}
	}

	if cfg.WAFEnabled {
		s.firewall = waf.New(store, s.reputation, s.limiter, waf.Options{
			DefaultBlockDuration:  cfg.WAFDefaultBlockDuration,
			MaxBodyBytes:          cfg.WAFMaxBodyBytes,
			EmergencyMaxBodyBytes: cfg.WAFEmergencyMaxBodyBytes,
			IncidentRetention:     cfg.WAFIncidentRetention,
			IncidentBuffer:        cfg.WAFIncidentBuffer,
		}, log)
		if cfg.WAFRulesFile != "" {
			specs, err := waf.LoadFile(cfg.WAFRulesFile)
			if err != nil {
				return nil, err
			}
			if err := s.firewall.Merge(specs); err != nil {
				return nil, err
			}
			log.Info().Str("file", cfg.WAFRulesFile).Int("rules", len(specs)).Msg("custom firewall rules loaded")
		}
		s.firewall.SetEmergencyMode(cfg.WAFEmergencyMode)
	}

	if cfg.CSRFEnabled {
		s.csrf = csrf.New(store, csrf.Options{
			SecretTTL:   cfg.CSRFSecretTTL,
			HeaderName:  cfg.CSRFHeaderName,
			CookieName:  cfg.CSRFCookieName,
			ExemptPaths: cfg.CSRFExemptPaths,
		}, log)
	}

	// Interface fields are only assigned when the component exists; a typed
	// nil would register a stage that panics.
	comps := pipeline.Components{Reputation: s.reputation, DoubleSubmit: cfg.CSRFDoubleSubmit, Log: log}
	if cfg.RateLimitEnabled {
		comps.RateLimiter = s.limiter
		comps.Windows = ratelimit.StandardWindows(cfg.RateLimitAdaptive, cfg.RateLimitBurstWindow, cfg.RateLimitBurstMax)
	}
	if s.firewall != nil {
		comps.Firewall = s.firewall
	}
	if s.csrf != nil {
		comps.CSRF = s.csrf
	}
	s.pipeline = pipeline.New(pipeline.Standard(comps), nil, log)
	log.Info().Strs("stages", s.pipeline.StageNames()).Msg("protection pipeline assembled")

	if cfg.FeedEnabled() {
		s.reporter = lapi_metrics.NewReporter(cfg.CrowdSecLAPIURL, cfg.CrowdSecLAPIKey, version,
			cfg.LAPIMetricsPushInterval, nil, log)
		if s.feed, err = newFeed(cfg, version, allowlist, s.reputation, log); err != nil {
			return nil, err
		}
	}

	upstream, err := NewUpstream(cfg.UpstreamURL, log)
	if err != nil {
		return nil, fmt.Errorf("parse UPSTREAM_URL: %w", err)
	}
	bodyLimit := cfg.WAFMaxBodyBytes
	if s.firewall != nil {
		bodyLimit = s.firewall.MaxBodyLimit()
	}
	mw := pipeline.MiddlewareOptions{
		BodyLimit:       bodyLimit,
		TrustedProxies:  trusted,
		Connections:     store,
		Failures:        s.reputation,
		FailStatusCodes: cfg.IPFailStatusCodes,
	}
	if s.reporter != nil {
		mw.Recorder = s.reporter
	}
	popts := ProtectedOptions{
		Pipeline:              s.pipeline,
		Middleware:            mw,
		Upstream:              upstream,
		DoubleSubmit:          cfg.CSRFDoubleSubmit,
		CookieSecure:          cfg.CSRFCookieSecure,
		TrustPrincipalHeaders: cfg.PrincipalHeadersTrusted,
	}
	if s.csrf != nil {
		popts.Tokens = s.csrf
	}
	s.protected = NewProtectedHandler(popts, log)

	if cfg.AdminAddr != "" {
		var rules RuleManager
		if s.firewall != nil {
			rules = s.firewall
		}
		s.admin = NewAdmin(rules, s.reputation, cfg.AdminToken, log).Handler()
	}

	s.health = &Health{
		Backend: cfg.CacheBackend,
		Store:   store,
		Breaker: store,
		Blocks:  s.reputation,
		Log:     log.With().Str("component", "health").Logger(),
	}
	s.janitor = &Janitor{
		Blocks:    s.reputation,
		Backend:   store,
		SizeBytes: size,
		Interval:  cfg.JanitorInterval,
		Log:       log.With().Str("component", "janitor").Logger(),
	}
	if s.firewall != nil {
		s.health.Rules = s.firewall
		s.janitor.Incidents = s.firewall
	}
	if s.feed != nil {
		s.health.QueueDepth = s.feed.Depth
		s.janitor.QueueDepth = s.feed.Depth
	}
	return s, nil
}

func newLimiter(cfg *config.Config, store cache.Store, blocker ratelimit.Blocker, log zerolog.Logger) (*ratelimit.Limiter, error) {
	tiers, err := cfg.Tiers()
	if err != nil {
		return nil, err
	}
	anon, err := cfg.Anonymous()
	if err != nil {
		return nil, err
	}
	bypassIPs, err := decision.ParseNetList(cfg.RateLimitBypassIPs)
	if err != nil {
		return nil, fmt.Errorf("parse RATELIMIT_BYPASS_IPS: %w", err)
	}
	opts := ratelimit.Options{
		Tiers:     tiers,
		Anonymous: anon,
		Bypass: ratelimit.Bypass{
			PrincipalIDs: cfg.RateLimitBypassIDs,
			Roles:        cfg.RateLimitBypassRoles,
			IPs:          bypassIPs,
		},
		LoadSampleInterval: loadSampleInterval,
		AbuseMultiplier:    cfg.AbuseBlockMultiplier,
		AbuseBlockDuration: cfg.AbuseBlockDuration,
		Blocker:            blocker,
	}
	if cfg.RateLimitAdaptive {
		opts.TargetConnections = cfg.AdaptiveTargetConnections
		opts.TargetCPU = cfg.AdaptiveTargetCPU
	}
	return ratelimit.New(store, opts, log)
}

func newFeed(cfg *config.Config, version string, allowlist decision.NetList, blocklist feed.Blocklist, log zerolog.Logger) (*feed.Feed, error) {
	fc := decision.DefaultFilterConfig()
	fc.ScenarioExclude = cfg.BlockScenarioExclude
	fc.Origins = cfg.CrowdSecOrigins
	fc.Allowlist = allowlist
	fc.MinBlockDuration = cfg.BlockMinDuration

	return feed.New(feed.Config{
		LAPIURL:      cfg.CrowdSecLAPIURL,
		LAPIKey:      cfg.CrowdSecLAPIKey,
		VerifyTLS:    cfg.CrowdSecLAPIVerifyTLS,
		PollInterval: cfg.CrowdSecPollInterval,
		Version:      version,
		Pool: pool.Config{
			Workers:    cfg.PoolWorkers,
			QueueDepth: cfg.PoolQueueDepth,
			MaxRetries: cfg.PoolMaxRetries,
			RetryBase:  cfg.PoolRetryBase,
		},
	}, decision.NewFilter(fc, log), blocklist, log)
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.log.Warn().Err(err).Msg("shared cache close failed")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(gctx, "protected", s.cfg.ListenAddr, s.protected, s.log)
	})
	if s.admin != nil {
		g.Go(func() error {
			return serve(gctx, "admin", s.cfg.AdminAddr, s.admin, s.log)
		})
	}
	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return serve(gctx, "metrics", s.cfg.MetricsAddr, mux, s.log)
		})
	}
	g.Go(func() error {
		return serve(gctx, "health", s.cfg.HealthAddr, s.health.Handler(), s.log)
	})
	if s.feed != nil {
		g.Go(func() error {
			return s.feed.Run(gctx)
		})
	}
	if s.reporter != nil {
		g.Go(func() error {
			s.reporter.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return s.janitor.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serve runs one HTTP server until ctx ends, then drains in-flight requests.
func serve(ctx context.Context, name, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	}()

	log.Info().Str("addr", addr).Msgf("%s server started", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
