package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reqshield"

var (
	// PipelineDecisions counts final pipeline outcomes by the stage that decided.
	PipelineDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_decisions_total",
		Help:      "Protection pipeline decisions by deciding stage, outcome and code.",
	}, []string{"stage", "outcome", "code"})

	// PipelineDuration records end-to-end pipeline latency.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_duration_seconds",
		Help:      "Protection pipeline evaluation latency in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// StageFailOpen counts requests let through because a stage could not decide.
	StageFailOpen = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_fail_open_total",
		Help:      "Requests allowed because a stage failed open.",
	}, []string{"stage"})

	// RateLimitChecks counts rate limiter results.
	RateLimitChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_checks_total",
		Help:      "Rate limit checks by limiter id and result.",
	}, []string{"limiter", "result"})

	// RateLimitLoadFactor is the last adaptive load factor computed.
	RateLimitLoadFactor = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ratelimit_load_factor",
		Help:      "Adaptive rate limit load factor in [0.5, 2.0].",
	})

	// WAFMatches counts rule matches.
	WAFMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "waf_rule_matches_total",
		Help:      "Firewall rule matches by rule id and severity.",
	}, []string{"rule", "severity"})

	// WAFActions counts recommended actions for requests with at least one match.
	WAFActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "waf_actions_total",
		Help:      "Firewall recommended actions.",
	}, []string{"action"})

	// WAFRules tracks the rule set size.
	WAFRules = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "waf_rules",
		Help:      "Firewall rules loaded, by state.",
	}, []string{"state"})

	// WAFEmergencyMode is 1 while emergency mode is active.
	WAFEmergencyMode = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "waf_emergency_mode",
		Help:      "1 while the stricter emergency rule set is active.",
	})

	// IPBlocks counts block writes by source.
	IPBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ip_blocks_total",
		Help:      "IP block entries written, by source.",
	}, []string{"source"})

	// IPBlockLookups counts IsBlocked lookups by the tier that answered.
	IPBlockLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ip_block_lookups_total",
		Help:      "IP block lookups by answering tier and result.",
	}, []string{"tier", "result"})

	// BlockedIPs is the current number of blocked IPs in the shared cache.
	BlockedIPs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blocked_ips",
		Help:      "Current blocked IPs in the shared cache.",
	})

	// FailedAttempts counts tracked failed attempts.
	FailedAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failed_attempts_total",
		Help:      "Failed attempts tracked by IP reputation.",
	})

	// CSRFVerifications counts CSRF verification results.
	CSRFVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "csrf_verifications_total",
		Help:      "CSRF verifications by result.",
	}, []string{"result"})

	// CSRFTokensIssued counts issued CSRF tokens.
	CSRFTokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "csrf_tokens_issued_total",
		Help:      "CSRF tokens issued.",
	})

	// CacheErrors counts backing-store failures by operation.
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_errors_total",
		Help:      "Shared cache failures by operation and kind.",
	}, []string{"op", "kind"})

	// CacheBreakerState mirrors the breaker: 0 closed, 1 half-open, 2 open.
	CacheBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_breaker_state",
		Help:      "Shared cache circuit breaker state (0 closed, 1 half-open, 2 open).",
	})

	// DBSizeBytes tracks bbolt on-disk file size when the bbolt backend is used.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// IncidentsPruned counts incidents evicted from in-process buffers.
	IncidentsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "incidents_pruned_total",
		Help:      "Incidents evicted from in-process buffers by the janitor.",
	})

	// FeedDecisions counts CrowdSec decisions that passed the filter pipeline.
	FeedDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_decisions_total",
		Help:      "CrowdSec decisions that passed the filter pipeline.",
	}, []string{"action", "origin"})

	// FeedFiltered counts CrowdSec decisions rejected per filter stage.
	FeedFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_filtered_total",
		Help:      "CrowdSec decisions rejected per filter stage.",
	}, []string{"stage", "reason"})

	// JobsEnqueued counts feed jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Feed jobs placed into worker channel.",
	}, []string{"action"})

	// JobsDropped counts feed jobs discarded before processing.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Feed jobs discarded before processing.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"action", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})
)
