package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/reqshield/internal/decision"
	"github.com/developingchet/reqshield/internal/errs"
	"github.com/developingchet/reqshield/internal/ratelimit"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Shared cache
	CacheBackend       string        `koanf:"cache_backend"`
	RedisAddr          string        `koanf:"redis_addr"`
	RedisUsername      string        `koanf:"redis_username"`
	RedisPassword      string        `koanf:"redis_password"`
	RedisDB            int           `koanf:"redis_db"`
	CacheKeyPrefix     string        `koanf:"cache_key_prefix"`
	CacheOpTimeout     time.Duration `koanf:"cache_op_timeout"`
	BreakerMaxFailures int           `koanf:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout"`
	DataDir            string        `koanf:"data_dir"`

	// Protected listener
	ListenAddr              string   `koanf:"listen_addr"`
	UpstreamURL             string   `koanf:"upstream_url"`
	TrustedProxies          []string `koanf:"trusted_proxies"`
	PrincipalHeadersTrusted bool     `koanf:"principal_headers_trusted"`

	// Admin API
	AdminAddr  string `koanf:"admin_addr"`
	AdminToken string `koanf:"admin_token"`

	// Rate limiting
	RateLimitEnabled          bool          `koanf:"ratelimit_enabled"`
	RateLimitTiers            []string      `koanf:"ratelimit_tiers"`
	RateLimitAnonymous        string        `koanf:"ratelimit_anonymous"`
	RateLimitBurstWindow      time.Duration `koanf:"ratelimit_burst_window"`
	RateLimitBurstMax         int64         `koanf:"ratelimit_burst_max"`
	RateLimitAdaptive         bool          `koanf:"ratelimit_adaptive"`
	AdaptiveTargetConnections int64         `koanf:"adaptive_target_connections"`
	AdaptiveTargetCPU         float64       `koanf:"adaptive_target_cpu"`
	RateLimitBypassIDs        []string      `koanf:"ratelimit_bypass_ids"`
	RateLimitBypassRoles      []string      `koanf:"ratelimit_bypass_roles"`
	RateLimitBypassIPs        []string      `koanf:"ratelimit_bypass_ips"`
	AbuseBlockMultiplier      int64         `koanf:"abuse_block_multiplier"`
	AbuseBlockDuration        time.Duration `koanf:"abuse_block_duration"`

	// Firewall rules
	WAFEnabled               bool          `koanf:"waf_enabled"`
	WAFRulesFile             string        `koanf:"waf_rules_file"`
	WAFDefaultBlockDuration  time.Duration `koanf:"waf_default_block_duration"`
	WAFMaxBodyBytes          int64         `koanf:"waf_max_body_bytes"`
	WAFEmergencyMaxBodyBytes int64         `koanf:"waf_emergency_max_body_bytes"`
	WAFEmergencyMode         bool          `koanf:"waf_emergency_mode"`
	WAFIncidentRetention     time.Duration `koanf:"waf_incident_retention"`
	WAFIncidentBuffer        int           `koanf:"waf_incident_buffer"`

	// IP reputation
	IPFailThreshold     int64         `koanf:"ip_fail_threshold"`
	IPFailWindow        time.Duration `koanf:"ip_fail_window"`
	IPFailBlockDuration time.Duration `koanf:"ip_fail_block_duration"`
	IPFailStatusCodes   []int         `koanf:"-"`
	IPLocalCacheTTL     time.Duration `koanf:"ip_local_cache_ttl"`
	IPAllowlist         []string      `koanf:"ip_allowlist"`

	// CSRF
	CSRFEnabled      bool          `koanf:"csrf_enabled"`
	CSRFSecretTTL    time.Duration `koanf:"csrf_secret_ttl"`
	CSRFHeaderName   string        `koanf:"csrf_header_name"`
	CSRFCookieName   string        `koanf:"csrf_cookie_name"`
	CSRFCookieSecure bool          `koanf:"csrf_cookie_secure"`
	CSRFExemptPaths  []string      `koanf:"csrf_exempt_paths"`
	CSRFDoubleSubmit bool          `koanf:"csrf_double_submit"`

	// CrowdSec decision feed
	CrowdSecLAPIURL         string        `koanf:"crowdsec_lapi_url"`
	CrowdSecLAPIKey         string        `koanf:"crowdsec_lapi_key"`
	CrowdSecLAPIVerifyTLS   bool          `koanf:"crowdsec_lapi_verify_tls"`
	CrowdSecOrigins         []string      `koanf:"crowdsec_origins"`
	CrowdSecPollInterval    time.Duration `koanf:"crowdsec_poll_interval"`
	LAPIMetricsPushInterval time.Duration `koanf:"lapi_metrics_push_interval"`
	BlockScenarioExclude    []string      `koanf:"block_scenario_exclude"`
	BlockMinDuration        time.Duration `koanf:"block_min_duration"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// FeedEnabled reports whether the CrowdSec decision feed should run.
func (c *Config) FeedEnabled() bool {
	return c.CrowdSecLAPIURL != "" && c.CrowdSecLAPIKey != ""
}

// Tiers parses RATELIMIT_TIERS over the built-in table.
func (c *Config) Tiers() (ratelimit.TierTable, error) {
	t, err := ratelimit.ParseTierTable(c.RateLimitTiers)
	if err != nil {
		return nil, errs.Configf("config", "RATELIMIT_TIERS", err, "cannot parse")
	}
	return t, nil
}

// Anonymous parses RATELIMIT_ANONYMOUS; empty selects the built-in row.
func (c *Config) Anonymous() (ratelimit.TierLimits, error) {
	if c.RateLimitAnonymous == "" {
		return ratelimit.DefaultAnonymous(), nil
	}
	l, err := ratelimit.ParseTierLimits(c.RateLimitAnonymous)
	if err != nil {
		return ratelimit.TierLimits{}, errs.Configf("config", "RATELIMIT_ANONYMOUS", err, "cannot parse")
	}
	return l, nil
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.CacheBackend, &c.RedisAddr, &c.RedisUsername, &c.RedisPassword, &c.CacheKeyPrefix,
		&c.DataDir, &c.ListenAddr, &c.UpstreamURL, &c.AdminAddr, &c.AdminToken,
		&c.RateLimitAnonymous, &c.WAFRulesFile, &c.CSRFHeaderName, &c.CSRFCookieName,
		&c.CrowdSecLAPIURL, &c.CrowdSecLAPIKey, &c.LogLevel, &c.LogFormat,
		&c.MetricsAddr, &c.HealthAddr,
	} {
		*p = stripEnvQuotes(*p)
	}
	for _, list := range [][]string{
		c.TrustedProxies, c.RateLimitTiers, c.RateLimitBypassIDs, c.RateLimitBypassRoles,
		c.RateLimitBypassIPs, c.IPAllowlist, c.CSRFExemptPaths, c.CrowdSecOrigins,
		c.BlockScenarioExclude,
	} {
		for i, s := range list {
			list[i] = stripEnvQuotes(s)
		}
	}
	c.CacheBackend = strings.ToLower(c.CacheBackend)
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"cache_backend":                "redis",
		"redis_addr":                   "redis:6379",
		"redis_db":                     0,
		"cache_key_prefix":             "reqshield:",
		"cache_op_timeout":             "150ms",
		"breaker_max_failures":         5,
		"breaker_open_timeout":         "10s",
		"data_dir":                     "/data",
		"listen_addr":                  ":8080",
		"principal_headers_trusted":    false,
		"admin_addr":                   "",
		"ratelimit_enabled":            true,
		"ratelimit_burst_window":       "0s",
		"ratelimit_burst_max":          0,
		"ratelimit_adaptive":           false,
		"adaptive_target_connections":  0,
		"adaptive_target_cpu":          0,
		"abuse_block_multiplier":       0,
		"abuse_block_duration":         "1h",
		"waf_enabled":                  true,
		"waf_default_block_duration":   "1h",
		"waf_max_body_bytes":           1 << 20,
		"waf_emergency_max_body_bytes": 64 << 10,
		"waf_emergency_mode":           false,
		"waf_incident_retention":       "24h",
		"waf_incident_buffer":          50,
		"ip_fail_threshold":            5,
		"ip_fail_window":               "15m",
		"ip_fail_block_duration":       "1h",
		"ip_fail_status_codes":         "401",
		"ip_local_cache_ttl":           "30s",
		"csrf_enabled":                 true,
		"csrf_secret_ttl":              "1h",
		"csrf_header_name":             "X-CSRF-Token",
		"csrf_cookie_name":             "csrf_token",
		"csrf_cookie_secure":           true,
		"csrf_exempt_paths":            "/healthz,/api/auth/login,/api/auth/register,/api/webhooks/",
		"csrf_double_submit":           false,
		"crowdsec_lapi_url":            "",
		"crowdsec_lapi_verify_tls":     true,
		"crowdsec_poll_interval":       "30s",
		"lapi_metrics_push_interval":   "30m",
		"block_min_duration":           "0s",
		"pool_workers":                 4,
		"pool_queue_depth":             4096,
		"pool_max_retries":             3,
		"pool_retry_base":              "1s",
		"log_level":                    "info",
		"log_format":                   "json",
		"metrics_enabled":              true,
		"metrics_addr":                 ":9090",
		"health_addr":                  ":8081",
		"janitor_interval":             "1m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret
// injection, and validates the result.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() (*Config, error) {
	// "." as delimiter keeps env vars with "_" flat: REDIS_ADDR → "redis_addr".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated list fields that koanf won't split automatically
	cfg.TrustedProxies = splitCSV(k.String("trusted_proxies"))
	cfg.RateLimitTiers = splitCSV(k.String("ratelimit_tiers"))
	cfg.RateLimitBypassIDs = splitCSV(k.String("ratelimit_bypass_ids"))
	cfg.RateLimitBypassRoles = splitCSV(k.String("ratelimit_bypass_roles"))
	cfg.RateLimitBypassIPs = splitCSV(k.String("ratelimit_bypass_ips"))
	cfg.IPAllowlist = splitCSV(k.String("ip_allowlist"))
	cfg.CSRFExemptPaths = splitCSV(k.String("csrf_exempt_paths"))
	cfg.CrowdSecOrigins = splitCSV(k.String("crowdsec_origins"))
	cfg.BlockScenarioExclude = splitCSV(k.String("block_scenario_exclude"))

	cfg.sanitise()

	codes, err := parseStatusCodes(splitCSV(stripEnvQuotes(k.String("ip_fail_status_codes"))))
	if err != nil {
		return nil, err
	}
	cfg.IPFailStatusCodes = codes
	return cfg, nil
}

func invalid(key, format string, args ...any) error {
	return errs.Config("config", key, fmt.Sprintf(format, args...))
}

// Validate checks required fields and semantic constraints. Every failure is
// an errs.ConfigError naming the environment variable.
func (c *Config) Validate() error {
	switch c.CacheBackend {
	case "redis":
		if c.RedisAddr == "" {
			return invalid("REDIS_ADDR", "required when CACHE_BACKEND=redis")
		}
		if c.RedisDB < 0 {
			return invalid("REDIS_DB", "must be >= 0; got %d", c.RedisDB)
		}
	case "bbolt":
		if c.DataDir == "" {
			return invalid("DATA_DIR", "required when CACHE_BACKEND=bbolt")
		}
	case "memory":
	default:
		return invalid("CACHE_BACKEND", "must be redis, bbolt or memory; got %q", c.CacheBackend)
	}
	if c.CacheOpTimeout <= 0 {
		return invalid("CACHE_OP_TIMEOUT", "must be > 0; got %s", c.CacheOpTimeout)
	}
	if c.BreakerMaxFailures < 1 {
		return invalid("BREAKER_MAX_FAILURES", "must be >= 1; got %d", c.BreakerMaxFailures)
	}
	if c.BreakerOpenTimeout <= 0 {
		return invalid("BREAKER_OPEN_TIMEOUT", "must be > 0; got %s", c.BreakerOpenTimeout)
	}

	if c.ListenAddr == "" {
		return invalid("LISTEN_ADDR", "is required")
	}
	if c.UpstreamURL == "" {
		return invalid("UPSTREAM_URL", "is required")
	}
	if err := checkHTTPURL("UPSTREAM_URL", c.UpstreamURL); err != nil {
		return err
	}
	if c.AdminAddr != "" && len(c.AdminToken) < 16 {
		return invalid("ADMIN_TOKEN", "must be at least 16 characters when ADMIN_ADDR is set")
	}

	for key, list := range map[string][]string{
		"TRUSTED_PROXIES":      c.TrustedProxies,
		"RATELIMIT_BYPASS_IPS": c.RateLimitBypassIPs,
		"IP_ALLOWLIST":         c.IPAllowlist,
	} {
		if _, err := decision.ParseNetList(list); err != nil {
			return errs.Configf("config", key, err, "cannot parse")
		}
	}

	tiers, err := c.Tiers()
	if err != nil {
		return err
	}
	if err := tiers.Validate(); err != nil {
		return err
	}
	if _, err := c.Anonymous(); err != nil {
		return err
	}
	if (c.RateLimitBurstWindow > 0) != (c.RateLimitBurstMax > 0) {
		return invalid("RATELIMIT_BURST_WINDOW", "RATELIMIT_BURST_WINDOW and RATELIMIT_BURST_MAX must be set together")
	}
	if c.AdaptiveTargetConnections < 0 {
		return invalid("ADAPTIVE_TARGET_CONNECTIONS", "must be >= 0; got %d", c.AdaptiveTargetConnections)
	}
	if c.AdaptiveTargetCPU < 0 || c.AdaptiveTargetCPU > 100 {
		return invalid("ADAPTIVE_TARGET_CPU", "must be a percentage in 0-100; got %g", c.AdaptiveTargetCPU)
	}
	if c.AbuseBlockMultiplier < 0 {
		return invalid("ABUSE_BLOCK_MULTIPLIER", "must be >= 0; got %d", c.AbuseBlockMultiplier)
	}

	if c.WAFMaxBodyBytes <= 0 {
		return invalid("WAF_MAX_BODY_BYTES", "must be > 0; got %d", c.WAFMaxBodyBytes)
	}
	if c.WAFEmergencyMaxBodyBytes <= 0 || c.WAFEmergencyMaxBodyBytes > c.WAFMaxBodyBytes {
		return invalid("WAF_EMERGENCY_MAX_BODY_BYTES", "must be in 1-%d; got %d", c.WAFMaxBodyBytes, c.WAFEmergencyMaxBodyBytes)
	}
	if c.WAFIncidentBuffer < 1 {
		return invalid("WAF_INCIDENT_BUFFER", "must be >= 1; got %d", c.WAFIncidentBuffer)
	}
	if c.WAFIncidentRetention <= 0 {
		return invalid("WAF_INCIDENT_RETENTION", "must be > 0; got %s", c.WAFIncidentRetention)
	}

	if c.IPFailThreshold < 1 {
		return invalid("IP_FAIL_THRESHOLD", "must be >= 1; got %d", c.IPFailThreshold)
	}
	if c.IPFailWindow <= 0 || c.IPFailBlockDuration <= 0 {
		return invalid("IP_FAIL_WINDOW", "IP_FAIL_WINDOW and IP_FAIL_BLOCK_DURATION must be > 0")
	}

	if c.CSRFEnabled {
		if c.CSRFSecretTTL <= 0 {
			return invalid("CSRF_SECRET_TTL", "must be > 0; got %s", c.CSRFSecretTTL)
		}
		if c.CSRFHeaderName == "" || c.CSRFCookieName == "" {
			return invalid("CSRF_HEADER_NAME", "CSRF_HEADER_NAME and CSRF_COOKIE_NAME must not be empty")
		}
	}

	if c.CrowdSecLAPIURL != "" {
		if err := checkHTTPURL("CROWDSEC_LAPI_URL", c.CrowdSecLAPIURL); err != nil {
			return err
		}
	}
	if c.CrowdSecLAPIKey != "" && c.CrowdSecLAPIURL == "" {
		return invalid("CROWDSEC_LAPI_URL", "required when CROWDSEC_LAPI_KEY is set")
	}
	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return invalid("POOL_WORKERS", "must be 1-64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return invalid("POOL_QUEUE_DEPTH", "must be >= 1; got %d", c.PoolQueueDepth)
	}
	if c.PoolMaxRetries < 0 {
		return invalid("POOL_MAX_RETRIES", "must be >= 0; got %d", c.PoolMaxRetries)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return invalid("LOG_LEVEL", "must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return invalid("LOG_FORMAT", "must be json or text; got %q", c.LogFormat)
	}
	if c.JanitorInterval <= 0 {
		return invalid("JANITOR_INTERVAL", "must be > 0; got %s", c.JanitorInterval)
	}
	return nil
}

func checkHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid(key, "must be an http:// or https:// URL; got %q", raw)
	}
	return nil
}

func parseStatusCodes(entries []string) ([]int, error) {
	codes := make([]int, 0, len(entries))
	for _, e := range entries {
		n, err := strconv.Atoi(e)
		if err != nil || n < 400 || n > 599 {
			return nil, invalid("IP_FAIL_STATUS_CODES", "entry %q is not a 4xx/5xx status code", e)
		}
		codes = append(codes, n)
	}
	return codes, nil
}

// fileSecretKeys may be supplied as KEY_FILE pointing at a mounted secret.
var fileSecretKeys = []string{
	"admin_token",
	"redis_password",
	"crowdsec_lapi_key",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		filePath := k.String(key + "_file")
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
