package decision

import (
	"net"
	"strings"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/developingchet/reqshield/internal/metrics"
	"github.com/rs/zerolog"
)

// FilterConfig selects which CrowdSec decisions become IP blocks.
type FilterConfig struct {
	// Actions accepted; default ban and delete.
	Actions []string
	// ScenarioExclude skips decisions whose scenario contains any substring.
	ScenarioExclude []string
	// Origins accepted; empty accepts every origin.
	Origins []string
	// Scopes accepted; default ip. Blocks are keyed per address, so range
	// decisions only pass when they name a single host (/32 or /128).
	Scopes []string
	// Allowlist addresses are never blocked.
	Allowlist NetList
	// MinBlockDuration drops shorter ban decisions; zero disables the check.
	MinBlockDuration time.Duration
}

// DefaultFilterConfig returns the defaults described on FilterConfig.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Actions: []string{"ban", "delete"},
		Scopes:  []string{"ip"},
	}
}

// Verdict is a decision that passed every check.
type Verdict struct {
	Action   string
	IP       string
	Origin   string
	Scenario string
	Duration time.Duration
}

// check is one filter step. It returns a rejection reason or "".
type check struct {
	stage string
	fn    func(*candidate) string
}

type candidate struct {
	action, scope, value, origin, scenario string
	ip                                     string
	duration                               time.Duration
}

// Filter screens CrowdSec decisions before they reach the blocklist.
type Filter struct {
	cfg    FilterConfig
	checks []check
	log    zerolog.Logger
}

// NewFilter returns a Filter over cfg.
func NewFilter(cfg FilterConfig, log zerolog.Logger) *Filter {
	f := &Filter{cfg: cfg, log: log.With().Str("component", "decision_filter").Logger()}
	f.checks = []check{
		{"action", f.checkAction},
		{"scenario", f.checkScenario},
		{"origin", f.checkOrigin},
		{"scope", f.checkScope},
		{"parse", f.checkParse},
		{"private", f.checkPrivate},
		{"allowlist", f.checkAllowlist},
		{"duration", f.checkDuration},
	}
	return f
}

// Apply runs d through every check. ok is false when any check rejects it.
func (f *Filter) Apply(d *models.Decision) (Verdict, bool) {
	c := &candidate{
		action:   strings.ToLower(deref(d.Type)),
		scope:    strings.ToLower(deref(d.Scope)),
		value:    deref(d.Value),
		origin:   deref(d.Origin),
		scenario: deref(d.Scenario),
	}
	if dur, err := time.ParseDuration(deref(d.Duration)); err == nil {
		c.duration = dur
	}
	for _, ch := range f.checks {
		if reason := ch.fn(c); reason != "" {
			metrics.FeedFiltered.WithLabelValues(ch.stage, reason).Inc()
			f.log.Trace().Str("stage", ch.stage).Str("reason", reason).Str("value", c.value).
				Str("origin", c.origin).Str("scenario", c.scenario).Msg("decision filtered")
			return Verdict{}, false
		}
	}
	return Verdict{Action: c.action, IP: c.ip, Origin: c.origin, Scenario: c.scenario, Duration: c.duration}, true
}

func (f *Filter) checkAction(c *candidate) string {
	if !containsFold(f.cfg.Actions, c.action) {
		return "unsupported_action"
	}
	return ""
}

func (f *Filter) checkScenario(c *candidate) string {
	for _, exc := range f.cfg.ScenarioExclude {
		if exc != "" && strings.Contains(c.scenario, exc) {
			return "excluded_scenario"
		}
	}
	return ""
}

func (f *Filter) checkOrigin(c *candidate) string {
	if len(f.cfg.Origins) > 0 && !containsFold(f.cfg.Origins, c.origin) {
		return "origin_not_allowed"
	}
	return ""
}

func (f *Filter) checkScope(c *candidate) string {
	if !containsFold(f.cfg.Scopes, c.scope) {
		return "unsupported_scope"
	}
	return ""
}

func (f *Filter) checkParse(c *candidate) string {
	v, isCIDR, err := ParseAndSanitize(c.value)
	if err != nil {
		f.log.Warn().Err(err).Str("value", c.value).Msg("undecodable decision value")
		return "parse_error"
	}
	if isCIDR {
		_, network, _ := net.ParseCIDR(v)
		ones, bits := network.Mask.Size()
		if ones != bits {
			return "range_unsupported"
		}
		if v, err = NormalizeIP(network.IP.String()); err != nil {
			return "parse_error"
		}
	}
	c.ip = v
	return ""
}

func (f *Filter) checkPrivate(c *candidate) string {
	if IsPrivate(c.ip) {
		return "private_ip"
	}
	return ""
}

func (f *Filter) checkAllowlist(c *candidate) string {
	if f.cfg.Allowlist.Contains(c.ip) {
		return "allowlisted"
	}
	return ""
}

func (f *Filter) checkDuration(c *candidate) string {
	if c.action == "ban" && f.cfg.MinBlockDuration > 0 && c.duration > 0 && c.duration < f.cfg.MinBlockDuration {
		return "too_short"
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
