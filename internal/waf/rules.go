package waf

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/developingchet/reqshield/internal/errs"
)

// Target selects which part of the request a rule inspects.
type Target string

const (
	TargetURL     Target = "url"
	TargetHeaders Target = "headers"
	TargetBody    Target = "body"
	TargetQuery   Target = "query"
	TargetAll     Target = "all"
)

// Action is what a matching rule asks for.
type Action string

const (
	ActionBlock     Action = "block"
	ActionLog       Action = "log"
	ActionChallenge Action = "challenge"
	ActionRateLimit Action = "rate_limit"
)

// Severity grades a rule. The zero value is below low.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity from lowest to highest.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank -1.
func (s Severity) Rank() int {
	for i, sv := range Severities {
		if sv == s {
			return i
		}
	}
	return -1
}

// Weight is the severity's contribution to the risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 25
	case SeverityHigh:
		return 50
	case SeverityCritical:
		return 100
	}
	return 0
}

// RuleSpec is the serializable form of a rule, used by the rules file and the
// admin API. Durations are Go duration strings.
type RuleSpec struct {
	ID              string   `yaml:"id" json:"id"`
	Name            string   `yaml:"name" json:"name"`
	Pattern         string   `yaml:"pattern" json:"pattern"`
	Target          Target   `yaml:"target" json:"target"`
	Action          Action   `yaml:"action" json:"action"`
	Severity        Severity `yaml:"severity" json:"severity"`
	Priority        int      `yaml:"priority" json:"priority"`
	Enabled         *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	BlockDuration   string   `yaml:"blockDuration,omitempty" json:"blockDuration,omitempty"`
	RateLimitWindow string   `yaml:"rateLimitWindow,omitempty" json:"rateLimitWindow,omitempty"`
	RateLimitMax    int64    `yaml:"rateLimitMax,omitempty" json:"rateLimitMax,omitempty"`
}

// Rule is a compiled firewall rule. Rules are immutable once built; toggling
// replaces the rule in the engine's map.
type Rule struct {
	ID              string
	Name            string
	Pattern         string
	Target          Target
	Action          Action
	Severity        Severity
	Priority        int
	Enabled         bool
	BlockDuration   time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int64

	re  *regexp.Regexp
	seq uint64
}

// Compile validates spec and compiles its pattern. Every failure is a
// ConfigError naming the rule.
func Compile(spec RuleSpec) (*Rule, error) {
	field := func(f string) string { return "rule " + spec.ID + " " + f }
	if strings.TrimSpace(spec.ID) == "" {
		return nil, errs.Config("waf", "rule id", "must not be empty")
	}
	r := &Rule{
		ID:           spec.ID,
		Name:         spec.Name,
		Pattern:      spec.Pattern,
		Target:       Target(strings.ToLower(string(spec.Target))),
		Action:       Action(strings.ToLower(string(spec.Action))),
		Severity:     Severity(strings.ToLower(string(spec.Severity))),
		Priority:     spec.Priority,
		Enabled:      spec.Enabled == nil || *spec.Enabled,
		RateLimitMax: spec.RateLimitMax,
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Target == "" {
		r.Target = TargetAll
	}
	switch r.Target {
	case TargetURL, TargetHeaders, TargetBody, TargetQuery, TargetAll:
	default:
		return nil, errs.Config("waf", field("target"), fmt.Sprintf("unknown target %q", spec.Target))
	}
	switch r.Action {
	case ActionBlock, ActionLog, ActionChallenge, ActionRateLimit:
	default:
		return nil, errs.Config("waf", field("action"), fmt.Sprintf("unknown action %q", spec.Action))
	}
	if r.Severity.Rank() < 0 {
		return nil, errs.Config("waf", field("severity"), fmt.Sprintf("unknown severity %q", spec.Severity))
	}
	if spec.Pattern == "" {
		return nil, errs.Config("waf", field("pattern"), "must not be empty")
	}
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, errs.Configf("waf", field("pattern"), err, "does not compile")
	}
	r.re = re

	if r.BlockDuration, err = parseOptionalDuration(spec.BlockDuration); err != nil {
		return nil, errs.Configf("waf", field("blockDuration"), err, "invalid duration")
	}
	if r.RateLimitWindow, err = parseOptionalDuration(spec.RateLimitWindow); err != nil {
		return nil, errs.Configf("waf", field("rateLimitWindow"), err, "invalid duration")
	}
	if r.Action == ActionRateLimit && (r.RateLimitWindow <= 0 || r.RateLimitMax <= 0) {
		return nil, errs.Config("waf", field("rateLimit"), "rate_limit rules need rateLimitWindow and rateLimitMax")
	}
	return r, nil
}

// MustCompile is Compile for built-in rules.
func MustCompile(spec RuleSpec) *Rule {
	r, err := Compile(spec)
	if err != nil {
		panic(err)
	}
	return r
}

// Spec returns the serializable form of r.
func (r *Rule) Spec() RuleSpec {
	enabled := r.Enabled
	s := RuleSpec{
		ID:           r.ID,
		Name:         r.Name,
		Pattern:      r.Pattern,
		Target:       r.Target,
		Action:       r.Action,
		Severity:     r.Severity,
		Priority:     r.Priority,
		Enabled:      &enabled,
		RateLimitMax: r.RateLimitMax,
	}
	if r.BlockDuration > 0 {
		s.BlockDuration = r.BlockDuration.String()
	}
	if r.RateLimitWindow > 0 {
		s.RateLimitWindow = r.RateLimitWindow.String()
	}
	return s
}

// withEnabled returns a copy of r with Enabled set.
func (r *Rule) withEnabled(on bool) *Rule {
	cp := *r
	cp.Enabled = on
	return &cp
}

// before orders rules by priority, then insertion.
func (r *Rule) before(o *Rule) bool {
	if r.Priority != o.Priority {
		return r.Priority < o.Priority
	}
	return r.seq < o.seq
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
