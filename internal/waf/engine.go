// Package waf implements the request firewall: a prioritized set of regular
// expression rules evaluated against request content, with risk scoring,
// incident recording and escalation to IP blocks.
package waf

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/developingchet/reqshield/internal/cache"
	"github.com/developingchet/reqshield/internal/metrics"
	"github.com/developingchet/reqshield/internal/ratelimit"
	"github.com/developingchet/reqshield/internal/request"
	"github.com/rs/zerolog"
)

var (
	ErrRuleExists   = errors.New("waf: rule already exists")
	ErrRuleNotFound = errors.New("waf: rule not found")
)

const blockSource = "waf"

// Blocklist is the IP reputation capability the engine writes blocks to.
type Blocklist interface {
	Block(ctx context.Context, ip, reason string, d time.Duration, source string) error
	Count(ctx context.Context) (int, error)
}

// RateChecker runs the sliding-window checks behind rate_limit rules.
type RateChecker interface {
	Check(ctx context.Context, key string, cfg ratelimit.Config) ratelimit.Result
}

// Options configure an Engine.
type Options struct {
	DefaultBlockDuration  time.Duration
	MaxBodyBytes          int64
	EmergencyMaxBodyBytes int64
	IncidentRetention     time.Duration
	IncidentBuffer        int
	Clock                 func() time.Time
}

// Match describes one matched rule.
type Match struct {
	RuleID   string   `json:"ruleId"`
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Action   Action   `json:"action"`
}

// Evaluation is the pure result of running the rule set over a request.
type Evaluation struct {
	Triggered         bool          `json:"triggered"`
	Matched           []Match       `json:"matched,omitempty"`
	HighestSeverity   Severity      `json:"highestSeverity,omitempty"`
	RecommendedAction Action        `json:"recommendedAction,omitempty"`
	RiskScore         int           `json:"riskScore"`
	BlockDuration     time.Duration `json:"-"`

	// DecidingRule is the display name of the rule that determined the
	// recommended action.
	DecidingRule string `json:"-"`

	rules []*Rule
}

// Verdict is an Evaluation after side effects: rate_limit escalation, IP
// blocking and incident recording.
type Verdict struct {
	Evaluation
	// Action is the final action. Empty when nothing matched.
	Action   Action
	RuleName string
	// Oversize is set when the body exceeded the active body limit. No rules
	// run in that case.
	Oversize bool
	Incident *Incident
}

// Denied reports whether the request must be rejected.
func (v Verdict) Denied() bool {
	return v.Oversize || v.Action == ActionBlock || v.Action == ActionChallenge
}

// Engine holds the rule set. It is safe for concurrent use; rule changes take
// effect on the next evaluation.
type Engine struct {
	store     cache.Store
	blocklist Blocklist
	limiter   RateChecker
	opts      Options
	log       zerolog.Logger

	mu      sync.RWMutex
	rules   map[string]*Rule
	ordered []*Rule
	seq     uint64

	emergency     atomic.Bool
	emergencySet  []*Rule
	incidents     *incidentLog
	persistErrors atomic.Int64
}

// New returns an Engine loaded with the default catalog.
func New(store cache.Store, blocklist Blocklist, limiter RateChecker, opts Options, log zerolog.Logger) *Engine {
	if opts.DefaultBlockDuration <= 0 {
		opts.DefaultBlockDuration = time.Hour
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.EmergencyMaxBodyBytes <= 0 || opts.EmergencyMaxBodyBytes > opts.MaxBodyBytes {
		opts.EmergencyMaxBodyBytes = min(64<<10, opts.MaxBodyBytes)
	}
	if opts.IncidentRetention <= 0 {
		opts.IncidentRetention = 24 * time.Hour
	}
	if opts.IncidentBuffer <= 0 {
		opts.IncidentBuffer = 50
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	e := &Engine{
		store:        store,
		blocklist:    blocklist,
		limiter:      limiter,
		opts:         opts,
		log:          log.With().Str("component", "waf").Logger(),
		rules:        make(map[string]*Rule),
		emergencySet: emergencyRules(),
		incidents:    newIncidentLog(opts.IncidentBuffer),
	}
	for _, spec := range DefaultRuleSpecs() {
		e.put(MustCompile(spec))
	}
	e.rebuild()
	return e
}

// put inserts or replaces r. A replaced rule keeps its insertion position.
// Caller holds mu.
func (e *Engine) put(r *Rule) {
	if old, ok := e.rules[r.ID]; ok {
		r.seq = old.seq
	} else {
		e.seq++
		r.seq = e.seq
	}
	e.rules[r.ID] = r
}

// rebuild recomputes the evaluation order. Caller holds mu.
func (e *Engine) rebuild() {
	ordered := make([]*Rule, 0, len(e.rules))
	enabled := 0
	for _, r := range e.rules {
		ordered = append(ordered, r)
		if r.Enabled {
			enabled++
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].before(ordered[j]) })
	e.ordered = ordered
	metrics.WAFRules.WithLabelValues("enabled").Set(float64(enabled))
	metrics.WAFRules.WithLabelValues("disabled").Set(float64(len(ordered) - enabled))
}

func (e *Engine) active() []*Rule {
	if e.emergency.Load() {
		return e.emergencySet
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ordered
}

// AddRule compiles spec and adds it. An existing id is ErrRuleExists.
func (e *Engine) AddRule(spec RuleSpec) (*Rule, error) {
	r, err := Compile(spec)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[r.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
	}
	e.put(r)
	e.rebuild()
	e.log.Info().Str("rule", r.ID).Str("action", string(r.Action)).Str("severity", string(r.Severity)).Msg("rule added")
	return r, nil
}

// RemoveRule deletes a rule by id.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(e.rules, id)
	e.rebuild()
	e.log.Info().Str("rule", id).Msg("rule removed")
	return nil
}

// ToggleRule enables or disables a rule. Disabled rules are retained.
func (e *Engine) ToggleRule(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	e.rules[id] = r.withEnabled(enabled)
	e.rebuild()
	e.log.Info().Str("rule", id).Bool("enabled", enabled).Msg("rule toggled")
	return nil
}

// Merge compiles specs and upserts them by id. Nothing is applied unless
// every spec compiles.
func (e *Engine) Merge(specs []RuleSpec) error {
	compiled := make([]*Rule, 0, len(specs))
	for _, s := range specs {
		r, err := Compile(s)
		if err != nil {
			return err
		}
		compiled = append(compiled, r)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range compiled {
		e.put(r)
	}
	e.rebuild()
	return nil
}

// Rules returns the rule set in evaluation order.
func (e *Engine) Rules() []RuleSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RuleSpec, 0, len(e.ordered))
	for _, r := range e.ordered {
		out = append(out, r.Spec())
	}
	return out
}

// Rule returns one rule by id.
func (e *Engine) Rule(id string) (RuleSpec, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return RuleSpec{}, false
	}
	return r.Spec(), true
}

// SetEmergencyMode swaps evaluation to the stricter built-in subset and
// tightens the body limit.
func (e *Engine) SetEmergencyMode(on bool) {
	if e.emergency.Swap(on) == on {
		return
	}
	if on {
		metrics.WAFEmergencyMode.Set(1)
		e.log.Warn().Int("rules", len(e.emergencySet)).Int64("max_body_bytes", e.opts.EmergencyMaxBodyBytes).
			Msg("emergency mode enabled")
		return
	}
	metrics.WAFEmergencyMode.Set(0)
	e.log.Info().Msg("emergency mode disabled")
}

// EmergencyMode reports whether emergency mode is active.
func (e *Engine) EmergencyMode() bool { return e.emergency.Load() }

// BodyLimit returns the body size limit currently in force.
func (e *Engine) BodyLimit() int64 {
	if e.emergency.Load() {
		return e.opts.EmergencyMaxBodyBytes
	}
	return e.opts.MaxBodyBytes
}

// MaxBodyLimit returns the largest body limit any mode uses; callers read at
// most this many bytes.
func (e *Engine) MaxBodyLimit() int64 { return e.opts.MaxBodyBytes }

// Evaluate runs every enabled rule in priority order and collects all matches.
// It has no side effects.
func (e *Engine) Evaluate(_ context.Context, desc *request.Descriptor) Evaluation {
	c := newContent(desc)
	var ev Evaluation
	for _, r := range e.active() {
		if !r.Enabled {
			continue
		}
		if c.match(r) {
			ev.add(r)
		}
	}
	ev.resolve(e.opts.DefaultBlockDuration)
	return ev
}

func (ev *Evaluation) add(r *Rule) {
	ev.Triggered = true
	ev.rules = append(ev.rules, r)
	ev.Matched = append(ev.Matched, Match{RuleID: r.ID, Name: r.Name, Severity: r.Severity, Action: r.Action})
	if r.Severity.Rank() > ev.HighestSeverity.Rank() {
		ev.HighestSeverity = r.Severity
	}
	ev.RiskScore = min(100, ev.RiskScore+r.Severity.Weight())
}

// resolve applies the escalation order: block if any matched rule blocks or
// is critical, else challenge if any is high, else log.
func (ev *Evaluation) resolve(defaultBlock time.Duration) {
	if !ev.Triggered {
		return
	}
	var blockBy, challengeBy *Rule
	for _, r := range ev.rules {
		if blockBy == nil && (r.Action == ActionBlock || r.Severity == SeverityCritical) {
			blockBy = r
		}
		if challengeBy == nil && r.Severity == SeverityHigh {
			challengeBy = r
		}
		if ev.BlockDuration == 0 && r.BlockDuration > 0 {
			ev.BlockDuration = r.BlockDuration
		}
	}
	if ev.BlockDuration == 0 {
		ev.BlockDuration = defaultBlock
	}
	switch {
	case blockBy != nil:
		ev.RecommendedAction, ev.DecidingRule = ActionBlock, blockBy.Name
	case challengeBy != nil:
		ev.RecommendedAction, ev.DecidingRule = ActionChallenge, challengeBy.Name
	default:
		ev.RecommendedAction, ev.DecidingRule = ActionLog, ev.rules[0].Name
	}
}

// Inspect evaluates desc and applies side effects: rate_limit rules are
// counted per (ip, rule) and escalate to block when exceeded, blocks are
// written to the blocklist, and an incident is recorded for every match.
func (e *Engine) Inspect(ctx context.Context, desc *request.Descriptor) Verdict {
	if desc.BodyTruncated || int64(len(desc.Body)) > e.BodyLimit() {
		return Verdict{Oversize: true}
	}
	ev := e.Evaluate(ctx, desc)
	v := Verdict{Evaluation: ev}
	if !ev.Triggered {
		return v
	}
	v.Action, v.RuleName = ev.RecommendedAction, ev.DecidingRule

	if v.Action != ActionBlock {
		if r := e.exceededRateRule(ctx, desc.SourceIP, ev.rules); r != nil {
			v.Action, v.RuleName = ActionBlock, r.Name
			if r.BlockDuration > 0 {
				v.BlockDuration = r.BlockDuration
			}
		}
	}

	for _, m := range ev.Matched {
		metrics.WAFMatches.WithLabelValues(m.RuleID, string(m.Severity)).Inc()
	}
	metrics.WAFActions.WithLabelValues(string(v.Action)).Inc()

	if v.Action == ActionBlock && desc.SourceIP != "" && e.blocklist != nil {
		reason := "firewall rule: " + v.RuleName
		if err := e.blocklist.Block(ctx, desc.SourceIP, reason, v.BlockDuration, blockSource); err != nil {
			e.log.Debug().Err(err).Str("ip", desc.SourceIP).Msg("block not fully persisted")
		}
	}
	v.Incident = e.recordIncident(ctx, desc, v)

	logEv := e.log.Info()
	if v.Action == ActionLog {
		logEv = e.log.Debug()
	}
	logEv.Str("incident", v.Incident.ID).Str("ip", desc.SourceIP).Str("method", desc.Method).
		Str("path", desc.Path).Strs("rules", v.Incident.RulesTriggered).Str("action", string(v.Action)).
		Int("risk", v.RiskScore).Msg("firewall rules matched")
	return v
}

func (e *Engine) exceededRateRule(ctx context.Context, ip string, matched []*Rule) *Rule {
	if e.limiter == nil || ip == "" {
		return nil
	}
	var exceeded *Rule
	for _, r := range matched {
		if r.Action != ActionRateLimit {
			continue
		}
		res := e.limiter.Check(ctx, ip, ratelimit.Config{
			ID:     "waf:" + r.ID,
			Mode:   ratelimit.ModeSliding,
			Window: r.RateLimitWindow,
			Max:    r.RateLimitMax,
		})
		if !res.Allowed && exceeded == nil {
			exceeded = r
		}
	}
	return exceeded
}

// content extracts and memoizes per-target inspection strings. Each target
// yields the raw text and, when different, its percent-decoded form.
type content struct {
	desc *request.Descriptor
	memo map[Target][]string
}

func newContent(desc *request.Descriptor) *content {
	return &content{desc: desc, memo: make(map[Target][]string, 5)}
}

func (c *content) match(r *Rule) bool {
	for _, s := range c.variants(r.Target) {
		if r.re.MatchString(s) {
			return true
		}
	}
	return false
}

func (c *content) variants(t Target) []string {
	if v, ok := c.memo[t]; ok {
		return v
	}
	var raw string
	switch t {
	case TargetURL:
		raw = c.desc.URL()
	case TargetQuery:
		raw = c.desc.RawQuery
	case TargetBody:
		raw = string(c.desc.Body)
	case TargetHeaders:
		raw = headerBlob(c.desc)
	default:
		raw = c.desc.URL() + "\n" + headerBlob(c.desc) + "\n" + string(c.desc.Body)
	}
	v := []string{raw}
	if dec := percentDecode(raw); dec != "" && dec != raw {
		v = append(v, dec)
	}
	c.memo[t] = v
	return v
}

// headerBlob renders headers as "Name: value" lines in sorted order.
func headerBlob(desc *request.Descriptor) string {
	if len(desc.Headers) == 0 {
		return ""
	}
	names := make([]string, 0, len(desc.Headers))
	for k := range desc.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		for _, v := range desc.Headers[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func percentDecode(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return ""
	}
	if dec, err := url.QueryUnescape(s); err == nil {
		return dec
	}
	if dec, err := url.PathUnescape(s); err == nil {
		return dec
	}
	return ""
}
