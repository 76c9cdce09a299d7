package waf

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/developingchet/reqshield/internal/errs"
)

const sampleRules = `
rules:
  - id: wp-admin-probe
    name: WordPress admin probe
    pattern: '(?i)^/wp-(admin|login)'
    target: url
    action: block
    severity: medium
    priority: 15
    blockDuration: 6h
  - id: api-scraper
    pattern: '(?i)^/api/v1/export'
    target: url
    action: rate_limit
    severity: low
    priority: 250
    rateLimitWindow: 1m
    rateLimitMax: 5
  - id: null-byte
    pattern: '%00'
    action: log
    severity: low
    priority: 310
    enabled: false
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 3 {
		t.Fatalf("got %d rules", len(rules))
	}
	wp := rules[0]
	if wp.ID != "wp-admin-probe" || wp.Target != TargetURL || wp.BlockDuration != "6h" {
		t.Errorf("unexpected first rule %+v", wp)
	}
	if rules[1].RateLimitMax != 5 || rules[1].Target != TargetURL {
		t.Errorf("unexpected rate rule %+v", rules[1])
	}
	if rules[2].Enabled == nil || *rules[2].Enabled {
		t.Error("enabled: false not honored")
	}
}

func TestParseRulesErrors(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "rules:\n  - id: a\n    pattern: x\n    action: log\n    severity: low\n    weight: 3\n",
		"bad regex":      "rules:\n  - id: a\n    pattern: '(x'\n    action: log\n    severity: low\n",
		"duplicate id":   "rules:\n  - {id: a, pattern: x, action: log, severity: low}\n  - {id: a, pattern: y, action: log, severity: low}\n",
		"missing window": "rules:\n  - {id: a, pattern: x, action: rate_limit, severity: low}\n",
		"not yaml":       "rules: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRules([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	_, err := ParseRules([]byte(cases["bad regex"]))
	if !errs.IsConfig(err) {
		t.Errorf("compile failure should be a ConfigError, got %v", err)
	}
}

func TestLoadFileAndMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRules), 0o600); err != nil {
		t.Fatal(err)
	}
	specs, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(t)
	before := len(h.engine.Rules())
	if err := h.engine.Merge(specs); err != nil {
		t.Fatal(err)
	}
	// null-byte overrides the built-in rule, the other two are new.
	if got := len(h.engine.Rules()); got != before+2 {
		t.Fatalf("rules = %d, want %d", got, before+2)
	}
	if r, _ := h.engine.Rule("null-byte"); *r.Enabled {
		t.Error("override should disable the built-in null-byte rule")
	}
	if ev := h.engine.Evaluate(t.Context(), desc("GET", "/wp-login.php", "")); ev.RecommendedAction != ActionBlock {
		t.Errorf("file rule not applied: %+v", ev)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}

func TestMergeIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	before := len(h.engine.Rules())
	err := h.engine.Merge([]RuleSpec{
		{ID: "good", Pattern: "x", Action: ActionLog, Severity: SeverityLow},
		{ID: "bad", Pattern: "(", Action: ActionLog, Severity: SeverityLow},
	})
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("want error naming the bad rule, got %v", err)
	}
	if got := len(h.engine.Rules()); got != before {
		t.Fatalf("partial merge applied: %d rules", got)
	}
}
