package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/developingchet/reqshield/internal/config"
	"github.com/developingchet/reqshield/internal/waf"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// TestRootSubcommands verifies all expected subcommands are registered.
func TestRootSubcommands(t *testing.T) {
	registered := make(map[string]bool)
	for _, cmd := range newRoot().Commands() {
		registered[cmd.Name()] = true
	}
	for _, want := range []string{"run", "version", "healthcheck", "rules"} {
		if !registered[want] {
			t.Errorf("subcommand %q not registered on root command", want)
		}
	}
}

func TestVersionOutput(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version command returned error: %v", err)
	}
	if !strings.Contains(out, "reqshield") {
		t.Errorf("version output %q does not mention reqshield", out)
	}
}

// TestRunDaemonMissingConfig verifies runDaemon returns an error (not panics)
// when UPSTREAM_URL is not set.
func TestRunDaemonMissingConfig(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "")
	if err := runDaemon(); err == nil {
		t.Fatal("expected runDaemon() to return an error when UPSTREAM_URL is missing")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "")
	_, err := config.Load()
	if err == nil {
		t.Fatal("expected config.Load() to return an error with missing required vars")
	}
	if !strings.Contains(err.Error(), "UPSTREAM_URL") {
		t.Errorf("expected error message to mention UPSTREAM_URL; got: %v", err)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRulesValidate(t *testing.T) {
	t.Setenv("WAF_RULES_FILE", "")
	out, err := execute(t, "rules", "validate")
	if err != nil || !strings.Contains(out, "built-in catalog") {
		t.Errorf("catalog only: %q, %v", out, err)
	}

	good := writeFile(t, "rules:\n  - id: admin-probe\n    pattern: '^/adminer'\n    target: url\n    action: block\n    severity: high\n")
	out, err = execute(t, "rules", "validate", good)
	if err != nil || !strings.Contains(out, "1 rules OK") {
		t.Errorf("valid file: %q, %v", out, err)
	}

	bad := writeFile(t, "rules:\n  - id: broken\n    pattern: '('\n    action: block\n    severity: high\n")
	if _, err := execute(t, "rules", "validate", bad); err == nil {
		t.Error("invalid pattern should fail validation")
	}

	typo := writeFile(t, "rules:\n  - id: typo\n    patern: 'x'\n")
	if _, err := execute(t, "rules", "validate", typo); err == nil {
		t.Error("unknown field should fail validation")
	}
}

func TestRulesListMergesFile(t *testing.T) {
	path := writeFile(t, "rules:\n  - id: xss-script-tag\n    pattern: '<script'\n    action: log\n    severity: low\n    priority: 1\n")
	out, err := execute(t, "rules", "list", "--file", path, "--output", "json")
	if err != nil {
		t.Fatal(err)
	}
	var specs []waf.RuleSpec
	if err := json.Unmarshal([]byte(out), &specs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(specs) != len(waf.DefaultRuleSpecs()) {
		t.Errorf("override should replace, got %d rules", len(specs))
	}
	if specs[0].ID != "xss-script-tag" || specs[0].Action != waf.ActionLog {
		t.Errorf("first rule %+v", specs[0])
	}
}

func TestRulesListYAML(t *testing.T) {
	out, err := execute(t, "rules", "list")
	if err != nil {
		t.Fatal(err)
	}
	specs, err := waf.ParseRules([]byte(out))
	if err != nil {
		t.Fatalf("listed rules do not round-trip through the loader: %v", err)
	}
	if len(specs) != len(waf.DefaultRuleSpecs()) {
		t.Errorf("got %d rules", len(specs))
	}
	if _, err := execute(t, "rules", "list", "-o", "xml"); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestBuildLoggerMasksSecrets(t *testing.T) {
	cfg := &config.Config{LogLevel: "info", LogFormat: "json", AdminToken: "super-secret-admin-token"}
	var buf bytes.Buffer
	log := buildLogger(cfg, &buf)
	log.Info().Str("detail", "token super-secret-admin-token leaked").Msg("test")
	if strings.Contains(buf.String(), "super-secret-admin-token") {
		t.Errorf("secret not masked: %s", buf.String())
	}
}
