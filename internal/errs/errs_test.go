package errs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
)

func TestConfigErrorMessage(t *testing.T) {
	err := Config("ratelimit", "tiers", "BASIC minute limit below FREE")
	want := "ratelimit: invalid tiers: BASIC minute limit below FREE"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestConfigErrorWrapsCause(t *testing.T) {
	_, cause := regexp.Compile("(")
	err := Configf("waf", "pattern", cause, "rule %s", "sqli-union")
	if !errors.Is(err, cause) {
		t.Error("ConfigError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "rule sqli-union") {
		t.Errorf("missing reason in %q", err.Error())
	}
}

func TestIsConfig(t *testing.T) {
	wrapped := fmt.Errorf("startup: %w", Config("csrf", "secret_ttl", "must be positive"))
	if !IsConfig(wrapped) {
		t.Error("IsConfig should see through wrapping")
	}
	if IsConfig(errors.New("plain")) {
		t.Error("plain error is not a ConfigError")
	}
}
