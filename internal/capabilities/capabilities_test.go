package capabilities

import (
	"testing"
)

// BouncerType is sent verbatim as the usage-metrics component type.
func TestBouncerType(t *testing.T) {
	if BouncerType != "reqshield" {
		t.Errorf("BouncerType = %q, want %q", BouncerType, "reqshield")
	}
}

func TestLayer(t *testing.T) {
	if Layer != "application" {
		t.Errorf("Layer = %q, want %q", Layer, "application")
	}
}

func TestRemediationSupport(t *testing.T) {
	cases := []struct {
		name string
		got  bool
		want bool
	}{
		{"SupportsBan", SupportsBan, true},
		{"SupportsCaptcha", SupportsCaptcha, false},
		{"SupportsAppSec", SupportsAppSec, false},
		{"SupportsPerRequestDecisions", SupportsPerRequestDecisions, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.got != c.want {
				t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	if got := UserAgent("1.0.0"); got != "crowdsec-reqshield-bouncer/v1.0.0" {
		t.Errorf("UserAgent = %q", got)
	}
}

func TestFeaturesFresh(t *testing.T) {
	f := Features()
	f[0] = "mutated"
	if Features()[0] != "reputation" {
		t.Error("Features must return a fresh slice")
	}
}
