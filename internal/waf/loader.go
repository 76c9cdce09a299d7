package waf

import (
	"bytes"
	"fmt"
	"os"

	"github.com/developingchet/reqshield/internal/errs"
	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk format of WAF_RULES_FILE:
//
//	rules:
//	  - id: admin-probe
//	    name: Admin console probe
//	    pattern: '(?i)^/(phpmyadmin|adminer)'
//	    target: url
//	    action: block
//	    severity: high
//	    priority: 15
//	    blockDuration: 6h
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// ParseRules decodes and compiles a rules document. Unknown fields are
// rejected so a typo does not silently disable a rule attribute.
func ParseRules(data []byte) ([]RuleSpec, error) {
	var f RuleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errs.Configf("waf", "rules file", err, "cannot decode")
	}
	seen := make(map[string]struct{}, len(f.Rules))
	for _, spec := range f.Rules {
		if _, err := Compile(spec); err != nil {
			return nil, err
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, errs.Config("waf", "rules file", fmt.Sprintf("duplicate rule id %q", spec.ID))
		}
		seen[spec.ID] = struct{}{}
	}
	return f.Rules, nil
}

// LoadFile reads and compiles path.
func LoadFile(path string) ([]RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configf("waf", "rules file", err, "cannot read %s", path)
	}
	return ParseRules(data)
}
