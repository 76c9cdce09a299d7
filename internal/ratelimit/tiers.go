package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/reqshield/internal/errs"
	"github.com/developingchet/reqshield/internal/request"
)

// TierLimits holds the request ceilings for the three window granularities.
type TierLimits struct {
	Minute int64 `json:"minute"`
	Hour   int64 `json:"hour"`
	Day    int64 `json:"day"`
}

// For returns the ceiling for a window length. Windows up to a minute use the
// minute limit, up to an hour the hour limit, anything longer the day limit.
func (l TierLimits) For(window time.Duration) int64 {
	switch {
	case window <= time.Minute:
		return l.Minute
	case window <= time.Hour:
		return l.Hour
	default:
		return l.Day
	}
}

// TierTable maps each tier to its limits.
type TierTable map[request.Tier]TierLimits

// DefaultTiers returns the built-in tier table.
func DefaultTiers() TierTable {
	return TierTable{
		request.TierFree:         {Minute: 60, Hour: 1000, Day: 10000},
		request.TierBasic:        {Minute: 120, Hour: 3000, Day: 30000},
		request.TierProfessional: {Minute: 300, Hour: 10000, Day: 100000},
		request.TierEnterprise:   {Minute: 1000, Hour: 50000, Day: 1000000},
	}
}

// DefaultAnonymous is the conservative row applied to unauthenticated traffic.
func DefaultAnonymous() TierLimits {
	return TierLimits{Minute: 30, Hour: 500, Day: 5000}
}

// Validate checks that every tier is present with positive limits and that
// limits never decrease from a lower tier to a higher one.
func (t TierTable) Validate() error {
	var prev *TierLimits
	var prevTier request.Tier
	for _, tier := range request.Tiers {
		l, ok := t[tier]
		if !ok {
			return errs.Config("ratelimit", "tiers", fmt.Sprintf("missing tier %s", tier))
		}
		if l.Minute <= 0 || l.Hour <= 0 || l.Day <= 0 {
			return errs.Config("ratelimit", "tiers", fmt.Sprintf("tier %s has a non-positive limit", tier))
		}
		if prev != nil {
			if l.Minute < prev.Minute || l.Hour < prev.Hour || l.Day < prev.Day {
				return errs.Config("ratelimit", "tiers",
					fmt.Sprintf("tier %s has a lower limit than %s", tier, prevTier))
			}
		}
		cur := l
		prev, prevTier = &cur, tier
	}
	return nil
}

// Limit returns the limit for tier at the given window, falling back to the
// lowest tier for unknown names.
func (t TierTable) Limit(tier request.Tier, window time.Duration) int64 {
	l, ok := t[tier]
	if !ok {
		l = t[request.TierFree]
	}
	return l.For(window)
}

// ParseTierLimits parses "minute/hour/day", e.g. "60/1000/10000".
func ParseTierLimits(s string) (TierLimits, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return TierLimits{}, fmt.Errorf("tier limits %q: want minute/hour/day", s)
	}
	var vals [3]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return TierLimits{}, fmt.Errorf("tier limits %q: %w", s, err)
		}
		vals[i] = n
	}
	return TierLimits{Minute: vals[0], Hour: vals[1], Day: vals[2]}, nil
}

// ParseTierTable parses a comma-separated list of TIER=minute/hour/day entries
// and overlays it on the default table.
func ParseTierTable(entries []string) (TierTable, error) {
	table := DefaultTiers()
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		name, limits, ok := strings.Cut(e, "=")
		if !ok {
			return nil, fmt.Errorf("tier entry %q: want TIER=minute/hour/day", e)
		}
		tier, err := request.ParseTier(name)
		if err != nil {
			return nil, err
		}
		l, err := ParseTierLimits(limits)
		if err != nil {
			return nil, err
		}
		table[tier] = l
	}
	return table, nil
}
