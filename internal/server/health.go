package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/developingchet/reqshield/internal/cache"
	"github.com/developingchet/reqshield/internal/waf"
	"github.com/rs/zerolog"
)

// Component health levels.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// BlockCounter reports the blocklist size.
type BlockCounter interface {
	Count(ctx context.Context) (int, error)
	LocalSize() int
}

// RuleCounter reports rule statistics.
type RuleCounter interface {
	Stats(ctx context.Context) waf.Stats
}

// Health serves liveness, readiness and the per-component status report.
type Health struct {
	Backend string
	Store   cache.Store
	// Breaker is the guarded store's circuit state, if the store is guarded.
	Breaker interface{ State() string }
	Rules   RuleCounter
	Blocks  BlockCounter
	// QueueDepth reports the decision feed backlog; nil when the feed is off.
	QueueDepth func() int
	Log        zerolog.Logger
}

// ComponentStatus is one entry of the status report.
type ComponentStatus struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// StatusReport is the /status body.
type StatusReport struct {
	Status     string                     `json:"status"`
	CheckedAt  time.Time                  `json:"checkedAt"`
	Components map[string]ComponentStatus `json:"components"`
}

// Handler returns the health router.
func (h *Health) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := h.Store.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: shared cache unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		report := h.Report(r.Context())
		status := http.StatusOK
		if report.Status == Unhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}

// Report checks every component. The overall status is the worst of them.
func (h *Health) Report(ctx context.Context) StatusReport {
	rep := StatusReport{
		Status:     Healthy,
		CheckedAt:  time.Now().UTC(),
		Components: make(map[string]ComponentStatus, 4),
	}
	rep.Components["cache"] = h.cacheStatus(ctx)
	if h.Blocks != nil {
		rep.Components["reputation"] = h.reputationStatus(ctx)
	}
	if h.Rules != nil {
		s := h.Rules.Stats(ctx)
		rep.Components["waf"] = ComponentStatus{Status: Healthy, Details: map[string]any{
			"totalRules":    s.TotalRules,
			"enabledRules":  s.EnabledRules,
			"emergencyMode": s.EmergencyMode,
		}}
	}
	if h.QueueDepth != nil {
		rep.Components["feed"] = ComponentStatus{Status: Healthy, Details: map[string]any{
			"queueDepth": h.QueueDepth(),
		}}
	}
	for _, c := range rep.Components {
		rep.Status = worse(rep.Status, c.Status)
	}
	return rep
}

func (h *Health) cacheStatus(ctx context.Context) ComponentStatus {
	details := map[string]any{"backend": h.Backend}
	breaker := "closed"
	if h.Breaker != nil {
		breaker = h.Breaker.State()
		details["breaker"] = breaker
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(pingCtx); err != nil {
		h.Log.Debug().Err(err).Msg("status: cache ping failed")
		details["reachable"] = false
		return ComponentStatus{Status: Unhealthy, Details: details}
	}
	details["reachable"] = true
	if breaker != "closed" {
		return ComponentStatus{Status: Degraded, Details: details}
	}
	return ComponentStatus{Status: Healthy, Details: details}
}

func (h *Health) reputationStatus(ctx context.Context) ComponentStatus {
	details := map[string]any{"localEntries": h.Blocks.LocalSize()}
	n, err := h.Blocks.Count(ctx)
	if err != nil {
		// Lookups still run against the local tier.
		details["blockedIps"] = -1
		return ComponentStatus{Status: Degraded, Details: details}
	}
	details["blockedIps"] = n
	return ComponentStatus{Status: Healthy, Details: details}
}

func worse(a, b string) string {
	rank := map[string]int{Healthy: 0, Degraded: 1, Unhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
