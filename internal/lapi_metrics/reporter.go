// Package lapi_metrics reports request usage to the CrowdSec LAPI
// /v1/usage-metrics endpoint.
package lapi_metrics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/reqshield/internal/capabilities"
	"github.com/rs/zerolog"
)

const minInterval = 10 * time.Minute

type originKey struct {
	origin          string
	remediationType string
}

type metricEntry struct {
	Name   string            `json:"name"`
	Value  int64             `json:"value"`
	Unit   string            `json:"unit"`
	Labels map[string]string `json:"labels,omitempty"`
}

type osMeta struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type windowMeta struct {
	WindowSizeSeconds   int64 `json:"window_size_seconds"`
	UtcStartupTimestamp int64 `json:"utc_startup_timestamp"`
	UtcNowTimestamp     int64 `json:"utc_now_timestamp"`
}

type component struct {
	Type     string        `json:"type"`
	Version  string        `json:"version"`
	Os       osMeta        `json:"os"`
	Features []string      `json:"features"`
	Meta     windowMeta    `json:"meta"`
	Metrics  []metricEntry `json:"metrics"`
}

type payload struct {
	RemediationComponents []component `json:"remediation_components"`
}

// Reporter accumulates processed and blocked request counts and pushes them
// on an interval. It satisfies pipeline.UsageRecorder.
type Reporter struct {
	lapiURL     string
	apiKey      string
	version     string
	interval    time.Duration
	startupTime time.Time
	log         zerolog.Logger
	httpClient  *http.Client

	mu        sync.Mutex
	blocked   map[originKey]int64
	processed int64
}

// NewReporter returns a Reporter. An interval between 0 and 10m is raised to
// 10m; zero disables pushing. A nil client gets a 5s-timeout default.
func NewReporter(lapiURL, apiKey, version string, interval time.Duration, client *http.Client, log zerolog.Logger) *Reporter {
	log = log.With().Str("component", "lapi_metrics").Logger()
	if interval > 0 && interval < minInterval {
		log.Warn().Dur("requested", interval).Dur("enforced", minInterval).
			Msg("LAPI_METRICS_PUSH_INTERVAL below minimum; clamping to 10m")
		interval = minInterval
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Reporter{
		lapiURL:     lapiURL,
		apiKey:      apiKey,
		version:     version,
		interval:    interval,
		startupTime: time.Now(),
		log:         log,
		httpClient:  client,
		blocked:     make(map[originKey]int64),
	}
}

// RecordProcessed counts one inspected request.
func (r *Reporter) RecordProcessed() {
	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
}

// RecordBlocked counts one rejected request. origin is the block source or
// the rejecting stage.
func (r *Reporter) RecordBlocked(origin, remediationType string) {
	if origin == "" {
		origin = "reqshield"
	}
	r.mu.Lock()
	r.blocked[originKey{origin, remediationType}]++
	r.mu.Unlock()
}

// Run pushes on every tick until ctx ends, then makes a final push. It
// returns at once when the interval is zero.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval == 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.push(ctx); err != nil {
				r.log.Warn().Err(err).Msg("lapi usage-metrics push failed")
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := r.push(shutdownCtx); err != nil {
				r.log.Warn().Err(err).Msg("lapi usage-metrics final push failed")
			}
			return
		}
	}
}

// snapshot returns and resets the counters. Blocked entries are sorted by
// origin then type.
func (r *Reporter) snapshot() ([]metricEntry, int64) {
	r.mu.Lock()
	blocked, processed := r.blocked, r.processed
	r.blocked = make(map[originKey]int64)
	r.processed = 0
	r.mu.Unlock()

	items := make([]metricEntry, 0, len(blocked)+1)
	for key, count := range blocked {
		if count <= 0 {
			continue
		}
		items = append(items, metricEntry{
			Name:  "blocked",
			Value: count,
			Unit:  "request",
			Labels: map[string]string{
				"origin":           key.origin,
				"remediation_type": key.remediationType,
			},
		})
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].Labels, items[j].Labels
		if a["origin"] != b["origin"] {
			return a["origin"] < b["origin"]
		}
		return a["remediation_type"] < b["remediation_type"]
	})
	return items, processed
}

func (r *Reporter) push(ctx context.Context) error {
	items, processed := r.snapshot()
	items = append(items, metricEntry{Name: "processed", Value: processed, Unit: "request"})

	osName, osVersion := detectOS()
	body, err := json.Marshal(payload{
		RemediationComponents: []component{{
			Type:     capabilities.BouncerType,
			Version:  r.version,
			Os:       osMeta{Name: osName, Version: osVersion},
			Features: capabilities.Features(),
			Meta: windowMeta{
				WindowSizeSeconds:   int64(r.interval.Seconds()),
				UtcStartupTimestamp: r.startupTime.Unix(),
				UtcNowTimestamp:     time.Now().Unix(),
			},
			Metrics: items,
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal usage-metrics payload: %w", err)
	}

	url := strings.TrimRight(r.lapiURL, "/") + "/v1/usage-metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage-metrics request: %w", err)
	}
	req.Header.Set("X-Api-Key", r.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", capabilities.UserAgent(r.version))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST usage-metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.log.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("lapi usage-metrics returned non-2xx")
	}
	return nil
}

// detectOS returns runtime.GOOS and VERSION_ID from /etc/os-release when it
// can be read.
func detectOS() (name, version string) {
	name = runtime.GOOS
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return name, ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(scanner.Text(), "VERSION_ID="); ok {
			return name, strings.Trim(v, `"`)
		}
	}
	return name, ""
}
