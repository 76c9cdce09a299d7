package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/developingchet/reqshield/internal/reputation"
	"github.com/developingchet/reqshield/internal/testutil"
	"github.com/developingchet/reqshield/internal/waf"
	"github.com/rs/zerolog"
)

type fakeBreaker string

func (b fakeBreaker) State() string { return string(b) }

func newHealth(t *testing.T, breaker string) (*Health, *testutil.MockStore) {
	t.Helper()
	clock := testutil.NewClock()
	store := testutil.NewMockStore(clock)
	rep := reputation.New(store, reputation.Options{Clock: clock.Now}, zerolog.Nop())
	engine := waf.New(store, rep, nil, waf.Options{Clock: clock.Now}, zerolog.Nop())
	return &Health{
		Backend:    "memory",
		Store:      store,
		Breaker:    fakeBreaker(breaker),
		Rules:      engine,
		Blocks:     rep,
		QueueDepth: func() int { return 3 },
		Log:        zerolog.Nop(),
	}, store
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h, store := newHealth(t, "closed")
	store.SetDown(true)
	if rec := get(h.Handler(), "/healthz"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("liveness must not depend on the cache: %d %q", rec.Code, rec.Body)
	}
}

func TestReadyz(t *testing.T) {
	h, store := newHealth(t, "closed")
	if rec := get(h.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("ready: status %d", rec.Code)
	}
	store.SetDown(true)
	if rec := get(h.Handler(), "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("cache down: status %d, want 503", rec.Code)
	}
}

func TestStatusReport(t *testing.T) {
	cases := []struct {
		name    string
		breaker string
		down    bool
		want    string
		code    int
	}{
		{"all healthy", "closed", false, Healthy, http.StatusOK},
		{"breaker probing", "half-open", false, Degraded, http.StatusOK},
		{"cache down", "open", true, Unhealthy, http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h, store := newHealth(t, c.breaker)
			store.SetDown(c.down)
			rec := get(h.Handler(), "/status")
			if rec.Code != c.code {
				t.Errorf("status code %d, want %d", rec.Code, c.code)
			}
			var rep StatusReport
			if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
				t.Fatal(err)
			}
			if rep.Status != c.want {
				t.Errorf("overall %q, want %q", rep.Status, c.want)
			}
			for _, name := range []string{"cache", "reputation", "waf", "feed"} {
				if _, ok := rep.Components[name]; !ok {
					t.Errorf("missing component %s", name)
				}
			}
			if c.down && rep.Components["reputation"].Status != Degraded {
				t.Errorf("reputation should degrade, got %q", rep.Components["reputation"].Status)
			}
		})
	}
}

func TestStatusDetails(t *testing.T) {
	h, _ := newHealth(t, "closed")
	rep := h.Report(t.Context())
	if got := rep.Components["cache"].Details["backend"]; got != "memory" {
		t.Errorf("backend = %v", got)
	}
	if got := rep.Components["waf"].Details["totalRules"]; got != len(waf.DefaultRuleSpecs()) {
		t.Errorf("totalRules = %v", got)
	}
	if got := rep.Components["feed"].Details["queueDepth"]; got != 3 {
		t.Errorf("queueDepth = %v", got)
	}
}

func TestWorse(t *testing.T) {
	if worse(Healthy, Degraded) != Degraded || worse(Unhealthy, Degraded) != Unhealthy || worse(Healthy, Healthy) != Healthy {
		t.Error("worse ordering wrong")
	}
}
