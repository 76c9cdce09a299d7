package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/reqshield/internal/decision"
	"github.com/developingchet/reqshield/internal/errs"
	"github.com/developingchet/reqshield/internal/request"
	"github.com/developingchet/reqshield/internal/testutil"
	"github.com/rs/zerolog"
)

func newTestLimiter(t *testing.T, opts Options) (*Limiter, *testutil.MockStore, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	store := testutil.NewMockStore(clock)
	opts.Clock = clock.Now
	l, err := New(store, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, store, clock
}

func freeUser(id string) *request.Descriptor {
	return &request.Descriptor{
		Method:    "GET",
		Path:      "/api/jobs",
		SourceIP:  "203.0.113.10",
		Principal: &request.Principal{ID: id, Role: "user", Tier: request.TierFree},
	}
}

func TestFreeTierSixtyFirstRequestDenied(t *testing.T) {
	l, _, clock := newTestLimiter(t, Options{})
	ctx := context.Background()
	cfgs := []Config{{ID: "minute", Mode: ModeFixed, Window: time.Minute, Tiered: true}}
	desc := freeUser("u-1")

	for i := 1; i <= 60; i++ {
		res := l.CheckRequest(ctx, desc, cfgs)
		if !res.Allowed {
			t.Fatalf("request %d denied", i)
		}
		if res.Limit != 60 || res.Remaining != int64(60-i) {
			t.Fatalf("request %d: limit=%d remaining=%d", i, res.Limit, res.Remaining)
		}
		clock.Advance(500 * time.Millisecond)
	}
	res := l.CheckRequest(ctx, desc, cfgs)
	if res.Allowed {
		t.Fatal("request 61 should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter(clock.Now()) <= 0 {
		t.Error("denied result should carry a positive retry-after")
	}
}

func TestFixedWindowBoundaryBurst(t *testing.T) {
	l, _, clock := newTestLimiter(t, Options{})
	ctx := context.Background()
	cfg := Config{ID: "fixed", Mode: ModeFixed, Window: time.Minute, Max: 5}

	// Last millisecond of the 09:00 window.
	clock.Set(time.Date(2026, 3, 2, 9, 0, 59, 999_000_000, time.UTC))
	for i := 0; i < 5; i++ {
		if res := l.Check(ctx, "k", cfg); !res.Allowed {
			t.Fatalf("first window request %d denied", i)
		}
	}
	// First millisecond of the next window: a fresh counter.
	clock.Set(time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC))
	for i := 0; i < 5; i++ {
		if res := l.Check(ctx, "k", cfg); !res.Allowed {
			t.Fatalf("second window request %d denied", i)
		}
	}
	res := l.Check(ctx, "k", cfg)
	if res.Allowed {
		t.Fatal("sixth request in the second window should be denied")
	}
	if want := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC); !res.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %s, want %s", res.ResetAt, want)
	}
}

func TestSlidingWindowCorrectness(t *testing.T) {
	cases := []struct {
		name   string
		events int
		max    int64
	}{
		{"under limit", 4, 5},
		{"at limit", 5, 5},
		{"over by three", 8, 5},
		{"over by many", 20, 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			l, _, clock := newTestLimiter(t, Options{})
			ctx := context.Background()
			cfg := Config{ID: "burst", Mode: ModeSliding, Window: 10 * time.Second, Max: c.max}

			denied := 0
			for i := 0; i < c.events; i++ {
				res := l.Check(ctx, "ip:1.2.3.4", cfg)
				if int64(i) < c.max && !res.Allowed {
					t.Fatalf("event %d should be allowed", i)
				}
				if !res.Allowed {
					denied++
				}
				clock.Advance(100 * time.Millisecond)
			}
			want := c.events - int(c.max)
			if want < 0 {
				want = 0
			}
			if denied != want {
				t.Fatalf("denied %d events, want %d", denied, want)
			}

			// Everything above is now older than the window.
			clock.Advance(10 * time.Second)
			if res := l.Check(ctx, "ip:1.2.3.4", cfg); !res.Allowed || res.Count != 1 {
				t.Fatalf("events before the window must not count: allowed=%v count=%d", res.Allowed, res.Count)
			}
		})
	}
}

func TestSlidingWindowSlides(t *testing.T) {
	l, _, clock := newTestLimiter(t, Options{})
	ctx := context.Background()
	cfg := Config{ID: "burst", Mode: ModeSliding, Window: 10 * time.Second, Max: 3}

	for i := 0; i < 3; i++ {
		l.Check(ctx, "k", cfg)
		clock.Advance(4 * time.Second)
	}
	// t=12s: the t=0 event has left the window, t=4 and t=8 remain.
	res := l.Check(ctx, "k", cfg)
	if !res.Allowed || res.Remaining != 0 {
		t.Fatalf("allowed=%v remaining=%d", res.Allowed, res.Remaining)
	}
	if res := l.Check(ctx, "k", cfg); res.Allowed {
		t.Fatal("window is full again")
	}
}

func TestTierMonotonicity(t *testing.T) {
	table := DefaultTiers()
	if err := table.Validate(); err != nil {
		t.Fatalf("default tiers invalid: %v", err)
	}
	for _, w := range []time.Duration{time.Minute, time.Hour, 24 * time.Hour} {
		for i := 1; i < len(request.Tiers); i++ {
			lo, hi := request.Tiers[i-1], request.Tiers[i]
			if table.Limit(lo, w) > table.Limit(hi, w) {
				t.Errorf("%s limit above %s at %s", lo, hi, w)
			}
		}
	}

	bad := DefaultTiers()
	bad[request.TierBasic] = TierLimits{Minute: 10, Hour: 3000, Day: 30000}
	if _, err := New(testutil.NewMockStore(nil), Options{Tiers: bad}, zerolog.Nop()); !errs.IsConfig(err) {
		t.Fatalf("non-monotonic table: want ConfigError, got %v", err)
	}

	missing := DefaultTiers()
	delete(missing, request.TierEnterprise)
	if err := missing.Validate(); !errs.IsConfig(err) {
		t.Fatalf("missing tier: want ConfigError, got %v", err)
	}
}

func TestParseTierTable(t *testing.T) {
	table, err := ParseTierTable([]string{"free=10/100/1000", "ENTERPRISE=5000/90000/2000000"})
	if err != nil {
		t.Fatal(err)
	}
	if table[request.TierFree] != (TierLimits{10, 100, 1000}) {
		t.Errorf("FREE = %+v", table[request.TierFree])
	}
	if table[request.TierBasic] != DefaultTiers()[request.TierBasic] {
		t.Error("unlisted tiers keep their defaults")
	}
	for _, bad := range []string{"FREE", "GOLD=1/2/3", "FREE=1/2", "FREE=a/b/c"} {
		if _, err := ParseTierTable([]string{bad}); err == nil {
			t.Errorf("ParseTierTable(%q): expected error", bad)
		}
	}
}

func TestAnonymousUsesIPKeyAndConservativeRow(t *testing.T) {
	l, _, _ := newTestLimiter(t, Options{Anonymous: TierLimits{Minute: 2, Hour: 10, Day: 100}})
	ctx := context.Background()
	cfgs := []Config{{ID: "minute", Mode: ModeFixed, Window: time.Minute, Tiered: true}}
	a := &request.Descriptor{SourceIP: "198.51.100.1"}
	b := &request.Descriptor{SourceIP: "198.51.100.2"}

	l.CheckRequest(ctx, a, cfgs)
	l.CheckRequest(ctx, a, cfgs)
	if res := l.CheckRequest(ctx, a, cfgs); res.Allowed || res.Limit != 2 {
		t.Fatalf("third anonymous request: allowed=%v limit=%d", res.Allowed, res.Limit)
	}
	if res := l.CheckRequest(ctx, b, cfgs); !res.Allowed {
		t.Fatal("a different IP has its own counter")
	}
}

func TestAdaptiveLoadFactor(t *testing.T) {
	cases := []struct {
		name      string
		conns     int64
		cpu       string
		wantLimit int64
	}{
		{"idle relaxes", 0, "", 120},
		{"nominal", 100, "", 60},
		{"double load tightens", 200, "", 30},
		{"clamped at two", 5000, "", 30},
		{"cpu dominates", 50, "120", 40},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			l, store, _ := newTestLimiter(t, Options{TargetConnections: 100, TargetCPU: 80})
			ctx := context.Background()
			if c.conns > 0 {
				_, _ = store.IncrBy(ctx, KeyActiveConnections, c.conns)
			}
			if c.cpu != "" {
				_ = store.Set(ctx, KeyCPUPercent, []byte(c.cpu), 0)
			}
			cfg := Config{ID: "minute", Mode: ModeFixed, Window: time.Minute, Max: 60, Adaptive: true}
			res := l.Check(ctx, "k", cfg)
			if res.Limit != c.wantLimit {
				t.Fatalf("effective limit = %d, want %d (factor %.2f)", res.Limit, c.wantLimit, l.LoadFactor(ctx))
			}
		})
	}
}

func TestAdaptiveLimitNeverBelowOne(t *testing.T) {
	l, store, _ := newTestLimiter(t, Options{TargetConnections: 1})
	ctx := context.Background()
	_, _ = store.IncrBy(ctx, KeyActiveConnections, 50)
	res := l.Check(ctx, "k", Config{ID: "tiny", Mode: ModeFixed, Window: time.Minute, Max: 1, Adaptive: true})
	if res.Limit != 1 || !res.Allowed {
		t.Fatalf("limit=%d allowed=%v", res.Limit, res.Allowed)
	}
}

func TestBypass(t *testing.T) {
	ips, _ := decision.ParseNetList([]string{"10.9.0.0/16"})
	l, store, clock := newTestLimiter(t, Options{Bypass: Bypass{
		PrincipalIDs: []string{"svc-indexer"},
		Roles:        []string{"system", "admin"},
		IPs:          ips,
	}})
	ctx := context.Background()
	cfgs := []Config{
		{ID: "hour", Mode: ModeSliding, Window: time.Hour, Max: 100},
		{ID: "strict", Mode: ModeFixed, Window: time.Minute, Max: 1},
	}

	cases := []*request.Descriptor{
		{SourceIP: "203.0.113.1", Principal: &request.Principal{ID: "svc-indexer", Tier: request.TierFree}},
		{SourceIP: "203.0.113.1", Principal: &request.Principal{ID: "u-9", Role: "Admin", Tier: request.TierFree}},
		{SourceIP: "10.9.4.4"},
	}
	for i, d := range cases {
		for j := 0; j < 3; j++ {
			res := l.CheckRequest(ctx, d, cfgs)
			if !res.Allowed || !res.Bypassed {
				t.Fatalf("case %d request %d: want bypass, got %+v", i, j, res)
			}
			// The tightest configured window is reported, uncounted.
			if res.LimiterID != "strict" || res.Limit != 1 || res.Remaining != 1 ||
				!res.ResetAt.Equal(clock.Now().Truncate(time.Minute).Add(time.Minute)) {
				t.Fatalf("case %d: bypass result %+v", i, res)
			}
		}
	}
	if store.Calls("Incr") != 0 || store.Calls("SlidingWindow") != 0 {
		t.Errorf("bypassed requests must not touch counters, Incr called %d times", store.Calls("Incr"))
	}
}

func TestFailOpenWhenStoreDown(t *testing.T) {
	l, store, _ := newTestLimiter(t, Options{})
	store.SetDown(true)
	ctx := context.Background()
	for _, mode := range []Mode{ModeFixed, ModeSliding} {
		res := l.Check(ctx, "k", Config{ID: "x", Mode: mode, Window: time.Minute, Max: 1})
		if !res.Allowed || !res.FailOpen {
			t.Fatalf("%s: want fail-open allow, got %+v", mode, res)
		}
	}
}

type recordingBlocker struct {
	mu     sync.Mutex
	blocks []string
	source string
}

func (b *recordingBlocker) Block(_ context.Context, ip, _ string, _ time.Duration, source string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks = append(b.blocks, ip)
	b.source = source
	return nil
}

func TestAbuseBlocksSourceIP(t *testing.T) {
	blocker := &recordingBlocker{}
	l, _, _ := newTestLimiter(t, Options{AbuseMultiplier: 2, Blocker: blocker})
	ctx := context.Background()
	cfgs := []Config{{ID: "strict", Mode: ModeFixed, Window: time.Minute, Max: 3}}
	desc := &request.Descriptor{SourceIP: "192.0.2.50"}

	for i := 0; i < 10; i++ {
		l.CheckRequest(ctx, desc, cfgs)
	}
	if len(blocker.blocks) != 1 || blocker.blocks[0] != "192.0.2.50" {
		t.Fatalf("want exactly one block of the source IP, got %v", blocker.blocks)
	}
	if blocker.source != "ratelimit" {
		t.Errorf("source = %q", blocker.source)
	}
}

func TestCheckRequestMostRestrictive(t *testing.T) {
	l, _, _ := newTestLimiter(t, Options{})
	ctx := context.Background()
	cfgs := []Config{
		{ID: "wide", Mode: ModeFixed, Window: time.Hour, Max: 100},
		{ID: "narrow", Mode: ModeFixed, Window: time.Minute, Max: 3},
	}
	desc := &request.Descriptor{SourceIP: "192.0.2.7"}
	res := l.CheckRequest(ctx, desc, cfgs)
	if res.LimiterID != "narrow" || res.Remaining != 2 {
		t.Fatalf("want narrow window with 2 remaining, got %s/%d", res.LimiterID, res.Remaining)
	}
	l.CheckRequest(ctx, desc, cfgs)
	l.CheckRequest(ctx, desc, cfgs)
	res = l.CheckRequest(ctx, desc, cfgs)
	if res.Allowed || res.LimiterID != "narrow" {
		t.Fatalf("want denial from narrow, got %+v", res)
	}
}

func TestValidateConfigs(t *testing.T) {
	good := StandardWindows(true, 10*time.Second, 20)
	if err := Validate(good); err != nil {
		t.Fatalf("standard windows invalid: %v", err)
	}
	bad := [][]Config{
		{{ID: "", Mode: ModeFixed, Window: time.Minute, Max: 1}},
		{{ID: "a", Mode: ModeFixed, Window: 0, Max: 1}},
		{{ID: "a", Mode: "leaky", Window: time.Minute, Max: 1}},
		{{ID: "a", Mode: ModeFixed, Window: time.Minute}},
		{{ID: "a", Mode: ModeFixed, Window: time.Minute, Max: 1}, {ID: "a", Mode: ModeSliding, Window: time.Second, Max: 1}},
	}
	for i, cfgs := range bad {
		if err := Validate(cfgs); !errs.IsConfig(err) {
			t.Errorf("case %d: want ConfigError, got %v", i, err)
		}
	}
}

func TestConcurrentFixedWindowNoLostUpdates(t *testing.T) {
	l, _, _ := newTestLimiter(t, Options{})
	ctx := context.Background()
	cfg := Config{ID: "c", Mode: ModeFixed, Window: time.Minute, Max: 100}
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.Check(ctx, "hot", cfg).Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if allowed != 100 {
		t.Fatalf("allowed %d of 200 concurrent requests, want exactly 100", allowed)
	}
}
