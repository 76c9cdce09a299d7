package testutil_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/reqshield/internal/cache"
	"github.com/developingchet/reqshield/internal/testutil"
)

func TestMockStore_DelegatesToMemory(t *testing.T) {
	clock := testutil.NewClock()
	s := testutil.NewMockStore(clock)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get: %q %v", got, err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected expiry via injected clock, got %v", err)
	}
	if s.Calls("Get") != 2 {
		t.Errorf("Calls(Get) = %d, want 2", s.Calls("Get"))
	}
}

func TestMockStore_ErrorInjection(t *testing.T) {
	s := testutil.NewMockStore(nil)
	ctx := context.Background()
	injected := errors.New("boom")

	s.SetError("Incr", injected)
	if _, err := s.Incr(ctx, "c", time.Minute); !errors.Is(err, injected) {
		t.Fatalf("first call: want injected error, got %v", err)
	}
	n, err := s.Incr(ctx, "c", time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("error should be consumed after one call: n=%d err=%v", n, err)
	}
}

func TestMockStore_Down(t *testing.T) {
	s := testutil.NewMockStore(nil)
	ctx := context.Background()
	s.SetDown(true)

	checks := map[string]error{}
	_, checks["Get"] = s.Get(ctx, "k")
	_, checks["SetNX"] = s.SetNX(ctx, "k", nil, time.Minute)
	_, checks["SlidingWindow"] = s.SlidingWindow(ctx, "k", time.Now(), time.Minute, "m")
	checks["Ping"] = s.Ping(ctx)
	for method, err := range checks {
		if !errors.Is(err, cache.ErrUnavailable) {
			t.Errorf("%s while down: want ErrUnavailable, got %v", method, err)
		}
	}

	s.SetDown(false)
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping after recovery: %v", err)
	}
}

func TestClock(t *testing.T) {
	c := testutil.NewClock()
	start := c.Now()
	c.Advance(90 * time.Second)
	if got := c.Now().Sub(start); got != 90*time.Second {
		t.Errorf("Advance: moved %s", got)
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Error("Set did not reset the clock")
	}
}
