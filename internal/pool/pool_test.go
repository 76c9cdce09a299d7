package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/developingchet/reqshield/internal/errs"
	"github.com/rs/zerolog"
)

var errTransient = errors.New("transient")

func nopHandler(context.Context, SyncJob) error { return nil }

func blockJob(ip string) SyncJob {
	return SyncJob{Action: ActionBlock, IP: ip, Duration: time.Hour, Origin: "CAPI", RemediationType: "ban"}
}

func TestPoolProcessesEveryJob(t *testing.T) {
	var processed atomic.Int64
	p, err := New(Config{Workers: 4, QueueDepth: 100, MaxRetries: 3, RetryBase: time.Millisecond},
		func(context.Context, SyncJob) error { processed.Add(1); return nil }, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	for i := 0; i < 50; i++ {
		p.Enqueue(blockJob("198.51.100.1"))
	}
	p.Stop()
	if got := processed.Load(); got != 50 {
		t.Errorf("processed %d, want 50", got)
	}
}

func TestPoolDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p, err := New(Config{Workers: 1, QueueDepth: 2}, func(context.Context, SyncJob) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())

	p.Enqueue(blockJob("198.51.100.1"))
	<-started // the worker holds the first job
	if !p.Enqueue(blockJob("198.51.100.2")) || !p.Enqueue(blockJob("198.51.100.3")) {
		t.Fatal("queue should accept up to its depth")
	}
	if p.Depth() != 2 {
		t.Errorf("Depth = %d", p.Depth())
	}
	if p.Enqueue(blockJob("198.51.100.4")) {
		t.Error("full queue must drop")
	}
	close(release)
	p.Stop()
}

func TestPoolRetries(t *testing.T) {
	cases := []struct {
		name       string
		maxRetries int
		failUntil  int64
		want       int64
	}{
		{"succeeds on third attempt", 5, 3, 3},
		{"exhausts retries", 2, 100, 3},
		{"no retries", 0, 100, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var calls atomic.Int64
			p, err := New(Config{Workers: 1, MaxRetries: c.maxRetries, RetryBase: time.Millisecond},
				func(context.Context, SyncJob) error {
					if calls.Add(1) < c.failUntil {
						return errTransient
					}
					return nil
				}, zerolog.Nop())
			if err != nil {
				t.Fatal(err)
			}
			p.Start(context.Background())
			p.Enqueue(blockJob("198.51.100.1"))
			p.Stop()
			if got := calls.Load(); got != c.want {
				t.Errorf("handler calls = %d, want %d", got, c.want)
			}
		})
	}
}

func TestPoolPermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	p, _ := New(Config{Workers: 1, MaxRetries: 5, RetryBase: time.Millisecond},
		func(context.Context, SyncJob) error {
			calls.Add(1)
			return Permanent(errors.New("allow-listed"))
		}, zerolog.Nop())
	p.Start(context.Background())
	p.Enqueue(blockJob("198.51.100.1"))
	p.Stop()
	if got := calls.Load(); got != 1 {
		t.Errorf("permanent error retried: %d calls", got)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
}

func TestPoolCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int64
	p, _ := New(Config{Workers: 1, MaxRetries: 5, RetryBase: 200 * time.Millisecond},
		func(context.Context, SyncJob) error {
			calls.Add(1)
			cancel()
			return errTransient
		}, zerolog.Nop())
	p.Start(ctx)
	p.Enqueue(blockJob("198.51.100.9"))
	time.Sleep(50 * time.Millisecond)
	p.Stop()
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestPoolConfigValidation(t *testing.T) {
	for _, cfg := range []Config{{Workers: 0}, {Workers: 65}, {Workers: 1, MaxRetries: -1}} {
		if _, err := New(cfg, nopHandler, zerolog.Nop()); !errs.IsConfig(err) {
			t.Errorf("%+v: want ConfigError, got %v", cfg, err)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	p, _ := New(Config{Workers: 1, RetryBase: time.Second}, nopHandler, zerolog.Nop())
	if got := p.backoff(0); got != time.Second {
		t.Errorf("backoff(0) = %s", got)
	}
	if got := p.backoff(3); got != 8*time.Second {
		t.Errorf("backoff(3) = %s", got)
	}
	if got := p.backoff(40); got != maxBackoff {
		t.Errorf("backoff(40) = %s", got)
	}
}
