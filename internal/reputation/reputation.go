// Package reputation tracks failed attempts per client IP and maintains the
// distributed blocklist consulted at the start of every request.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/reqshield/internal/cache"
	"github.com/developingchet/reqshield/internal/decision"
	"github.com/developingchet/reqshield/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	blockPrefix = "ip:block:"
	failPrefix  = "ip:fail:"
)

// Block sources.
const (
	SourceWAF            = "waf"
	SourceRateLimit      = "ratelimit"
	SourceFailedAttempts = "failed_attempts"
	SourceManual         = "manual"
	SourceCrowdSec       = "crowdsec"
)

// ErrAllowlisted is returned when asked to block an allow-listed address.
var ErrAllowlisted = errors.New("reputation: address is allow-listed")

// BlockEntry is one blocklist record.
type BlockEntry struct {
	IP        string    `msgpack:"ip" json:"ip"`
	Reason    string    `msgpack:"reason" json:"reason"`
	BlockedAt time.Time `msgpack:"blocked_at" json:"blockedAt"`
	ExpiresAt time.Time `msgpack:"expires_at" json:"expiresAt"`
	Source    string    `msgpack:"source" json:"source"`
}

// Remaining returns how long the block still applies at now.
func (e BlockEntry) Remaining(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now)
}

// Options configure a Store.
type Options struct {
	// FailThreshold failed attempts within FailWindow block the IP.
	FailThreshold     int64
	FailWindow        time.Duration
	FailBlockDuration time.Duration
	// DefaultBlockDuration applies when Block is called with d <= 0.
	DefaultBlockDuration time.Duration
	// LocalTTL caps how long a block is trusted from the local tier before
	// the shared copy is consulted again.
	LocalTTL  time.Duration
	Allowlist decision.NetList
	Clock     func() time.Time
}

type localEntry struct {
	entry    BlockEntry
	validTil time.Time
}

// Store is the two-tier IP blocklist. The local tier is an in-process map that
// is never trusted past the shared copy's expiry.
type Store struct {
	shared cache.Store
	opts   Options
	log    zerolog.Logger

	mu    sync.RWMutex
	local map[string]localEntry

	sf       singleflight.Group
	warnOnce rate.Sometimes
}

// New returns a Store backed by shared.
func New(shared cache.Store, opts Options, log zerolog.Logger) *Store {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = 5
	}
	if opts.FailWindow <= 0 {
		opts.FailWindow = 15 * time.Minute
	}
	if opts.FailBlockDuration <= 0 {
		opts.FailBlockDuration = time.Hour
	}
	if opts.DefaultBlockDuration <= 0 {
		opts.DefaultBlockDuration = time.Hour
	}
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		shared:   shared,
		opts:     opts,
		log:      log.With().Str("component", "reputation").Logger(),
		local:    make(map[string]localEntry),
		warnOnce: rate.Sometimes{Interval: 30 * time.Second},
	}
}

// Allowlisted reports whether ip is exempt from blocking.
func (s *Store) Allowlisted(ip string) bool {
	return s.opts.Allowlist.Contains(ip)
}

// IsBlocked reports whether ip is currently blocked. The local tier answers
// first; a miss consults the shared cache and repopulates the local tier.
// When the shared cache is unreachable the answer comes from the local tier
// alone, and a local entry then holds until its block expires.
func (s *Store) IsBlocked(ctx context.Context, ip string) (bool, *BlockEntry) {
	norm, err := decision.NormalizeIP(ip)
	if err != nil || s.Allowlisted(norm) {
		return false, nil
	}
	ip = norm
	now := s.opts.Clock()

	s.mu.RLock()
	le, ok := s.local[ip]
	s.mu.RUnlock()
	if ok && now.Before(le.validTil) {
		metrics.IPBlockLookups.WithLabelValues("local", "blocked").Inc()
		e := le.entry
		return true, &e
	}

	v, err, _ := s.sf.Do(ip, func() (any, error) {
		return s.lookupShared(ctx, ip)
	})
	if err != nil {
		metrics.IPBlockLookups.WithLabelValues("shared", "error").Inc()
		metrics.StageFailOpen.WithLabelValues("reputation").Inc()
		s.warnOnce.Do(func() {
			s.log.Error().Err(err).Msg("blocklist lookup failed; answering from local tier")
		})
		if ok && le.entry.ExpiresAt.After(now) {
			metrics.IPBlockLookups.WithLabelValues("local", "blocked").Inc()
			e := le.entry
			return true, &e
		}
		return false, nil
	}
	entry, _ := v.(*BlockEntry)
	if entry == nil {
		metrics.IPBlockLookups.WithLabelValues("shared", "clear").Inc()
		return false, nil
	}
	metrics.IPBlockLookups.WithLabelValues("shared", "blocked").Inc()
	e := *entry
	return true, &e
}

func (s *Store) lookupShared(ctx context.Context, ip string) (*BlockEntry, error) {
	raw, err := s.shared.Get(ctx, blockPrefix+ip)
	if errors.Is(err, cache.ErrNotFound) {
		s.dropLocal(ip)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry BlockEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode block entry for %s: %w", ip, err)
	}
	now := s.opts.Clock()
	if !entry.ExpiresAt.After(now) {
		s.dropLocal(ip)
		return nil, nil
	}
	s.cacheLocal(entry, now)
	return &entry, nil
}

func (s *Store) cacheLocal(entry BlockEntry, now time.Time) {
	validTil := now.Add(s.opts.LocalTTL)
	if entry.ExpiresAt.Before(validTil) {
		validTil = entry.ExpiresAt
	}
	s.mu.Lock()
	s.local[entry.IP] = localEntry{entry: entry, validTil: validTil}
	s.mu.Unlock()
}

func (s *Store) dropLocal(ip string) {
	s.mu.Lock()
	delete(s.local, ip)
	s.mu.Unlock()
}

// Block blocks ip for d (the default duration when d <= 0). The local tier is
// written even if the shared write fails, so this instance enforces the block
// either way; the shared error is still returned.
func (s *Store) Block(ctx context.Context, ip, reason string, d time.Duration, source string) error {
	norm, err := decision.NormalizeIP(ip)
	if err != nil {
		return err
	}
	if s.Allowlisted(norm) {
		return ErrAllowlisted
	}
	if d <= 0 {
		d = s.opts.DefaultBlockDuration
	}
	now := s.opts.Clock()
	entry := BlockEntry{
		IP:        norm,
		Reason:    reason,
		BlockedAt: now.UTC(),
		ExpiresAt: now.Add(d).UTC(),
		Source:    source,
	}
	s.cacheLocal(entry, now)
	metrics.IPBlocks.WithLabelValues(sourceLabel(source)).Inc()

	raw, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode block entry: %w", err)
	}
	if err := s.shared.Set(ctx, blockPrefix+norm, raw, d); err != nil {
		s.log.Error().Err(err).Str("ip", norm).Str("source", source).
			Msg("block enforced locally only; shared write failed")
		return fmt.Errorf("block %s: %w", norm, err)
	}
	s.log.Info().Str("ip", norm).Str("source", source).Str("reason", reason).
		Dur("duration", d).Msg("ip blocked")
	return nil
}

// Unblock removes ip from both tiers and clears its failure counter.
func (s *Store) Unblock(ctx context.Context, ip string) error {
	norm, err := decision.NormalizeIP(ip)
	if err != nil {
		return err
	}
	s.dropLocal(norm)
	if err := s.shared.Delete(ctx, blockPrefix+norm, failPrefix+norm); err != nil {
		return fmt.Errorf("unblock %s: %w", norm, err)
	}
	s.log.Info().Str("ip", norm).Msg("ip unblocked")
	return nil
}

// TrackFailedAttempt counts one failure for ip inside a rolling window that
// clears after FailWindow of inactivity. Reaching the threshold blocks the IP
// and resets the counter. It returns the count after this attempt and whether
// the attempt triggered a block.
func (s *Store) TrackFailedAttempt(ctx context.Context, ip string) (int64, bool, error) {
	norm, err := decision.NormalizeIP(ip)
	if err != nil {
		return 0, false, err
	}
	if s.Allowlisted(norm) {
		return 0, false, nil
	}
	n, err := s.shared.IncrRolling(ctx, failPrefix+norm, s.opts.FailWindow)
	if err != nil {
		return 0, false, fmt.Errorf("track failed attempt for %s: %w", norm, err)
	}
	metrics.FailedAttempts.Inc()
	if n < s.opts.FailThreshold {
		return n, false, nil
	}
	reason := fmt.Sprintf("%d failed attempts within %s", n, s.opts.FailWindow)
	blockErr := s.Block(ctx, norm, reason, s.opts.FailBlockDuration, SourceFailedAttempts)
	if err := s.shared.Delete(ctx, failPrefix+norm); err != nil {
		s.log.Warn().Err(err).Str("ip", norm).Msg("failed-attempt counter not reset")
	}
	return n, true, blockErr
}

// List returns every live block entry in the shared cache, soonest expiry
// first.
func (s *Store) List(ctx context.Context) ([]BlockEntry, error) {
	keys, err := s.shared.Scan(ctx, blockPrefix)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	now := s.opts.Clock()
	out := make([]BlockEntry, 0, len(keys))
	for _, k := range keys {
		raw, err := s.shared.Get(ctx, k)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list blocks: %w", err)
		}
		var e BlockEntry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			s.log.Warn().Err(err).Str("key", k).Msg("skipping undecodable block entry")
			continue
		}
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// Count returns the number of blocked IPs in the shared cache.
func (s *Store) Count(ctx context.Context) (int, error) {
	keys, err := s.shared.Scan(ctx, blockPrefix)
	if err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return len(keys), nil
}

// LocalSize returns the number of entries in the local tier.
func (s *Store) LocalSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.local)
}

// PruneLocal evicts local entries whose block has expired at now. Entries
// past their local validity are kept: they answer while the shared cache is
// unreachable, and the next successful lookup refreshes or drops them.
func (s *Store) PruneLocal(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for ip, le := range s.local {
		if !le.entry.ExpiresAt.After(now) {
			delete(s.local, ip)
			pruned++
		}
	}
	return pruned
}

// sourceLabel keeps the metric label set bounded: "crowdsec:cscli" -> "crowdsec".
func sourceLabel(source string) string {
	if i := strings.IndexByte(source, ':'); i > 0 {
		return source[:i]
	}
	return source
}
