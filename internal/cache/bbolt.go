package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const bucketKV = "kv"

const (
	kindValue uint8 = iota
	kindCounter
	kindWindow
)

// record is the msgpack envelope for every bbolt value.
type record struct {
	Kind      uint8            `msgpack:"k"`
	Value     []byte           `msgpack:"v,omitempty"`
	Counter   int64            `msgpack:"c,omitempty"`
	Members   map[string]int64 `msgpack:"m,omitempty"` // member -> unix nanos
	ExpiresAt int64            `msgpack:"e"`           // unix nanos, 0 = never
}

// BboltStore is a durable single-node Store. bbolt serialises writers, so
// every read-modify-write runs inside one Update transaction and is atomic.
// Expired records are hidden on read and reclaimed by Prune.
type BboltStore struct {
	db    *bolt.DB
	clock func() time.Time
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/reqshield.db.
func NewBboltStore(dataDir string, clock func() time.Time) (*BboltStore, error) {
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "reqshield.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketKV)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketKV, err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BboltStore{db: db, clock: clock}, nil
}

func (s *BboltStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock().Add(ttl).UnixNano()
}

func (s *BboltStore) expired(r *record) bool {
	return r.ExpiresAt != 0 && s.clock().UnixNano() >= r.ExpiresAt
}

// load decodes the live record at key. Returns nil for missing, expired or
// corrupt entries.
func (s *BboltStore) load(b *bolt.Bucket, key string) *record {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil
	}
	var r record
	if err := msgpack.Unmarshal(raw, &r); err != nil {
		return nil
	}
	if s.expired(&r) {
		return nil
	}
	return &r
}

func put(b *bolt.Bucket, key string, r *record) error {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.Put([]byte(key), data)
}

// ---- Values ----------------------------------------------------------------

func (s *BboltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		r := s.load(tx.Bucket([]byte(bucketKV)), key)
		if r == nil || r.Kind != kindValue {
			return ErrNotFound
		}
		out = append([]byte(nil), r.Value...)
		return nil
	})
	return out, err
}

func (s *BboltStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket([]byte(bucketKV)), key, &record{
			Kind:      kindValue,
			Value:     value,
			ExpiresAt: s.expiry(ttl),
		})
	})
}

func (s *BboltStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var stored bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		if s.load(b, key) != nil {
			return nil
		}
		stored = true
		return put(b, key, &record{Kind: kindValue, Value: value, ExpiresAt: s.expiry(ttl)})
	})
	return stored, err
}

func (s *BboltStore) Delete(_ context.Context, keys ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BboltStore) TTL(_ context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.db.View(func(tx *bolt.Tx) error {
		r := s.load(tx.Bucket([]byte(bucketKV)), key)
		if r == nil {
			return ErrNotFound
		}
		if r.ExpiresAt == 0 {
			ttl = -1
			return nil
		}
		ttl = time.Duration(r.ExpiresAt - s.clock().UnixNano())
		return nil
	})
	return ttl, err
}

// ---- Counters --------------------------------------------------------------

func (s *BboltStore) incr(key string, delta int64, ttl time.Duration, rolling bool) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		r := s.load(b, key)
		if r == nil || r.Kind != kindCounter {
			r = &record{Kind: kindCounter, ExpiresAt: s.expiry(ttl)}
		} else if rolling {
			r.ExpiresAt = s.expiry(ttl)
		}
		r.Counter += delta
		n = r.Counter
		return put(b, key, r)
	})
	return n, err
}

func (s *BboltStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	return s.incr(key, 1, ttl, false)
}

func (s *BboltStore) IncrRolling(_ context.Context, key string, ttl time.Duration) (int64, error) {
	return s.incr(key, 1, ttl, true)
}

func (s *BboltStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	return s.incr(key, delta, 0, false)
}

// ---- Sliding window --------------------------------------------------------

// SlidingWindow keeps the member set in one record, pruned on every write.
func (s *BboltStore) SlidingWindow(_ context.Context, key string, now time.Time, window time.Duration, member string) (int64, error) {
	var count int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		r := s.load(b, key)
		if r == nil || r.Kind != kindWindow {
			r = &record{Kind: kindWindow}
		}
		if r.Members == nil {
			r.Members = make(map[string]int64)
		}
		cutoff := now.Add(-window).UnixNano()
		for m, ts := range r.Members {
			if ts < cutoff {
				delete(r.Members, m)
			}
		}
		count = int64(len(r.Members))
		r.Members[member] = now.UnixNano()
		r.ExpiresAt = s.expiry(window)
		return put(b, key, r)
	})
	return count, err
}

// ---- Listing & housekeeping ------------------------------------------------

func (s *BboltStore) Scan(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		c := b.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			if s.load(b, string(k)) != nil {
				keys = append(keys, string(k))
			}
		}
		return nil
	})
	return keys, err
}

// Prune deletes every expired or undecodable record.
func (s *BboltStore) Prune(_ context.Context) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKV))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var r record
			if err := msgpack.Unmarshal(v, &r); err != nil || s.expired(&r) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// SizeBytes reports the on-disk database size.
func (s *BboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *BboltStore) Ping(context.Context) error { return nil }

func (s *BboltStore) Close() error {
	return s.db.Close()
}
