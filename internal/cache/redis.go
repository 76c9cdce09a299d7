package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection parameters for the shared Redis backend.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore is the distributed Store shared by every service instance.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// incrCreateScript increments a counter and sets its TTL only on creation, so
// the window length is fixed by the first event.
var incrCreateScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// NewRedisStore builds a client. The connection is lazy; callers ping to
// check reachability at startup.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &RedisStore{client: client, prefix: cfg.KeyPrefix}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) k(key string) string { return s.prefix + key }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", ErrUnavailable, op, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("GET", err)
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.k(key), value, ttl).Err(); err != nil {
		return unavailable("SET", err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(ctx, s.k(key), value, ttl).Result()
	if err != nil {
		return false, unavailable("SETNX", err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.k(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return unavailable("DEL", err)
	}
	return nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, s.k(key)).Result()
	if err != nil {
		return 0, unavailable("PTTL", err)
	}
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return -1, nil
	}
	return d, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrCreateScript.Run(ctx, s.client, []string{s.k(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("INCR", err)
	}
	return n, nil
}

func (s *RedisStore) IncrRolling(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, s.k(key))
		pipe.PExpire(ctx, s.k(key), ttl)
		return nil
	})
	if err != nil {
		return 0, unavailable("INCR", err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, s.k(key), delta).Result()
	if err != nil {
		return 0, unavailable("INCRBY", err)
	}
	return n, nil
}

func (s *RedisStore) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, error) {
	k := s.k(key)
	// Scores are microseconds: nanoseconds exceed float64 precision.
	cutoff := strconv.FormatInt(now.Add(-window).UnixMicro(), 10)
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", "("+cutoff)
		card = pipe.ZCard(ctx, k)
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		pipe.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, unavailable("ZSET window", err)
	}
	return card.Val(), nil
}

func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	// SCAN may return a key more than once.
	seen := make(map[string]struct{})
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.k(prefix)+"*", 500).Result()
		if err != nil {
			return nil, unavailable("SCAN", err)
		}
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("PING", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
