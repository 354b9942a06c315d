package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript swaps a scalar only when it still holds the expected value.
// ARGV: expected, value, ttl in milliseconds (0 = no expiry).
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// scanCount is the SCAN page size hint used by Keys.
const scanCount = 500

// RedisStore implements Store on Redis sorted sets and strings. It is the
// backend that lets several service instances share cell state.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// ZAddMax relies on ZADD GT: new members are inserted, existing members are
// only updated when the new score is greater.
func (s *RedisStore) ZAddMax(ctx context.Context, key, member string, score int64) error {
	return s.rdb.ZAddArgs(ctx, key, redis.ZAddArgs{
		GT:      true,
		Members: []redis.Z{{Score: float64(score), Member: member}},
	}).Err()
}

func (s *RedisStore) ZRemBelow(ctx context.Context, key string, min int64) error {
	return s.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(min, 10)).Err()
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max int64) (int64, error) {
	return s.rdb.ZCount(ctx, key, scoreArg(min), scoreArg(max)).Result()
}

func (s *RedisStore) ZRange(ctx context.Context, key string, min, max int64) ([]Member, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: scoreArg(min),
		Max: scoreArg(max),
	}).Result()
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(zs))
	for _, z := range zs {
		name, ok := z.Member.(string)
		if !ok {
			name = fmt.Sprint(z.Member)
		}
		members = append(members, Member{Name: name, Score: int64(z.Score)})
	}
	return members, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, nonNegative(ttl)).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, nonNegative(ttl)).Result()
}

func (s *RedisStore) CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, s.rdb, []string{key}, expected, value, nonNegative(ttl).Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.rdb.Persist(ctx, key).Err()
	}
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// Keys walks the keyspace with SCAN so discovery never blocks the server
// the way KEYS would.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := s.ScanPage(ctx, cursor, pattern)
		if err != nil {
			return nil, err
		}
		keys = append(keys, page...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return dedupe(keys), nil
}

// ScanPage runs one SCAN step. A zero next cursor ends the walk.
func (s *RedisStore) ScanPage(ctx context.Context, cursor uint64, pattern string) ([]string, uint64, error) {
	return s.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func scoreArg(v int64) string {
	switch v {
	case math.MaxInt64:
		return "+inf"
	case math.MinInt64:
		return "-inf"
	}
	return strconv.FormatInt(v, 10)
}

func nonNegative(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

// dedupe drops repeats; SCAN may return a key more than once.
func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
