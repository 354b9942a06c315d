package store

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newRedisTestStore connects to SURGE_TEST_REDIS_URL or skips.
func newRedisTestStore(t *testing.T) (*RedisStore, string) {
	t.Helper()
	url := os.Getenv("SURGE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SURGE_TEST_REDIS_URL not set; skipping redis integration test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	prefix := "test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		iter := rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
	})
	return NewRedisStore(rdb), prefix
}

func TestRedisStore_WindowedSet(t *testing.T) {
	s, p := newRedisTestStore(t)
	ctx := context.Background()
	key := p + "drivers"

	s.ZAddMax(ctx, key, "d1", 200)
	s.ZAddMax(ctx, key, "d1", 100)
	s.ZAddMax(ctx, key, "d2", 50)

	members, err := s.ZRange(ctx, key, math.MinInt64, math.MaxInt64)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[1].Name != "d1" || members[1].Score != 200 {
		t.Errorf("unexpected members %+v", members)
	}

	s.ZRemBelow(ctx, key, 100)
	n, _ := s.ZCount(ctx, key, 0, math.MaxInt64)
	if n != 1 {
		t.Errorf("count after prune = %d, want 1", n)
	}
}

func TestRedisStore_CompareAndSet(t *testing.T) {
	s, p := newRedisTestStore(t)
	ctx := context.Background()
	key := p + "surge"

	if ok, _ := s.SetNX(ctx, key, "a", time.Minute); !ok {
		t.Fatal("SetNX should win on a fresh key")
	}
	if ok, _ := s.CompareAndSet(ctx, key, "b", "c", time.Minute); ok {
		t.Error("CAS should fail on mismatch")
	}
	if ok, _ := s.CompareAndSet(ctx, key, "a", "c", time.Minute); !ok {
		t.Error("CAS should succeed on match")
	}
	v, _, _ := s.Get(ctx, key)
	if v != "c" {
		t.Errorf("value = %q, want c", v)
	}
}

func TestRedisStore_KeysAndIncr(t *testing.T) {
	s, p := newRedisTestStore(t)
	ctx := context.Background()

	s.Incr(ctx, p+"demand", time.Minute)
	n, _ := s.Incr(ctx, p+"demand", time.Minute)
	if n != 2 {
		t.Errorf("incr = %d, want 2", n)
	}
	keys, err := s.Keys(ctx, p+"*")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Errorf("keys = %v", keys)
	}
}
