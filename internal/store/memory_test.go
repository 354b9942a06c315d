package store

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClockedStore() (*MemoryStore, *fakeClock) {
	clk := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	return NewMemoryStore().WithClock(clk.Now), clk
}

func TestZAddMax_KeepsLargerScore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, score := range []int64{100, 300, 200} {
		if err := s.ZAddMax(ctx, "k", "d1", score); err != nil {
			t.Fatal(err)
		}
	}
	members, _ := s.ZRange(ctx, "k", math.MinInt64, math.MaxInt64)
	if len(members) != 1 {
		t.Fatalf("expected one member, got %d", len(members))
	}
	if members[0].Score != 300 {
		t.Errorf("score = %d, want 300 (older write must not regress)", members[0].Score)
	}
}

func TestZRemBelow_AndCount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.ZAddMax(ctx, "k", "a", 10)
	s.ZAddMax(ctx, "k", "b", 20)
	s.ZAddMax(ctx, "k", "c", 30)

	if err := s.ZRemBelow(ctx, "k", 20); err != nil {
		t.Fatal(err)
	}
	n, _ := s.ZCount(ctx, "k", 0, math.MaxInt64)
	if n != 2 {
		t.Errorf("count after prune = %d, want 2 (min bound is exclusive of removal)", n)
	}
	n, _ = s.ZCount(ctx, "k", 25, 30)
	if n != 1 {
		t.Errorf("count in [25,30] = %d, want 1", n)
	}

	s.ZRemBelow(ctx, "k", 100)
	keys, _ := s.Keys(ctx, "*")
	if len(keys) != 0 {
		t.Errorf("empty set should be dropped, keys = %v", keys)
	}
}

func TestZRange_OrderedByScore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.ZAddMax(ctx, "k", "late", 30)
	s.ZAddMax(ctx, "k", "early", 10)
	s.ZAddMax(ctx, "k", "mid", 20)

	members, _ := s.ZRange(ctx, "k", 0, 25)
	if len(members) != 2 || members[0].Name != "early" || members[1].Name != "mid" {
		t.Errorf("unexpected range %+v", members)
	}
}

func TestSetNX_AndCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, _ := s.SetNX(ctx, "surge", "1.0", 0)
	if !ok {
		t.Fatal("first SetNX should win")
	}
	ok, _ = s.SetNX(ctx, "surge", "2.0", 0)
	if ok {
		t.Fatal("second SetNX should lose")
	}

	ok, _ = s.CompareAndSet(ctx, "surge", "stale", "1.2", 0)
	if ok {
		t.Error("CAS with wrong expected value should fail")
	}
	ok, _ = s.CompareAndSet(ctx, "surge", "1.0", "1.2", 0)
	if !ok {
		t.Error("CAS with current value should succeed")
	}
	v, _, _ := s.Get(ctx, "surge")
	if v != "1.2" {
		t.Errorf("value = %q, want 1.2", v)
	}

	ok, _ = s.CompareAndSet(ctx, "missing", "", "x", 0)
	if ok {
		t.Error("CAS on a missing key should fail")
	}
}

func TestTTLExpiry(t *testing.T) {
	s, clk := newClockedStore()
	ctx := context.Background()

	s.Set(ctx, "scalar", "v", 10*time.Second)
	s.ZAddMax(ctx, "set", "m", 1)
	s.Expire(ctx, "set", 10*time.Second)

	clk.Advance(9 * time.Second)
	if _, ok, _ := s.Get(ctx, "scalar"); !ok {
		t.Fatal("scalar expired too early")
	}

	clk.Advance(2 * time.Second)
	if _, ok, _ := s.Get(ctx, "scalar"); ok {
		t.Error("scalar should have expired")
	}
	if n, _ := s.ZCount(ctx, "set", 0, math.MaxInt64); n != 0 {
		t.Errorf("set should have expired, count = %d", n)
	}
	if keys, _ := s.Keys(ctx, "*"); len(keys) != 0 {
		t.Errorf("expired keys still listed: %v", keys)
	}
}

func TestIncr_RefreshesTTL(t *testing.T) {
	s, clk := newClockedStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := s.Incr(ctx, "demand", 10*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if n != int64(i) {
			t.Errorf("incr %d returned %d", i, n)
		}
		clk.Advance(6 * time.Second)
	}
	if v, ok, _ := s.Get(ctx, "demand"); !ok || v != "3" {
		t.Errorf("counter = %q (exists=%v), want 3", v, ok)
	}
}

func TestKeys_Pattern(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.ZAddMax(ctx, "geofence:8:abc:drivers", "d1", 1)
	s.ZAddMax(ctx, "geofence:7:def:drivers", "d2", 1)
	s.ZAddMax(ctx, "geofence:8:abc:requests", "r1", 1)
	s.Set(ctx, "geofence:8:abc:surge", "{}", 0)

	keys, _ := s.Keys(ctx, "geofence:*:*:drivers")
	if len(keys) != 2 {
		t.Fatalf("expected 2 driver keys, got %v", keys)
	}
	if keys[0] != "geofence:7:def:drivers" {
		t.Errorf("keys should be sorted, got %v", keys)
	}
}

func TestMemoryStore_ConcurrentZAddMax(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(score int64) {
			defer wg.Done()
			s.ZAddMax(ctx, "k", "same", score)
		}(int64(i))
	}
	wg.Wait()

	members, _ := s.ZRange(ctx, "k", math.MinInt64, math.MaxInt64)
	if len(members) != 1 || members[0].Score != 49 {
		t.Errorf("expected single member with max score 49, got %+v", members)
	}
}
