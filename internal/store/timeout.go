package store

import (
	"context"
	"fmt"
	"time"
)

// TimeoutStore bounds every call to the wrapped store and reports any
// failure as ErrUnavailable, so callers have one error to degrade on.
type TimeoutStore struct {
	next      Store
	timeout   time.Duration
	onFailure func(op string)
}

// NewTimeoutStore wraps next. A zero timeout leaves calls unbounded but still
// normalizes errors. onFailure may be nil.
func NewTimeoutStore(next Store, timeout time.Duration, onFailure func(op string)) *TimeoutStore {
	return &TimeoutStore{next: next, timeout: timeout, onFailure: onFailure}
}

func (s *TimeoutStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *TimeoutStore) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.onFailure != nil {
		s.onFailure(op)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *TimeoutStore) ZAddMax(ctx context.Context, key, member string, score int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.fail("zadd", s.next.ZAddMax(ctx, key, member, score))
}

func (s *TimeoutStore) ZRemBelow(ctx context.Context, key string, min int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.fail("zrem", s.next.ZRemBelow(ctx, key, min))
}

func (s *TimeoutStore) ZCount(ctx context.Context, key string, min, max int64) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.next.ZCount(ctx, key, min, max)
	return n, s.fail("zcount", err)
}

func (s *TimeoutStore) ZRange(ctx context.Context, key string, min, max int64) ([]Member, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	m, err := s.next.ZRange(ctx, key, min, max)
	return m, s.fail("zrange", err)
}

func (s *TimeoutStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	v, ok, err := s.next.Get(ctx, key)
	return v, ok, s.fail("get", err)
}

func (s *TimeoutStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.fail("set", s.next.Set(ctx, key, value, ttl))
}

func (s *TimeoutStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ok, err := s.next.SetNX(ctx, key, value, ttl)
	return ok, s.fail("setnx", err)
}

func (s *TimeoutStore) CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ok, err := s.next.CompareAndSet(ctx, key, expected, value, ttl)
	return ok, s.fail("cas", err)
}

func (s *TimeoutStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.next.Incr(ctx, key, ttl)
	return n, s.fail("incr", err)
}

func (s *TimeoutStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.fail("expire", s.next.Expire(ctx, key, ttl))
}

// Keys bounds each page separately when the wrapped store pages its scan.
// The caller's ctx still bounds the walk as a whole.
func (s *TimeoutStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	ps, ok := s.next.(PageScanner)
	if !ok {
		ctx, cancel := s.bound(ctx)
		defer cancel()
		keys, err := s.next.Keys(ctx, pattern)
		return keys, s.fail("keys", err)
	}

	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := s.scanPage(ctx, ps, cursor, pattern)
		if err != nil {
			return nil, s.fail("keys", err)
		}
		keys = append(keys, page...)
		if next == 0 {
			return dedupe(keys), nil
		}
		cursor = next
	}
}

func (s *TimeoutStore) scanPage(ctx context.Context, ps PageScanner, cursor uint64, pattern string) ([]string, uint64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return ps.ScanPage(ctx, cursor, pattern)
}

func (s *TimeoutStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.fail("ping", s.next.Ping(ctx))
}
