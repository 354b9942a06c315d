package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stallingStore blocks Get until the context is done.
type stallingStore struct {
	Store
}

func (stallingStore) Get(ctx context.Context, _ string) (string, bool, error) {
	<-ctx.Done()
	return "", false, ctx.Err()
}

type brokenStore struct {
	Store
}

func (brokenStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestTimeoutStore_BoundsSlowCalls(t *testing.T) {
	var failed []string
	s := NewTimeoutStore(stallingStore{}, 20*time.Millisecond, func(op string) {
		failed = append(failed, op)
	})

	start := time.Now()
	_, _, err := s.Get(context.Background(), "k")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("call took %v, timeout not applied", elapsed)
	}
	if len(failed) != 1 || failed[0] != "get" {
		t.Errorf("failure hook calls = %v", failed)
	}
}

func TestTimeoutStore_WrapsErrors(t *testing.T) {
	s := NewTimeoutStore(brokenStore{}, time.Second, nil)
	err := s.Ping(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestTimeoutStore_PassesThrough(t *testing.T) {
	s := NewTimeoutStore(NewMemoryStore(), time.Second, func(op string) {
		t.Errorf("unexpected failure on %s", op)
	})
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Errorf("Get = %q, %v, %v", v, ok, err)
	}
}

// pagingStore serves keys in fixed pages, each taking delay.
type pagingStore struct {
	Store
	pages [][]string
	delay time.Duration
}

func (p pagingStore) ScanPage(ctx context.Context, cursor uint64, _ string) ([]string, uint64, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	next := cursor + 1
	if int(next) >= len(p.pages) {
		next = 0
	}
	return p.pages[cursor], next, nil
}

func TestTimeoutStore_KeysBoundsEachPage(t *testing.T) {
	pages := [][]string{{"a", "b"}, {"c"}, {"b", "d"}, {"e"}, {"f"}}
	// Every page fits the timeout; the whole walk does not.
	s := NewTimeoutStore(pagingStore{pages: pages, delay: 30 * time.Millisecond}, 50*time.Millisecond, func(op string) {
		t.Errorf("unexpected failure on %s", op)
	})

	keys, err := s.Keys(context.Background(), "*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 6 {
		t.Errorf("keys = %v, want 6 distinct", keys)
	}
}

func TestTimeoutStore_KeysStalledPageFails(t *testing.T) {
	s := NewTimeoutStore(pagingStore{pages: [][]string{{"a"}, {"b"}}, delay: time.Second}, 20*time.Millisecond, nil)

	start := time.Now()
	if _, err := s.Keys(context.Background(), "*"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("stalled page took %v", elapsed)
	}
}
