// Package store defines the time-indexed key-value interface the surge
// engine runs against. Implementations include Redis (shared across
// instances), in-memory (for testing and single-node development), and a
// timeout wrapper that turns slow or failing calls into ErrUnavailable.
//
// Scores in windowed sets are Unix milliseconds.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a store timeout or connectivity failure. Callers
// degrade to safe defaults when they see it.
var ErrUnavailable = errors.New("store: unavailable")

// Member is one element of a windowed set.
type Member struct {
	Name  string
	Score int64
}

// Store is the persistence interface. Every operation is atomic per key.
type Store interface {
	// --- Windowed sets ---

	// ZAddMax upserts member with score, keeping the larger of the stored
	// and the new score. A late, older write never regresses a member.
	ZAddMax(ctx context.Context, key, member string, score int64) error

	// ZRemBelow removes members whose score is strictly below min.
	ZRemBelow(ctx context.Context, key string, min int64) error

	// ZCount counts members with min <= score <= max.
	ZCount(ctx context.Context, key string, min, max int64) (int64, error)

	// ZRange lists members with min <= score <= max, ascending by score.
	ZRange(ctx context.Context, key string, min, max int64) ([]Member, error)

	// --- Scalars ---

	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value unconditionally. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSet writes value only when the stored value equals expected.
	CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)

	// Incr increments an integer counter and refreshes its ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Expire refreshes the ttl of an existing key of any kind.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// --- Discovery ---

	// Keys enumerates keys matching a glob pattern ('*' wildcard).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// PageScanner is implemented by stores whose key enumeration is a series of
// round-trips. Wrappers bound each page instead of the whole walk, so a large
// keyspace does not turn discovery into a timeout.
type PageScanner interface {
	ScanPage(ctx context.Context, cursor uint64, pattern string) (keys []string, next uint64, err error)
}
