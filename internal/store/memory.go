package store

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and single-node development. Not shared across instances.
type MemoryStore struct {
	mu      sync.RWMutex
	sets    map[string]map[string]int64
	scalars map[string]string
	expiry  map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:    make(map[string]map[string]int64),
		scalars: make(map[string]string),
		expiry:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// WithClock replaces the wall clock used for ttl expiry. Tests use it to
// drive expiry deterministically.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// expireLocked drops key if its ttl has passed. Caller holds the write lock.
func (s *MemoryStore) expireLocked(key string) {
	at, ok := s.expiry[key]
	if !ok || s.now().Before(at) {
		return
	}
	delete(s.sets, key)
	delete(s.scalars, key)
	delete(s.expiry, key)
}

func (s *MemoryStore) setTTLLocked(key string, ttl time.Duration) {
	if ttl <= 0 {
		delete(s.expiry, key)
		return
	}
	s.expiry[key] = s.now().Add(ttl)
}

func (s *MemoryStore) ZAddMax(_ context.Context, key, member string, score int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]int64)
		s.sets[key] = set
	}
	if cur, ok := set[member]; !ok || score > cur {
		set[member] = score
	}
	return nil
}

func (s *MemoryStore) ZRemBelow(_ context.Context, key string, min int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)

	set := s.sets[key]
	for m, score := range set {
		if score < min {
			delete(set, m)
		}
	}
	if set != nil && len(set) == 0 {
		delete(s.sets, key)
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) ZCount(_ context.Context, key string, min, max int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)

	var n int64
	for _, score := range s.sets[key] {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ZRange(_ context.Context, key string, min, max int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)

	var result []Member
	for m, score := range s.sets[key] {
		if score >= min && score <= max {
			result = append(result, Member{Name: m, Score: score})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score < result[j].Score
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)

	v, ok := s.scalars[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scalars[key] = value
	s.setTTLLocked(key, ttl)
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)

	if _, ok := s.scalars[key]; ok {
		return false, nil
	}
	s.scalars[key] = value
	s.setTTLLocked(key, ttl)
	return true, nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)

	cur, ok := s.scalars[key]
	if !ok || cur != expected {
		return false, nil
	}
	s.scalars[key] = value
	s.setTTLLocked(key, ttl)
	return true, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)

	var n int64
	if cur, ok := s.scalars[key]; ok {
		parsed, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	s.scalars[key] = strconv.FormatInt(n, 10)
	s.setTTLLocked(key, ttl)
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)

	_, isSet := s.sets[key]
	_, isScalar := s.scalars[key]
	if isSet || isScalar {
		s.setTTLLocked(key, ttl)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	collect := func(key string) {
		s.expireLocked(key)
		if _, ok := s.sets[key]; !ok {
			if _, ok := s.scalars[key]; !ok {
				return
			}
		}
		if ok, _ := path.Match(pattern, key); ok {
			seen[key] = true
		}
	}
	for key := range s.sets {
		collect(key)
	}
	for key := range s.scalars {
		collect(key)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
