package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded Store for tests and redis-less single-node
// deployments. Expiry is enforced lazily on access, which is sufficient for
// the gateway's short-lived coordination keys.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]*memValue
	zsets   map[string]*memZSet
	now     func() time.Time
}

type memValue struct {
	value   string
	expires time.Time // zero means no expiry
}

type memZSet struct {
	members map[string]int64
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]*memValue),
		zsets:   make(map[string]*memZSet),
		now:     time.Now,
	}
}

// SetClock overrides the time source; tests use it to step through TTL and
// window boundaries without sleeping.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) expired(deadline time.Time) bool {
	return !deadline.IsZero() && !s.now().Before(deadline)
}

func (s *MemoryStore) liveZSet(key string) *memZSet {
	z, ok := s.zsets[key]
	if !ok {
		return nil
	}
	if s.expired(z.expires) {
		delete(s.zsets, key)
		return nil
	}
	return z
}

func (s *MemoryStore) liveValue(key string) *memValue {
	v, ok := s.strings[key]
	if !ok {
		return nil
	}
	if s.expired(v.expires) {
		delete(s.strings, key)
		return nil
	}
	return v
}

func (s *MemoryStore) ZAdd(_ context.Context, key, member string, score int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.liveZSet(key)
	if z == nil {
		z = &memZSet{members: make(map[string]int64)}
		s.zsets[key] = z
	}
	z.members[member] = score
	return nil
}

func (s *MemoryStore) ZRemoveRangeByScore(_ context.Context, key string, min, max int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.liveZSet(key)
	if z == nil {
		return nil
	}
	for member, score := range z.members {
		if score >= min && score <= max {
			delete(z.members, member)
		}
	}
	return nil
}

func (s *MemoryStore) ZCount(_ context.Context, key string, min, max int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.liveZSet(key)
	if z == nil {
		return 0, nil
	}
	var n int64
	for _, score := range z.members {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.liveValue(key)
	if v == nil {
		return "", false, nil
	}
	return v.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = &memValue{value: value, expires: s.deadline(ttl)}
	return nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveValue(key) != nil {
		return false, nil
	}
	s.strings[key] = &memValue{value: value, expires: s.deadline(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, key)
	delete(s.zsets, key)
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := s.liveValue(key); v != nil {
		v.expires = s.deadline(ttl)
	}
	if z := s.liveZSet(key); z != nil {
		z.expires = s.deadline(ttl)
	}
	return nil
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
