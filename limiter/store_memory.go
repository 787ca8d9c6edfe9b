package limiter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. It is only correct when a single
// process serves all requests; use RedisStore otherwise.
type MemoryStore struct {
	mu           sync.Mutex
	expires      map[string]time.Time
	now          func() time.Time
	cleanupEvery time.Duration
}

type MemoryStoreOption func(*MemoryStore)

func WithCleanupEvery(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

func withClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		expires:      make(map[string]time.Time),
		now:          time.Now,
		cleanupEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expires[key]
	if !ok || !now.Before(exp) {
		return 0, nil
	}
	return exp.Sub(now), nil
}

// Cleanup drops expired markers.
func (s *MemoryStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, k)
		}
	}
}

// Len reports the number of markers held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}

// StartJanitor runs Cleanup periodically until ctx is cancelled.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
