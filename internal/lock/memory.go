package lock

import (
	"context"
	"sync"
	"time"
)

type memoryClaim struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-instance deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
	now    func() time.Time
}

// NewMemoryStore creates an empty in-process claim store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims: make(map[string]memoryClaim),
		now:    time.Now,
	}
}

// SetNX implements Store.
func (s *MemoryStore) SetNX(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c, ok := s.claims[key]; ok && now.Before(c.expiresAt) {
		return false, nil
	}
	s.claims[key] = memoryClaim{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// CompareAndDelete implements Store.
func (s *MemoryStore) CompareAndDelete(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[key]
	if !ok || c.token != token {
		return false, nil
	}
	delete(s.claims, key)
	return true, nil
}

// CompareAndExtend implements Store.
func (s *MemoryStore) CompareAndExtend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.claims[key]
	if !ok || c.token != token || !now.Before(c.expiresAt) {
		return false, nil
	}
	s.claims[key] = memoryClaim{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}
