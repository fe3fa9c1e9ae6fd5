package sanctions

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory sanctions list for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	addrs map[string]struct{}
}

// NewMemoryStore creates a list seeded with the given addresses.
func NewMemoryStore(addrs ...string) *MemoryStore {
	s := &MemoryStore{addrs: make(map[string]struct{})}
	s.Add(addrs...)
	return s
}

// Add seeds addresses. It exists for development and tests only.
func (s *MemoryStore) Add(addrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		if n := Normalize(a); n != "" {
			s.addrs[n] = struct{}{}
		}
	}
}

func (s *MemoryStore) IsSanctioned(ctx context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.addrs[Normalize(address)]
	return ok, nil
}

var _ Checker = (*MemoryStore)(nil)
