package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string // hash -> id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.byID[key.ID] = &cp
	s.byHash[key.Hash] = key.ID
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

// ListByPartner returns the partner's keys, newest first.
func (s *MemoryStore) ListByPartner(ctx context.Context, partnerID string) ([]*APIKey, error) {
	s.mu.RLock()
	var out []*APIKey
	for _, k := range s.byID {
		if k.PartnerID == partnerID {
			cp := *k
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, partnerID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[keyID]
	if !ok || k.PartnerID != partnerID {
		return ErrKeyNotFound
	}
	k.Revoked = true
	return nil
}

// Touch never moves last_used backwards.
func (s *MemoryStore) Touch(ctx context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	if at.After(k.LastUsed) {
		k.LastUsed = at
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
