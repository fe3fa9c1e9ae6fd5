package risk

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/relaygate/internal/idgen"
)

// MemoryStore is an in-memory SnapshotStore and EventStore for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	events    map[string][]*Event // address → events, oldest first
}

// NewMemoryStore creates an in-memory risk store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*Snapshot),
		events:    make(map[string][]*Event),
	}
}

func (s *MemoryStore) Get(ctx context.Context, address string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[strings.ToLower(address)]
	if !ok {
		return nil, nil
	}
	cp := *snap
	cp.Reasons = append([]string(nil), snap.Reasons...)
	return &cp, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snap
	cp.Address = strings.ToLower(snap.Address)
	cp.Reasons = append([]string(nil), snap.Reasons...)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.snapshots[cp.Address] = &cp
	return nil
}

func (s *MemoryStore) LogEvents(ctx context.Context, address string, hits []FeatureHit, applied []Contribution) error {
	addr := strings.ToLower(address)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range applied {
		ev := &Event{
			ID:            idgen.WithPrefix(idgen.RiskEvent),
			Address:       addr,
			Feature:       c.Key,
			Details:       map[string]any{},
			WeightApplied: c.Weight,
			CreatedAt:     now,
		}
		if i < len(hits) && hits[i].Key == c.Key {
			for k, v := range hits[i].Details {
				ev.Details[k] = v
			}
		}
		s.events[addr] = append(s.events[addr], ev)
	}
	return nil
}

func (s *MemoryStore) ListByAddress(ctx context.Context, address string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[strings.ToLower(address)]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit
	start := len(all) - limit
	if start < 0 || limit <= 0 {
		start = 0
	}

	result := make([]*Event, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		ev := *all[i]
		result = append(result, &ev)
	}
	return result, nil
}

var (
	_ SnapshotStore = (*MemoryStore)(nil)
	_ EventStore    = (*MemoryStore)(nil)
)
