package webhooks

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps subscriptions in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func clone(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]EventType(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	m.subs[sub.ID] = clone(sub)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sub), nil
}

// ListByPartner returns the partner's subscriptions, newest first.
func (m *MemoryStore) ListByPartner(_ context.Context, partnerID string) ([]*Subscription, error) {
	m.mu.RLock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.PartnerID == partnerID {
			out = append(out, clone(sub))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id string, d Delivery, disableAfter int) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Err == "" {
		at := d.At
		sub.LastSuccess = &at
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = d.Err
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= disableAfter {
			sub.Active = false
		}
	}
	return clone(sub), nil
}

func (m *MemoryStore) Reactivate(_ context.Context, partnerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.PartnerID != partnerID {
		return ErrNotFound
	}
	sub.Active = true
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, partnerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.PartnerID != partnerID {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
