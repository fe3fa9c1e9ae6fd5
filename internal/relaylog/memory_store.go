package relaylog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/relaygate/internal/idgen"
	"github.com/mbd888/relaygate/internal/pagination"
)

// MemoryStore is an in-memory relay log for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry // insertion order
	byID    map[string]*Entry
}

// NewMemoryStore creates an in-memory relay log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Entry)}
}

func (s *MemoryStore) Insert(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix(idgen.RelayLog)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	cp := copyEntry(e)
	s.mu.Lock()
	s.entries = append(s.entries, cp)
	s.byID[cp.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetTxHash(ctx context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	e.TxHash = txHash
	return nil
}

func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, partnerID, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.PartnerID == partnerID && e.IdempotencyKey == key && e.TxHash != "" {
			return copyEntry(e), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByPartner(ctx context.Context, partnerID string, limit int, cursor *pagination.Cursor) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		if s.entries[i].PartnerID == partnerID && s.entries[i].Before(cursor) {
			result = append(result, copyEntry(s.entries[i]))
		}
	}
	return result, nil
}

func (s *MemoryStore) Summarize(ctx context.Context, partnerID string, from, to time.Time) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &Summary{ByBand: make(map[string]int64)}
	for _, e := range s.entries {
		if e.PartnerID != partnerID || e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		sum.Total++
		switch e.Decision {
		case DecisionAllowed:
			sum.Allowed++
		case DecisionBlocked:
			sum.Blocked++
		}
		if e.TxHash != "" {
			sum.Broadcast++
		}
		if e.RiskBand != "" {
			sum.ByBand[e.RiskBand]++
		}
	}
	return sum, nil
}

func (s *MemoryStore) UsageSeries(ctx context.Context, partnerID, interval string, from, to time.Time) ([]UsagePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make(map[time.Time]*UsagePoint)
	for _, e := range s.entries {
		if e.PartnerID != partnerID || e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		b := bucketStart(e.CreatedAt, interval)
		pt, ok := buckets[b]
		if !ok {
			pt = &UsagePoint{Bucket: b}
			buckets[b] = pt
		}
		pt.Requests++
		if e.Decision == DecisionBlocked {
			pt.Blocked++
		}
	}

	result := make([]UsagePoint, 0, len(buckets))
	for _, pt := range buckets {
		result = append(result, *pt)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Bucket.Before(result[j].Bucket) })
	return result, nil
}

func (s *MemoryStore) ListBlocked(ctx context.Context, partnerID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		e := s.entries[i]
		if e.PartnerID == partnerID && e.Decision == DecisionBlocked {
			result = append(result, copyEntry(e))
		}
	}
	return result, nil
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.Reasons = append([]string(nil), e.Reasons...)
	return &cp
}

var (
	_ Store     = (*MemoryStore)(nil)
	_ Analytics = (*MemoryStore)(nil)
)
