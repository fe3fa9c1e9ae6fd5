package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is long enough for any bucket to refill completely, so an
// entry idle this long carries no state worth keeping.
const idleAfter = 2 * time.Minute

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// MemoryBucket keeps one rate.Limiter per key in process memory.
type MemoryBucket struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewMemoryBucket(cfg Config) *MemoryBucket {
	return &MemoryBucket{
		limit:    rate.Limit(cfg.perSecond()),
		burst:    cfg.BurstSize,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Take spends one token from key's limiter. A denied reservation is
// cancelled so the token it borrowed goes back.
func (m *MemoryBucket) Take(_ context.Context, key string) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	v, ok := m.visitors[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(m.limit, m.burst)}
		m.visitors[key] = v
	}
	v.seen = now
	m.mu.Unlock()

	r := v.lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: time.Minute}, nil
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: wait}, nil
	}
	return Decision{Allowed: true, Remaining: int(v.lim.TokensAt(now))}, nil
}

// Sweep drops limiters idle long enough to have refilled.
func (m *MemoryBucket) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-idleAfter)
	n := 0
	for k, v := range m.visitors {
		if v.seen.Before(cutoff) {
			delete(m.visitors, k)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *MemoryBucket) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

func (m *MemoryBucket) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.visitors)
}

var _ Bucket = (*MemoryBucket)(nil)
