// Package health aggregates dependency probes into a single report.
//
// A failing critical probe makes the gate unhealthy (503). A failing
// optional probe only degrades it: the gate keeps serving because every
// optional dependency has a fallback (rate limiting fails open, an open
// breaker short-circuits to a decision).
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/relaygate/internal/circuitbreaker"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2 * time.Second

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Probe returns nil when the dependency is usable.
type Probe func(ctx context.Context) error

// Result is the outcome of one probe.
type Result struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Report is the aggregate of every registered probe.
type Report struct {
	Status string   `json:"status"`
	Checks []Result `json:"checks,omitempty"`
}

// HTTPStatus maps the report onto a response code. Degraded still serves.
func (r Report) HTTPStatus() int {
	if r.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

type entry struct {
	name     string
	probe    Probe
	critical bool
}

// Registry runs named probes concurrently.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout, now: time.Now}
}

// Critical registers a probe whose failure makes the gate unhealthy.
func (r *Registry) Critical(name string, p Probe) { r.add(entry{name: name, probe: p, critical: true}) }

// Optional registers a probe whose failure only degrades the gate.
func (r *Registry) Optional(name string, p Probe) { r.add(entry{name: name, probe: p}) }

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Run executes every probe under its own timeout. Results keep
// registration order.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	results := make([]Result, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.runOne(ctx, e)
		}()
	}
	wg.Wait()

	rep := Report{Status: StatusHealthy, Checks: results}
	for _, res := range results {
		switch {
		case res.Healthy:
		case res.Critical:
			rep.Status = StatusUnhealthy
		case rep.Status == StatusHealthy:
			rep.Status = StatusDegraded
		}
	}
	return rep
}

func (r *Registry) runOne(ctx context.Context, e entry) Result {
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.now()
	err := e.probe(pctx)
	if err == nil && pctx.Err() != nil {
		err = pctx.Err()
	}
	res := Result{
		Name:      e.name,
		Healthy:   err == nil,
		Critical:  e.critical,
		LatencyMS: r.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		res.Detail = err.Error()
	}
	return res
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SQL probes a database with a ping.
func SQL(db Pinger) Probe {
	return db.PingContext
}

// RedisPinger is the subset of redis.UniversalClient used here.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Redis probes with PING.
func Redis(client RedisPinger) Probe {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// BreakerStates is satisfied by *circuitbreaker.Breaker.
type BreakerStates interface {
	State(key string) circuitbreaker.State
}

// ErrBreakerOpen is reported while a breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit open")

// Breaker fails while the breaker for key is open. Half-open passes since
// the next call is already being let through as a trial.
func Breaker(b BreakerStates, key string) Probe {
	return func(context.Context) error {
		if st := b.State(key); st == circuitbreaker.StateOpen {
			return fmt.Errorf("%s: %w", key, ErrBreakerOpen)
		}
		return nil
	}
}
