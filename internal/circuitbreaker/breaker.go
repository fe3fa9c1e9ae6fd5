// Package circuitbreaker stops calling a failing backend for a while.
//
// One Breaker tracks many independent circuits, one per key. The relay
// uses "sanctions" for the sanctions store and "rpc:<chain>" for each
// chain's RPC endpoint. A circuit opens after threshold consecutive
// failures, rejects calls for the cooldown, then lets a single probe
// through. The probe's outcome closes or reopens it.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/relaygate/internal/metrics"
)

// State of one circuit.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// ErrOpen is returned by Do when the circuit for a key rejects the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// Defaults applied by New for non-positive arguments.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

type circuit struct {
	state       State
	consecutive int
	openedAt    time.Time
}

// TransitionFunc observes state changes. It runs after the breaker's
// lock is released.
type TransitionFunc func(key string, from, to State)

// Breaker holds one circuit per key. Safe for concurrent use.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
	observer TransitionFunc
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New returns a breaker that opens a circuit after threshold consecutive
// failures and probes again after cooldown.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnTransition registers fn to be told about every state change.
func (b *Breaker) OnTransition(fn TransitionFunc) {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

// Do runs fn when the circuit for key admits it and records the result.
// Errors matching one of neutral are returned to the caller but count as
// a healthy backend response, e.g. a well-formed "not found".
func (b *Breaker) Do(key string, fn func() error, neutral ...error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err == nil || isAny(err, neutral) {
		b.RecordSuccess(key)
		return err
	}
	b.RecordFailure(key)
	return err
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has passed moves to half-open and admits exactly one caller.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return true
	}

	allowed := false
	var fire func()
	switch c.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			fire = b.setLocked(key, c, StateHalfOpen)
			allowed = true
		}
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	c.consecutive = 0
	fire := b.setLocked(key, c, StateClosed)
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// RecordFailure counts a failure. A failed probe reopens the circuit
// immediately; a closed circuit opens at the threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.consecutive++

	var fire func()
	if c.state == StateHalfOpen || (c.state == StateClosed && c.consecutive >= b.threshold) {
		c.openedAt = b.now()
		fire = b.setLocked(key, c, StateOpen)
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// State returns the circuit state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Keys lists every key that has recorded a failure, sorted.
func (b *Breaker) Keys() []string {
	b.mu.Lock()
	keys := make([]string, 0, len(b.circuits))
	for k := range b.circuits {
		keys = append(keys, k)
	}
	b.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// setLocked changes state, updates metrics and returns the observer call
// to make once b.mu is released. Caller holds b.mu.
func (b *Breaker) setLocked(key string, c *circuit, to State) func() {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to
	metrics.BreakerState.WithLabelValues(key).Set(float64(to))
	metrics.BreakerTransitions.WithLabelValues(key, to.String()).Inc()

	obs := b.observer
	if obs == nil {
		return nil
	}
	return func() { obs(key, from, to) }
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
