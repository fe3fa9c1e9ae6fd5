package sanctions

import (
	"context"
	"time"

	"github.com/mbd888/relaygate/internal/circuitbreaker"
)

const (
	breakerKey     = "sanctions"
	defaultTimeout = 2 * time.Second
)

// Guarded bounds each lookup with a timeout and stops calling a failing
// backend once the breaker opens. Callers see circuitbreaker.ErrOpen as a
// lookup error, which they must treat as a match.
type Guarded struct {
	next    Checker
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewGuarded wraps next. A zero timeout uses two seconds.
func NewGuarded(next Checker, breaker *circuitbreaker.Breaker, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Guarded{next: next, breaker: breaker, timeout: timeout}
}

func (g *Guarded) IsSanctioned(ctx context.Context, address string) (bool, error) {
	var sanctioned bool
	err := g.breaker.Do(breakerKey, func() error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		var err error
		sanctioned, err = g.next.IsSanctioned(ctx, address)
		return err
	})
	if err != nil {
		return false, err
	}
	return sanctioned, nil
}

var _ Checker = (*Guarded)(nil)
