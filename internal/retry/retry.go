// Package retry reruns operations that fail transiently, backing off
// exponentially between attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Run returns the unwrapped err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Backoff describes a retry schedule. The n-th wait is Base*2^n with
// +/-25% jitter, capped at Max when Max is set.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Do runs fn up to attempts times starting from baseDelay.
func Do(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	return Backoff{Attempts: attempts, Base: baseDelay}.Run(ctx, fn)
}

// Run calls fn until it succeeds, returns a permanent error, the attempts
// are used up, or ctx is done. The last error from fn is returned.
func (b Backoff) Run(ctx context.Context, fn func() error) error {
	attempts := max(b.Attempts, 1)

	var err error
	for n := 0; n < attempts; n++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if n == attempts-1 {
			break
		}

		t := time.NewTimer(b.wait(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (b Backoff) wait(n int) time.Duration {
	d := b.Base << n
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	if d <= 0 {
		return 0
	}
	spread := int64(d / 2)
	if spread == 0 {
		return d
	}
	return d - d/4 + time.Duration(rand.Int64N(spread+1))
}
