// Package retry provides a small bounded exponential backoff policy used
// by the fetcher and the commit coordinator, so retry control flow is
// not duplicated per call site.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes how an operation is retried: a bounded attempt count
// with exponentially growing, jittered delays capped at MaxDelay.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64 // fraction of the delay randomized, 0..1
}

// Default is the policy used when a component is constructed without one.
var Default = Policy{
	Attempts:     3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Jitter:       0.2,
}

// Do runs op up to p.Attempts times, sleeping between attempts. The
// shouldRetry callback decides whether an error is worth another try;
// a nil callback retries every error. Returns the last error, or the
// context error if the caller cancels mid-wait.
func (p Policy) Do(ctx context.Context, op func() error, shouldRetry func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.InitialDelay
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(p.withJitter(delay)):
		case <-ctx.Done():
			return ctx.Err()
		}

		if next := delay * 2; p.MaxDelay <= 0 || next <= p.MaxDelay {
			delay = next
		} else {
			delay = p.MaxDelay
		}
	}
	return lastErr
}

func (p Policy) withJitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * p.Jitter
	// Jitter is symmetric around the nominal delay.
	return d + time.Duration((rand.Float64()-0.5)*2*spread)
}
