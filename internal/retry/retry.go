// Package retry runs an operation against a network peer that's allowed to
// fail transiently — a tracker that 5xx's, a dial that times out — under a
// bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Func is a single attempt at an idempotent operation. Do may invoke it
// more than once, so it must be safe to call repeatedly.
type Func func(ctx context.Context) error

// Policy bounds how Do retries a Func. The zero Policy means "try once,
// never back off" — callers that don't care about retries can pass it
// unmodified rather than needing a separate no-retry code path.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier scales the delay after each failed attempt; <= 0 means 2.
	Multiplier float64
	// RetryIf, when set, decides whether an error is worth retrying at
	// all. A nil RetryIf retries every error.
	RetryIf func(err error) bool
	// OnRetry, when set, is called before each wait between attempts.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) multiplier() float64 {
	if p.Multiplier <= 0 {
		return 2
	}
	return p.Multiplier
}

func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	scale := p.multiplier()
	for i := 1; i < attempt; i++ {
		d *= scale
	}
	if cap := float64(p.MaxDelay); cap > 0 && d > cap {
		d = cap
	}
	return time.Duration(d)
}

// Do invokes fn under p, returning on the first success, the first
// unretryable error (per p.RetryIf), a context cancellation, or exhaustion
// of p.MaxAttempts — in the last case Do returns an error wrapping the final
// attempt's error.
func Do(ctx context.Context, p Policy, fn Func) error {
	var lastErr error

	for attempt := 1; attempt <= p.attempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.RetryIf != nil && !p.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == p.attempts() {
			break
		}

		wait := p.delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: %w (last attempt: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry: giving up after %d attempt(s): %w", p.attempts(), lastErr)
}
