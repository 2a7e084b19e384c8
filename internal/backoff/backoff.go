// Package backoff provides the capped exponential delay policy shared by
// the realtime reconnect loop and the sync engine retry loop.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// maxShift caps the exponent so Initial * 2^attempt cannot overflow
// time.Duration before the Max clamp is applied.
const maxShift = 30

// Policy describes min(Initial * Multiplier^attempt, Max).
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Reconnect is the realtime channel policy: 1s, 2s, 4s, 8s, 16s, 30s, 30s...
var Reconnect = Policy{
	Initial:    1 * time.Second,
	Max:        30 * time.Second,
	Multiplier: 2,
}

// SyncRetry spaces whole sync passes inside one scheduled run.
var SyncRetry = Policy{
	Initial:    5 * time.Second,
	Max:        2 * time.Minute,
	Multiplier: 2,
}

// Delay returns the wait before the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	}

	if attempt > maxShift {
		attempt = maxShift
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Initial)
	for range attempt {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}

	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}

	return time.Duration(d)
}

// Jitter adds a uniform random extra in [0, d*fraction).
func Jitter(d time.Duration, fraction float64) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}

	span := int64(float64(d) * fraction)
	if span <= 0 {
		return d
	}

	return d + time.Duration(rand.Int64N(span)) //nolint:gosec // G404: jitter has no security impact
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
