/*
backoff.go - Retry backoff schedule

PURPOSE:
  Computes the delay before a retryable intent becomes eligible again.
  Delay doubles per attempt from a base, capped, with jitter so a fleet
  of clients reconnecting together doesn't stampede the provider.

DETERMINISM:
  The jitter source is injectable so tests can pin it. Delay(n) without
  jitter is strictly increasing in n until the cap.

SEE ALSO:
  - engine.go: Applies the schedule on retryable failures
*/
package entitlement

import (
	"math/rand"
	"time"
)

// =============================================================================
// BACKOFF - Doubling delay, capped, with jitter
// =============================================================================

// Backoff computes retry delays. The zero value is unusable; use
// DefaultBackoff or construct explicitly.
type Backoff struct {
	Base   time.Duration // delay before the first retry
	Cap    time.Duration // maximum delay
	Jitter float64       // fraction of the delay randomized, e.g. 0.2

	// Rand returns a value in [0, 1). Nil means math/rand's global
	// source.
	Rand func() float64
}

// DefaultBackoff is the schedule used unless configured otherwise:
// 2s, 4s, 8s, ... capped at 5m, +/-20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Cap: 5 * time.Minute, Jitter: 0.2}
}

// Delay returns the backoff before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			d = b.Cap
			break
		}
	}
	if d > b.Cap {
		d = b.Cap
	}

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		// Spread over [d*(1-j), d*(1+j)].
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread + 2*spread*r())
	}
	if d < 0 {
		d = 0
	}
	return d
}

// NextAttemptAt returns the wall-clock time the retry becomes eligible.
func (b Backoff) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}
