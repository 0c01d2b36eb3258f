package dispatcher

import (
	"math"
	"time"
)

// Backoff is an exponential, capped retry delay policy.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff is used when no policy is configured.
var DefaultBackoff = Backoff{
	Base:       5 * time.Second,
	Max:        5 * time.Minute,
	Multiplier: 2,
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = DefaultBackoff.Multiplier
	}

	d := float64(base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
