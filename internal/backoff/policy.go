// Package backoff provides exponential backoff with jitter for supervised
// connect retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration
	// Max caps every computed delay.
	Max time.Duration
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// DefaultPolicy returns the policy used for session reconnects.
// Initial: 2s, Max: 30s, Factor: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		Initial: 2 * time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// normalized fills zero or negative fields from DefaultPolicy.
func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before retrying after the given failed attempt.
// Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the delay with a caller-supplied random value in [0, 1).
// base = initial * factor^(attempt-1); result = min(max, base + base*jitter*random).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	p = p.normalized()
	exp := math.Max(float64(attempt-1), 0)

	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*randomValue)

	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}
