// Package backoff computes exponential reconnect delays with full jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultPolicy starts at 500ms and doubles up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
	}
}

// Ceiling is the upper bound of the delay for an attempt, before jitter.
// Attempts start at 1.
func (p Policy) Ceiling(attempt int) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	ceil := float64(p.Initial) * math.Pow(factor, exp)
	if p.Max > 0 && ceil > float64(p.Max) {
		ceil = float64(p.Max)
	}

	return time.Duration(ceil)
}

// Delay returns a full-jitter delay in [0, Ceiling(attempt)].
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// DelayWithRand is Delay with the random value supplied by the caller.
// randomValue must be in [0.0, 1.0).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	return time.Duration(float64(p.Ceiling(attempt)) * randomValue)
}
