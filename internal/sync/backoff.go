package sync

import (
	"math/rand/v2"
	"time"
)

// Defaults for the push retry policy.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultMultiplier  = 2.0
	DefaultMaxAttempts = 5
)

// Backoff computes the delay before a retry using exponential growth with
// full jitter: the actual sleep is uniform over [0, ceiling) so simultaneous
// failures do not retry in lockstep.
type Backoff struct {
	Base        time.Duration
	Multiplier  float64
	MaxAttempts int

	// rnd returns a uniform float64 in [0, 1); replaceable in tests.
	rnd func() float64
}

// NewBackoff returns the default push retry policy.
func NewBackoff() Backoff {
	return Backoff{
		Base:        DefaultBackoffBase,
		Multiplier:  DefaultMultiplier,
		MaxAttempts: DefaultMaxAttempts,
		rnd:         rand.Float64,
	}
}

// Ceiling returns the un-jittered delay after the given attempt (1-based).
func (b Backoff) Ceiling(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
	}
	return time.Duration(d)
}

// Delay returns the jittered sleep before the retry following attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	rnd := b.rnd
	if rnd == nil {
		rnd = rand.Float64
	}
	return time.Duration(rnd() * float64(b.Ceiling(attempt)))
}
