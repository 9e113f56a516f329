package jobs

import (
	"math/rand/v2"
	"time"
)

// Backoff computes base * 2^attempts + jitter, capped at Max.
type Backoff struct {
	Base          time.Duration
	JitterCeiling time.Duration
	Max           time.Duration
}

// Delay is pure: jitter must already be drawn from [0, JitterCeiling).
func (b Backoff) Delay(attempts int, jitter time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		attempts = 30
	}
	d := b.Base << uint(attempts)
	if d < 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	d += jitter
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Jitter draws a value in [0, JitterCeiling).
func (b Backoff) Jitter() time.Duration {
	if b.JitterCeiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(b.JitterCeiling)))
}

// Next is Delay with a freshly drawn jitter.
func (b Backoff) Next(attempts int) time.Duration {
	return b.Delay(attempts, b.Jitter())
}
