package retry

import (
	"math"
	"math/rand"
	"time"
)

// Jitter defines the jitter strategy applied to computed delays.
type Jitter string

const (
	JitterNone Jitter = "NONE"
	JitterFull Jitter = "FULL"
)

// Backoff computes per-attempt delays using capped exponential backoff.
// The zero value is not usable; call NewBackoff for sane defaults.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Rate      float64
	Jitter    Jitter
}

// NewBackoff returns a Backoff with the default policy: 1s base, 30s cap,
// doubling per attempt, full jitter.
func NewBackoff() Backoff {
	return Backoff{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Rate:      2.0,
		Jitter:    JitterFull,
	}
}

// Delay returns the wait before retry attempt n (n starts at 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	rate := b.Rate
	if rate <= 1 {
		rate = 2.0
	}
	max := b.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(rate, float64(attempt-1)))
	if delay > max || delay <= 0 {
		delay = max
	}
	if b.Jitter == JitterFull {
		delay = time.Duration(rand.Int63n(int64(delay) + 1))
	}
	return delay
}
