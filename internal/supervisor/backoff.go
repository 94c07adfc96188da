// ABOUTME: Reconnect delay policy: flat or capped exponential with an attempt ceiling
// ABOUTME: Exceeding MaxAttempts makes the supervisor discard credentials and re-pair

package supervisor

import "time"

// Backoff describes reconnect timing. Multiplier 1 gives a flat delay.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts is the number of consecutive failed attempts tolerated
	// before credentials are reset. Zero means unlimited.
	MaxAttempts int
}

// DefaultBackoff returns 3s doubling up to 60s, six attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 3 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		MaxAttempts:  6,
	}
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && time.Duration(d) > b.MaxDelay {
		return b.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt exceeds the ceiling.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
