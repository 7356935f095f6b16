package connection

import "time"

// Backoff computes the retry delay after unplanned disconnects. It is a
// pure function of the attempt count: base * 2^attempt, capped at Max,
// with the attempt count bounded by MaxAttempts.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the standard policy: 1s base, five attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        1 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the given zero-based attempt. The second
// return is false once the attempt ceiling is exceeded, meaning the
// failure is permanent and no further retry should be scheduled.
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	if attempt >= b.MaxAttempts {
		return 0, false
	}

	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max, true
		}
	}
	return d, true
}
