package broadcast

import "time"

// RetryPolicy is the single acknowledgement and backoff policy for critical messages.
type RetryPolicy struct {
	AckTimeout   time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
	WriteTimeout time.Duration
}

// DefaultRetryPolicy waits 2s for an ack and tries 5 times, backing off from 250ms up to 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		AckTimeout:   2 * time.Second,
		BaseBackoff:  250 * time.Millisecond,
		MaxBackoff:   4 * time.Second,
		MaxAttempts:  5,
		WriteTimeout: 3 * time.Second,
	}
}

// Backoff is the pause before retry number attempt (1-based): base * 2^(attempt-1), capped.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(d, p.MaxBackoff)
}
