// Package deadletter implements the failure sink for actor message
// processing: the retry policy that governs re-delivery attempts and the
// bounded dead letter queue that captures messages once retries are
// exhausted.
package deadletter

import (
	"math/rand"
	"time"
)

// RetryPolicy controls re-delivery of messages whose invocation failed.
// A message is attempted 1+MaxRetries times in total.
type RetryPolicy struct {
	// Enabled turns retries on. When false, a failed message goes
	// straight to the dead letter queue.
	Enabled bool

	// MaxRetries is the number of re-delivery attempts after the first
	// failure.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Multiplier scales the delay between consecutive retries.
	Multiplier float64

	// Jitter randomizes each delay to a uniform fraction in [0.5, 1.0]
	// of its nominal value, preventing retry storms from synchronizing.
	Jitter bool
}

// DefaultRetryPolicy returns the standard retry tuning.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:      true,
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay returns the backoff before retry attempt n (1-based): the initial
// delay scaled by Multiplier^(n-1), clamped to MaxDelay, with optional
// jitter applied last.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}

	return time.Duration(delay)
}
