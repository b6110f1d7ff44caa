package mailbox

import (
	"sync"
	"time"
)

// ExcessAction decides what happens to messages beyond the rate limit.
type ExcessAction int

const (
	// ExcessDrop silently rejects the message; post returns false.
	ExcessDrop ExcessAction = iota

	// ExcessReject fails the message with a RateLimited error so the
	// caller sees why it was refused.
	ExcessReject

	// ExcessQueue admits the message anyway, leaving back-pressure to
	// the mailbox capacity.
	ExcessQueue
)

// String returns the action name.
func (a ExcessAction) String() string {
	switch a {
	case ExcessDrop:
		return "drop"
	case ExcessReject:
		return "reject"
	case ExcessQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// RateLimitConfig tunes the per-activation rate limiter.
type RateLimitConfig struct {
	// Enabled turns the limiter on. A disabled limiter admits
	// everything.
	Enabled bool

	// MaxMessagesPerWindow is the admission budget per window.
	MaxMessagesPerWindow int

	// TimeWindow is the sliding window length.
	TimeWindow time.Duration

	// ExcessAction decides the fate of messages over budget.
	ExcessAction ExcessAction

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// DefaultRateLimitConfig returns the standard limiter tuning. The limiter
// ships disabled; it is opt-in per actor type.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:              false,
		MaxMessagesPerWindow: 1000,
		TimeWindow:           time.Second,
		ExcessAction:         ExcessDrop,
	}
}

// RateLimiter admits messages against a sliding window of accepted
// timestamps.
type RateLimiter struct {
	cfg RateLimitConfig

	mu sync.Mutex

	// stamps holds the admission times still inside the window, oldest
	// first.
	stamps []time.Time
}

// NewRateLimiter creates a limiter with an empty window.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &RateLimiter{cfg: cfg}
}

// Allow records and admits one message if the window has budget. Over
// budget it returns false together with the configured excess action.
func (rl *RateLimiter) Allow() (bool, ExcessAction) {
	if !rl.cfg.Enabled {
		return true, ExcessQueue
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.cfg.Clock()
	cutoff := now.Add(-rl.cfg.TimeWindow)

	// Expire stamps that slid out of the window.
	keep := 0
	for keep < len(rl.stamps) && !rl.stamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		rl.stamps = append(rl.stamps[:0], rl.stamps[keep:]...)
	}

	if len(rl.stamps) >= rl.cfg.MaxMessagesPerWindow {
		return false, rl.cfg.ExcessAction
	}

	rl.stamps = append(rl.stamps, now)

	return true, ExcessQueue
}

// Pending returns the number of admissions currently inside the window.
func (rl *RateLimiter) Pending() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return len(rl.stamps)
}
