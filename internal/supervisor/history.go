package supervisor

import (
	"time"
)

// RestartHistory tracks a child's restarts: a sliding window of restart
// timestamps for budget enforcement, plus a consecutive count that drives
// exponential backoff. The consecutive count resets once the child stays
// healthy for a full time window.
type RestartHistory struct {
	// timestamps holds restart times, oldest first.
	timestamps []time.Time

	// consecutive counts restarts since the last quiet window.
	consecutive int

	// lastRestart is the most recent restart time.
	lastRestart time.Time
}

// prune drops timestamps older than the window.
func (h *RestartHistory) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)

	keep := 0
	for keep < len(h.timestamps) && h.timestamps[keep].Before(cutoff) {
		keep++
	}
	if keep > 0 {
		h.timestamps = append(
			h.timestamps[:0], h.timestamps[keep:]...,
		)
	}
}

// resetIfQuiet clears the consecutive count when the child has gone a full
// window without restarting.
func (h *RestartHistory) resetIfQuiet(now time.Time, window time.Duration) {
	if h.consecutive > 0 && now.Sub(h.lastRestart) > window {
		h.consecutive = 0
		h.timestamps = h.timestamps[:0]
	}
}

// withinWindow returns the number of restarts inside the window.
func (h *RestartHistory) withinWindow(now time.Time,
	window time.Duration) int {

	h.prune(now, window)
	return len(h.timestamps)
}

// record notes one restart at the given time.
func (h *RestartHistory) record(now time.Time) {
	h.timestamps = append(h.timestamps, now)
	h.consecutive++
	h.lastRestart = now
}

// Consecutive returns the current consecutive restart count.
func (h *RestartHistory) Consecutive() int {
	return h.consecutive
}
