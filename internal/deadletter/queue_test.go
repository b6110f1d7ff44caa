package deadletter

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/roasbeef/lattice/internal/wire"
	"github.com/stretchr/testify/require"
)

func failedEnvelope(actorType, actorID string) *wire.Envelope {
	return wire.NewRequest(actorType, actorID, "doWork", nil)
}

// TestQueueCapturesEntry verifies the basic capture path including the
// stack trace toggle.
func TestQueueCapturesEntry(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{
		Enabled:            true,
		MaxMessages:        10,
		CaptureStackTraces: true,
	})

	boom := errors.New("handler blew up")
	require.True(t, q.Add(failedEnvelope("Worker", "w1"), "Worker:w1",
		boom, 3))

	entries := q.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "Worker:w1", entries[0].ActorID)
	require.Equal(t, 3, entries[0].RetryCount)
	require.ErrorIs(t, entries[0].Err, boom)
	require.Contains(t, entries[0].StackTrace, "goroutine")
	require.WithinDuration(t, time.Now(), entries[0].EnqueuedAt,
		5*time.Second)
}

// TestQueueStackCaptureDisabled verifies that no stack is recorded when the
// option is off.
func TestQueueStackCaptureDisabled(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Enabled: true, MaxMessages: 10})

	require.True(t, q.Add(failedEnvelope("Worker", "w1"), "Worker:w1",
		errors.New("nope"), 0))
	require.Empty(t, q.Entries()[0].StackTrace)
}

// TestQueueDisabledDropsEntry verifies that a disabled queue rejects
// capture entirely.
func TestQueueDisabledDropsEntry(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Enabled: false, MaxMessages: 10})

	require.False(t, q.Add(failedEnvelope("Worker", "w1"), "Worker:w1",
		errors.New("nope"), 0))
	require.Zero(t, q.Len())
}

// TestQueueEvictsOldestAtCapacity fills the queue past its bound and checks
// FIFO eviction plus the eviction counter.
func TestQueueEvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Enabled: true, MaxMessages: 3})

	for i := 0; i < 5; i++ {
		actorID := fmt.Sprintf("Worker:w%d", i)
		require.True(t, q.Add(failedEnvelope("Worker", actorID),
			actorID, errors.New("fail"), 0))
	}

	require.Equal(t, 3, q.Len())
	require.EqualValues(t, 2, q.Evicted())

	entries := q.Entries()
	require.Equal(t, "Worker:w2", entries[0].ActorID)
	require.Equal(t, "Worker:w4", entries[2].ActorID)
}

// TestQueuePerTypeOverride verifies that an override replaces the global
// config for one actor type without affecting the others.
func TestQueuePerTypeOverride(t *testing.T) {
	t.Parallel()

	q := NewQueue(DefaultConfig())
	q.SetOverride("Noisy", Config{Enabled: false})

	require.False(t, q.Add(failedEnvelope("Noisy", "n1"), "Noisy:n1",
		errors.New("fail"), 0))
	require.True(t, q.Add(failedEnvelope("Worker", "w1"), "Worker:w1",
		errors.New("fail"), 0))

	require.False(t, q.ConfigFor("Noisy").Enabled)
	require.True(t, q.ConfigFor("Worker").Enabled)
	require.Equal(t, 1, q.Len())
}

// TestQueueDrain verifies that Drain empties the queue and returns entries
// oldest first.
func TestQueueDrain(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Enabled: true, MaxMessages: 10})
	for i := 0; i < 3; i++ {
		actorID := fmt.Sprintf("Worker:w%d", i)
		q.Add(failedEnvelope("Worker", actorID), actorID,
			errors.New("fail"), 0)
	}

	drained := q.Drain()
	require.Len(t, drained, 3)
	require.Equal(t, "Worker:w0", drained[0].ActorID)
	require.Zero(t, q.Len())
	require.Empty(t, q.Drain())
}

// TestRetryPolicyDelay checks the exponential schedule with the jitter
// disabled so values are exact.
func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{
		Enabled:      true,
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	require.Equal(t, 100*time.Millisecond, policy.Delay(1))
	require.Equal(t, 200*time.Millisecond, policy.Delay(2))
	require.Equal(t, 400*time.Millisecond, policy.Delay(3))
	require.Equal(t, 800*time.Millisecond, policy.Delay(4))

	// Attempt 5 would be 1.6s nominally; the cap clamps it.
	require.Equal(t, time.Second, policy.Delay(5))
	require.Equal(t, time.Second, policy.Delay(50))

	// Out-of-range attempts degrade to the first delay.
	require.Equal(t, 100*time.Millisecond, policy.Delay(0))
}

// TestRetryPolicyJitterBounds verifies jittered delays stay within the
// [0.5, 1.0] fraction of the nominal value.
func TestRetryPolicyJitterBounds(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{
		Enabled:      true,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Jitter:       true,
	}

	for i := 0; i < 100; i++ {
		d := policy.Delay(1)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.LessOrEqual(t, d, time.Second)
	}
}
