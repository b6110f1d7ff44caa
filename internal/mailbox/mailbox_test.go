package mailbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roasbeef/lattice/internal/deadletter"
	"github.com/roasbeef/lattice/internal/wire"
	"github.com/stretchr/testify/require"
)

func testEnv(method string) *wire.Envelope {
	return wire.NewRequest("Counter", "c1", method, nil)
}

func noRetry() deadletter.RetryPolicy {
	return deadletter.RetryPolicy{Enabled: false}
}

// TestTurnBasedDelivery posts 1000 messages from 10 concurrent producers
// and asserts the handler observed no overlapping turns and no lost or
// duplicated deliveries.
func TestTurnBasedDelivery(t *testing.T) {
	t.Parallel()

	var (
		counter  int64
		inFlight atomic.Int32
	)

	mb := New(Config{
		ActorID:   "c1",
		ActorType: "Counter",
		Capacity:  2000,
		Retry:     noRetry(),
	}, func(_ context.Context, _ *wire.Envelope) error {
		require.Equal(t, int32(1), inFlight.Add(1))
		counter++
		inFlight.Add(-1)
		return nil
	})
	mb.Start()

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				err := mb.Post(
					context.Background(),
					testEnv("Increment"),
				)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()
	require.NoError(t, mb.Stop(ctx))

	require.EqualValues(t, 1000, counter)
	require.EqualValues(t, 1000, mb.Turns())
}

// TestRetryThenDeadLetter configures two retries with a flat 10ms delay
// and a handler that always fails, and asserts three invocations total
// followed by exactly one dead letter entry with retry count two.
func TestRetryThenDeadLetter(t *testing.T) {
	t.Parallel()

	dlq := deadletter.NewQueue(deadletter.DefaultConfig())
	failure := errors.New("bad")

	var invocations atomic.Int32
	var exhausted sync.WaitGroup
	exhausted.Add(1)

	mb := New(Config{
		ActorID:   "c1",
		ActorType: "Counter",
		Capacity:  16,
		Retry: deadletter.RetryPolicy{
			Enabled:      true,
			MaxRetries:   2,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   1.0,
			Jitter:       false,
		},
		DLQ: dlq,
		OnExhausted: func(_ *wire.Envelope, err error, retries int) {
			defer exhausted.Done()
			require.ErrorIs(t, err, failure)
			require.Equal(t, 2, retries)
		},
	}, func(_ context.Context, _ *wire.Envelope) error {
		invocations.Add(1)
		return failure
	})
	mb.Start()
	defer mb.Stop(context.Background())

	require.NoError(t, mb.Post(context.Background(), testEnv("Boom")))
	exhausted.Wait()

	require.EqualValues(t, 3, invocations.Load())

	entries := dlq.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "c1", entries[0].ActorID)
	require.Equal(t, 2, entries[0].RetryCount)
	require.ErrorIs(t, entries[0].Err, failure)
	require.NotEmpty(t, entries[0].StackTrace)
}

// TestCircuitBreakerRoundtrip walks the breaker through Closed, Open,
// HalfOpen, back to Closed, and asserts a half-open failure reopens it.
func TestCircuitBreakerRoundtrip(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(BreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
		SamplingWindow:   10 * time.Second,
	})

	require.Equal(t, BreakerClosed, cb.State())

	for i := 0; i < 3; i++ {
		require.True(t, cb.Allow())
		cb.RecordFailure()
	}
	require.Equal(t, BreakerOpen, cb.State())
	require.False(t, cb.Allow())

	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())
	require.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordSuccess()
	cb.RecordSuccess()
	require.Equal(t, BreakerClosed, cb.State())

	// Trip it again, probe, fail the probe: straight back to Open.
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())
	require.False(t, cb.Allow())
}

// TestBreakerSamplingWindow asserts failures further apart than the
// sampling window never accumulate into a trip.
func TestBreakerSamplingWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(BreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		SamplingWindow:   time.Second,
		Clock:            func() time.Time { return now },
	})

	cb.RecordFailure()
	cb.RecordFailure()

	// The third failure lands outside the window and starts a new
	// streak instead of tripping.
	now = now.Add(2 * time.Second)
	cb.RecordFailure()
	require.Equal(t, BreakerClosed, cb.State())
}

// TestBreakerRejectsPost asserts an open breaker refuses Post outright.
func TestBreakerRejectsPost(t *testing.T) {
	t.Parallel()

	failure := errors.New("boom")
	done := make(chan struct{}, 8)

	mb := New(Config{
		ActorID:  "c1",
		Capacity: 16,
		Retry:    noRetry(),
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
			SamplingWindow:   time.Minute,
		},
		OnExhausted: func(*wire.Envelope, error, int) {
			done <- struct{}{}
		},
	}, func(_ context.Context, _ *wire.Envelope) error {
		return failure
	})
	mb.Start()
	defer mb.Stop(context.Background())

	for i := 0; i < 2; i++ {
		require.NoError(t, mb.Post(
			context.Background(), testEnv("Boom"),
		))
		<-done
	}

	err := mb.Post(context.Background(), testEnv("Boom"))
	require.ErrorIs(t, err, wire.ErrCircuitOpen)
}

// TestRateLimitActions exercises all three excess actions.
func TestRateLimitActions(t *testing.T) {
	t.Parallel()

	newLimited := func(action ExcessAction) *Mailbox {
		mb := New(Config{
			ActorID:  "c1",
			Capacity: 100,
			Retry:    noRetry(),
			RateLimit: RateLimitConfig{
				Enabled:              true,
				MaxMessagesPerWindow: 2,
				TimeWindow:           time.Minute,
				ExcessAction:         action,
			},
		}, func(_ context.Context, _ *wire.Envelope) error {
			return nil
		})
		// Not started: admission happens in Post regardless.
		return mb
	}

	ctx := context.Background()

	mb := newLimited(ExcessDrop)
	require.NoError(t, mb.Post(ctx, testEnv("a")))
	require.NoError(t, mb.Post(ctx, testEnv("b")))
	require.ErrorIs(t, mb.Post(ctx, testEnv("c")), ErrDropped)

	mb = newLimited(ExcessReject)
	require.NoError(t, mb.Post(ctx, testEnv("a")))
	require.NoError(t, mb.Post(ctx, testEnv("b")))
	require.ErrorIs(t, mb.Post(ctx, testEnv("c")), wire.ErrRateLimited)

	mb = newLimited(ExcessQueue)
	require.NoError(t, mb.Post(ctx, testEnv("a")))
	require.NoError(t, mb.Post(ctx, testEnv("b")))
	require.NoError(t, mb.Post(ctx, testEnv("c")))
	require.Equal(t, 3, mb.MessageCount())
}

// TestRateLimitWindowSlides asserts budget returns once old admissions
// slide out of the window.
func TestRateLimitWindowSlides(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(RateLimitConfig{
		Enabled:              true,
		MaxMessagesPerWindow: 2,
		TimeWindow:           time.Second,
		ExcessAction:         ExcessDrop,
		Clock:                func() time.Time { return now },
	})

	ok, _ := rl.Allow()
	require.True(t, ok)
	ok, _ = rl.Allow()
	require.True(t, ok)
	ok, action := rl.Allow()
	require.False(t, ok)
	require.Equal(t, ExcessDrop, action)

	now = now.Add(2 * time.Second)
	ok, _ = rl.Allow()
	require.True(t, ok)
	require.Equal(t, 1, rl.Pending())
}

// TestFullDropOldest asserts the oldest queued message is evicted and
// reported via OnDrop.
func TestFullDropOldest(t *testing.T) {
	t.Parallel()

	var dropped []*wire.Envelope
	mb := New(Config{
		ActorID:  "c1",
		Capacity: 2,
		FullMode: FullDropOldest,
		Retry:    noRetry(),
		OnDrop: func(env *wire.Envelope) {
			dropped = append(dropped, env)
		},
	}, func(_ context.Context, _ *wire.Envelope) error {
		return nil
	})

	ctx := context.Background()
	first := testEnv("first")
	require.NoError(t, mb.Post(ctx, first))
	require.NoError(t, mb.Post(ctx, testEnv("second")))
	require.NoError(t, mb.Post(ctx, testEnv("third")))

	require.Equal(t, 2, mb.MessageCount())
	require.Len(t, dropped, 1)
	require.Equal(t, first.MessageID, dropped[0].MessageID)
}

// TestFullDropNewest asserts the incoming message is rejected at
// capacity.
func TestFullDropNewest(t *testing.T) {
	t.Parallel()

	mb := New(Config{
		ActorID:  "c1",
		Capacity: 1,
		FullMode: FullDropNewest,
		Retry:    noRetry(),
	}, func(_ context.Context, _ *wire.Envelope) error {
		return nil
	})

	ctx := context.Background()
	require.NoError(t, mb.Post(ctx, testEnv("a")))
	require.ErrorIs(t, mb.Post(ctx, testEnv("b")), ErrFull)
}

// TestFullWaitBlocksUntilSpace asserts a waiting producer is admitted
// once the consumer frees a slot, and respects its own context.
func TestFullWaitBlocksUntilSpace(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	mb := New(Config{
		ActorID:  "c1",
		Capacity: 1,
		FullMode: FullWait,
		Retry:    noRetry(),
	}, func(_ context.Context, _ *wire.Envelope) error {
		<-release
		return nil
	})
	mb.Start()
	defer func() {
		close(release)
		mb.Stop(context.Background())
	}()

	ctx := context.Background()
	require.NoError(t, mb.Post(ctx, testEnv("a")))

	// The consumer holds "a" in flight; "b" occupies the single slot.
	require.Eventually(t, func() bool {
		return mb.IsProcessing()
	}, time.Second, time.Millisecond)
	require.NoError(t, mb.Post(ctx, testEnv("b")))

	// "c" must block until its context expires.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := mb.Post(shortCtx, testEnv("c"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Release one turn; the waiting producer gets the freed slot.
	release <- struct{}{}
	require.NoError(t, mb.Post(ctx, testEnv("d")))
}

// TestAdaptiveGrowth asserts sustained high utilization grows capacity and
// sustained low utilization shrinks it within the clamp bounds.
func TestAdaptiveGrowth(t *testing.T) {
	t.Parallel()

	cfg := AdaptiveConfig{
		Enabled:         true,
		InitialCapacity: 4,
		MinCapacity:     2,
		MaxCapacity:     16,
		GrowThreshold:   0.75,
		ShrinkThreshold: 0.25,
		GrowthFactor:    2.0,
		ShrinkFactor:    0.5,
		MinSamples:      4,
	}

	s := newSampler(cfg)
	for i := 0; i < 3; i++ {
		require.Zero(t, s.observe(1.0, 4))
	}
	require.Equal(t, 8, s.observe(1.0, 4))

	for i := 0; i < 3; i++ {
		require.Zero(t, s.observe(0.0, 8))
	}
	require.Equal(t, 4, s.observe(0.0, 8))

	// Clamp at the minimum.
	for i := 0; i < 3; i++ {
		require.Zero(t, s.observe(0.0, 2))
	}
	require.Zero(t, s.observe(0.0, 2))
}

// TestAdaptiveMailboxGrows asserts the mailbox applies sampler decisions
// to its live capacity.
func TestAdaptiveMailboxGrows(t *testing.T) {
	t.Parallel()

	mb := New(Config{
		ActorID: "c1",
		Adaptive: AdaptiveConfig{
			Enabled:         true,
			InitialCapacity: 8,
			MinCapacity:     4,
			MaxCapacity:     64,
			GrowThreshold:   0.5,
			ShrinkThreshold: 0.1,
			GrowthFactor:    2.0,
			ShrinkFactor:    0.5,
			MinSamples:      4,
		},
		Retry: noRetry(),
	}, func(_ context.Context, _ *wire.Envelope) error {
		return nil
	})

	// Not started: the queue fills and utilization stays high.
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, mb.Post(ctx, testEnv("m")))
	}

	require.Equal(t, 16, mb.Capacity())
}

// TestStopDrainsQueue asserts Stop processes everything already queued
// before returning.
func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()

	var processed atomic.Int32
	mb := New(Config{
		ActorID:  "c1",
		Capacity: 64,
		Retry:    noRetry(),
	}, func(_ context.Context, _ *wire.Envelope) error {
		processed.Add(1)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, mb.Post(ctx, testEnv("m")))
	}

	mb.Start()
	require.NoError(t, mb.Stop(ctx))
	require.EqualValues(t, 20, processed.Load())

	require.ErrorIs(t, mb.Post(ctx, testEnv("late")), ErrStopped)
}
