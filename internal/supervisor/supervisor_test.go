package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeChild records lifecycle calls.
type fakeChild struct {
	id string

	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
}

func (c *fakeChild) ID() string { return c.id }

func (c *fakeChild) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return c.startErr
}

func (c *fakeChild) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeChild) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

// testHarness bundles a supervisor with a fake clock and recorded backoff
// sleeps.
type testHarness struct {
	sup *Supervisor

	mu        sync.Mutex
	now       time.Time
	sleeps    []time.Duration
	escalated []string
}

func newHarness(opts Options) *testHarness {
	h := &testHarness{now: time.Unix(1_700_000_000, 0)}

	opts.Clock = func() time.Time {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.now
	}
	opts.Sleep = func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sleeps = append(h.sleeps, d)
		h.now = h.now.Add(d)
		return nil
	}

	h.sup = New(opts, nil, func(childID string, _ error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.escalated = append(h.escalated, childID)
	})

	return h
}

func (h *testHarness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func scenarioOptions() Options {
	return Options{
		Strategy:       OneForOne,
		MaxRestarts:    3,
		TimeWindow:     10 * time.Second,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		Escalate:       true,
	}
}

// TestDuplicateChildRejected asserts spawning the same id twice fails.
func TestDuplicateChildRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultOptions())
	ctx := context.Background()

	require.NoError(t, h.sup.Spawn(ctx, &fakeChild{id: "a"}))
	err := h.sup.Spawn(ctx, &fakeChild{id: "a"})
	require.ErrorIs(t, err, ErrDuplicateChild)
}

// TestAdoptRegistersWithoutStarting asserts adopted children are
// supervised immediately, start only through restarts, and occupy their
// id like spawned children do.
func TestAdoptRegistersWithoutStarting(t *testing.T) {
	t.Parallel()

	h := newHarness(scenarioOptions())
	ctx := context.Background()

	child := &fakeChild{id: "a"}
	require.NoError(t, h.sup.Adopt(child))

	starts, stops := child.counts()
	require.Zero(t, starts)
	require.Zero(t, stops)
	require.Equal(t, []string{"a"}, h.sup.ChildIDs())

	require.ErrorIs(t, h.sup.Adopt(&fakeChild{id: "a"}),
		ErrDuplicateChild)
	require.ErrorIs(t, h.sup.Spawn(ctx, &fakeChild{id: "a"}),
		ErrDuplicateChild)

	// A reported failure drives the adopted child through a normal
	// restart cycle.
	directive, err := h.sup.NotifyFailure(ctx, "a", errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, Restart, directive)

	starts, stops = child.counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)
}

// TestSpawnFailureUnregisters asserts a child whose Start fails does not
// occupy its id.
func TestSpawnFailureUnregisters(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultOptions())
	ctx := context.Background()

	bad := &fakeChild{id: "a", startErr: errors.New("no")}
	require.Error(t, h.sup.Spawn(ctx, bad))

	require.NoError(t, h.sup.Spawn(ctx, &fakeChild{id: "a"}))
}

// TestRestartBackoffSequence induces four failures inside the window and
// asserts backoffs of 100ms, 200ms, 400ms followed by escalation with no
// fourth restart.
func TestRestartBackoffSequence(t *testing.T) {
	t.Parallel()

	h := newHarness(scenarioOptions())
	ctx := context.Background()

	child := &fakeChild{id: "c"}
	require.NoError(t, h.sup.Spawn(ctx, child))

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		d, err := h.sup.NotifyFailure(ctx, "c", boom)
		require.NoError(t, err)
		require.Equal(t, Restart, d)
	}

	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, h.sleeps)

	starts, stops := child.counts()
	require.Equal(t, 4, starts) // initial + 3 restarts
	require.Equal(t, 3, stops)

	// Fourth failure exceeds the budget: escalation, no restart.
	d, err := h.sup.NotifyFailure(ctx, "c", boom)
	require.NoError(t, err)
	require.Equal(t, Escalate, d)
	require.Equal(t, []string{"c"}, h.escalated)

	starts, _ = child.counts()
	require.Equal(t, 4, starts)
}

// TestHistoryResetsAfterQuietWindow asserts a quiet period longer than
// the window resets the streak so the next failure backs off from the
// initial delay again.
func TestHistoryResetsAfterQuietWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(scenarioOptions())
	ctx := context.Background()

	require.NoError(t, h.sup.Spawn(ctx, &fakeChild{id: "c"}))

	boom := errors.New("boom")
	_, err := h.sup.NotifyFailure(ctx, "c", boom)
	require.NoError(t, err)
	_, err = h.sup.NotifyFailure(ctx, "c", boom)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
	}, h.sleeps)

	h.advance(20 * time.Second)

	d, err := h.sup.NotifyFailure(ctx, "c", boom)
	require.NoError(t, err)
	require.Equal(t, Restart, d)
	require.Equal(t, 100*time.Millisecond, h.sleeps[2])

	hist, ok := h.sup.History("c")
	require.True(t, ok)
	require.Equal(t, 1, hist.Consecutive())
}

// TestBackoffClamp asserts the backoff never exceeds the maximum.
func TestBackoffClamp(t *testing.T) {
	t.Parallel()

	opts := scenarioOptions()
	opts.MaxRestarts = 10
	h := newHarness(opts)
	ctx := context.Background()

	require.NoError(t, h.sup.Spawn(ctx, &fakeChild{id: "c"}))

	boom := errors.New("boom")
	for i := 0; i < 6; i++ {
		_, err := h.sup.NotifyFailure(ctx, "c", boom)
		require.NoError(t, err)
	}

	// 100, 200, 400, 800, then clamped at 1s.
	require.Equal(t, time.Second, h.sleeps[4])
	require.Equal(t, time.Second, h.sleeps[5])
}

// TestEscalateDisabledStops asserts budget exhaustion stops the child
// when escalation is off.
func TestEscalateDisabledStops(t *testing.T) {
	t.Parallel()

	opts := scenarioOptions()
	opts.MaxRestarts = 1
	opts.Escalate = false
	h := newHarness(opts)
	ctx := context.Background()

	child := &fakeChild{id: "c"}
	require.NoError(t, h.sup.Spawn(ctx, child))

	boom := errors.New("boom")
	_, err := h.sup.NotifyFailure(ctx, "c", boom)
	require.NoError(t, err)

	d, err := h.sup.NotifyFailure(ctx, "c", boom)
	require.NoError(t, err)
	require.Equal(t, Stop, d)
	require.Empty(t, h.escalated)

	// The child is gone; further failures are unknown.
	_, err = h.sup.NotifyFailure(ctx, "c", boom)
	require.ErrorIs(t, err, ErrUnknownChild)
}

// TestAllForOneRestartsEveryChild asserts the all-for-one scope.
func TestAllForOneRestartsEveryChild(t *testing.T) {
	t.Parallel()

	opts := scenarioOptions()
	opts.Strategy = AllForOne
	h := newHarness(opts)
	ctx := context.Background()

	a := &fakeChild{id: "a"}
	b := &fakeChild{id: "b"}
	require.NoError(t, h.sup.Spawn(ctx, a))
	require.NoError(t, h.sup.Spawn(ctx, b))

	_, err := h.sup.NotifyFailure(ctx, "a", errors.New("boom"))
	require.NoError(t, err)

	aStarts, aStops := a.counts()
	bStarts, bStops := b.counts()
	require.Equal(t, 2, aStarts)
	require.Equal(t, 1, aStops)
	require.Equal(t, 2, bStarts)
	require.Equal(t, 1, bStops)
}

// TestRestForOneRestartsLaterChildren asserts only the failed child and
// children created after it restart.
func TestRestForOneRestartsLaterChildren(t *testing.T) {
	t.Parallel()

	opts := scenarioOptions()
	opts.Strategy = RestForOne
	h := newHarness(opts)
	ctx := context.Background()

	a := &fakeChild{id: "a"}
	b := &fakeChild{id: "b"}
	c := &fakeChild{id: "c"}
	require.NoError(t, h.sup.Spawn(ctx, a))
	require.NoError(t, h.sup.Spawn(ctx, b))
	require.NoError(t, h.sup.Spawn(ctx, c))

	_, err := h.sup.NotifyFailure(ctx, "b", errors.New("boom"))
	require.NoError(t, err)

	aStarts, _ := a.counts()
	bStarts, _ := b.counts()
	cStarts, _ := c.counts()
	require.Equal(t, 1, aStarts)
	require.Equal(t, 2, bStarts)
	require.Equal(t, 2, cStarts)
}

// TestDeciderDirectives asserts Resume and Stop directives are honored
// without touching the restart budget.
func TestDeciderDirectives(t *testing.T) {
	t.Parallel()

	resumeErr := errors.New("transient")
	stopErr := errors.New("fatal")

	decider := func(_ string, failure error) Directive {
		if errors.Is(failure, resumeErr) {
			return Resume
		}
		return Stop
	}

	sup := New(scenarioOptions(), decider, nil)
	ctx := context.Background()

	child := &fakeChild{id: "c"}
	require.NoError(t, sup.Spawn(ctx, child))

	d, err := sup.NotifyFailure(ctx, "c", resumeErr)
	require.NoError(t, err)
	require.Equal(t, Resume, d)

	d, err = sup.NotifyFailure(ctx, "c", stopErr)
	require.NoError(t, err)
	require.Equal(t, Stop, d)

	_, stops := child.counts()
	require.Equal(t, 1, stops)
}

// TestChildIDsCreationOrder asserts the id listing preserves spawn order.
func TestChildIDsCreationOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultOptions())
	ctx := context.Background()

	for _, id := range []string{"z", "a", "m"} {
		require.NoError(t, h.sup.Spawn(ctx, &fakeChild{id: id}))
	}

	require.Equal(t, []string{"z", "a", "m"}, h.sup.ChildIDs())
}

// TestStopAll asserts every child stops and the supervisor empties.
func TestStopAll(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultOptions())
	ctx := context.Background()

	a := &fakeChild{id: "a"}
	b := &fakeChild{id: "b"}
	require.NoError(t, h.sup.Spawn(ctx, a))
	require.NoError(t, h.sup.Spawn(ctx, b))

	require.NoError(t, h.sup.StopAll(ctx))

	_, aStops := a.counts()
	_, bStops := b.counts()
	require.Equal(t, 1, aStops)
	require.Equal(t, 1, bStops)
	require.Empty(t, h.sup.ChildIDs())
}
