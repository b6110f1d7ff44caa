package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roasbeef/lattice/internal/db"
	"github.com/stretchr/testify/require"
)

// newStore opens a fresh database with a controllable clock.
func newStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "lattice.db")
	base, err := db.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, base.Close())
	})

	now := time.Unix(1_700_000_000, 0)
	store := NewStore(base)
	store.now = func() time.Time { return now }

	return store, &now
}

func testMessage(id string) *Message {
	return &Message{
		MessageID:   id,
		ActorID:     "Counter:c1",
		Destination: "Ledger:l1",
		MessageType: "Credit",
		Payload:     []byte(`{"amount":5}`),
	}
}

// TestEnqueueThenPending asserts a fresh message is immediately due.
func TestEnqueueThenPending(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testMessage("m1")))

	msgs, err := store.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].MessageID)
	require.Equal(t, "Ledger:l1", msgs[0].Destination)
	require.Equal(t, DefaultMaxRetries, msgs[0].MaxRetries)
	require.Equal(t, 0, msgs[0].RetryCount)
	require.True(t, msgs[0].NextRetryAt.IsNone())
}

// TestMarkAsSentRemovesFromPending asserts sent messages stop showing up.
func TestMarkAsSentRemovesFromPending(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testMessage("m1")))
	require.NoError(t, store.MarkAsSent(ctx, "m1"))

	msgs, err := store.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	// Marking an unknown message is an error.
	require.Error(t, store.MarkAsSent(ctx, "nope"))
}

// TestFailureBackoffSchedule asserts each failure doubles the backoff and
// the message only becomes due again once the clock passes nextRetryAt.
func TestFailureBackoffSchedule(t *testing.T) {
	t.Parallel()

	store, now := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testMessage("m1")))

	// First failure: retry_count=1, backoff 2s.
	require.NoError(
		t, store.MarkAsFailed(ctx, "m1", errors.New("conn refused")),
	)

	msgs, err := store.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	*now = now.Add(2 * time.Second)
	msgs, err = store.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, 1, msgs[0].RetryCount)
	require.Equal(
		t, "conn refused", msgs[0].LastError.UnwrapOr(""),
	)

	// Second failure: retry_count=2, backoff 4s.
	require.NoError(
		t, store.MarkAsFailed(ctx, "m1", errors.New("still down")),
	)

	*now = now.Add(3 * time.Second)
	msgs, err = store.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	*now = now.Add(time.Second)
	msgs, err = store.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

// TestRetryBudgetExhausted asserts a message past max_retries is never
// picked up again.
func TestRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	store, now := newStore(t)
	ctx := context.Background()

	msg := testMessage("m1")
	msg.MaxRetries = 2
	require.NoError(t, store.Enqueue(ctx, msg))

	for i := 0; i < 2; i++ {
		require.NoError(
			t, store.MarkAsFailed(ctx, "m1", errors.New("down")),
		)
	}

	*now = now.Add(time.Hour)
	msgs, err := store.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

// TestPurgeSentRespectsRetention asserts only sent rows past the window
// are removed.
func TestPurgeSentRespectsRetention(t *testing.T) {
	t.Parallel()

	store, now := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testMessage("old")))
	require.NoError(t, store.MarkAsSent(ctx, "old"))

	*now = now.Add(48 * time.Hour)
	require.NoError(t, store.Enqueue(ctx, testMessage("fresh")))
	require.NoError(t, store.MarkAsSent(ctx, "fresh"))
	require.NoError(t, store.Enqueue(ctx, testMessage("pending")))

	purged, err := store.PurgeSent(ctx, DefaultRetention)
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)

	// The pending message survives regardless of age.
	msgs, err := store.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "pending", msgs[0].MessageID)
}

// TestDrainerDeliversAndRetries asserts one drain pass marks successes
// sent and schedules failures for retry.
func TestDrainerDeliversAndRetries(t *testing.T) {
	t.Parallel()

	store, now := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testMessage("ok")))
	require.NoError(t, store.Enqueue(ctx, testMessage("bad")))

	var mu sync.Mutex
	delivered := make(map[string]int)

	send := func(_ context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()

		delivered[msg.MessageID]++
		if msg.MessageID == "bad" {
			return errors.New("receiver down")
		}

		return nil
	}

	drainer := NewDrainer(DefaultDrainerConfig(), store, send)
	drainer.DrainOnce(ctx)

	require.Equal(t, 1, delivered["ok"])
	require.Equal(t, 1, delivered["bad"])

	// "ok" is gone, "bad" is backing off.
	msgs, err := store.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	// After the backoff the failed message is retried and succeeds this
	// time via a now-healthy receiver.
	*now = now.Add(2 * time.Second)
	healthy := NewDrainer(
		DefaultDrainerConfig(), store,
		func(context.Context, *Message) error { return nil },
	)
	healthy.DrainOnce(ctx)

	msgs, err = store.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}
