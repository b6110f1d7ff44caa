package reminder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/db"
	"github.com/roasbeef/lattice/internal/wire"
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

// TestRegisterListUnregister covers the registration lifecycle.
func TestRegisterListUnregister(t *testing.T) {
	t.Parallel()

	store, now := newStore(t)
	ctx := context.Background()

	r := &Reminder{
		ActorID:   "c1",
		ActorType: "Counter",
		Name:      "rollup",
		DueTime:   now.Add(time.Minute),
		Period:    fn.Some(time.Hour),
		Data:      []byte(`{"window":"1h"}`),
	}
	require.NoError(t, store.Register(ctx, r))

	// Registration requires a full identity.
	require.Error(t, store.Register(ctx, &Reminder{Name: "x"}))

	got, err := store.List(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "rollup", got[0].Name)
	require.Equal(t, "Counter", got[0].ActorType)
	require.Equal(t, time.Hour, got[0].Period.UnwrapOr(0))
	require.True(t, got[0].NextFireTime.Equal(now.Add(time.Minute)))
	require.True(t, got[0].LastFiredAt.IsNone())

	// Re-registering replaces the schedule in place.
	r.DueTime = now.Add(2 * time.Minute)
	r.Period = fn.None[time.Duration]()
	require.NoError(t, store.Register(ctx, r))

	got, err = store.List(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Period.IsNone())
	require.True(t, got[0].NextFireTime.Equal(now.Add(2*time.Minute)))

	require.NoError(t, store.Unregister(ctx, "c1", "rollup"))
	require.NoError(t, store.Unregister(ctx, "c1", "rollup"))

	got, err = store.List(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, got)
}

// TestDueFiltersByTime asserts only reminders past nextFireTime come back.
func TestDueFiltersByTime(t *testing.T) {
	t.Parallel()

	store, now := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, &Reminder{
		ActorID: "c1", ActorType: "Counter", Name: "soon",
		DueTime: now.Add(time.Minute),
	}))
	require.NoError(t, store.Register(ctx, &Reminder{
		ActorID: "c1", ActorType: "Counter", Name: "later",
		DueTime: now.Add(time.Hour),
	}))

	due, err := store.Due(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "soon", due[0].Name)
}

// TestScannerFiresOwnedReminders asserts a due reminder owned by this silo
// fires as a synthetic envelope and one-shot reminders are removed.
func TestScannerFiresOwnedReminders(t *testing.T) {
	t.Parallel()

	store, now := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, &Reminder{
		ActorID: "c1", ActorType: "Counter", Name: "once",
		DueTime: *now, Data: []byte("payload"),
	}))

	var fired []*wire.Envelope
	scanner := NewScanner(
		DefaultScannerConfig(), store,
		func(string, string) bool { return true },
		func(_ context.Context, env *wire.Envelope) error {
			fired = append(fired, env)
			return nil
		},
	)
	scanner.now = func() time.Time { return *now }

	scanner.ScanOnce(ctx)

	require.Len(t, fired, 1)
	require.Equal(t, Method, fired[0].MethodName)
	require.Equal(t, "Counter", fired[0].ActorType)
	require.Equal(t, "c1", fired[0].ActorID)
	require.Equal(t, []byte("payload"), fired[0].Payload)

	// One-shot: the row is gone and a second scan fires nothing.
	scanner.ScanOnce(ctx)
	require.Len(t, fired, 1)

	got, err := store.List(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, got)
}

// TestScannerAdvancesRepeatingSchedule asserts a periodic reminder fires
// once per period and records lastFiredAt.
func TestScannerAdvancesRepeatingSchedule(t *testing.T) {
	t.Parallel()

	store, now := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, &Reminder{
		ActorID: "c1", ActorType: "Counter", Name: "tick",
		DueTime: *now, Period: fn.Some(time.Minute),
	}))

	var fires int
	scanner := NewScanner(
		DefaultScannerConfig(), store,
		func(string, string) bool { return true },
		func(context.Context, *wire.Envelope) error {
			fires++
			return nil
		},
	)
	scanner.now = func() time.Time { return *now }

	scanner.ScanOnce(ctx)
	require.Equal(t, 1, fires)

	// Not due again until a full period has passed.
	scanner.ScanOnce(ctx)
	require.Equal(t, 1, fires)

	got, err := store.List(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].LastFiredAt.IsSome())
	require.True(
		t, got[0].NextFireTime.Equal(now.Add(time.Minute)),
	)

	*now = now.Add(time.Minute)
	scanner.ScanOnce(ctx)
	require.Equal(t, 2, fires)
}

// TestScannerSkipsForeignIdentities asserts reminders mapped to another
// silo are left untouched for that silo's scanner.
func TestScannerSkipsForeignIdentities(t *testing.T) {
	t.Parallel()

	store, now := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, &Reminder{
		ActorID: "c1", ActorType: "Counter", Name: "foreign",
		DueTime: *now,
	}))

	var fires int
	scanner := NewScanner(
		DefaultScannerConfig(), store,
		func(string, string) bool { return false },
		func(context.Context, *wire.Envelope) error {
			fires++
			return nil
		},
	)
	scanner.now = func() time.Time { return *now }

	scanner.ScanOnce(ctx)
	require.Zero(t, fires)

	// The row stays due so the owner can pick it up.
	due, err := store.Due(ctx, *now)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

// TestScannerRetriesFailedDelivery asserts a failed post leaves the
// schedule untouched for the next pass.
func TestScannerRetriesFailedDelivery(t *testing.T) {
	t.Parallel()

	store, now := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, &Reminder{
		ActorID: "c1", ActorType: "Counter", Name: "flaky",
		DueTime: *now,
	}))

	healthy := false
	var fires int
	scanner := NewScanner(
		DefaultScannerConfig(), store,
		func(string, string) bool { return true },
		func(context.Context, *wire.Envelope) error {
			fires++
			if !healthy {
				return wire.ErrTimeout
			}
			return nil
		},
	)
	scanner.now = func() time.Time { return *now }

	scanner.ScanOnce(ctx)
	require.Equal(t, 1, fires)

	due, err := store.Due(ctx, *now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	healthy = true
	scanner.ScanOnce(ctx)
	require.Equal(t, 2, fires)

	due, err = store.Due(ctx, *now)
	require.NoError(t, err)
	require.Empty(t, due)
}
