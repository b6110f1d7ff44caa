package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/db"
	"github.com/roasbeef/lattice/internal/wire"
	"github.com/stretchr/testify/require"
)

// newStores returns every Store implementation under test, keyed by name.
func newStores(t *testing.T) map[string]Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "lattice.db")
	store, err := db.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return map[string]Store{
		"sqlite": NewSQLiteStore(store),
		"memory": NewMemoryStore(),
	}
}

// TestFirstSaveInsertsVersionOne asserts a None expectation against a
// missing row inserts at version 1.
func TestFirstSaveInsertsVersionOne(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v, err := store.SaveWithVersion(
				ctx, "Counter:c1", "counts",
				[]byte(`{"n":1}`), fn.None[int64](),
			)
			require.NoError(t, err)
			require.EqualValues(t, 1, v)

			snap, err := store.Load(ctx, "Counter:c1", "counts")
			require.NoError(t, err)
			require.True(t, snap.IsSome())

			got := snap.UnwrapOr(Snapshot{})
			require.EqualValues(t, 1, got.Version)
			require.Equal(t, []byte(`{"n":1}`), got.Data)
		})
	}
}

// TestMatchingVersionBumpsByOne asserts the version advances exactly one
// per successful save.
func TestMatchingVersionBumpsByOne(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v1, err := store.SaveWithVersion(
				ctx, "Counter:c2", "counts", []byte("a"),
				fn.None[int64](),
			)
			require.NoError(t, err)

			v2, err := store.SaveWithVersion(
				ctx, "Counter:c2", "counts", []byte("b"),
				fn.Some(v1),
			)
			require.NoError(t, err)
			require.Equal(t, v1+1, v2)

			v3, err := store.SaveWithVersion(
				ctx, "Counter:c2", "counts", []byte("c"),
				fn.Some(v2),
			)
			require.NoError(t, err)
			require.Equal(t, v2+1, v3)
		})
	}
}

// TestStaleVersionConflicts asserts a save against a superseded version
// fails with both versions attached, and leaves the row untouched.
func TestStaleVersionConflicts(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v1, err := store.SaveWithVersion(
				ctx, "Counter:c3", "counts", []byte("a"),
				fn.None[int64](),
			)
			require.NoError(t, err)

			v2, err := store.SaveWithVersion(
				ctx, "Counter:c3", "counts", []byte("b"),
				fn.Some(v1),
			)
			require.NoError(t, err)

			// A second writer still holding v1 must lose.
			_, err = store.SaveWithVersion(
				ctx, "Counter:c3", "counts", []byte("x"),
				fn.Some(v1),
			)

			var conflict *wire.ConflictError
			require.ErrorAs(t, err, &conflict)
			require.Equal(t, v1, conflict.Expected)
			require.Equal(t, v2, conflict.Actual)

			snap, err := store.Load(ctx, "Counter:c3", "counts")
			require.NoError(t, err)
			got := snap.UnwrapOr(Snapshot{})
			require.Equal(t, []byte("b"), got.Data)
			require.Equal(t, v2, got.Version)
		})
	}
}

// TestInsertAgainstExistingRowConflicts asserts a None expectation against
// an existing row is rejected.
func TestInsertAgainstExistingRowConflicts(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.SaveWithVersion(
				ctx, "Counter:c4", "counts", []byte("a"),
				fn.None[int64](),
			)
			require.NoError(t, err)

			_, err = store.SaveWithVersion(
				ctx, "Counter:c4", "counts", []byte("b"),
				fn.None[int64](),
			)

			var conflict *wire.ConflictError
			require.ErrorAs(t, err, &conflict)
			require.EqualValues(t, 0, conflict.Expected)
			require.EqualValues(t, 1, conflict.Actual)
		})
	}
}

// TestUpdateAgainstMissingRowConflicts asserts a Some expectation against a
// missing row is rejected.
func TestUpdateAgainstMissingRowConflicts(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.SaveWithVersion(
				ctx, "Counter:missing", "counts", []byte("a"),
				fn.Some(int64(3)),
			)

			var conflict *wire.ConflictError
			require.ErrorAs(t, err, &conflict)
			require.EqualValues(t, 3, conflict.Expected)
			require.EqualValues(t, 0, conflict.Actual)
		})
	}
}

// TestStateNamesAreIndependent asserts two named states on one actor keep
// separate version ladders.
func TestStateNamesAreIndependent(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v, err := store.SaveWithVersion(
				ctx, "Counter:c6", "counts", []byte("a"),
				fn.None[int64](),
			)
			require.NoError(t, err)
			require.EqualValues(t, 1, v)

			_, err = store.SaveWithVersion(
				ctx, "Counter:c6", "counts", []byte("b"),
				fn.Some(v),
			)
			require.NoError(t, err)

			// A different name on the same actor starts fresh.
			v, err = store.SaveWithVersion(
				ctx, "Counter:c6", "settings", []byte("s"),
				fn.None[int64](),
			)
			require.NoError(t, err)
			require.EqualValues(t, 1, v)
		})
	}
}

// TestLoadMissingIsNone asserts a never-saved actor loads as None rather
// than an error.
func TestLoadMissingIsNone(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			snap, err := store.Load(
				context.Background(), "Counter:never",
				"counts",
			)
			require.NoError(t, err)
			require.True(t, snap.IsNone())
		})
	}
}

// TestDeleteThenReinsert asserts delete clears the row and a fresh insert
// restarts the version sequence at 1.
func TestDeleteThenReinsert(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v, err := store.SaveWithVersion(
				ctx, "Counter:c5", "counts", []byte("a"),
				fn.None[int64](),
			)
			require.NoError(t, err)

			_, err = store.SaveWithVersion(
				ctx, "Counter:c5", "counts", []byte("b"),
				fn.Some(v),
			)
			require.NoError(t, err)

			require.NoError(
				t, store.Delete(ctx, "Counter:c5", "counts"),
			)

			// Deleting again is a no-op.
			require.NoError(
				t, store.Delete(ctx, "Counter:c5", "counts"),
			)

			snap, err := store.Load(ctx, "Counter:c5", "counts")
			require.NoError(t, err)
			require.True(t, snap.IsNone())

			v, err = store.SaveWithVersion(
				ctx, "Counter:c5", "counts", []byte("c"),
				fn.None[int64](),
			)
			require.NoError(t, err)
			require.EqualValues(t, 1, v)
		})
	}
}
