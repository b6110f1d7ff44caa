package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testDB opens a temporary database with migrations applied.
func testDB(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// TestOpenAppliesMigrations verifies that Open leaves the schema ready for
// the persistence layers.
func TestOpenAppliesMigrations(t *testing.T) {
	store := testDB(t)

	for _, table := range []string{
		"actor_state", "outbox_messages", "inbox_entries", "reminders",
	} {
		var name string
		err := store.DB.QueryRow(
			"SELECT name FROM sqlite_master "+
				"WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "missing table %s", table)
	}
}

// TestOpenIsIdempotent verifies that reopening an already-migrated database
// succeeds without reapplying anything.
func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestWithTxCommit(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO actor_state "+
				"(actor_id, state_name, state_data, version, updated_at) "+
				"VALUES (?, ?, ?, ?, ?)",
			"Counter:c1", "value", []byte("7"), 1, 1234567890,
		)
		return err
	})
	require.NoError(t, err)

	var version int64
	err = store.DB.QueryRow(
		"SELECT version FROM actor_state "+
			"WHERE actor_id=? AND state_name=?",
		"Counter:c1", "value",
	).Scan(&version)
	require.NoError(t, err)
	require.EqualValues(t, 1, version)
}

func TestWithTxRollback(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO actor_state "+
				"(actor_id, state_name, state_data, version, updated_at) "+
				"VALUES (?, ?, ?, ?, ?)",
			"Counter:gone", "value", []byte("7"), 1, 1234567890,
		)
		if err != nil {
			return err
		}

		return sql.ErrNoRows
	})
	require.Error(t, err)

	var count int
	err = store.DB.QueryRow(
		"SELECT COUNT(*) FROM actor_state WHERE actor_id=?",
		"Counter:gone",
	).Scan(&count)
	require.NoError(t, err)
	require.Zero(t, count)
}

// TestWithReadTxRejectsWrites checks that the read-only option is honored
// by the driver.
func TestWithReadTxRejectsWrites(t *testing.T) {
	store := testDB(t)
	ctx := context.Background()

	err := store.WithReadTx(ctx, func(tx *sql.Tx) error {
		var n int
		return tx.QueryRow("SELECT COUNT(*) FROM reminders").Scan(&n)
	})
	require.NoError(t, err)
}
