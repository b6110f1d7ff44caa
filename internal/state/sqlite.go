package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/db"
	"github.com/roasbeef/lattice/internal/wire"
)

// SQLiteStore persists snapshots in the actor_state table. The compare and
// swap runs inside a single transaction so a racing writer sees either the
// old version or the new one, never a torn write.
type SQLiteStore struct {
	store *db.Store

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewSQLiteStore creates a snapshot store backed by the given database.
func NewSQLiteStore(store *db.Store) *SQLiteStore {
	return &SQLiteStore{
		store: store,
		now:   time.Now,
	}
}

// Load returns the current snapshot, or None when the actor has never saved
// state under that name.
func (s *SQLiteStore) Load(ctx context.Context, actorID,
	stateName string) (fn.Option[Snapshot], error) {

	var snapshot fn.Option[Snapshot]
	err := s.store.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		snapshot, err = LoadTx(tx, actorID, stateName)
		return err
	})
	if err != nil {
		return fn.None[Snapshot](), err
	}

	return snapshot, nil
}

// SaveWithVersion writes a new snapshot under optimistic concurrency
// control.
func (s *SQLiteStore) SaveWithVersion(ctx context.Context, actorID,
	stateName string, data []byte,
	expectedVersion fn.Option[int64]) (int64, error) {

	var newVersion int64
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		newVersion, err = SaveTx(
			tx, actorID, stateName, data, expectedVersion,
			s.now(),
		)
		return err
	})
	if err != nil {
		return 0, err
	}

	log.TraceS(ctx, "Saved actor state",
		"actor_id", actorID,
		"state_name", stateName,
		"version", newVersion,
		"state_len", len(data))

	return newVersion, nil
}

// Delete removes a snapshot unconditionally.
func (s *SQLiteStore) Delete(ctx context.Context, actorID,
	stateName string) error {

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return DeleteTx(tx, actorID, stateName)
	})
}

// LoadTx reads a snapshot inside an existing transaction.
func LoadTx(tx *sql.Tx, actorID,
	stateName string) (fn.Option[Snapshot], error) {

	row := tx.QueryRow(
		`SELECT state_data, version, updated_at
		 FROM actor_state WHERE actor_id = ? AND state_name = ?`,
		actorID, stateName,
	)

	var (
		data      []byte
		version   int64
		updatedAt int64
	)
	err := row.Scan(&data, &version, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fn.None[Snapshot](), nil

	case err != nil:
		return fn.None[Snapshot](), fmt.Errorf(
			"failed to load state for %s/%s: %w", actorID,
			stateName, err,
		)
	}

	return fn.Some(Snapshot{
		ActorID:   actorID,
		StateName: stateName,
		Data:      data,
		Version:   version,
		UpdatedAt: time.Unix(0, updatedAt),
	}), nil
}

// SaveTx performs the versioned write inside an existing transaction so
// callers can commit state alongside outbox appends and inbox marks.
func SaveTx(tx *sql.Tx, actorID, stateName string, data []byte,
	expectedVersion fn.Option[int64], now time.Time) (int64, error) {

	// Read the current version first. The surrounding transaction and
	// SQLite's single-writer lock make the read-check-write atomic.
	row := tx.QueryRow(
		`SELECT version FROM actor_state
		 WHERE actor_id = ? AND state_name = ?`,
		actorID, stateName,
	)

	var currentVersion int64
	err := row.Scan(&currentVersion)
	exists := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false

	case err != nil:
		return 0, fmt.Errorf("failed to read version for %s/%s: %w",
			actorID, stateName, err)
	}

	// A first write expects no row; a subsequent write expects the exact
	// version it loaded. Everything else is a lost-update race.
	switch {
	case expectedVersion.IsNone() && !exists:
		_, err := tx.Exec(
			`INSERT INTO actor_state
			 (actor_id, state_name, state_data, version,
			  updated_at)
			 VALUES (?, ?, ?, 1, ?)`,
			actorID, stateName, data, now.UnixNano(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert state for "+
				"%s/%s: %w", actorID, stateName, err)
		}

		return 1, nil

	case exists && expectedVersion.IsSome() &&
		expectedVersion.UnwrapOr(0) == currentVersion:

		newVersion := currentVersion + 1
		_, err := tx.Exec(
			`UPDATE actor_state
			 SET state_data = ?, version = ?, updated_at = ?
			 WHERE actor_id = ? AND state_name = ? AND
			       version = ?`,
			data, newVersion, now.UnixNano(),
			actorID, stateName, currentVersion,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to update state for "+
				"%s/%s: %w", actorID, stateName, err)
		}

		return newVersion, nil

	default:
		actual := int64(0)
		if exists {
			actual = currentVersion
		}

		return 0, &wire.ConflictError{
			Expected: expectedVersion.UnwrapOr(0),
			Actual:   actual,
		}
	}
}

// DeleteTx removes a snapshot inside an existing transaction.
func DeleteTx(tx *sql.Tx, actorID, stateName string) error {
	_, err := tx.Exec(
		`DELETE FROM actor_state
		 WHERE actor_id = ? AND state_name = ?`,
		actorID, stateName,
	)
	if err != nil {
		return fmt.Errorf("failed to delete state for %s/%s: %w",
			actorID, stateName, err)
	}

	return nil
}
