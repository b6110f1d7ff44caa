// Package inbox implements the idempotent-receive half of the messaging
// contract: a processed-message log consulted before handling and written
// in the same transaction as the state mutation, so redelivered messages
// become no-ops.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roasbeef/lattice/internal/db"
)

const (
	// DefaultRetention is how long processed-message entries are kept
	// before bulk cleanup removes them.
	DefaultRetention = 7 * 24 * time.Hour
)

// Store reads and writes the inbox_entries table.
type Store struct {
	store *db.Store

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewStore creates an inbox store backed by the given database.
func NewStore(store *db.Store) *Store {
	return &Store{
		store: store,
		now:   time.Now,
	}
}

// IsProcessed reports whether the actor has already handled the message.
func (s *Store) IsProcessed(ctx context.Context, actorID,
	messageID string) (bool, error) {

	var processed bool
	err := s.store.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		processed, err = IsProcessedTx(tx, actorID, messageID)
		return err
	})
	if err != nil {
		return false, err
	}

	return processed, nil
}

// MarkAsProcessed records the message as handled in its own transaction.
// Handlers that mutate state should use MarkAsProcessedTx inside their
// state transaction instead so the mark and the mutation commit together.
func (s *Store) MarkAsProcessed(ctx context.Context, actorID,
	messageID string) error {

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return MarkAsProcessedTx(tx, actorID, messageID, s.now())
	})
}

// IsProcessedTx checks the processed log inside an existing transaction.
func IsProcessedTx(tx *sql.Tx, actorID, messageID string) (bool, error) {
	row := tx.QueryRow(
		`SELECT 1 FROM inbox_entries
		 WHERE actor_id = ? AND message_id = ?`,
		actorID, messageID,
	)

	var one int
	err := row.Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil

	case err != nil:
		return false, fmt.Errorf("failed to check inbox for "+
			"%s/%s: %w", actorID, messageID, err)
	}

	return true, nil
}

// MarkAsProcessedTx records the message as handled inside an existing
// transaction. Marking the same message twice is a no-op so redelivery
// races stay harmless.
func MarkAsProcessedTx(tx *sql.Tx, actorID, messageID string,
	now time.Time) error {

	_, err := tx.Exec(
		`INSERT INTO inbox_entries (actor_id, message_id, processed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (actor_id, message_id) DO NOTHING`,
		actorID, messageID, now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s processed: %w",
			actorID, messageID, err)
	}

	return nil
}

// Cleanup bulk-deletes entries older than the retention window and returns
// how many rows were removed.
func (s *Store) Cleanup(ctx context.Context,
	retention time.Duration) (int64, error) {

	cutoff := s.now().Add(-retention).UnixNano()

	var removed int64
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`DELETE FROM inbox_entries WHERE processed_at < ?`,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to clean up inbox "+
				"entries: %w", err)
		}

		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		log.DebugS(ctx, "Cleaned up inbox entries",
			"count", removed)
	}

	return removed, nil
}
