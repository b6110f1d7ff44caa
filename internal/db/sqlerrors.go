package db

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrRetriesExceeded is returned when a transaction keeps hitting
	// retryable lock contention past the retry budget.
	ErrRetriesExceeded = errors.New("db tx retries exceeded")

	// ErrDuplicateKey is wrapped into errors for inserts that violate a
	// unique or primary key constraint, such as replaying an outbox
	// message ID.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrTxBusy is wrapped into errors for transactions that lost a lock
	// race with a concurrent writer. These are safe to retry.
	ErrTxBusy = errors.New("database busy")
)

// MapSQLError classifies a driver error into the package's error
// vocabulary so callers can branch on errors.Is instead of SQLite
// result codes. Errors that are not from the driver pass through
// unchanged.
func MapSQLError(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	switch sqliteErr.Code {
	// SQLite allows one writer at a time: both busy (another
	// connection holds the lock) and locked (a conflict on this
	// connection) clear on retry.
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", ErrTxBusy, sqliteErr)

	case sqlite3.ErrConstraint:
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {

			return fmt.Errorf("%w: %v", ErrDuplicateKey, sqliteErr)
		}

		return fmt.Errorf("sqlite constraint error: %w", sqliteErr)

	default:
		return fmt.Errorf("sqlite error: %w", sqliteErr)
	}
}

// IsTxRetryable reports whether an error is transient lock contention
// worth retrying.
func IsTxRetryable(err error) bool {
	return errors.Is(err, ErrTxBusy)
}
