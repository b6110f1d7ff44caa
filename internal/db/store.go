package db

import (
	"context"
	"database/sql"
)

// identityTx hands the raw transaction straight through to the caller.
func identityTx(tx *sql.Tx) *sql.Tx {
	return tx
}

// Store wraps a SQLite connection with retry-aware transaction support.
// Persistence layers compose their queries on top of WithTx so that state
// writes, outbox appends, and inbox marks can share one atomic commit.
type Store struct {
	*BaseDB

	executor *TransactionExecutor[*sql.Tx]
}

// NewStore creates a new Store instance wrapping the given database
// connection.
func NewStore(db *sql.DB) *Store {
	baseDB := NewBaseDB(db)

	return &Store{
		BaseDB: baseDB,
		executor: NewTransactionExecutor(
			baseDB, QueryCreator[*sql.Tx](identityTx),
		),
	}
}

// TxFunc is the function signature for transaction callbacks. The callback
// receives the transaction it must run its queries against.
type TxFunc func(tx *sql.Tx) error

// WithTx executes the given function within a write transaction. If the
// function returns an error, the transaction is rolled back. Serialization
// and deadlock errors are retried with a randomized backoff.
func (s *Store) WithTx(ctx context.Context, fn TxFunc) error {
	return s.executor.ExecTx(ctx, WriteTxOption(), fn)
}

// WithReadTx executes the given function within a read-only transaction.
func (s *Store) WithReadTx(ctx context.Context, fn TxFunc) error {
	return s.executor.ExecTx(ctx, ReadTxOption(), fn)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}
