// Package outbox implements the reliable-send half of the messaging
// contract: envelopes are enqueued in the same transaction as the state
// change that produced them, then delivered by a background drainer with
// exponential backoff on failure.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/db"
)

const (
	// DefaultMaxRetries is how many delivery attempts a message gets
	// before the drainer stops picking it up.
	DefaultMaxRetries = 5

	// DefaultRetention is how long sent messages are kept before the
	// purge removes them.
	DefaultRetention = 24 * time.Hour
)

// Message is one outbound envelope awaiting delivery. A NULL sentAt marks
// it pending; retryCount and nextRetryAt drive the backoff schedule.
type Message struct {
	// MessageID is the globally unique message identity, shared with the
	// receiver's inbox for idempotence.
	MessageID string

	// ActorID is the sending actor.
	ActorID string

	// Destination is the target actor identity, "Type:id".
	Destination string

	// MessageType names the method or event carried in the payload.
	MessageType string

	// Payload is the serialized message body.
	Payload []byte

	// CreatedAt is when the message was enqueued.
	CreatedAt time.Time

	// SentAt is set once delivery succeeded.
	SentAt fn.Option[time.Time]

	// RetryCount is how many delivery attempts have failed so far.
	RetryCount int

	// MaxRetries caps delivery attempts for this message.
	MaxRetries int

	// LastError is the most recent delivery failure.
	LastError fn.Option[string]

	// NextRetryAt is the earliest time the drainer may retry.
	NextRetryAt fn.Option[time.Time]
}

// Store reads and writes the outbox_messages table.
type Store struct {
	store *db.Store

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewStore creates an outbox store backed by the given database.
func NewStore(store *db.Store) *Store {
	return &Store{
		store: store,
		now:   time.Now,
	}
}

// Enqueue inserts a pending message in its own transaction. Callers that
// need the enqueue atomic with a state save should use EnqueueTx inside
// their own WithTx body instead.
func (s *Store) Enqueue(ctx context.Context, msg *Message) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return EnqueueTx(tx, msg, s.now())
	})
}

// EnqueueTx inserts a pending message inside an existing transaction so
// the enqueue commits or rolls back together with the caller's state
// mutation.
func EnqueueTx(tx *sql.Tx, msg *Message, now time.Time) error {
	maxRetries := msg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	_, err := tx.Exec(
		`INSERT INTO outbox_messages
		 (message_id, actor_id, destination, message_type, payload,
		  created_at, retry_count, max_retries)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		msg.MessageID, msg.ActorID, msg.Destination,
		msg.MessageType, msg.Payload, now.UnixNano(), maxRetries,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox message %s: %w",
			msg.MessageID, err)
	}

	return nil
}

// GetPendingMessages returns up to batch messages that are due for
// delivery: never sent, under their retry budget, and past any backoff.
func (s *Store) GetPendingMessages(ctx context.Context,
	batch int) ([]*Message, error) {

	var msgs []*Message
	err := s.store.WithReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT message_id, actor_id, destination,
			        message_type, payload, created_at, retry_count,
			        max_retries, last_error, next_retry_at
			 FROM outbox_messages
			 WHERE sent_at IS NULL
			   AND retry_count < max_retries
			   AND (next_retry_at IS NULL OR next_retry_at <= ?)
			 ORDER BY created_at
			 LIMIT ?`,
			s.now().UnixNano(), batch,
		)
		if err != nil {
			return fmt.Errorf("failed to query pending outbox "+
				"messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				msg         Message
				createdAt   int64
				lastError   sql.NullString
				nextRetryAt sql.NullInt64
			)
			err := rows.Scan(
				&msg.MessageID, &msg.ActorID,
				&msg.Destination, &msg.MessageType,
				&msg.Payload, &createdAt, &msg.RetryCount,
				&msg.MaxRetries, &lastError, &nextRetryAt,
			)
			if err != nil {
				return fmt.Errorf("failed to scan outbox "+
					"message: %w", err)
			}

			msg.CreatedAt = time.Unix(0, createdAt)
			if lastError.Valid {
				msg.LastError = fn.Some(lastError.String)
			}
			if nextRetryAt.Valid {
				msg.NextRetryAt = fn.Some(
					time.Unix(0, nextRetryAt.Int64),
				)
			}

			msgs = append(msgs, &msg)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return msgs, nil
}

// MarkAsSent stamps a message as delivered.
func (s *Store) MarkAsSent(ctx context.Context, messageID string) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE outbox_messages SET sent_at = ?
			 WHERE message_id = ?`,
			s.now().UnixNano(), messageID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark outbox message "+
				"%s sent: %w", messageID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("outbox message %s not found",
				messageID)
		}

		return nil
	})
}

// MarkAsFailed records a delivery failure and schedules the next attempt
// with exponential backoff: 2^retryCount seconds after the failure.
func (s *Store) MarkAsFailed(ctx context.Context, messageID string,
	sendErr error) error {

	if sendErr == nil {
		return errors.New("outbox failure requires an error")
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(
			`SELECT retry_count FROM outbox_messages
			 WHERE message_id = ? AND sent_at IS NULL`,
			messageID,
		)

		var retryCount int
		if err := row.Scan(&retryCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("outbox message %s not "+
					"found or already sent", messageID)
			}

			return err
		}

		retryCount++
		backoff := time.Duration(1<<uint(retryCount)) * time.Second
		nextRetryAt := s.now().Add(backoff)

		_, err := tx.Exec(
			`UPDATE outbox_messages
			 SET retry_count = ?, last_error = ?,
			     next_retry_at = ?
			 WHERE message_id = ?`,
			retryCount, sendErr.Error(),
			nextRetryAt.UnixNano(), messageID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark outbox message "+
				"%s failed: %w", messageID, err)
		}

		return nil
	})
}

// PurgeSent deletes sent messages older than the retention window and
// returns how many rows were removed.
func (s *Store) PurgeSent(ctx context.Context,
	retention time.Duration) (int64, error) {

	cutoff := s.now().Add(-retention).UnixNano()

	var purged int64
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`DELETE FROM outbox_messages
			 WHERE sent_at IS NOT NULL AND sent_at < ?`,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to purge sent outbox "+
				"messages: %w", err)
		}

		purged, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	return purged, nil
}
