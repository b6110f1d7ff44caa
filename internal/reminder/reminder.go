// Package reminder implements durable timers. A reminder is registered
// under (actorID, name), survives restarts, and fires by posting a
// synthetic envelope to the owning activation. A periodic scanner on each
// silo fires only the reminders whose identity the consistent-hash ring
// maps to that silo, so under stable membership each due reminder fires
// exactly once cluster-wide.
package reminder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/db"
)

// Method is the synthetic method name reminder firings arrive under.
const Method = "__reminder"

// Reminder is one durable timer row.
type Reminder struct {
	// ActorID is the target actor instance ID.
	ActorID string

	// ActorType is the target actor type, needed for ring lookups and
	// to address the synthetic envelope.
	ActorType string

	// Name distinguishes multiple reminders on one actor.
	Name string

	// DueTime is the first firing time.
	DueTime time.Time

	// Period is the repeat interval; None makes the reminder one-shot.
	Period fn.Option[time.Duration]

	// Data is an opaque payload handed to the actor on each firing.
	Data []byte

	// LastFiredAt is when the reminder last fired, if ever.
	LastFiredAt fn.Option[time.Time]

	// NextFireTime is when the reminder fires next.
	NextFireTime time.Time
}

// Store reads and writes the reminders table.
type Store struct {
	store *db.Store

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewStore creates a reminder store backed by the given database.
func NewStore(store *db.Store) *Store {
	return &Store{
		store: store,
		now:   time.Now,
	}
}

// Register creates or replaces a reminder. Re-registering an existing
// (actorID, name) pair overwrites its schedule and payload.
func (s *Store) Register(ctx context.Context, r *Reminder) error {
	if r.ActorID == "" || r.ActorType == "" || r.Name == "" {
		return errors.New("reminder requires actor ID, type, and name")
	}

	nextFire := r.NextFireTime
	if nextFire.IsZero() {
		nextFire = r.DueTime
	}

	var periodMs any
	r.Period.WhenSome(func(p time.Duration) {
		periodMs = p.Milliseconds()
	})

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO reminders
			 (actor_id, actor_type, name, due_time, period_ms,
			  data, next_fire_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (actor_id, name) DO UPDATE SET
			     actor_type = excluded.actor_type,
			     due_time = excluded.due_time,
			     period_ms = excluded.period_ms,
			     data = excluded.data,
			     last_fired_at = NULL,
			     next_fire_time = excluded.next_fire_time`,
			r.ActorID, r.ActorType, r.Name,
			r.DueTime.UnixNano(), periodMs, r.Data,
			nextFire.UnixNano(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to register reminder %s/%s: %w",
			r.ActorID, r.Name, err)
	}

	log.DebugS(ctx, "Registered reminder",
		"actor_id", r.ActorID,
		"name", r.Name,
		"due_time", nextFire)

	return nil
}

// Unregister removes a reminder. Removing a missing reminder is not an
// error.
func (s *Store) Unregister(ctx context.Context, actorID, name string) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM reminders
			 WHERE actor_id = ? AND name = ?`,
			actorID, name,
		)
		return err
	})
}

// List returns all reminders registered for one actor.
func (s *Store) List(ctx context.Context,
	actorID string) ([]*Reminder, error) {

	return s.query(ctx,
		`SELECT actor_id, actor_type, name, due_time, period_ms,
		        data, last_fired_at, next_fire_time
		 FROM reminders WHERE actor_id = ?
		 ORDER BY name`, actorID,
	)
}

// ListAll returns every registered reminder, for operator tooling.
func (s *Store) ListAll(ctx context.Context) ([]*Reminder, error) {
	return s.query(ctx,
		`SELECT actor_id, actor_type, name, due_time, period_ms,
		        data, last_fired_at, next_fire_time
		 FROM reminders ORDER BY next_fire_time`,
	)
}

// Due returns reminders whose next firing time has passed.
func (s *Store) Due(ctx context.Context,
	asOf time.Time) ([]*Reminder, error) {

	return s.query(ctx,
		`SELECT actor_id, actor_type, name, due_time, period_ms,
		        data, last_fired_at, next_fire_time
		 FROM reminders WHERE next_fire_time <= ?
		 ORDER BY next_fire_time`, asOf.UnixNano(),
	)
}

// MarkFired advances a repeating reminder's schedule or removes a one-shot
// reminder after its single firing.
func (s *Store) MarkFired(ctx context.Context, r *Reminder,
	firedAt time.Time) error {

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if r.Period.IsNone() {
			_, err := tx.Exec(
				`DELETE FROM reminders
				 WHERE actor_id = ? AND name = ?`,
				r.ActorID, r.Name,
			)
			return err
		}

		period := r.Period.UnwrapOr(0)
		_, err := tx.Exec(
			`UPDATE reminders
			 SET last_fired_at = ?, next_fire_time = ?
			 WHERE actor_id = ? AND name = ?`,
			firedAt.UnixNano(), firedAt.Add(period).UnixNano(),
			r.ActorID, r.Name,
		)
		return err
	})
}

// query runs one reminder select and scans the rows.
func (s *Store) query(ctx context.Context, q string,
	args ...any) ([]*Reminder, error) {

	var reminders []*Reminder
	err := s.store.WithReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(q, args...)
		if err != nil {
			return fmt.Errorf("failed to query reminders: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r           Reminder
				dueTime     int64
				periodMs    sql.NullInt64
				lastFiredAt sql.NullInt64
				nextFire    int64
			)
			err := rows.Scan(
				&r.ActorID, &r.ActorType, &r.Name, &dueTime,
				&periodMs, &r.Data, &lastFiredAt, &nextFire,
			)
			if err != nil {
				return fmt.Errorf("failed to scan "+
					"reminder: %w", err)
			}

			r.DueTime = time.Unix(0, dueTime)
			r.NextFireTime = time.Unix(0, nextFire)
			if periodMs.Valid {
				r.Period = fn.Some(
					time.Duration(periodMs.Int64) *
						time.Millisecond,
				)
			}
			if lastFiredAt.Valid {
				r.LastFiredAt = fn.Some(
					time.Unix(0, lastFiredAt.Int64),
				)
			}

			reminders = append(reminders, &r)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return reminders, nil
}
