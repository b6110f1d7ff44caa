// Package state persists actor state snapshots with optimistic concurrency
// control. Every save names the version it expects to replace; a mismatch
// fails the turn instead of silently clobbering a concurrent writer.
package state

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Snapshot is one persisted state row for an actor.
type Snapshot struct {
	// ActorID is the owning actor identity, "Type:id".
	ActorID string

	// StateName distinguishes multiple named states on one actor.
	StateName string

	// Data is the serialized state blob.
	Data []byte

	// Version counts successful saves, starting at 1.
	Version int64

	// UpdatedAt is when the row was last written.
	UpdatedAt time.Time
}

// Store loads and saves actor state snapshots keyed by (actorID,
// stateName).
type Store interface {
	// Load returns the current snapshot, or None when the actor has
	// never saved state under that name.
	Load(ctx context.Context, actorID,
		stateName string) (fn.Option[Snapshot], error)

	// SaveWithVersion writes a new snapshot under optimistic concurrency
	// control. A None expectedVersion asserts no row exists and inserts
	// version 1. A Some(v) expectedVersion asserts the current version
	// is v and bumps it to v+1. Any other combination fails with a
	// wire.ConflictError carrying both versions. The new version is
	// returned on success.
	SaveWithVersion(ctx context.Context, actorID, stateName string,
		data []byte, expectedVersion fn.Option[int64]) (int64, error)

	// Delete removes a snapshot unconditionally. Deleting a missing row
	// is not an error.
	Delete(ctx context.Context, actorID, stateName string) error
}
