package state

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/wire"
)

// stateKey identifies one snapshot row.
type stateKey struct {
	actorID   string
	stateName string
}

// MemoryStore is an in-process Store for tests and single-node setups that
// do not need durability. Semantics match the SQLite store exactly.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[stateKey]Snapshot

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[stateKey]Snapshot),
		now:  time.Now,
	}
}

// Load returns the current snapshot, or None.
func (m *MemoryStore) Load(_ context.Context, actorID,
	stateName string) (fn.Option[Snapshot], error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[stateKey{actorID, stateName}]
	if !ok {
		return fn.None[Snapshot](), nil
	}

	// Copy the blob so callers cannot mutate the stored row.
	row.Data = append([]byte(nil), row.Data...)

	return fn.Some(row), nil
}

// SaveWithVersion writes a new snapshot under optimistic concurrency
// control.
func (m *MemoryStore) SaveWithVersion(_ context.Context, actorID,
	stateName string, data []byte,
	expectedVersion fn.Option[int64]) (int64, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	key := stateKey{actorID, stateName}
	row, exists := m.rows[key]

	switch {
	case expectedVersion.IsNone() && !exists:
		m.rows[key] = Snapshot{
			ActorID:   actorID,
			StateName: stateName,
			Data:      append([]byte(nil), data...),
			Version:   1,
			UpdatedAt: m.now(),
		}

		return 1, nil

	case exists && expectedVersion.IsSome() &&
		expectedVersion.UnwrapOr(0) == row.Version:

		m.rows[key] = Snapshot{
			ActorID:   actorID,
			StateName: stateName,
			Data:      append([]byte(nil), data...),
			Version:   row.Version + 1,
			UpdatedAt: m.now(),
		}

		return row.Version + 1, nil

	default:
		actual := int64(0)
		if exists {
			actual = row.Version
		}

		return 0, &wire.ConflictError{
			Expected: expectedVersion.UnwrapOr(0),
			Actual:   actual,
		}
	}
}

// Delete removes a snapshot unconditionally.
func (m *MemoryStore) Delete(_ context.Context, actorID,
	stateName string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rows, stateKey{actorID, stateName})

	return nil
}
