package silo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roasbeef/lattice/internal/wire"
)

// Factory builds one activation instance for an actor ID. The returned
// value is the dispatch target; it may implement Activatable and
// Deactivatable to hook the lifecycle.
type Factory func(actorID string) (any, error)

// Activatable runs before the first message is dispatched to a fresh
// activation. State loading belongs here.
type Activatable interface {
	OnActivate(ctx context.Context) error
}

// Deactivatable runs after the mailbox has drained, before the activation
// is released. Final state flushes belong here.
type Deactivatable interface {
	OnDeactivate(ctx context.Context) error
}

// FactoryRegistry maps actor type names to factories. The mapping is
// bijective: one factory per type, one type per registration. Mutations
// serialize on a mutex and publish a snapshot; lookups are lock-free.
type FactoryRegistry struct {
	mu     sync.Mutex
	frozen bool

	snapshot atomic.Pointer[map[string]Factory]
}

// NewFactoryRegistry creates an empty factory registry.
func NewFactoryRegistry() *FactoryRegistry {
	r := &FactoryRegistry{}
	empty := make(map[string]Factory)
	r.snapshot.Store(&empty)

	return r
}

// Register adds a factory for an actor type. Duplicate types are an
// error; registering after Freeze panics, since the table is wired once
// during startup.
func (r *FactoryRegistry) Register(actorType string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("factory for %s registered after freeze",
			actorType))
	}

	old := *r.snapshot.Load()
	if _, ok := old[actorType]; ok {
		return fmt.Errorf("factory for actor type %s registered "+
			"twice", actorType)
	}

	next := make(map[string]Factory, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[actorType] = f

	r.snapshot.Store(&next)

	return nil
}

// Freeze seals the registry once startup wiring is complete.
func (r *FactoryRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
}

// Lookup returns the factory for an actor type. Lock-free.
func (r *FactoryRegistry) Lookup(actorType string) (Factory, error) {
	f, ok := (*r.snapshot.Load())[actorType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", wire.ErrUnknownActorType,
			actorType)
	}

	return f, nil
}

// Types returns the sorted registered actor type names.
func (r *FactoryRegistry) Types() []string {
	snapshot := *r.snapshot.Load()

	types := make([]string, 0, len(snapshot))
	for name := range snapshot {
		types = append(types, name)
	}
	sort.Strings(types)

	return types
}
