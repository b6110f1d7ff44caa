// Package dispatch maps actor type names to method tables and invokes
// methods against live activations. Registration happens once at startup;
// after Freeze, lookups are lock-free and further registration is a
// programming error.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roasbeef/lattice/internal/wire"
)

// MethodFunc executes one method against a live activation instance. The
// payload is the length-prefixed parameter block from the envelope; the
// returned bytes become the response payload.
type MethodFunc func(ctx context.Context, target any,
	payload []byte) ([]byte, error)

// Dispatcher holds the method table for one actor type. Methods are
// registered explicitly; there is no reflection on the hot path.
type Dispatcher struct {
	actorType string
	methods   map[string]MethodFunc
}

// NewDispatcher creates an empty dispatcher for an actor type.
func NewDispatcher(actorType string) *Dispatcher {
	return &Dispatcher{
		actorType: actorType,
		methods:   make(map[string]MethodFunc),
	}
}

// ActorType returns the actor type this dispatcher serves.
func (d *Dispatcher) ActorType() string {
	return d.actorType
}

// Register adds a method to the table. Registering a duplicate name is an
// error.
func (d *Dispatcher) Register(methodName string, fn MethodFunc) error {
	if _, ok := d.methods[methodName]; ok {
		return fmt.Errorf("method %s.%s registered twice",
			d.actorType, methodName)
	}

	d.methods[methodName] = fn

	return nil
}

// MustRegister is Register for init-time tables where a duplicate is a
// programming error.
func (d *Dispatcher) MustRegister(methodName string, fn MethodFunc) {
	if err := d.Register(methodName, fn); err != nil {
		panic(err)
	}
}

// Methods returns the sorted registered method names.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Invoke runs a method by name against a live activation.
func (d *Dispatcher) Invoke(ctx context.Context, target any,
	methodName string, payload []byte) ([]byte, error) {

	fn, ok := d.methods[methodName]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", wire.ErrUnknownMethod,
			d.actorType, methodName)
	}

	log.TraceS(ctx, "Dispatching method",
		"actor_type", d.actorType,
		"method", methodName,
		"payload_len", len(payload))

	return fn(ctx, target, payload)
}

// Registry maps actor type names to dispatchers. Mutations serialize on a
// mutex and publish a fresh snapshot; lookups read the snapshot without
// synchronization.
type Registry struct {
	mu     sync.Mutex
	frozen bool

	// snapshot is the atomically published type table.
	snapshot atomic.Pointer[map[string]*Dispatcher]
}

// NewRegistry creates an empty dispatcher registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]*Dispatcher)
	r.snapshot.Store(&empty)

	return r
}

// Register adds a dispatcher for its actor type. Duplicate types are an
// error; registering after Freeze panics, since the table is wired once
// during startup and a late registration means module initialization ran
// out of order.
func (r *Registry) Register(d *Dispatcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("dispatcher for %s registered after freeze",
			d.actorType))
	}

	old := *r.snapshot.Load()
	if _, ok := old[d.actorType]; ok {
		return fmt.Errorf("dispatcher for actor type %s "+
			"registered twice", d.actorType)
	}

	next := make(map[string]*Dispatcher, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[d.actorType] = d

	r.snapshot.Store(&next)

	return nil
}

// Freeze seals the registry. Called once startup wiring is complete.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
}

// Lookup returns the dispatcher for an actor type. Lock-free.
func (r *Registry) Lookup(actorType string) (*Dispatcher, error) {
	d, ok := (*r.snapshot.Load())[actorType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", wire.ErrUnknownActorType,
			actorType)
	}

	return d, nil
}

// Types returns the sorted registered actor type names.
func (r *Registry) Types() []string {
	snapshot := *r.snapshot.Load()

	types := make([]string, 0, len(snapshot))
	for name := range snapshot {
		types = append(types, name)
	}
	sort.Strings(types)

	return types
}
