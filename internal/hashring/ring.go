package hashring

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// DefaultVirtualNodes is the number of virtual nodes each silo contributes
// to the ring when no explicit weight is given.
const DefaultVirtualNodes = 150

// ErrEmptyRing is returned by lookups against a ring with no silos.
var ErrEmptyRing = errors.New("hash ring is empty")

// ringView is an immutable snapshot of ring state. Writers build a fresh
// view and publish it atomically; readers binary-search it without any
// synchronization.
type ringView struct {
	// keys holds the sorted virtual node positions.
	keys []uint32

	// owners holds the silo owning keys[i].
	owners []string

	// weights maps each member silo to its virtual node count.
	weights map[string]int
}

// lookup returns the owner of the first virtual node clockwise from h,
// wrapping to the smallest key past the end of the ring.
func (v *ringView) lookup(h uint32) (string, bool) {
	if len(v.keys) == 0 {
		return "", false
	}

	idx := sort.Search(len(v.keys), func(i int) bool {
		return v.keys[i] >= h
	})
	if idx == len(v.keys) {
		idx = 0
	}

	return v.owners[idx], true
}

// emptyView is the published state of a ring with no members.
var emptyView = &ringView{weights: make(map[string]int)}

// RingOption customizes ring construction.
type RingOption func(*Ring)

// WithHashFunc overrides the ring hash function.
func WithHashFunc(h HashFunc) RingOption {
	return func(r *Ring) {
		r.hash = h
	}
}

// WithVirtualNodes overrides the per-silo virtual node count.
func WithVirtualNodes(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.vnodes = n
		}
	}
}

// Ring is a consistent hash ring over silo identifiers. Each silo
// contributes vnodes virtual nodes at positions hash(siloID + ":" + i).
// Adding or removing a silo only re-maps keys whose successor crosses the
// affected arcs; all other keys keep their owner.
//
// Writers serialize on an internal mutex, mutate a copy, and publish it via
// an atomic pointer. Reads are lock-free and O(log N) in virtual nodes.
type Ring struct {
	// mu serializes writers; it is never taken on the read path.
	mu sync.Mutex

	// view is the atomically published snapshot.
	view atomic.Pointer[ringView]

	hash   HashFunc
	vnodes int
}

// NewRing creates an empty ring with the default CRC32-C hash and virtual
// node count.
func NewRing(opts ...RingOption) *Ring {
	r := &Ring{
		hash:   Hash,
		vnodes: DefaultVirtualNodes,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.view.Store(emptyView)

	return r
}

// virtualKey computes the ring position of silo vnode i.
func (r *Ring) virtualKey(siloID string, i int) uint32 {
	return r.hash(siloID + ":" + strconv.Itoa(i))
}

// rebuild constructs a fresh view from the given weights. Callers must hold
// r.mu.
func (r *Ring) rebuild(weights map[string]int) *ringView {
	total := 0
	for _, w := range weights {
		total += w
	}

	type vnode struct {
		key   uint32
		owner string
	}
	vnodes := make([]vnode, 0, total)
	for siloID, w := range weights {
		for i := 0; i < w; i++ {
			vnodes = append(vnodes, vnode{
				key:   r.virtualKey(siloID, i),
				owner: siloID,
			})
		}
	}

	// Sort by position; break hash ties by owner so rebuilds are
	// deterministic regardless of map iteration order.
	sort.Slice(vnodes, func(i, j int) bool {
		if vnodes[i].key != vnodes[j].key {
			return vnodes[i].key < vnodes[j].key
		}
		return vnodes[i].owner < vnodes[j].owner
	})

	view := &ringView{
		keys:    make([]uint32, len(vnodes)),
		owners:  make([]string, len(vnodes)),
		weights: weights,
	}
	for i, vn := range vnodes {
		view.keys[i] = vn.key
		view.owners[i] = vn.owner
	}

	return view
}

// AddSilo adds a silo with the ring's default virtual node count. Adding a
// silo that is already a member updates its weight.
func (r *Ring) AddSilo(siloID string) {
	r.AddSiloWeight(siloID, r.vnodes)
}

// AddSiloWeight adds a silo contributing the given number of virtual nodes.
func (r *Ring) AddSiloWeight(siloID string, vnodes int) {
	if vnodes <= 0 {
		vnodes = r.vnodes
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Copy the membership under the lock, mutate the copy, publish.
	old := r.view.Load()
	weights := make(map[string]int, len(old.weights)+1)
	for id, w := range old.weights {
		weights[id] = w
	}
	weights[siloID] = vnodes

	r.view.Store(r.rebuild(weights))

	log.DebugS(context.Background(), "Silo added to ring",
		"silo_id", siloID,
		"virtual_nodes", vnodes,
		"ring_size", len(weights))
}

// RemoveSilo removes a silo and all its virtual nodes. Removing a silo that
// is not a member is a no-op.
func (r *Ring) RemoveSilo(siloID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.view.Load()
	if _, ok := old.weights[siloID]; !ok {
		return
	}

	weights := make(map[string]int, len(old.weights)-1)
	for id, w := range old.weights {
		if id != siloID {
			weights[id] = w
		}
	}

	r.view.Store(r.rebuild(weights))

	log.DebugS(context.Background(), "Silo removed from ring",
		"silo_id", siloID,
		"ring_size", len(weights))
}

// Lookup returns the silo owning the given key under the current snapshot.
// Lookups are deterministic: the result depends only on the key and the
// published ring state.
func (r *Ring) Lookup(key string) (string, error) {
	owner, ok := r.view.Load().lookup(r.hash(key))
	if !ok {
		return "", ErrEmptyRing
	}

	return owner, nil
}

// LookupHash is Lookup for a pre-computed ring position.
func (r *Ring) LookupHash(h uint32) (string, error) {
	owner, ok := r.view.Load().lookup(h)
	if !ok {
		return "", ErrEmptyRing
	}

	return owner, nil
}

// Contains reports whether the silo is currently a ring member.
func (r *Ring) Contains(siloID string) bool {
	_, ok := r.view.Load().weights[siloID]
	return ok
}

// Silos returns the sorted member silo identifiers.
func (r *Ring) Silos() []string {
	weights := r.view.Load().weights

	silos := make([]string, 0, len(weights))
	for id := range weights {
		silos = append(silos, id)
	}
	sort.Strings(silos)

	return silos
}

// Size returns the number of member silos.
func (r *Ring) Size() int {
	return len(r.view.Load().weights)
}

// VirtualNodeCount returns the total number of virtual nodes currently on
// the ring.
func (r *Ring) VirtualNodeCount() int {
	return len(r.view.Load().keys)
}
