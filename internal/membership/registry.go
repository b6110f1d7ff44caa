// Package membership tracks the live silo set of the cluster. The local
// Registry is the authority the placement layer reads from: it maintains
// the consistent hash rings, expires silos that miss heartbeats, and fans
// membership events out to subscribers. A RedisDirectory can be layered on
// top to share membership across processes.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roasbeef/lattice/internal/hashring"
)

// ErrUnknownSilo is returned for heartbeats from silos that never joined
// or have already been expired.
var ErrUnknownSilo = errors.New("unknown silo")

// SiloInfo describes one member of the cluster.
type SiloInfo struct {
	// ID is the silo identifier, unique cluster-wide.
	ID string `json:"id"`

	// Address is the host:port the silo's transport listens on.
	Address string `json:"address"`

	// Region and Zone place the silo for geo-aware placement.
	Region string `json:"region"`
	Zone   string `json:"zone"`

	// ShardGroup optionally names an affinity group the silo serves.
	ShardGroup string `json:"shard_group,omitempty"`

	// Version is the silo's protocol version. Placement can be told to
	// skip silos below a minimum version during rolling upgrades.
	Version int `json:"version"`

	// JoinedAt is when the silo first joined this registry's view.
	JoinedAt time.Time `json:"joined_at"`

	// LastSeen is the time of the most recent heartbeat.
	LastSeen time.Time `json:"last_seen"`
}

// location maps the silo into the hierarchical ring.
func (s SiloInfo) location() hashring.SiloLocation {
	return hashring.SiloLocation{
		SiloID:     s.ID,
		Region:     s.Region,
		Zone:       s.Zone,
		ShardGroup: s.ShardGroup,
	}
}

// EventType classifies membership events.
type EventType int

const (
	// EventJoined fires when a silo joins the registry.
	EventJoined EventType = iota

	// EventLeft fires when a silo leaves gracefully.
	EventLeft

	// EventExpired fires when a silo is removed for missing heartbeats.
	EventExpired
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event is a membership change notification.
type Event struct {
	Type EventType
	Silo SiloInfo
}

// RegistryConfig tunes the local registry.
type RegistryConfig struct {
	// HeartbeatInterval is how often members are expected to heartbeat.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a silo may go silent before it is
	// expired. Must exceed the interval by a comfortable margin.
	HeartbeatTimeout time.Duration

	// MinVersion excludes silos below this protocol version from
	// placement candidates. Zero admits everything.
	MinVersion int

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// DefaultRegistryConfig returns the standard registry tuning.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
	}
}

// Registry is the local authoritative view of cluster membership. All
// mutations flow through it so the flat ring, the hierarchical ring, and
// subscribers stay consistent with each other.
type Registry struct {
	cfg RegistryConfig

	mu    sync.RWMutex
	silos map[string]SiloInfo
	subs  map[int]chan Event
	subID int

	ring *hashring.Ring
	hier *hashring.HierarchicalRing

	quit chan struct{}
	wg   sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRegistry creates an empty registry over the given rings. Either ring
// may be shared with the placement layer; the registry is their only
// writer.
func NewRegistry(cfg RegistryConfig, ring *hashring.Ring,
	hier *hashring.HierarchicalRing) *Registry {

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Registry{
		cfg:   cfg,
		silos: make(map[string]SiloInfo),
		subs:  make(map[int]chan Event),
		ring:  ring,
		hier:  hier,
		quit:  make(chan struct{}),
	}
}

// Start launches the heartbeat expiry sweeper.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.sweep()
	})
}

// Stop halts the sweeper and closes all subscriber channels.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.wg.Wait()

		r.mu.Lock()
		defer r.mu.Unlock()
		for id, ch := range r.subs {
			close(ch)
			delete(r.subs, id)
		}
	})
}

// Join adds a silo to the registry, or refreshes it if already present.
func (r *Registry) Join(info SiloInfo) error {
	if info.ID == "" {
		return fmt.Errorf("silo info missing ID")
	}

	now := r.cfg.Clock()

	r.mu.Lock()
	prev, rejoin := r.silos[info.ID]
	if rejoin {
		info.JoinedAt = prev.JoinedAt
	} else {
		info.JoinedAt = now
	}
	info.LastSeen = now
	r.silos[info.ID] = info

	if r.ring != nil {
		r.ring.AddSilo(info.ID)
	}
	if r.hier != nil {
		r.hier.AddSilo(info.location())
	}
	r.mu.Unlock()

	if !rejoin {
		log.InfoS(context.Background(), "Silo joined cluster",
			"silo_id", info.ID,
			"address", info.Address,
			"region", info.Region,
			"zone", info.Zone,
			"version", info.Version)

		r.notify(Event{Type: EventJoined, Silo: info})
	}

	return nil
}

// Leave removes a silo gracefully.
func (r *Registry) Leave(siloID string) {
	r.mu.Lock()
	info, ok := r.silos[siloID]
	if ok {
		delete(r.silos, siloID)
		if r.ring != nil {
			r.ring.RemoveSilo(siloID)
		}
		if r.hier != nil {
			r.hier.RemoveSilo(siloID)
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	log.InfoS(context.Background(), "Silo left cluster",
		"silo_id", siloID)

	r.notify(Event{Type: EventLeft, Silo: info})
}

// Heartbeat records liveness for a member silo.
func (r *Registry) Heartbeat(siloID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.silos[siloID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSilo, siloID)
	}

	info.LastSeen = r.cfg.Clock()
	r.silos[siloID] = info

	return nil
}

// Silo returns the info for a member silo.
func (r *Registry) Silo(siloID string) (SiloInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.silos[siloID]
	return info, ok
}

// ActiveSilos returns all members sorted by ID.
func (r *Registry) ActiveSilos() []SiloInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SiloInfo, 0, len(r.silos))
	for _, info := range r.silos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})

	return out
}

// CandidateIDs returns the IDs of silos eligible for placement, applying
// the minimum version filter.
func (r *Registry) CandidateIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.silos))
	for id, info := range r.silos {
		if info.Version < r.cfg.MinVersion {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Size returns the member count.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.silos)
}

// Subscribe returns a buffered channel of membership events plus a cancel
// function. Slow subscribers lose events rather than stalling the
// registry.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan Event, buffer)

	r.mu.Lock()
	r.subID++
	id := r.subID
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// notify fans an event out to all subscribers, dropping on full buffers.
func (r *Registry) notify(event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
			log.WarnS(context.Background(),
				"Dropping membership event for slow subscriber",
				nil,
				"event", event.Type.String(),
				"silo_id", event.Silo.ID)
		}
	}
}

// sweep expires silos that miss heartbeats.
func (r *Registry) sweep() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.expireStale()

		case <-r.quit:
			return
		}
	}
}

// expireStale removes every silo whose last heartbeat is older than the
// timeout and emits EventExpired for each.
func (r *Registry) expireStale() {
	deadline := r.cfg.Clock().Add(-r.cfg.HeartbeatTimeout)

	r.mu.Lock()
	var expired []SiloInfo
	for id, info := range r.silos {
		if info.LastSeen.Before(deadline) {
			expired = append(expired, info)
			delete(r.silos, id)
			if r.ring != nil {
				r.ring.RemoveSilo(id)
			}
			if r.hier != nil {
				r.hier.RemoveSilo(id)
			}
		}
	}
	r.mu.Unlock()

	for _, info := range expired {
		log.WarnS(context.Background(), "Silo expired, missed heartbeats",
			nil,
			"silo_id", info.ID,
			"last_seen", info.LastSeen)

		r.notify(Event{Type: EventExpired, Silo: info})
	}
}
