// Package placement decides which silo owns an actor identity. Policies
// are pure given the membership snapshot they are handed; the silo caches
// decisions per identity and invalidates the cache on membership change.
package placement

import (
	"errors"
	"math/rand"
	"sync/atomic"

	"github.com/roasbeef/lattice/internal/hashring"
)

// ErrNoSilosAvailable is returned when a policy is asked to place an actor
// with an empty candidate set.
var ErrNoSilosAvailable = errors.New("no silos available for placement")

// Policy selects the owning silo for an actor identity out of the
// available candidates.
type Policy interface {
	// SelectSilo returns the silo that should host the given identity.
	SelectSilo(actorType, actorID string,
		available []string) (string, error)
}

// ringKey builds the composite consistent-hash key for an identity.
func ringKey(actorType, actorID string) string {
	return actorType + ":" + actorID
}

// ConsistentHashPolicy places identities by ring successor of the
// composite actorType:actorID key. Deterministic under stable membership.
type ConsistentHashPolicy struct {
	ring *hashring.Ring
}

// NewConsistentHashPolicy creates a policy over the given ring.
func NewConsistentHashPolicy(ring *hashring.Ring) *ConsistentHashPolicy {
	return &ConsistentHashPolicy{ring: ring}
}

// SelectSilo implements Policy.
func (p *ConsistentHashPolicy) SelectSilo(actorType, actorID string,
	available []string) (string, error) {

	if len(available) == 0 {
		return "", ErrNoSilosAvailable
	}

	owner, err := p.ring.Lookup(ringKey(actorType, actorID))
	if err != nil {
		return "", err
	}

	// The ring may briefly lag a membership change; fall back to a
	// deterministic pick over the live candidates if the ring owner is
	// not among them.
	for _, silo := range available {
		if silo == owner {
			return owner, nil
		}
	}

	idx := int(hashring.Hash(ringKey(actorType, actorID)))
	return available[idx%len(available)], nil
}

// LocalPreferredPolicy keeps the actor on the local silo whenever the
// local silo is a live candidate, and otherwise delegates to consistent
// hashing. This is the default for latency-sensitive single-writer actors.
type LocalPreferredPolicy struct {
	localSiloID string
	fallback    *ConsistentHashPolicy
}

// NewLocalPreferredPolicy creates a local-preferred policy.
func NewLocalPreferredPolicy(localSiloID string,
	ring *hashring.Ring) *LocalPreferredPolicy {

	return &LocalPreferredPolicy{
		localSiloID: localSiloID,
		fallback:    NewConsistentHashPolicy(ring),
	}
}

// SelectSilo implements Policy.
func (p *LocalPreferredPolicy) SelectSilo(actorType, actorID string,
	available []string) (string, error) {

	for _, silo := range available {
		if silo == p.localSiloID {
			return p.localSiloID, nil
		}
	}

	return p.fallback.SelectSilo(actorType, actorID, available)
}

// RandomPolicy places each activation uniformly at random. Suitable for
// stateless worker actors only: repeated lookups for the same identity
// will land on different silos unless cached.
type RandomPolicy struct{}

// NewRandomPolicy creates a random policy.
func NewRandomPolicy() *RandomPolicy {
	return &RandomPolicy{}
}

// SelectSilo implements Policy.
func (p *RandomPolicy) SelectSilo(_, _ string,
	available []string) (string, error) {

	if len(available) == 0 {
		return "", ErrNoSilosAvailable
	}

	return available[rand.Intn(len(available))], nil
}

// RoundRobinPolicy cycles placements through the candidate set with an
// atomic counter, the same scheme the actor pool uses for its workers.
// Stateless workers only, for the same reason as RandomPolicy.
type RoundRobinPolicy struct {
	next atomic.Uint64
}

// NewRoundRobinPolicy creates a round-robin policy.
func NewRoundRobinPolicy() *RoundRobinPolicy {
	return &RoundRobinPolicy{}
}

// SelectSilo implements Policy.
func (p *RoundRobinPolicy) SelectSilo(_, _ string,
	available []string) (string, error) {

	if len(available) == 0 {
		return "", ErrNoSilosAvailable
	}

	idx := p.next.Add(1) % uint64(len(available))
	return available[idx], nil
}

// GeoPolicy delegates to the hierarchical ring with a configured
// region/zone/shard-group preference.
type GeoPolicy struct {
	ring *hashring.HierarchicalRing
	pref hashring.Preference
}

// NewGeoPolicy creates a geo-aware policy.
func NewGeoPolicy(ring *hashring.HierarchicalRing,
	pref hashring.Preference) *GeoPolicy {

	return &GeoPolicy{ring: ring, pref: pref}
}

// SelectSilo implements Policy.
func (p *GeoPolicy) SelectSilo(actorType, actorID string,
	available []string) (string, error) {

	if len(available) == 0 {
		return "", ErrNoSilosAvailable
	}

	return p.ring.Lookup(ringKey(actorType, actorID), p.pref)
}
