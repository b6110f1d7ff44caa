package placement

import (
	"context"
	"sync"
	"sync/atomic"
)

// Cache memoizes placement decisions per actor identity so the hot send
// path skips the policy entirely. Entries are invalidated wholesale when
// cluster membership changes, since any join or leave can re-map an
// arbitrary subset of identities.
type Cache struct {
	policy Policy

	// entries maps "actorType:actorID" to the cached silo ID string.
	entries sync.Map

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache wraps a policy with a decision cache.
func NewCache(policy Policy) *Cache {
	return &Cache{policy: policy}
}

// GetOrCompute returns the cached silo for the identity, computing and
// caching it on first use. Concurrent first lookups may both invoke the
// policy; LoadOrStore keeps the result consistent.
func (c *Cache) GetOrCompute(actorType, actorID string,
	available []string) (string, error) {

	key := ringKey(actorType, actorID)

	if silo, ok := c.entries.Load(key); ok {
		c.hits.Add(1)
		return silo.(string), nil
	}

	c.misses.Add(1)

	silo, err := c.policy.SelectSilo(actorType, actorID, available)
	if err != nil {
		return "", err
	}

	actual, _ := c.entries.LoadOrStore(key, silo)

	return actual.(string), nil
}

// Invalidate drops every cached decision. Called on any membership event.
func (c *Cache) Invalidate() {
	n := 0
	c.entries.Range(func(key, _ any) bool {
		c.entries.Delete(key)
		n++
		return true
	})

	log.DebugS(context.Background(), "Placement cache invalidated",
		"dropped", n)
}

// InvalidateIdentity drops a single cached decision, used when an actor is
// explicitly deactivated.
func (c *Cache) InvalidateIdentity(actorType, actorID string) {
	c.entries.Delete(ringKey(actorType, actorID))
}

// Stats returns the lifetime hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
