package membership

import (
	"sync"
	"testing"
	"time"

	"github.com/roasbeef/lattice/internal/hashring"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock for expiry tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clock *testClock) (*Registry, *hashring.Ring) {
	ring := hashring.NewRing()
	cfg := DefaultRegistryConfig()
	if clock != nil {
		cfg.Clock = clock.Now
	}

	return NewRegistry(cfg, ring, nil), ring
}

// TestJoinUpdatesRing asserts joining and leaving keeps the hash ring in
// lockstep with the member set.
func TestJoinUpdatesRing(t *testing.T) {
	t.Parallel()

	reg, ring := newTestRegistry(nil)

	require.NoError(t, reg.Join(SiloInfo{ID: "silo-1", Address: "a:1"}))
	require.NoError(t, reg.Join(SiloInfo{ID: "silo-2", Address: "b:2"}))

	require.Equal(t, 2, reg.Size())
	require.True(t, ring.Contains("silo-1"))
	require.True(t, ring.Contains("silo-2"))

	reg.Leave("silo-1")
	require.Equal(t, 1, reg.Size())
	require.False(t, ring.Contains("silo-1"))
}

// TestJoinRequiresID asserts a silo without an ID is rejected.
func TestJoinRequiresID(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(nil)
	require.Error(t, reg.Join(SiloInfo{Address: "a:1"}))
}

// TestRejoinKeepsJoinedAt asserts a rejoin refreshes the record without
// resetting its join time or emitting a duplicate join event.
func TestRejoinKeepsJoinedAt(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	reg, _ := newTestRegistry(clock)

	events, cancel := reg.Subscribe(8)
	defer cancel()

	require.NoError(t, reg.Join(SiloInfo{ID: "silo-1"}))
	first, _ := reg.Silo("silo-1")

	clock.Advance(time.Minute)
	require.NoError(t, reg.Join(SiloInfo{ID: "silo-1", Version: 2}))

	again, _ := reg.Silo("silo-1")
	require.Equal(t, first.JoinedAt, again.JoinedAt)
	require.Equal(t, 2, again.Version)
	require.True(t, again.LastSeen.After(first.LastSeen))

	require.Len(t, events, 1)
	ev := <-events
	require.Equal(t, EventJoined, ev.Type)
}

// TestHeartbeatUnknownSilo asserts heartbeats from non-members fail.
func TestHeartbeatUnknownSilo(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(nil)
	require.ErrorIs(t, reg.Heartbeat("ghost"), ErrUnknownSilo)
}

// TestExpireStale asserts silos past the heartbeat timeout are removed
// and an expiry event fires, while fresh silos survive.
func TestExpireStale(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	reg, ring := newTestRegistry(clock)

	events, cancel := reg.Subscribe(8)
	defer cancel()

	require.NoError(t, reg.Join(SiloInfo{ID: "silo-1"}))
	require.NoError(t, reg.Join(SiloInfo{ID: "silo-2"}))

	// silo-2 heartbeats later; silo-1 goes silent.
	clock.Advance(10 * time.Second)
	require.NoError(t, reg.Heartbeat("silo-2"))

	clock.Advance(10 * time.Second)
	reg.expireStale()

	require.Equal(t, 1, reg.Size())
	require.False(t, ring.Contains("silo-1"))
	require.True(t, ring.Contains("silo-2"))

	var expiry *Event
	for len(events) > 0 {
		ev := <-events
		if ev.Type == EventExpired {
			expiry = &ev
		}
	}
	require.NotNil(t, expiry)
	require.Equal(t, "silo-1", expiry.Silo.ID)
}

// TestCandidateVersionFilter asserts silos below the minimum version are
// excluded from placement candidates but remain visible members.
func TestCandidateVersionFilter(t *testing.T) {
	t.Parallel()

	ring := hashring.NewRing()
	cfg := DefaultRegistryConfig()
	cfg.MinVersion = 2
	reg := NewRegistry(cfg, ring, nil)

	require.NoError(t, reg.Join(SiloInfo{ID: "old", Version: 1}))
	require.NoError(t, reg.Join(SiloInfo{ID: "new-1", Version: 2}))
	require.NoError(t, reg.Join(SiloInfo{ID: "new-2", Version: 3}))

	require.Equal(t, []string{"new-1", "new-2"}, reg.CandidateIDs())
	require.Equal(t, 3, reg.Size())
}

// TestSubscribeCancel asserts a cancelled subscription stops receiving
// and its channel closes.
func TestSubscribeCancel(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(nil)

	events, cancel := reg.Subscribe(1)
	cancel()

	require.NoError(t, reg.Join(SiloInfo{ID: "silo-1"}))

	_, open := <-events
	require.False(t, open)
}

// TestHierRingMaintained asserts the registry keeps the hierarchical ring
// in sync when one is attached.
func TestHierRingMaintained(t *testing.T) {
	t.Parallel()

	ring := hashring.NewRing()
	hier := hashring.NewHierarchicalRing(hashring.DefaultHierConfig())
	reg := NewRegistry(DefaultRegistryConfig(), ring, hier)

	require.NoError(t, reg.Join(SiloInfo{
		ID: "silo-1", Region: "eu-west", Zone: "a",
	}))
	require.Equal(t, 1, hier.Size())

	loc, ok := hier.Location("silo-1")
	require.True(t, ok)
	require.Equal(t, "eu-west", loc.Region)

	reg.Leave("silo-1")
	require.Equal(t, 0, hier.Size())
}
