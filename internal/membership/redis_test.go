package membership

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestDirectory builds a directory over a fresh registry without a
// Redis connection. The announcement handling under test never touches
// the client.
func newTestDirectory(t *testing.T) (*RedisDirectory, *Registry) {
	t.Helper()

	reg, ring := newTestRegistry(nil)

	local := SiloInfo{ID: "silo-1", Address: "a:1"}
	require.NoError(t, reg.Join(local))
	require.True(t, ring.Contains("silo-1"))

	return NewRedisDirectory(nil, reg, local), reg
}

// announcement marshals a directoryMessage payload.
func announcement(t *testing.T, kind string, info SiloInfo) []byte {
	t.Helper()

	payload, err := json.Marshal(directoryMessage{Kind: kind, Silo: info})
	require.NoError(t, err)

	return payload
}

// TestSiloPresenceKey pins the presence key format peers scan for.
func TestSiloPresenceKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "lattice:silos:silo-9", siloKey("silo-9"))
}

// TestDirectoryTTLFollowsHeartbeat asserts the presence TTL tracks the
// registry's heartbeat interval with slack for missed beats.
func TestDirectoryTTLFollowsHeartbeat(t *testing.T) {
	t.Parallel()

	cfg := DefaultRegistryConfig()
	cfg.HeartbeatInterval = 2 * time.Second
	reg := NewRegistry(cfg, nil, nil)

	d := NewRedisDirectory(nil, reg, SiloInfo{ID: "silo-1"})
	require.Equal(t, 2*time.Second, d.interval)
	require.Equal(t, 6*time.Second, d.ttl)
}

// TestAnnouncementJoinLeave asserts peer announcements flow into the
// local registry.
func TestAnnouncementJoinLeave(t *testing.T) {
	t.Parallel()

	d, reg := newTestDirectory(t)
	ctx := context.Background()

	peer := SiloInfo{ID: "silo-2", Address: "b:2", Region: "eu"}
	d.handleAnnouncement(ctx, announcement(t, "join", peer))

	require.ElementsMatch(
		t, []string{"silo-1", "silo-2"}, reg.CandidateIDs(),
	)
	got, ok := reg.Silo("silo-2")
	require.True(t, ok)
	require.Equal(t, "b:2", got.Address)
	require.Equal(t, "eu", got.Region)

	d.handleAnnouncement(ctx, announcement(t, "leave", peer))
	require.ElementsMatch(t, []string{"silo-1"}, reg.CandidateIDs())
}

// TestAnnouncementSkipsSelfEcho asserts our own published announcements
// echoing back are ignored, so a stray self-leave cannot evict us.
func TestAnnouncementSkipsSelfEcho(t *testing.T) {
	t.Parallel()

	d, reg := newTestDirectory(t)
	ctx := context.Background()

	d.handleAnnouncement(ctx, announcement(t, "leave", d.local))
	require.ElementsMatch(t, []string{"silo-1"}, reg.CandidateIDs())
}

// TestAnnouncementMalformedIgnored asserts garbage payloads and unknown
// kinds leave the registry untouched.
func TestAnnouncementMalformedIgnored(t *testing.T) {
	t.Parallel()

	d, reg := newTestDirectory(t)
	ctx := context.Background()

	d.handleAnnouncement(ctx, []byte("{not json"))
	d.handleAnnouncement(ctx, announcement(
		t, "rename", SiloInfo{ID: "silo-3"},
	))

	require.ElementsMatch(t, []string{"silo-1"}, reg.CandidateIDs())
}
