package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roasbeef/lattice/internal/hashring"
	"github.com/roasbeef/lattice/internal/mailbox"
	"github.com/roasbeef/lattice/internal/placement"
	"github.com/roasbeef/lattice/internal/supervisor"
	"github.com/stretchr/testify/require"
)

// writeConfig drops a YAML config into a temp dir and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "lattice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	return path
}

// TestDefaults asserts the documented default for each tunable group.
func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()

	require.Equal(t, 5*time.Minute, cfg.Silo.IdleTimeout.Std())
	require.Equal(t, time.Minute, cfg.Silo.CheckInterval.Std())
	require.Zero(t, cfg.Silo.MinimumActiveActors)

	require.Equal(t, 30*time.Second, cfg.Transport.RequestTimeout.Std())

	require.Equal(t, 64, cfg.Mailbox.Capacity)
	require.Equal(t, "block", cfg.Mailbox.FullMode)

	require.False(t, cfg.Breaker.Enabled)
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Equal(t, 3, cfg.Breaker.SuccessThreshold)

	require.False(t, cfg.RateLimit.Enabled)
	require.Equal(t, 1000, cfg.RateLimit.MaxMessagesPerWindow)
	require.Equal(t, time.Second, cfg.RateLimit.TimeWindow.Std())

	require.Equal(t, "one_for_one", cfg.Supervision.Strategy)
	require.Equal(t, 3, cfg.Supervision.MaxRestarts)
	require.True(t, cfg.Supervision.Escalate)

	require.True(t, cfg.DeadLetter.Enabled)
	require.Equal(t, 10000, cfg.DeadLetter.MaxMessages)

	require.True(t, cfg.Retry.Enabled)
	require.Equal(t, 3, cfg.Retry.MaxRetries)
	require.Equal(t, 100*time.Millisecond, cfg.Retry.InitialDelay.Std())

	require.NoError(t, cfg.validate())
}

// TestLoadYAMLOverrides asserts file values replace defaults, including
// duration strings, while untouched tunables keep their defaults.
func TestLoadYAMLOverrides(t *testing.T) {
	path := writeConfig(t, `
silo:
  id: silo-west
  idle_timeout: 2m
  minimum_active_actors: 5
  peers:
    silo-east: "10.0.0.2:7420"
transport:
  listen_addr: "0.0.0.0:7420"
  request_timeout: 10s
mailbox:
  capacity: 128
  full_mode: drop_oldest
circuit_breaker:
  enabled: true
  failure_threshold: 7
retry:
  max_retries: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "silo-west", cfg.Silo.ID)
	require.Equal(t, 2*time.Minute, cfg.Silo.IdleTimeout.Std())
	require.Equal(t, 5, cfg.Silo.MinimumActiveActors)
	require.Equal(t, "10.0.0.2:7420", cfg.Silo.Peers["silo-east"])

	require.Equal(t, "0.0.0.0:7420", cfg.Transport.ListenAddr)
	require.Equal(t, 10*time.Second, cfg.Transport.RequestTimeout.Std())

	require.Equal(t, 128, cfg.Mailbox.Capacity)
	require.Equal(t, "drop_oldest", cfg.Mailbox.FullMode)

	require.True(t, cfg.Breaker.Enabled)
	require.Equal(t, 7, cfg.Breaker.FailureThreshold)
	// Untouched within the same group.
	require.Equal(t, 3, cfg.Breaker.SuccessThreshold)

	require.Equal(t, 5, cfg.Retry.MaxRetries)
}

// TestLoadMissingFile asserts an absent path yields pure defaults.
func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Mailbox, cfg.Mailbox)
}

// TestEnvOverrides asserts LATTICE_* variables beat the file.
func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
silo:
  id: from-file
mailbox:
  capacity: 32
`)

	t.Setenv("LATTICE_SILO_ID", "from-env")
	t.Setenv("LATTICE_MAILBOX_CAPACITY", "256")
	t.Setenv("LATTICE_IDLE_TIMEOUT", "90s")
	t.Setenv("LATTICE_DLQ_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "from-env", cfg.Silo.ID)
	require.Equal(t, 256, cfg.Mailbox.Capacity)
	require.Equal(t, 90*time.Second, cfg.Silo.IdleTimeout.Std())
	require.False(t, cfg.DeadLetter.Enabled)
}

// TestInvalidEnums asserts unknown enum spellings fail Load.
func TestInvalidEnums(t *testing.T) {
	cases := []string{
		"mailbox:\n  full_mode: sideways\n",
		"rate_limit:\n  excess_action: explode\n",
		"supervision:\n  strategy: two_for_one\n",
	}

	for _, body := range cases {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err, "config %q", body)
	}
}

// TestInvalidDuration asserts malformed duration strings fail parsing.
func TestInvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "silo:\n  idle_timeout: fast\n"))
	require.Error(t, err)
}

// TestRuntimeAssembly asserts the loaded tunables land on the component
// configs with enums decoded.
func TestRuntimeAssembly(t *testing.T) {
	path := writeConfig(t, `
silo:
  id: silo-west
  idle_timeout: 2m
mailbox:
  full_mode: drop_newest
rate_limit:
  enabled: true
  excess_action: reject
supervision:
  strategy: all_for_one
retry:
  max_retries: 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	sc := cfg.SiloRuntime()
	require.Equal(t, "silo-west", sc.SiloID)
	require.Equal(t, 2*time.Minute, sc.IdleTimeout)
	require.Equal(t, mailbox.FullDropNewest, sc.Mailbox.FullMode)
	require.Equal(t, mailbox.ExcessReject,
		sc.Mailbox.RateLimit.ExcessAction)
	require.Equal(t, 7, sc.Mailbox.Retry.MaxRetries)
	require.Equal(t, 7, sc.DeadLetter.RetryPolicy.MaxRetries)

	tc := cfg.TransportRuntime()
	require.Equal(t, "silo-west", tc.SiloID)
	require.Equal(t, 30*time.Second, tc.RequestTimeout)

	opts := cfg.SupervisorRuntime()
	require.Equal(t, supervisor.AllForOne, opts.Strategy)
}

// TestPlacementSelection asserts each placement spelling builds its
// policy and the topology fields travel with the silo.
func TestPlacementSelection(t *testing.T) {
	path := writeConfig(t, `
silo:
  id: silo-west
  region: us-west
  zone: us-west-2a
  shard_group: payments
  placement: geo
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "us-west", cfg.Silo.Region)
	require.Equal(t, "us-west-2a", cfg.Silo.Zone)
	require.Equal(t, "payments", cfg.Silo.ShardGroup)
	require.True(t, cfg.GeoPlacement())

	hier := hashring.NewHierarchicalRing(hashring.DefaultHierConfig())
	pol := cfg.PlacementPolicy(hashring.NewRing(), hier)
	require.IsType(t, &placement.GeoPolicy{}, pol)

	cases := map[string]placement.Policy{
		"consistent_hash": &placement.ConsistentHashPolicy{},
		"local_preferred": &placement.LocalPreferredPolicy{},
		"random":          &placement.RandomPolicy{},
		"round_robin":     &placement.RoundRobinPolicy{},
		"":                &placement.ConsistentHashPolicy{},
	}
	for spelling, want := range cases {
		cfg.Silo.Placement = spelling
		require.False(t, cfg.GeoPlacement())
		require.IsType(
			t, want, cfg.PlacementPolicy(hashring.NewRing(), nil),
			"placement %q", spelling,
		)
	}
}

// TestInvalidPlacementRejected asserts unknown placement spellings fail
// Load.
func TestInvalidPlacementRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "silo:\n  placement: nearest\n"))
	require.Error(t, err)
}

// TestMembershipAndPoolAssembly asserts the membership and connection
// pool tunables land on their runtime configs.
func TestMembershipAndPoolAssembly(t *testing.T) {
	path := writeConfig(t, `
membership:
  redis_addr: "10.0.0.9:6379"
  heartbeat_interval: 2s
  heartbeat_timeout: 9s
transport:
  max_conn_lifetime: 15m
  conn_idle_timeout: 3m
  health_check_interval: 1m
  dispose_idle_conns: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "10.0.0.9:6379", cfg.Membership.RedisAddr)

	rc := cfg.MembershipRuntime()
	require.Equal(t, 2*time.Second, rc.HeartbeatInterval)
	require.Equal(t, 9*time.Second, rc.HeartbeatTimeout)

	tc := cfg.TransportRuntime()
	require.Equal(t, 15*time.Minute, tc.MaxConnLifetime)
	require.Equal(t, 3*time.Minute, tc.ConnIdleTimeout)
	require.Equal(t, time.Minute, tc.HealthCheckInterval)
	require.False(t, tc.DisposeIdleConns)

	// Defaults when the sections are absent.
	def := Default()
	require.Empty(t, def.Membership.RedisAddr)
	require.Equal(t, 30*time.Minute,
		def.Transport.MaxConnLifetime.Std())
	require.Equal(t, 10*time.Minute,
		def.Transport.ConnIdleTimeout.Std())
	require.Equal(t, 5*time.Minute,
		def.Transport.HealthCheckInterval.Std())
	require.True(t, def.Transport.DisposeIdleConns)
}
