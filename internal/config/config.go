// Package config loads the lattice daemon configuration: a YAML file with
// every runtime tunable, overridden by LATTICE_* environment variables. A
// .env file in the working directory is folded into the environment before
// overrides apply.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/roasbeef/lattice/internal/db"
	"github.com/roasbeef/lattice/internal/deadletter"
	"github.com/roasbeef/lattice/internal/hashring"
	"github.com/roasbeef/lattice/internal/mailbox"
	"github.com/roasbeef/lattice/internal/membership"
	"github.com/roasbeef/lattice/internal/placement"
	"github.com/roasbeef/lattice/internal/silo"
	"github.com/roasbeef/lattice/internal/supervisor"
	"github.com/roasbeef/lattice/internal/transport"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full daemon configuration.
type Config struct {
	Silo        SiloConfig        `yaml:"silo"`
	Transport   TransportConfig   `yaml:"transport"`
	Membership  MembershipConfig  `yaml:"membership"`
	Mailbox     MailboxConfig     `yaml:"mailbox"`
	Adaptive    AdaptiveConfig    `yaml:"adaptive"`
	Breaker     BreakerConfig     `yaml:"circuit_breaker"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Supervision SupervisionConfig `yaml:"supervision"`
	DeadLetter  DeadLetterConfig  `yaml:"dead_letter"`
	Retry       RetryConfig       `yaml:"retry"`
	DB          DBConfig          `yaml:"db"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SiloConfig identifies this silo and tunes activation lifetime.
type SiloConfig struct {
	ID string `yaml:"id"`

	// Peers lists the other silos as id: host:port pairs.
	Peers map[string]string `yaml:"peers"`

	// Region, Zone, and ShardGroup place this silo in the cluster
	// topology for geo-aware placement.
	Region     string `yaml:"region"`
	Zone       string `yaml:"zone"`
	ShardGroup string `yaml:"shard_group"`

	// Placement is one of consistent_hash, local_preferred, random,
	// round_robin, geo.
	Placement string `yaml:"placement"`

	IdleTimeout         Duration `yaml:"idle_timeout"`
	CheckInterval       Duration `yaml:"check_interval"`
	MinimumActiveActors int      `yaml:"minimum_active_actors"`
	DeactivateTimeout   Duration `yaml:"deactivate_timeout"`
}

// TransportConfig tunes the gRPC envelope transport and its peer
// connection pool.
type TransportConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	RequestTimeout Duration `yaml:"request_timeout"`
	DialTimeout    Duration `yaml:"dial_timeout"`

	MaxConnLifetime     Duration `yaml:"max_conn_lifetime"`
	ConnIdleTimeout     Duration `yaml:"conn_idle_timeout"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	DisposeIdleConns    bool     `yaml:"dispose_idle_conns"`
}

// MembershipConfig tunes cluster membership and the optional Redis
// directory. An empty RedisAddr keeps membership static from the peers
// list.
type MembershipConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
}

// MailboxConfig tunes the default per-activation queue.
type MailboxConfig struct {
	Capacity int `yaml:"capacity"`

	// FullMode is one of block, drop_oldest, drop_newest.
	FullMode string `yaml:"full_mode"`
}

// AdaptiveConfig tunes occupancy-driven mailbox resizing.
type AdaptiveConfig struct {
	Enabled         bool    `yaml:"enabled"`
	InitialCapacity int     `yaml:"initial_capacity"`
	MinCapacity     int     `yaml:"min_capacity"`
	MaxCapacity     int     `yaml:"max_capacity"`
	GrowThreshold   float64 `yaml:"grow_threshold"`
	ShrinkThreshold float64 `yaml:"shrink_threshold"`
	GrowthFactor    float64 `yaml:"growth_factor"`
	ShrinkFactor    float64 `yaml:"shrink_factor"`
	MinSamples      int     `yaml:"min_samples"`
}

// BreakerConfig tunes the per-activation circuit breaker.
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	Timeout          Duration `yaml:"timeout"`
	SamplingWindow   Duration `yaml:"sampling_window"`
}

// RateLimitConfig tunes the per-activation rate limiter.
type RateLimitConfig struct {
	Enabled              bool     `yaml:"enabled"`
	MaxMessagesPerWindow int      `yaml:"max_messages_per_window"`
	TimeWindow           Duration `yaml:"time_window"`

	// ExcessAction is one of drop, reject.
	ExcessAction string `yaml:"excess_action"`
}

// SupervisionConfig tunes child restart policy.
type SupervisionConfig struct {
	// Strategy is one of one_for_one, all_for_one, rest_for_one.
	Strategy string `yaml:"strategy"`

	MaxRestarts    int      `yaml:"max_restarts"`
	TimeWindow     Duration `yaml:"time_window"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
	Escalate       bool     `yaml:"escalate"`
}

// DeadLetterConfig tunes the silo-wide dead letter queue.
type DeadLetterConfig struct {
	Enabled            bool `yaml:"enabled"`
	MaxMessages        int  `yaml:"max_messages"`
	CaptureStackTraces bool `yaml:"capture_stack_traces"`
}

// RetryConfig tunes in-turn retry before dead-lettering.
type RetryConfig struct {
	Enabled      bool     `yaml:"enabled"`
	MaxRetries   int      `yaml:"max_retries"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	Jitter       bool     `yaml:"jitter"`
}

// DBConfig locates the SQLite database.
type DBConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig tunes the daemon's log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// defaultDBPath resolves the standard database location, falling back to
// the working directory when the home directory is unknown.
func defaultDBPath() string {
	path, err := db.DefaultDBPath()
	if err != nil {
		return "lattice.db"
	}

	return path
}

// Default returns the configuration with every tunable at its documented
// default.
func Default() Config {
	return Config{
		Silo: SiloConfig{
			ID:                "silo-1",
			Placement:         "consistent_hash",
			IdleTimeout:       Duration(silo.DefaultIdleTimeout),
			CheckInterval:     Duration(silo.DefaultCheckInterval),
			DeactivateTimeout: Duration(silo.DefaultDeactivateTimeout),
		},
		Transport: TransportConfig{
			ListenAddr:     "localhost:7420",
			RequestTimeout: Duration(transport.DefaultRequestTimeout),
			DialTimeout:    Duration(transport.DefaultDialTimeout),

			MaxConnLifetime:     Duration(transport.DefaultMaxConnLifetime),
			ConnIdleTimeout:     Duration(transport.DefaultConnIdleTimeout),
			HealthCheckInterval: Duration(transport.DefaultHealthCheckInterval),
			DisposeIdleConns:    true,
		},
		Membership: MembershipConfig{
			HeartbeatInterval: Duration(5 * time.Second),
			HeartbeatTimeout:  Duration(15 * time.Second),
		},
		Mailbox: MailboxConfig{
			Capacity: 64,
			FullMode: "block",
		},
		Adaptive: AdaptiveConfig{
			Enabled:         false,
			InitialCapacity: 64,
			MinCapacity:     16,
			MaxCapacity:     4096,
			GrowThreshold:   0.75,
			ShrinkThreshold: 0.25,
			GrowthFactor:    2.0,
			ShrinkFactor:    0.5,
			MinSamples:      32,
		},
		Breaker: BreakerConfig{
			Enabled:          false,
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Timeout:          Duration(30 * time.Second),
			SamplingWindow:   Duration(60 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:              false,
			MaxMessagesPerWindow: 1000,
			TimeWindow:           Duration(time.Second),
			ExcessAction:         "drop",
		},
		Supervision: SupervisionConfig{
			Strategy:       "one_for_one",
			MaxRestarts:    3,
			TimeWindow:     Duration(60 * time.Second),
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			Multiplier:     2.0,
			Escalate:       true,
		},
		DeadLetter: DeadLetterConfig{
			Enabled:            true,
			MaxMessages:        10000,
			CaptureStackTraces: true,
		},
		Retry: RetryConfig{
			Enabled:      true,
			MaxRetries:   3,
			InitialDelay: Duration(100 * time.Millisecond),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2.0,
			Jitter:       true,
		},
		DB: DBConfig{
			Path: defaultDBPath(),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty or missing), then LATTICE_* environment
// variables. A .env file in the working directory is loaded first so its
// entries participate in the override pass.
func Load(path string) (Config, error) {
	// Ignore a missing .env; it is a convenience, not a requirement.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):

		case err != nil:
			return cfg, fmt.Errorf("unable to read config: %w", err)

		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("unable to parse "+
					"config: %w", err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// applyEnv folds LATTICE_* variables over the loaded config.
func applyEnv(cfg *Config) {
	envStr("LATTICE_SILO_ID", &cfg.Silo.ID)
	envStr("LATTICE_REGION", &cfg.Silo.Region)
	envStr("LATTICE_ZONE", &cfg.Silo.Zone)
	envStr("LATTICE_SHARD_GROUP", &cfg.Silo.ShardGroup)
	envStr("LATTICE_PLACEMENT", &cfg.Silo.Placement)
	envStr("LATTICE_LISTEN_ADDR", &cfg.Transport.ListenAddr)
	envStr("LATTICE_REDIS_ADDR", &cfg.Membership.RedisAddr)
	envStr("LATTICE_DB_PATH", &cfg.DB.Path)
	envStr("LATTICE_LOG_LEVEL", &cfg.Logging.Level)
	envStr("LATTICE_LOG_FILE", &cfg.Logging.File)

	envDur("LATTICE_REQUEST_TIMEOUT", &cfg.Transport.RequestTimeout)
	envDur("LATTICE_IDLE_TIMEOUT", &cfg.Silo.IdleTimeout)
	envDur("LATTICE_CHECK_INTERVAL", &cfg.Silo.CheckInterval)
	envInt("LATTICE_MIN_ACTIVE_ACTORS", &cfg.Silo.MinimumActiveActors)

	envInt("LATTICE_MAILBOX_CAPACITY", &cfg.Mailbox.Capacity)
	envStr("LATTICE_MAILBOX_FULL_MODE", &cfg.Mailbox.FullMode)

	envBool("LATTICE_DLQ_ENABLED", &cfg.DeadLetter.Enabled)
	envInt("LATTICE_DLQ_MAX_MESSAGES", &cfg.DeadLetter.MaxMessages)
	envInt("LATTICE_RETRY_MAX", &cfg.Retry.MaxRetries)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDur(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// validate rejects enum values no component can interpret.
func (c Config) validate() error {
	if _, err := c.fullMode(); err != nil {
		return err
	}
	if _, err := c.excessAction(); err != nil {
		return err
	}
	if _, err := c.strategy(); err != nil {
		return err
	}
	if err := c.checkPlacement(); err != nil {
		return err
	}

	return nil
}

// checkPlacement rejects placement modes no policy implements.
func (c Config) checkPlacement() error {
	switch c.Silo.Placement {
	case "", "consistent_hash", "local_preferred", "random",
		"round_robin", "geo":

		return nil
	default:
		return fmt.Errorf("unknown silo placement %q", c.Silo.Placement)
	}
}

// GeoPlacement reports whether the geo policy is selected, in which case
// the daemon maintains the hierarchical ring alongside the flat one.
func (c Config) GeoPlacement() bool {
	return c.Silo.Placement == "geo"
}

// PlacementPolicy builds the configured placement policy over the given
// rings. hier may be nil unless the geo mode is selected.
func (c Config) PlacementPolicy(ring *hashring.Ring,
	hier *hashring.HierarchicalRing) placement.Policy {

	switch c.Silo.Placement {
	case "local_preferred":
		return placement.NewLocalPreferredPolicy(c.Silo.ID, ring)
	case "random":
		return placement.NewRandomPolicy()
	case "round_robin":
		return placement.NewRoundRobinPolicy()
	case "geo":
		return placement.NewGeoPolicy(hier, hashring.Preference{
			Region:     c.Silo.Region,
			Zone:       c.Silo.Zone,
			ShardGroup: c.Silo.ShardGroup,
		})
	default:
		return placement.NewConsistentHashPolicy(ring)
	}
}

// MembershipRuntime assembles the registry config.
func (c Config) MembershipRuntime() membership.RegistryConfig {
	rc := membership.DefaultRegistryConfig()
	rc.HeartbeatInterval = c.Membership.HeartbeatInterval.Std()
	rc.HeartbeatTimeout = c.Membership.HeartbeatTimeout.Std()

	return rc
}

func (c Config) fullMode() (mailbox.FullMode, error) {
	switch c.Mailbox.FullMode {
	case "", "block", "wait":
		return mailbox.FullWait, nil
	case "drop_oldest":
		return mailbox.FullDropOldest, nil
	case "drop_newest":
		return mailbox.FullDropNewest, nil
	default:
		return 0, fmt.Errorf("unknown mailbox full_mode %q",
			c.Mailbox.FullMode)
	}
}

func (c Config) excessAction() (mailbox.ExcessAction, error) {
	switch c.RateLimit.ExcessAction {
	case "", "drop":
		return mailbox.ExcessDrop, nil
	case "reject":
		return mailbox.ExcessReject, nil
	case "queue":
		return mailbox.ExcessQueue, nil
	default:
		return 0, fmt.Errorf("unknown rate_limit excess_action %q",
			c.RateLimit.ExcessAction)
	}
}

func (c Config) strategy() (supervisor.Strategy, error) {
	switch c.Supervision.Strategy {
	case "", "one_for_one":
		return supervisor.OneForOne, nil
	case "all_for_one":
		return supervisor.AllForOne, nil
	case "rest_for_one":
		return supervisor.RestForOne, nil
	default:
		return 0, fmt.Errorf("unknown supervision strategy %q",
			c.Supervision.Strategy)
	}
}

// SiloRuntime assembles the silo runtime config from the loaded tunables.
func (c Config) SiloRuntime() silo.Config {
	fullMode, _ := c.fullMode()
	excess, _ := c.excessAction()

	sc := silo.DefaultConfig(c.Silo.ID)
	sc.IdleTimeout = c.Silo.IdleTimeout.Std()
	sc.CheckInterval = c.Silo.CheckInterval.Std()
	sc.MinimumActiveActors = c.Silo.MinimumActiveActors
	sc.DeactivateTimeout = c.Silo.DeactivateTimeout.Std()

	sc.Mailbox = silo.MailboxOptions{
		Capacity: c.Mailbox.Capacity,
		FullMode: fullMode,
		Adaptive: mailbox.AdaptiveConfig{
			Enabled:         c.Adaptive.Enabled,
			InitialCapacity: c.Adaptive.InitialCapacity,
			MinCapacity:     c.Adaptive.MinCapacity,
			MaxCapacity:     c.Adaptive.MaxCapacity,
			GrowThreshold:   c.Adaptive.GrowThreshold,
			ShrinkThreshold: c.Adaptive.ShrinkThreshold,
			GrowthFactor:    c.Adaptive.GrowthFactor,
			ShrinkFactor:    c.Adaptive.ShrinkFactor,
			MinSamples:      c.Adaptive.MinSamples,
		},
		Breaker: mailbox.BreakerConfig{
			Enabled:          c.Breaker.Enabled,
			FailureThreshold: c.Breaker.FailureThreshold,
			SuccessThreshold: c.Breaker.SuccessThreshold,
			Timeout:          c.Breaker.Timeout.Std(),
			SamplingWindow:   c.Breaker.SamplingWindow.Std(),
		},
		RateLimit: mailbox.RateLimitConfig{
			Enabled:              c.RateLimit.Enabled,
			MaxMessagesPerWindow: c.RateLimit.MaxMessagesPerWindow,
			TimeWindow:           c.RateLimit.TimeWindow.Std(),
			ExcessAction:         excess,
		},
		Retry: c.RetryPolicy(),
	}

	sc.DeadLetter = deadletter.Config{
		Enabled:            c.DeadLetter.Enabled,
		MaxMessages:        c.DeadLetter.MaxMessages,
		CaptureStackTraces: c.DeadLetter.CaptureStackTraces,
		RetryPolicy:        c.RetryPolicy(),
	}

	return sc
}

// RetryPolicy assembles the in-turn retry policy.
func (c Config) RetryPolicy() deadletter.RetryPolicy {
	return deadletter.RetryPolicy{
		Enabled:      c.Retry.Enabled,
		MaxRetries:   c.Retry.MaxRetries,
		InitialDelay: c.Retry.InitialDelay.Std(),
		MaxDelay:     c.Retry.MaxDelay.Std(),
		Multiplier:   c.Retry.Multiplier,
		Jitter:       c.Retry.Jitter,
	}
}

// TransportRuntime assembles the transport config.
func (c Config) TransportRuntime() transport.Config {
	tc := transport.DefaultConfig(c.Silo.ID, c.Transport.ListenAddr)
	tc.RequestTimeout = c.Transport.RequestTimeout.Std()
	tc.DialTimeout = c.Transport.DialTimeout.Std()
	tc.MaxConnLifetime = c.Transport.MaxConnLifetime.Std()
	tc.ConnIdleTimeout = c.Transport.ConnIdleTimeout.Std()
	tc.HealthCheckInterval = c.Transport.HealthCheckInterval.Std()
	tc.DisposeIdleConns = c.Transport.DisposeIdleConns

	return tc
}

// SupervisorRuntime assembles the supervisor options.
func (c Config) SupervisorRuntime() supervisor.Options {
	strategy, _ := c.strategy()

	return supervisor.Options{
		Strategy:       strategy,
		MaxRestarts:    c.Supervision.MaxRestarts,
		TimeWindow:     c.Supervision.TimeWindow.Std(),
		InitialBackoff: c.Supervision.InitialBackoff.Std(),
		MaxBackoff:     c.Supervision.MaxBackoff.Std(),
		Multiplier:     c.Supervision.Multiplier,
		Escalate:       c.Supervision.Escalate,
	}
}
