package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// siloKeyPrefix prefixes the per-silo presence keys.
	siloKeyPrefix = "lattice:silos:"

	// membershipChannel carries join/leave announcements.
	membershipChannel = "lattice:membership"
)

// directoryMessage is the pub/sub announcement format.
type directoryMessage struct {
	Kind string   `json:"kind"` // "join" or "leave"
	Silo SiloInfo `json:"silo"`
}

// RedisDirectory shares membership across processes through Redis. Each
// silo writes a presence key with a TTL and refreshes it on every
// heartbeat; peers learn about joins and leaves over pub/sub and recover
// missed announcements by scanning presence keys. Everything the
// directory learns is applied to the local Registry, which remains the
// single source the placement layer reads.
type RedisDirectory struct {
	client   *redis.Client
	registry *Registry
	local    SiloInfo

	// ttl is the presence key lifetime, sized so a couple of missed
	// heartbeats do not evict the silo.
	ttl time.Duration

	interval time.Duration

	quit chan struct{}
	wg   sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRedisDirectory creates a directory for the given local silo.
func NewRedisDirectory(client *redis.Client, registry *Registry,
	local SiloInfo) *RedisDirectory {

	interval := registry.cfg.HeartbeatInterval

	return &RedisDirectory{
		client:   client,
		registry: registry,
		local:    local,
		ttl:      3 * interval,
		interval: interval,
		quit:     make(chan struct{}),
	}
}

// siloKey returns the presence key for a silo.
func siloKey(siloID string) string {
	return siloKeyPrefix + siloID
}

// Start announces the local silo, loads the current cluster view, and
// launches the heartbeat and watch loops.
func (d *RedisDirectory) Start(ctx context.Context) error {
	var startErr error
	d.startOnce.Do(func() {
		if err := d.announce(ctx, "join"); err != nil {
			startErr = fmt.Errorf("announce join: %w", err)
			return
		}

		if err := d.loadSnapshot(ctx); err != nil {
			startErr = fmt.Errorf("load membership snapshot: %w",
				err)
			return
		}

		d.wg.Add(2)
		go d.heartbeatLoop()
		go d.watchLoop()
	})

	return startErr
}

// Stop announces departure and halts the background loops.
func (d *RedisDirectory) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.wg.Wait()

		if err := d.announce(ctx, "leave"); err != nil {
			log.WarnS(ctx, "Failed to announce departure", err,
				"silo_id", d.local.ID)
		}
		if err := d.client.Del(
			ctx, siloKey(d.local.ID),
		).Err(); err != nil {
			log.WarnS(ctx, "Failed to delete presence key", err,
				"silo_id", d.local.ID)
		}
	})
}

// announce publishes a join or leave message and, for joins, writes the
// presence key.
func (d *RedisDirectory) announce(ctx context.Context, kind string) error {
	if kind == "join" {
		if err := d.writePresence(ctx); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(directoryMessage{
		Kind: kind,
		Silo: d.local,
	})
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}

	return d.client.Publish(ctx, membershipChannel, payload).Err()
}

// writePresence upserts the local presence key with the directory TTL.
func (d *RedisDirectory) writePresence(ctx context.Context) error {
	payload, err := json.Marshal(d.local)
	if err != nil {
		return fmt.Errorf("marshal silo info: %w", err)
	}

	return d.client.Set(ctx, siloKey(d.local.ID), payload, d.ttl).Err()
}

// loadSnapshot scans presence keys and joins every discovered silo into
// the local registry.
func (d *RedisDirectory) loadSnapshot(ctx context.Context) error {
	iter := d.client.Scan(ctx, 0, siloKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := d.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			// Key may expire between scan and get.
			if err == redis.Nil {
				continue
			}
			return err
		}

		var info SiloInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			log.WarnS(ctx, "Skipping malformed presence key", err,
				"key", iter.Val())
			continue
		}

		if err := d.registry.Join(info); err != nil {
			return err
		}
	}

	return iter.Err()
}

// heartbeatLoop refreshes the local presence key and the local registry
// heartbeat on every interval.
func (d *RedisDirectory) heartbeatLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(
				context.Background(), d.interval,
			)

			if err := d.writePresence(ctx); err != nil {
				log.WarnS(ctx, "Presence refresh failed", err,
					"silo_id", d.local.ID)
			}
			if err := d.registry.Heartbeat(
				d.local.ID,
			); err != nil {
				log.WarnS(ctx, "Local heartbeat failed", err,
					"silo_id", d.local.ID)
			}

			cancel()

		case <-d.quit:
			return
		}
	}
}

// watchLoop applies join and leave announcements from peers.
func (d *RedisDirectory) watchLoop() {
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-d.quit
		cancel()
	}()

	sub := d.client.Subscribe(ctx, membershipChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			d.handleAnnouncement(ctx, []byte(msg.Payload))

		case <-d.quit:
			return
		}
	}
}

// handleAnnouncement applies a single pub/sub message to the registry.
func (d *RedisDirectory) handleAnnouncement(ctx context.Context,
	payload []byte) {

	var msg directoryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.WarnS(ctx, "Malformed membership announcement", err)
		return
	}

	// Our own announcements echo back; the registry treats a rejoin as
	// a refresh so applying them is harmless, but skip the noise.
	if msg.Silo.ID == d.local.ID {
		return
	}

	switch msg.Kind {
	case "join":
		if err := d.registry.Join(msg.Silo); err != nil {
			log.WarnS(ctx, "Failed to apply join announcement",
				err, "silo_id", msg.Silo.ID)
		}

	case "leave":
		d.registry.Leave(msg.Silo.ID)

	default:
		log.WarnS(ctx, "Unknown membership announcement kind", nil,
			"kind", msg.Kind)
	}
}
