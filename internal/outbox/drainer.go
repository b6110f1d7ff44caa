package outbox

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultDrainInterval is how often the drainer polls for pending
	// messages.
	DefaultDrainInterval = time.Second

	// DefaultDrainBatch is the maximum number of messages delivered per
	// poll.
	DefaultDrainBatch = 64

	// DefaultPurgeInterval is how often sent messages past retention are
	// purged.
	DefaultPurgeInterval = time.Hour
)

// SendFunc delivers one pending message. A nil return marks the message
// sent; an error schedules a retry with backoff.
type SendFunc func(ctx context.Context, msg *Message) error

// DrainerConfig tunes the background delivery loop.
type DrainerConfig struct {
	// Interval is the poll cadence.
	Interval time.Duration

	// Batch is the per-poll delivery cap.
	Batch int

	// Retention is how long sent rows survive before the purge.
	Retention time.Duration

	// PurgeInterval is the purge cadence.
	PurgeInterval time.Duration
}

// DefaultDrainerConfig returns the drainer defaults.
func DefaultDrainerConfig() DrainerConfig {
	return DrainerConfig{
		Interval:      DefaultDrainInterval,
		Batch:         DefaultDrainBatch,
		Retention:     DefaultRetention,
		PurgeInterval: DefaultPurgeInterval,
	}
}

// Drainer polls the outbox for due messages and hands them to the
// transport. Delivery outcomes are written back so a crash between
// delivery and mark yields at-least-once semantics.
type Drainer struct {
	cfg   DrainerConfig
	store *Store
	send  SendFunc

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewDrainer creates a drainer over the given store and send function.
func NewDrainer(cfg DrainerConfig, store *Store, send SendFunc) *Drainer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Drainer{
		cfg:    cfg,
		store:  store,
		send:   send,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the poll and purge loops.
func (d *Drainer) Start() {
	d.startOnce.Do(func() {
		log.InfoS(d.ctx, "Starting outbox drainer",
			"interval", d.cfg.Interval,
			"batch", d.cfg.Batch)

		d.wg.Add(2)
		go d.drainLoop()
		go d.purgeLoop()
	})
}

// Stop halts both loops and waits for in-flight deliveries to settle.
func (d *Drainer) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
}

// drainLoop polls for due messages and attempts delivery.
func (d *Drainer) drainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.DrainOnce(d.ctx)

		case <-d.ctx.Done():
			return
		}
	}
}

// DrainOnce performs one poll-and-deliver pass. Exported so tests and the
// daemon's shutdown path can flush synchronously.
func (d *Drainer) DrainOnce(ctx context.Context) {
	msgs, err := d.store.GetPendingMessages(ctx, d.cfg.Batch)
	if err != nil {
		log.ErrorS(ctx, "Failed to read pending outbox messages", err)
		return
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}

		if err := d.send(ctx, msg); err != nil {
			log.WarnS(ctx, "Outbox delivery failed", err,
				"message_id", msg.MessageID,
				"destination", msg.Destination,
				"retry_count", msg.RetryCount)

			if err := d.store.MarkAsFailed(
				ctx, msg.MessageID, err,
			); err != nil {
				log.ErrorS(ctx, "Failed to record outbox "+
					"failure", err,
					"message_id", msg.MessageID)
			}

			continue
		}

		if err := d.store.MarkAsSent(ctx, msg.MessageID); err != nil {
			log.ErrorS(ctx, "Failed to mark outbox message sent",
				err, "message_id", msg.MessageID)
		}
	}
}

// purgeLoop removes sent messages past retention on a slow cadence.
func (d *Drainer) purgeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			purged, err := d.store.PurgeSent(
				d.ctx, d.cfg.Retention,
			)
			if err != nil {
				log.ErrorS(d.ctx, "Outbox purge failed", err)
				continue
			}

			if purged > 0 {
				log.DebugS(d.ctx, "Purged sent outbox "+
					"messages", "count", purged)
			}

		case <-d.ctx.Done():
			return
		}
	}
}
