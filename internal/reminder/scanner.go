package reminder

import (
	"context"
	"sync"
	"time"

	"github.com/roasbeef/lattice/internal/wire"
)

// DefaultCheckInterval is how often the scanner looks for due reminders.
const DefaultCheckInterval = 30 * time.Second

// OwnsFunc reports whether this silo currently owns an actor identity
// under the membership ring.
type OwnsFunc func(actorType, actorID string) bool

// PostFunc delivers a synthetic reminder envelope to the local activation.
type PostFunc func(ctx context.Context, env *wire.Envelope) error

// ScannerConfig tunes the firing loop.
type ScannerConfig struct {
	// CheckInterval is the poll cadence.
	CheckInterval time.Duration
}

// DefaultScannerConfig returns the scanner defaults.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		CheckInterval: DefaultCheckInterval,
	}
}

// Scanner periodically fires due reminders owned by this silo. Reminders
// mapped elsewhere by the ring are skipped; the owning silo's scanner
// handles them.
type Scanner struct {
	cfg   ScannerConfig
	store *Store
	owns  OwnsFunc
	post  PostFunc

	// now is the clock, swappable in tests.
	now func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewScanner creates a scanner over the given store, ownership check, and
// local post function.
func NewScanner(cfg ScannerConfig, store *Store, owns OwnsFunc,
	post PostFunc) *Scanner {

	ctx, cancel := context.WithCancel(context.Background())

	return &Scanner{
		cfg:    cfg,
		store:  store,
		owns:   owns,
		post:   post,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the firing loop.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		log.InfoS(s.ctx, "Starting reminder scanner",
			"check_interval", s.cfg.CheckInterval)

		s.wg.Add(1)
		go s.scanLoop()
	})
}

// Stop halts the firing loop and waits for an in-flight scan to finish.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// scanLoop polls for due reminders on the configured cadence.
func (s *Scanner) scanLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ScanOnce(s.ctx)

		case <-s.ctx.Done():
			return
		}
	}
}

// ScanOnce performs one due-query-and-fire pass. Exported so tests can
// drive the scanner deterministically.
func (s *Scanner) ScanOnce(ctx context.Context) {
	now := s.now()

	due, err := s.store.Due(ctx, now)
	if err != nil {
		log.ErrorS(ctx, "Failed to query due reminders", err)
		return
	}

	for _, r := range due {
		if ctx.Err() != nil {
			return
		}

		// Another silo owns this identity; its scanner fires it.
		if !s.owns(r.ActorType, r.ActorID) {
			continue
		}

		env := wire.NewRequest(r.ActorType, r.ActorID, Method, r.Data)
		env.CorrelationID = env.MessageID

		if err := s.post(ctx, env); err != nil {
			log.WarnS(ctx, "Reminder delivery failed", err,
				"actor_id", r.ActorID,
				"name", r.Name)

			// Leave the row untouched; the next scan retries.
			continue
		}

		if err := s.store.MarkFired(ctx, r, now); err != nil {
			log.ErrorS(ctx, "Failed to advance reminder "+
				"schedule", err,
				"actor_id", r.ActorID,
				"name", r.Name)
			continue
		}

		log.DebugS(ctx, "Fired reminder",
			"actor_id", r.ActorID,
			"actor_type", r.ActorType,
			"name", r.Name,
			"repeating", r.Period.IsSome())
	}
}
