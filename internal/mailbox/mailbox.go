// Package mailbox implements the per-activation message queue and its turn
// loop. Each activation owns one Mailbox: a bounded single-consumer FIFO
// of envelopes with configurable full-queue policy, capacity adaptation,
// circuit breaking, rate limiting, and retry with dead letter capture.
package mailbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roasbeef/lattice/internal/deadletter"
	"github.com/roasbeef/lattice/internal/wire"
)

var (
	// ErrStopped is returned by Post after Stop has been called.
	ErrStopped = errors.New("mailbox stopped")

	// ErrFull is returned by Post when the queue is at capacity under
	// the drop-newest policy.
	ErrFull = errors.New("mailbox full")

	// ErrDropped is returned by Post when the rate limiter silently
	// discarded the message. Callers should not send a response.
	ErrDropped = errors.New("message dropped")
)

// FullMode decides what Post does when the queue is at capacity.
type FullMode int

const (
	// FullWait blocks the producer until space frees or its context
	// cancels.
	FullWait FullMode = iota

	// FullDropOldest evicts the oldest queued message to admit the new
	// one.
	FullDropOldest

	// FullDropNewest rejects the incoming message.
	FullDropNewest
)

// String returns the policy name.
func (m FullMode) String() string {
	switch m {
	case FullWait:
		return "wait"
	case FullDropOldest:
		return "drop-oldest"
	case FullDropNewest:
		return "drop-newest"
	default:
		return "unknown"
	}
}

// Handler executes one turn: deliver an envelope into the activation and
// return the turn's outcome. A nil error ends the turn successfully; a
// non-nil error feeds the circuit breaker and the retry policy.
type Handler func(ctx context.Context, env *wire.Envelope) error

// Config assembles a mailbox for one activation.
type Config struct {
	// ActorID and ActorType identify the owning activation in logs and
	// dead letter entries.
	ActorID   string
	ActorType string

	// Capacity is the queue bound. Ignored when adaptation is enabled;
	// the adaptive initial capacity wins.
	Capacity int

	// FullMode is the at-capacity policy.
	FullMode FullMode

	// Adaptive tunes capacity adaptation.
	Adaptive AdaptiveConfig

	// Breaker tunes the circuit breaker guarding Post.
	Breaker BreakerConfig

	// RateLimit tunes the admission rate limiter.
	RateLimit RateLimitConfig

	// Retry governs re-delivery of failed turns.
	Retry deadletter.RetryPolicy

	// DLQ captures messages whose retries are exhausted. Optional.
	DLQ *deadletter.Queue

	// OnExhausted is invoked after a message has failed terminally and
	// been dead-lettered, so the caller can still receive an error
	// response. Optional.
	OnExhausted func(env *wire.Envelope, err error, retries int)

	// OnDrop is invoked for messages evicted by FullDropOldest.
	// Optional.
	OnDrop func(env *wire.Envelope)
}

// Mailbox is the bounded FIFO plus its dedicated consumer goroutine. At
// most one turn is in flight at any instant.
type Mailbox struct {
	cfg     Config
	handler Handler

	mu sync.Mutex

	// queue holds pending envelopes, oldest first.
	queue []*wire.Envelope

	// capacity is the current bound; adaptation rewrites it in place
	// under mu, which swaps the effective queue limit atomically with
	// respect to producers and the consumer.
	capacity int

	stopped bool

	// wake is closed and replaced to broadcast queue state changes to
	// blocked producers and the consumer.
	wake chan struct{}

	breaker *CircuitBreaker
	limiter *RateLimiter
	sampler *sampler

	processing atomic.Bool
	turns      atomic.Uint64
	failures   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a mailbox. Start must be called before envelopes are
// consumed.
func New(cfg Config, handler Handler) *Mailbox {
	capacity := cfg.Capacity
	if cfg.Adaptive.Enabled {
		capacity = cfg.Adaptive.InitialCapacity
	}
	if capacity <= 0 {
		capacity = 64
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Mailbox{
		cfg:      cfg,
		handler:  handler,
		capacity: capacity,
		wake:     make(chan struct{}),
		breaker:  NewCircuitBreaker(cfg.Breaker),
		limiter:  NewRateLimiter(cfg.RateLimit),
		sampler:  newSampler(cfg.Adaptive),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the consumer loop. Safe to call more than once.
func (m *Mailbox) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run()
	})
}

// Stop refuses further posts and waits for the queue to drain through the
// consumer. If the context expires first, in-flight and queued work is
// cancelled hard.
func (m *Mailbox) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.broadcast()
		m.mu.Unlock()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:

		case <-ctx.Done():
			m.cancel()
			<-done
			err = ctx.Err()
		}
	})

	return err
}

// broadcast wakes all waiters. Callers must hold m.mu.
func (m *Mailbox) broadcast() {
	close(m.wake)
	m.wake = make(chan struct{})
}

// Post enqueues an envelope for the activation. It returns nil when the
// message was accepted; ErrDropped when the rate limiter silently
// discarded it; wire.ErrRateLimited or wire.ErrCircuitOpen when admission
// was refused with cause; ErrFull or ErrStopped for queue-level refusals.
func (m *Mailbox) Post(ctx context.Context, env *wire.Envelope) error {
	if !m.breaker.Allow() {
		return wire.ErrCircuitOpen
	}

	if ok, action := m.limiter.Allow(); !ok {
		switch action {
		case ExcessDrop:
			log.TraceS(ctx, "Rate limiter dropped message",
				"actor_id", m.cfg.ActorID,
				"method", env.MethodName)

			return ErrDropped

		case ExcessReject:
			return wire.ErrRateLimited

		case ExcessQueue:
			// Fall through to the queue bound.
		}
	}

	for {
		m.mu.Lock()

		if m.stopped {
			m.mu.Unlock()
			return ErrStopped
		}

		if len(m.queue) < m.capacity {
			m.queue = append(m.queue, env)
			m.sample()
			m.broadcast()
			m.mu.Unlock()

			return nil
		}

		// Queue is at capacity; apply the full-queue policy.
		switch m.cfg.FullMode {
		case FullDropOldest:
			victim := m.queue[0]
			m.queue = append(m.queue[:0], m.queue[1:]...)
			m.queue = append(m.queue, env)
			m.sample()
			m.broadcast()
			m.mu.Unlock()

			log.DebugS(ctx, "Mailbox full, dropped oldest",
				"actor_id", m.cfg.ActorID,
				"dropped_method", victim.MethodName)

			if m.cfg.OnDrop != nil {
				m.cfg.OnDrop(victim)
			}

			return nil

		case FullDropNewest:
			m.mu.Unlock()
			return ErrFull

		case FullWait:
			wake := m.wake
			m.mu.Unlock()

			select {
			case <-wake:
				// Re-check under the lock.

			case <-ctx.Done():
				return ctx.Err()

			case <-m.ctx.Done():
				return ErrStopped
			}
		}
	}
}

// sample feeds one utilization observation into the adaptive sampler and
// applies its recommendation. Callers must hold m.mu.
func (m *Mailbox) sample() {
	if !m.cfg.Adaptive.Enabled {
		return
	}

	util := float64(len(m.queue)) / float64(m.capacity)
	if next := m.sampler.observe(util, m.capacity); next != 0 {
		log.DebugS(context.Background(), "Mailbox capacity adapted",
			"actor_id", m.cfg.ActorID,
			"old_capacity", m.capacity,
			"new_capacity", next,
			"queue_len", len(m.queue))

		m.capacity = next
	}
}

// run is the consumer loop: dequeue one envelope, execute its turn to
// terminal completion, repeat. It exits once stopped with an empty queue,
// or immediately on hard cancel.
func (m *Mailbox) run() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		for len(m.queue) == 0 {
			if m.stopped {
				m.mu.Unlock()
				return
			}

			wake := m.wake
			m.mu.Unlock()

			select {
			case <-wake:

			case <-m.ctx.Done():
				m.failQueued()
				return
			}

			m.mu.Lock()
		}

		env := m.queue[0]
		m.queue = append(m.queue[:0], m.queue[1:]...)
		m.broadcast()
		m.mu.Unlock()

		m.runTurn(env)

		if m.ctx.Err() != nil {
			m.failQueued()
			return
		}
	}
}

// failQueued completes every remaining queued message as terminally
// failed after a hard cancel.
func (m *Mailbox) failQueued() {
	m.mu.Lock()
	remaining := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, env := range remaining {
		if m.cfg.DLQ != nil {
			m.cfg.DLQ.Add(env, m.cfg.ActorID, ErrStopped, 0)
		}
		if m.cfg.OnExhausted != nil {
			m.cfg.OnExhausted(env, ErrStopped, 0)
		}
	}
}

// runTurn executes one message to terminal completion: the initial
// attempt, retries per policy, then dead letter capture.
func (m *Mailbox) runTurn(env *wire.Envelope) {
	m.processing.Store(true)
	defer m.processing.Store(false)

	m.turns.Add(1)

	var (
		lastErr error
		retries int
	)

	maxRetries := 0
	if m.cfg.Retry.Enabled {
		maxRetries = m.cfg.Retry.MaxRetries
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			retries = attempt

			select {
			case <-time.After(m.cfg.Retry.Delay(attempt)):

			case <-m.ctx.Done():
			}
			if m.ctx.Err() != nil {
				lastErr = ErrStopped
				break
			}
		}

		lastErr = m.handler(m.ctx, env)
		if lastErr == nil {
			m.breaker.RecordSuccess()
			return
		}

		m.breaker.RecordFailure()
		m.failures.Add(1)

		log.DebugS(m.ctx, "Turn failed",
			"actor_id", m.cfg.ActorID,
			"method", env.MethodName,
			"attempt", attempt,
			"err", lastErr)
	}

	if m.cfg.DLQ != nil {
		m.cfg.DLQ.Add(env, m.cfg.ActorID, lastErr, retries)
	}
	if m.cfg.OnExhausted != nil {
		m.cfg.OnExhausted(env, lastErr, retries)
	}
}

// MessageCount returns the number of queued envelopes.
func (m *Mailbox) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue)
}

// Capacity returns the current queue bound.
func (m *Mailbox) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.capacity
}

// IsProcessing reports whether a turn is in flight right now.
func (m *Mailbox) IsProcessing() bool {
	return m.processing.Load()
}

// Turns returns the number of turns started.
func (m *Mailbox) Turns() uint64 {
	return m.turns.Load()
}

// Failures returns the number of failed turn attempts.
func (m *Mailbox) Failures() uint64 {
	return m.failures.Load()
}

// BreakerState exposes the circuit breaker position for introspection.
func (m *Mailbox) BreakerState() BreakerState {
	return m.breaker.State()
}
