package deadletter

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/roasbeef/lattice/internal/wire"
)

// Entry captures one message that exhausted its retries.
type Entry struct {
	// Message is the envelope that failed.
	Message *wire.Envelope

	// ActorID is the identity the message was addressed to.
	ActorID string

	// Err is the final failure.
	Err error

	// StackTrace optionally holds the goroutine stack captured at
	// enqueue time.
	StackTrace string

	// EnqueuedAt is when the entry was added to the queue.
	EnqueuedAt time.Time

	// RetryCount is the number of re-delivery attempts performed before
	// giving up.
	RetryCount int
}

// Config tunes the dead letter queue.
type Config struct {
	// Enabled turns capture on. A disabled queue drops entries.
	Enabled bool

	// MaxMessages bounds the queue; at capacity the oldest entry is
	// evicted.
	MaxMessages int

	// CaptureStackTraces records the enqueueing goroutine's stack with
	// each entry.
	CaptureStackTraces bool

	// RetryPolicy governs re-delivery before messages land here.
	RetryPolicy RetryPolicy
}

// DefaultConfig returns the standard dead letter tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		MaxMessages:        10000,
		CaptureStackTraces: true,
		RetryPolicy:        DefaultRetryPolicy(),
	}
}

// Queue is a bounded FIFO of failed messages. At capacity the oldest entry
// is evicted to admit the newest.
type Queue struct {
	mu sync.Mutex

	cfg Config

	// overrides replaces the global config per actor type.
	overrides map[string]Config

	entries []Entry

	evicted uint64
}

// NewQueue creates a dead letter queue.
func NewQueue(cfg Config) *Queue {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultConfig().MaxMessages
	}

	return &Queue{
		cfg:       cfg,
		overrides: make(map[string]Config),
	}
}

// SetOverride installs a per-actor-type config that replaces the global
// defaults for messages addressed to that type.
func (q *Queue) SetOverride(actorType string, cfg Config) {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = q.cfg.MaxMessages
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.overrides[actorType] = cfg
}

// ConfigFor returns the effective config for an actor type.
func (q *Queue) ConfigFor(actorType string) Config {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cfg, ok := q.overrides[actorType]; ok {
		return cfg
	}

	return q.cfg
}

// Add captures a failed message. Returns false if capture is disabled for
// the message's actor type.
func (q *Queue) Add(msg *wire.Envelope, actorID string, failure error,
	retryCount int) bool {

	cfg := q.ConfigFor(msg.ActorType)
	if !cfg.Enabled {
		return false
	}

	entry := Entry{
		Message:    msg,
		ActorID:    actorID,
		Err:        failure,
		EnqueuedAt: time.Now(),
		RetryCount: retryCount,
	}

	if cfg.CaptureStackTraces {
		buf := make([]byte, 8192)
		entry.StackTrace = string(buf[:runtime.Stack(buf, false)])
	}

	q.mu.Lock()
	if len(q.entries) >= cfg.MaxMessages {
		drop := len(q.entries) - cfg.MaxMessages + 1
		q.entries = append(q.entries[:0], q.entries[drop:]...)
		q.evicted += uint64(drop)
	}
	q.entries = append(q.entries, entry)
	depth := len(q.entries)
	q.mu.Unlock()

	log.WarnS(context.Background(), "Message dead-lettered", failure,
		"actor_id", actorID,
		"actor_type", msg.ActorType,
		"method", msg.MethodName,
		"retry_count", retryCount,
		"queue_depth", depth)

	return true
}

// Entries returns a snapshot of the queued entries, oldest first.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	copy(out, q.entries)

	return out
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Evicted returns the number of entries dropped to make room.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.evicted
}

// Drain removes and returns all queued entries, oldest first. Used by the
// replay tooling.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.entries
	q.entries = nil

	return out
}
