package silo

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/roasbeef/lattice/internal/mailbox"
)

// activation is one live actor instance: its dispatch target plus the
// mailbox that serializes its turns.
type activation struct {
	actorType string
	actorID   string
	identity  string

	target any
	mb     *mailbox.Mailbox

	createdAt time.Time

	// lastActive is the unix-nano timestamp of the most recent turn,
	// read by the idle scanner without taking locks.
	lastActive atomic.Int64

	// init runs the factory, the OnActivate hook, and the mailbox start
	// exactly once, no matter how many envelopes race the activation.
	init    sync.Once
	initErr error
}

// touch records activity for idle accounting.
func (a *activation) touch(now time.Time) {
	a.lastActive.Store(now.UnixNano())
}

// idleFor reports how long the activation has been quiet.
func (a *activation) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, a.lastActive.Load()))
}

// ActivationInfo is the metadata view of one activation.
type ActivationInfo struct {
	// ActorType is the activation's registered type name.
	ActorType string `json:"actorType"`

	// ActorID is the instance ID.
	ActorID string `json:"actorId"`

	// CreatedAt is when the activation was built.
	CreatedAt time.Time `json:"createdAt"`

	// LastActive is when the activation last processed a turn.
	LastActive time.Time `json:"lastActive"`

	// MailboxDepth is the current queued message count.
	MailboxDepth int `json:"mailboxDepth"`

	// Turns is how many turns the activation has completed.
	Turns uint64 `json:"turns"`

	// Failures is how many turns ended in an error.
	Failures uint64 `json:"failures"`
}

// info snapshots the activation's metadata.
func (a *activation) info() ActivationInfo {
	return ActivationInfo{
		ActorType:    a.actorType,
		ActorID:      a.actorID,
		CreatedAt:    a.createdAt,
		LastActive:   time.Unix(0, a.lastActive.Load()),
		MailboxDepth: a.mb.MessageCount(),
		Turns:        a.mb.Turns(),
		Failures:     a.mb.Failures(),
	}
}
