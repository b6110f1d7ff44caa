package dispatch

import (
	"context"
	"sync"
)

// ActorContext carries the identity of the turn currently executing:
// which actor is running, which request chain it belongs to, and a
// mutable metadata map for turn-scoped values.
type ActorContext struct {
	// ActorID is the identity of the executing activation.
	ActorID string

	// CorrelationID ties together every hop of one logical request
	// chain across actors and silos.
	CorrelationID string

	// RequestID identifies this specific invocation.
	RequestID string

	mu       sync.Mutex
	metadata map[string]string
}

// NewActorContext creates a turn context.
func NewActorContext(actorID, correlationID, requestID string) *ActorContext {
	return &ActorContext{
		ActorID:       actorID,
		CorrelationID: correlationID,
		RequestID:     requestID,
		metadata:      make(map[string]string),
	}
}

// SetMeta stores a turn-scoped metadata value.
func (ac *ActorContext) SetMeta(key, value string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	ac.metadata[key] = value
}

// Meta returns a turn-scoped metadata value.
func (ac *ActorContext) Meta(key string) (string, bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	v, ok := ac.metadata[key]
	return v, ok
}

// actorCtxKey is the context key for the current ActorContext.
type actorCtxKey struct{}

// WithActorContext derives a context carrying the turn's ActorContext.
// Nesting is natural: a child turn derives from the parent's context, and
// the parent's ActorContext is restored when the child's context goes out
// of scope.
func WithActorContext(ctx context.Context,
	ac *ActorContext) context.Context {

	return context.WithValue(ctx, actorCtxKey{}, ac)
}

// FromContext returns the innermost ActorContext, or nil when the context
// does not run inside a turn.
func FromContext(ctx context.Context) *ActorContext {
	ac, _ := ctx.Value(actorCtxKey{}).(*ActorContext)
	return ac
}
