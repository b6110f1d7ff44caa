package actor

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// promiseImpl is the single implementation backing both the Promise and
// Future interfaces. Completion is signalled by closing the done channel;
// the sync.Once guarantees exactly one completion wins and all others are
// reported as late.
type promiseImpl[T any] struct {
	// done is closed once the result has been stored.
	done chan struct{}

	// once guards the first (and only) completion.
	once sync.Once

	// result holds the outcome. It is written exactly once, before done
	// is closed, so readers that observe the closed channel see it.
	result fn.Result[T]
}

// NewPromise creates an uncompleted promise.
func NewPromise[T any]() Promise[T] {
	return &promiseImpl[T]{
		done: make(chan struct{}),
	}
}

// Complete attempts to set the result of the future. It returns true if
// this call set the result, false if the future was already completed.
func (p *promiseImpl[T]) Complete(result fn.Result[T]) bool {
	completed := false
	p.once.Do(func() {
		p.result = result
		close(p.done)
		completed = true
	})

	return completed
}

// Future returns the Future view of this promise.
func (p *promiseImpl[T]) Future() Future[T] {
	return p
}

// Await blocks until the result is available or the context is cancelled.
func (p *promiseImpl[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-p.done:
		return p.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// ThenApply returns a new future carrying the transformed result. The
// original future is untouched.
func (p *promiseImpl[T]) ThenApply(ctx context.Context,
	transform func(T) T) Future[T] {

	next := &promiseImpl[T]{
		done: make(chan struct{}),
	}

	go func() {
		result := p.Await(ctx)

		next.Complete(fn.MapOk(transform)(result))
	}()

	return next
}

// OnComplete registers a callback invoked once the result is ready, or
// with the context error if the context is cancelled first.
func (p *promiseImpl[T]) OnComplete(ctx context.Context,
	callback func(fn.Result[T])) {

	go func() {
		callback(p.Await(ctx))
	}()
}
