package actor

import (
	"context"
	"sync"
)

// Future carries a single reply from an actor back to the caller. Actors
// resolve futures from their loop goroutine; callers wait with a context.
// Resolve is idempotent so racy double-completion (result racing a timeout)
// settles on the first value.
type Future[T any] struct {
	once  sync.Once
	ready chan struct{}
	val   T
	err   error
}

// NewFuture constructs an unresolved Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{ready: make(chan struct{})}
}

// Resolve completes the future with val. Subsequent calls are no-ops.
func (f *Future[T]) Resolve(val T) {
	f.once.Do(func() {
		f.val = val
		close(f.ready)
	})
}

// Fail completes the future with err. Subsequent calls are no-ops.
func (f *Future[T]) Fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.ready)
	})
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.ready:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Ready returns a channel closed once the future has resolved.
func (f *Future[T]) Ready() <-chan struct{} { return f.ready }

// Ask posts msg built from a fresh future to ref and waits for the reply.
// The build callback receives the future to embed in the message.
func Ask[T any](ctx context.Context, ref *Ref, build func(*Future[T]) any) (T, error) {
	fut := NewFuture[T]()
	if err := ref.Post(ctx, build(fut)); err != nil {
		var zero T
		return zero, err
	}
	return fut.Wait(ctx)
}
