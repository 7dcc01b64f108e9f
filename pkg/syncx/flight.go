// Package syncx provides small in-process coordination helpers.
package syncx

import (
	"context"
	"sync"
)

// Flight deduplicates a slow operation among concurrent callers.
//
// The first caller starts fn and stores its pending handle; callers that
// arrive while it is in flight await the same handle instead of starting
// their own. On completion the handle is cleared, so a failed attempt is
// only shared with callers that were already waiting; the next caller
// retries from scratch. Flight does not cache successful results either;
// callers that want a cache keep one themselves and re-check it after Do
// returns (double-checked acquisition).
//
// The zero value is ready to use.
type Flight[T any] struct {
	mu   sync.Mutex
	call *flightCall[T]
}

type flightCall[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Do runs fn once for all callers that overlap in time.
//
// ctx cancelation abandons the wait but does not stop the in-flight fn;
// whichever caller started it owns its lifetime.
func (f *Flight[T]) Do(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	f.mu.Lock()
	c := f.call
	if c == nil {
		c = &flightCall[T]{done: make(chan struct{})}
		f.call = c
		f.mu.Unlock()

		c.val, c.err = fn(ctx)

		f.mu.Lock()
		f.call = nil
		f.mu.Unlock()
		close(c.done)
		return c.val, c.err
	}
	f.mu.Unlock()

	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
