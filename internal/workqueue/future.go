package workqueue

import (
	"context"
	"sync"
)

// Result is the settled outcome of a Future.
type Result[T any] struct {
	Value T
	Err   error
}

// Future is the eventual outcome of one submitted work item. It settles
// exactly once.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	result    Result[T]
	resolved  bool
	drained   bool // callbacks queued before settlement have all run
	callbacks []func(T, error)
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Settled returns a future that is already resolved with v and err.
func Settled[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, err, nil)
	return f
}

// Done is closed once the future has settled and the callbacks registered
// before settlement have returned.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsResolved reports whether the future has settled.
func (f *Future[T]) IsResolved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// Poll returns the outcome without blocking. The boolean is false while
// the work is still pending.
func (f *Future[T]) Poll() (Result[T], bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.resolved
}

// Wait blocks until the future settles or ctx ends. Ending ctx only stops
// the wait; the work itself keeps running.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		r, _ := f.Poll()
		return r.Value, r.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then registers fn to observe the outcome. Callbacks run in registration
// order on the queue goroutine, before the next queued item starts. Once
// the future has settled and its queued callbacks have returned, fn runs
// immediately on the caller's goroutine.
// A callback must not Wait on the future it observes.
func (f *Future[T]) Then(fn func(T, error)) *Future[T] {
	f.mu.Lock()
	if !f.drained {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return f
	}
	r := f.result
	f.mu.Unlock()

	fn(r.Value, r.Err)
	return f
}

// resolve settles the future and runs pending callbacks, including any
// registered while they run. A panicking callback is reported to onPanic
// and does not stop the others.
func (f *Future[T]) resolve(v T, err error, onPanic func(any)) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return
	}
	f.result = Result[T]{Value: v, Err: err}
	f.resolved = true
	f.mu.Unlock()

	for {
		f.mu.Lock()
		callbacks := f.callbacks
		f.callbacks = nil
		if len(callbacks) == 0 {
			f.drained = true
			f.mu.Unlock()
			break
		}
		f.mu.Unlock()

		for _, cb := range callbacks {
			runCallback(cb, v, err, onPanic)
		}
	}
	close(f.done)
}

func runCallback[T any](cb func(T, error), v T, err error, onPanic func(any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	cb(v, err)
}
