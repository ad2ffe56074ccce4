// Package workqueue serializes work against a shared resource such as a
// hypervisor connection.
//
// Items run one at a time in the order they were submitted. Submission
// never blocks: the caller gets a Future back immediately. A failing or
// panicking item only settles its own future; the queue moves on to the
// next item. There is no cancellation or timeout, work that needs one
// must enforce it itself.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/zeonglow/buildbot/internal/logging"
	"github.com/zeonglow/buildbot/internal/metrics"
)

// ErrNilWork is returned through the future of a nil work function.
var ErrNilWork = errors.New("workqueue: nil work")

// Work is a zero-argument operation run on the queue goroutine.
type Work func(ctx context.Context) (any, error)

// PanicError is the failure delivered when a work function panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workqueue: work panicked: %v", e.Value)
}

type item struct {
	seq uint64
	run func(ctx context.Context) error
}

// Queue is a strict FIFO executor. The zero value is not usable, use New.
type Queue struct {
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics
	ctx     context.Context

	mu      sync.Mutex
	pending []item
	running bool
	active  int
	seq     uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithName labels the queue in logs and metrics.
func WithName(name string) Option {
	return func(q *Queue) {
		q.name = name
	}
}

// WithLogger sets the logger used for per-item debug records.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMetrics records queue depth and item outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// New creates an idle queue. A goroutine is only running while items are
// pending, so an idle queue needs no shutdown.
func New(opts ...Option) *Queue {
	q := &Queue{
		name: "default",
		ctx:  context.Background(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.Ensure(q.logger).With(logging.ComponentKey, "workqueue", "queue", q.name)
	return q
}

// Name returns the queue label.
func (q *Queue) Name() string {
	return q.name
}

// Len reports the number of items submitted and not yet settled.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.active
}

// Execute submits work and returns its future.
func (q *Queue) Execute(work Work) *Future[any] {
	return Submit[any](q, work)
}

// Submit is the typed form of Execute.
func Submit[T any](q *Queue, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	q.push(func(ctx context.Context) error {
		v, err := call(ctx, fn)
		f.resolve(v, err, q.callbackPanicked)
		return err
	})
	return f
}

func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if fn == nil {
		return v, ErrNilWork
	}
	return fn(ctx)
}

func (q *Queue) push(run func(ctx context.Context) error) {
	q.mu.Lock()
	q.seq++
	q.pending = append(q.pending, item{seq: q.seq, run: run})
	q.metrics.ItemQueued(q.name)
	start := !q.running
	q.running = true
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending[0] = item{}
		q.pending = q.pending[1:]
		q.active = 1
		q.mu.Unlock()

		started := time.Now()
		err := next.run(q.ctx)
		elapsed := time.Since(started)

		q.mu.Lock()
		q.active = 0
		q.mu.Unlock()

		// Failures belong to whoever observes the future; the queue only
		// counts them.
		q.metrics.ItemSettled(q.name, err, elapsed)
		q.logger.Debug("work item settled", "seq", next.seq, "elapsed", elapsed, "ok", err == nil)
	}
}

func (q *Queue) callbackPanicked(r any) {
	q.logger.Error("future callback panicked", "panic", r, "stack", string(debug.Stack()))
}
