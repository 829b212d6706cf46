package dqp

import (
	"context"
	"errors"
	"time"

	"github.com/jizhuozhi/go-future"
)

// ErrFutureTimeout is returned by GetTimeout if the result is not available in time.
var ErrFutureTimeout = errors.New("dqp: future timeout")

/*
ResultsFuture is the asynchronous result of a DQP call.

A future is completed exactly once, later completions are ignored. Completion listeners are
called on the completing goroutine (or inline, if the future is already done), in no particular
order, and must not block. The Done channel is closed after the listeners registered before the
completion have run.
*/
type ResultsFuture[T any] struct {
	promise *future.Promise[T]
	fut     *future.Future[T]
	done    chan struct{}
}

// NewResultsFuture returns an incomplete future.
func NewResultsFuture[T any]() *ResultsFuture[T] {
	p := future.NewPromise[T]()
	f := &ResultsFuture[T]{promise: p, fut: p.Future(), done: make(chan struct{})}
	// callbacks run last in first out: the first subscription closes done after all others
	f.fut.Subscribe(func(T, error) { close(f.done) })
	return f
}

// Completed returns a future completed with v and err.
func Completed[T any](v T, err error) *ResultsFuture[T] {
	f := NewResultsFuture[T]()
	f.Complete(v, err)
	return f
}

// Failed returns a future completed with err.
func Failed[T any](err error) *ResultsFuture[T] {
	var zero T
	return Completed(zero, err)
}

// Complete completes the future. It returns false if the future was completed before.
func (f *ResultsFuture[T]) Complete(v T, err error) bool { return f.promise.SetSafety(v, err) }

// Done returns a channel which is closed when the future is completed.
func (f *ResultsFuture[T]) Done() <-chan struct{} { return f.done }

// IsDone returns true if the future is completed.
func (f *ResultsFuture[T]) IsDone() bool { return f.fut.Done() }

// AddCompletionListener registers fn to be called on completion.
func (f *ResultsFuture[T]) AddCompletionListener(fn func(*ResultsFuture[T])) {
	f.fut.Subscribe(func(T, error) { fn(f) })
}

// Result returns the result of a completed future and blocks otherwise.
func (f *ResultsFuture[T]) Result() (T, error) { return f.fut.Get() }

// Get waits for the result until ctx is done.
func (f *ResultsFuture[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetTimeout waits at most d for the result. A duration <= 0 waits without limit.
func (f *ResultsFuture[T]) GetTimeout(d time.Duration) (T, error) {
	if d <= 0 {
		<-f.done
		return f.Result()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.Result()
	case <-timer.C:
		var zero T
		return zero, ErrFutureTimeout
	}
}

// Then returns a future completed with the result of fn applied to the result of f.
func Then[T, U any](f *ResultsFuture[T], fn func(T) (U, error)) *ResultsFuture[U] {
	g := NewResultsFuture[U]()
	f.AddCompletionListener(func(f *ResultsFuture[T]) {
		v, err := f.Result()
		if err != nil {
			var zero U
			g.Complete(zero, err)
			return
		}
		g.Complete(fn(v))
	})
	return g
}
