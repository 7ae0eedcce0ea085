package conduit

import (
	"errors"
	"io"
	"sync/atomic"
)

// ErrCancelled is delivered to suspended callers when the producer they were
// waiting on was cancelled. It is never used for domain failures, so callers
// can always tell a cancellation apart from a failed upstream or transform.
var ErrCancelled = errors.New("conduit: cancelled")

// IsCancelled reports whether err signals cancellation rather than failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// outcome is the result slot of a waiter.
type outcome[T any] struct {
	val T
	err error
}

func valueOutcome[T any](v T) outcome[T] { return outcome[T]{val: v} }

func endOutcome[T any]() outcome[T] { return outcome[T]{err: io.EOF} }

func errOutcome[T any](err error) outcome[T] {
	if err == nil {
		err = io.EOF
	}
	return outcome[T]{err: err}
}

// waiter is a one-shot resumable handle. A goroutine suspends on it by
// receiving from wait(); whoever resumes it writes exactly one outcome.
type waiter[T any] struct {
	ch      chan outcome[T]
	resumed atomic.Bool
}

func newWaiter[T any]() *waiter[T] {
	return &waiter[T]{ch: make(chan outcome[T], 1)}
}

// resume hands o to the suspended goroutine. Resuming twice panics.
func (w *waiter[T]) resume(o outcome[T]) {
	if !w.resumed.CompareAndSwap(false, true) {
		panic("conduit: waiter resumed twice")
	}
	w.ch <- o
}

func (w *waiter[T]) wait() <-chan outcome[T] {
	return w.ch
}

// resumption pairs a waiter with the outcome it is going to receive. State
// machines return resumptions as effects; they are executed after the lock
// guarding the state has been released.
type resumption[T any] struct {
	w *waiter[T]
	o outcome[T]
}

func (r resumption[T]) run() { r.w.resume(r.o) }

// waiterQueue is a FIFO registry of suspended waiters.
type waiterQueue[T any] struct {
	items []*waiter[T]
}

func (q *waiterQueue[T]) push(w *waiter[T]) {
	q.items = append(q.items, w)
}

func (q *waiterQueue[T]) pop() (*waiter[T], bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	w := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return w, true
}

func (q *waiterQueue[T]) len() int { return len(q.items) }

// drain empties the queue. The first waiter receives first, all others
// receive rest.
func (q *waiterQueue[T]) drain(first, rest outcome[T]) []resumption[T] {
	if len(q.items) == 0 {
		return nil
	}
	out := make([]resumption[T], 0, len(q.items))
	for i, w := range q.items {
		o := rest
		if i == 0 {
			o = first
		}
		out = append(out, resumption[T]{w: w, o: o})
	}
	q.items = nil
	return out
}

// remove deletes w from the queue and reports whether it was still queued.
func (q *waiterQueue[T]) remove(w *waiter[T]) bool {
	for i, item := range q.items {
		if item == w {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}
