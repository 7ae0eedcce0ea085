package runloop

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/panics"
)

// Executor runs functions, possibly on another goroutine.
type Executor interface {
	Execute(fn func())
}

// SerialExecutor runs one function at a time, in a single goroutine.
type SerialExecutor interface {
	Executor
	IsCurrent() bool
}

// LoopExecutor is a SerialExecutor backed by a host loop.
type LoopExecutor interface {
	SerialExecutor
	Loop() *Loop
}

var _ LoopExecutor = (*Scheduler)(nil)

// Await runs fn on ex and waits for its result. When ex is a
// [SerialExecutor] and the caller is already on it, fn runs inline.
//
// If ctx is done first Await returns ctx.Err(); fn may still run later. A
// panic in fn is returned as an error.
func Await[T any](ctx context.Context, ex Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	if se, ok := ex.(SerialExecutor); ok && se.IsCurrent() {
		return call(ctx, fn)
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	ex.Execute(func() {
		v, err := call(ctx, fn)
		ch <- result{v, err}
	})

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func call[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (v T, err error) {
	var pc panics.Catcher
	pc.Try(func() {
		v, err = fn(ctx)
	})
	if r := pc.Recovered(); r != nil {
		return v, fmt.Errorf("runloop: awaited function panicked: %v", r.Value)
	}
	return v, err
}
