// Scope provides structured concurrency for a group of tasks that share a
// context and a lifecycle. Tasks are fire-and-forget from the caller's point
// of view: nobody joins them one by one, but [Scope.Wait] does not return
// until every task has finished, so no task outlives its scope.
//
// Error handling is configurable:
//   - FailFast: the first error cancels the remaining tasks.
//   - CollectAll: all errors are collected and joined together at the end.
//
// Panics in tasks are captured and can be converted to errors (panicAsErr option) or
// re-panicked after scope finalization.
//
// Example usage:
//
//	sc := New(context.Background())
//	sc.Go("child", func(ctx context.Context) error {
//	    *task implementation is here*
//	    return nil
//	})
//	err := sc.Wait()
package conduit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// TaskFunc is the signature for a task function running within a scope.
// It receives a context that is cancelled when the scope ends.
type TaskFunc func(ctx context.Context) error

// scope internal
// it maintains the state of a structured concurrency scope.
type scope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	cfg    config

	// liveMu guards live and open; idle is signalled when live drops to 0.
	liveMu sync.Mutex
	idle   *sync.Cond
	live   int
	open   bool

	firstErr atomic.Pointer[TaskError]
	errOnce  sync.Once

	errMu         sync.Mutex
	errs          []*TaskError
	droppedErrors int // errors exceeding maxErrors cap

	panicMu sync.Mutex
	panics  []*PanicError

	sem *semaphore.Weighted

	finOnce  sync.Once
	finErr   error
	finPanic *PanicError

	// Observability counters.
	totalSpawned atomic.Int64
	activeTasks  atomic.Int64
}

// Run creates a [Scope], invokes fn with it, then waits for every spawned
// task to complete. It returns the aggregated error according to the
// configured [Policy] (default [FailFast]).
func Run(parent context.Context, fn func(s *Scope), opts ...Option) (err error) {
	sc := New(parent, opts...)

	defer func() {
		// Capture any panic from fn before cleanup.
		runPanic := recover()

		waitErr, waitPanic := sc.s.finalize()

		// User panics take priority over task panics.
		if runPanic != nil {
			panic(runPanic)
		}
		if waitPanic != nil {
			panic(waitPanic)
		}
		err = waitErr
	}()

	fn(sc)
	return nil
}

// finalize waits for all tasks to complete and returns the aggregated error.
func (s *scope) finalize() (error, *PanicError) {
	s.finOnce.Do(func() {
		s.liveMu.Lock()
		for s.live > 0 {
			s.idle.Wait()
		}
		s.open = false
		s.liveMu.Unlock()

		// Check if context was cancelled externally (before cleanup).
		ctxWasCancelled := s.ctx.Err() != nil
		s.cancel(nil)

		if !s.cfg.panicAsErr {
			s.panicMu.Lock()
			if len(s.panics) > 0 {
				s.finPanic = s.panics[0]
			}
			s.panicMu.Unlock()
		}

		switch s.cfg.policy {
		case FailFast:
			if v := s.firstErr.Load(); v != nil {
				s.finErr = v
			}
		case CollectAll:
			s.errMu.Lock()
			if len(s.errs) > 0 {
				errs := make([]error, 0, len(s.errs))
				for _, te := range s.errs {
					errs = append(errs, te)
				}
				s.finErr = errors.Join(errs...)
			}
			s.errMu.Unlock()
		}

		// No task failed but the scope was cancelled from outside: surface
		// the cause.
		if s.finErr == nil && ctxWasCancelled {
			s.finErr = context.Cause(s.ctx)
		}
	})

	return s.finErr, s.finPanic
}

// exec runs a function with panic recovery.
func (s *scope) exec(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := newPanicError(r)
			if s.cfg.panicAsErr {
				err = pe
			} else {
				s.panicMu.Lock()
				s.panics = append(s.panics, pe)
				s.panicMu.Unlock()
				s.cancel(pe)
			}
		}
	}()
	return fn(s.ctx)
}

// recordError records an error according to the configured policy.
func (s *scope) recordError(info TaskInfo, err error) {
	te := &TaskError{
		Task: info,
		Err:  err,
	}
	s.cfg.logger.Debug("conduit: task failed", "task", info.Name, "err", err)

	switch s.cfg.policy {
	case FailFast:
		s.errOnce.Do(func() {
			s.firstErr.Store(te)
			s.cancel(err)
		})
	case CollectAll:
		s.errMu.Lock()
		if s.cfg.maxErrors > 0 && len(s.errs) >= s.cfg.maxErrors {
			s.droppedErrors++
		} else {
			s.errs = append(s.errs, te)
		}
		s.errMu.Unlock()
	}
}

// launch registers and starts a task. It reports false if the scope no
// longer accepts tasks.
func (s *scope) launch(name string, fn TaskFunc) bool {
	s.liveMu.Lock()
	if !s.open {
		s.liveMu.Unlock()
		return false
	}
	s.live++
	s.liveMu.Unlock()

	s.totalSpawned.Add(1)
	info := TaskInfo{Name: name}

	go func() {
		defer s.done()

		if s.sem != nil {
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				// Cancelled while waiting for a slot; the real cause is
				// already recorded.
				return
			}
			defer s.sem.Release(1)
		}

		if s.ctx.Err() != nil {
			return
		}

		s.activeTasks.Add(1)
		start := time.Now()
		// Hooks run inside exec() so panics are caught by recovery.
		err := s.exec(func(ctx context.Context) error {
			if s.cfg.onStart != nil {
				s.cfg.onStart(info)
			}
			return fn(ctx)
		})
		elapsed := time.Since(start)
		s.activeTasks.Add(-1)

		if s.cfg.onDone != nil {
			s.cfg.onDone(info, err, elapsed)
		}

		if err != nil {
			s.recordError(info, err)
		}
	}()
	return true
}

func (s *scope) done() {
	s.liveMu.Lock()
	s.live--
	if s.live == 0 {
		s.idle.Broadcast()
	}
	s.liveMu.Unlock()
}

// Scope wraps the internal scope state and exposes lifecycle and
// observability methods. Create one via [New]; finalize with [Scope.Wait].
type Scope struct {
	s        *scope
	once     sync.Once
	result   error
	panicVal *PanicError
}

// New creates a [Scope] for manual lifecycle control. The caller must call
// [Scope.Wait] to finalize the scope and collect errors.
//
// Prefer [Run] for most use cases.
func New(parent context.Context, opts ...Option) *Scope {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancelCause(parent)
	s := &scope{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		open:   true,
	}
	s.idle = sync.NewCond(&s.liveMu)

	if cfg.limit > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.limit))
	}

	return &Scope{s: s}
}

// Go starts fn as a task of the scope. It panics if the scope has already
// been finalized: tasks may not outlive their scope.
func (sc *Scope) Go(name string, fn TaskFunc) {
	if !sc.s.launch(name, fn) {
		panic("conduit: Go called after scope shutdown")
	}
}

// GoUnlessCancelled starts fn unless the scope has been cancelled or
// finalized. It reports whether the task was started.
func (sc *Scope) GoUnlessCancelled(name string, fn TaskFunc) bool {
	if sc.s.ctx.Err() != nil {
		return false
	}
	return sc.s.launch(name, fn)
}

// Wait stops accepting tasks, waits for all of them to complete, and
// returns the aggregated error. If a task panicked and [WithPanicAsError]
// was not set, Wait re-panics with the captured [*PanicError].
//
// Wait is idempotent; subsequent calls return the same result.
func (sc *Scope) Wait() error {
	sc.once.Do(func() {
		sc.result, sc.panicVal = sc.s.finalize()
	})

	if sc.panicVal != nil {
		panic(sc.panicVal)
	}
	return sc.result
}

// CancelAll cancels the scope's context with the given cause, signaling
// all tasks to stop. Subsequent calls have no additional effect.
func (sc *Scope) CancelAll(cause error) {
	sc.s.cancel(cause)
}

// IsCancelled reports whether the scope's context has been cancelled.
func (sc *Scope) IsCancelled() bool {
	return sc.s.ctx.Err() != nil
}

// Context returns the scope's context, which is cancelled when the scope
// finalizes or is explicitly cancelled via [Scope.CancelAll].
func (sc *Scope) Context() context.Context {
	return sc.s.ctx
}

// ActiveTasks returns the number of tasks currently executing within the scope.
func (sc *Scope) ActiveTasks() int64 {
	return sc.s.activeTasks.Load()
}

// TotalSpawned returns the total number of tasks that have been spawned
// within the scope, including those that have already completed.
func (sc *Scope) TotalSpawned() int64 {
	return sc.s.totalSpawned.Load()
}

// DroppedErrors returns the number of errors that were not stored because
// the [WithMaxErrors] limit was reached. This is only meaningful in
// [CollectAll] mode.
func (sc *Scope) DroppedErrors() int {
	sc.s.errMu.Lock()
	defer sc.s.errMu.Unlock()

	return sc.s.droppedErrors
}
