package conduit

import (
	"io"
	"log/slog"
	"time"
)

// Policy determines how a [Scope] handles errors from child tasks.
type Policy int

const (
	// FailFast cancels all sibling tasks when the first error occurs.
	// [Scope.Wait] returns the first error encountered.
	FailFast Policy = iota

	// CollectAll gathers all errors without cancelling siblings.
	// [Scope.Wait] returns all errors joined via [errors.Join].
	CollectAll
)

// TaskInfo provides metadata about a running task.
// It is passed to observability hooks registered via [WithOnStart] and [WithOnDone].
type TaskInfo struct {
	Name string
}

type config struct {
	policy     Policy
	limit      int
	maxErrors  int
	panicAsErr bool
	onStart    func(TaskInfo)
	onDone     func(TaskInfo, error, time.Duration)
	logger     *slog.Logger
}

// Option configures a [Scope], a [Values] stream or a [FlatMap] operator.
// Options that do not apply to a component are ignored by it.
type Option func(*config)

func defaultConfig() config {
	return config{
		policy: FailFast,
		logger: discardLogger,
	}
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// WithPolicy sets the error handling policy for the scope.
// It panics if p is not a known Policy value.
func WithPolicy(p Policy) Option {
	return func(c *config) {
		switch p {
		case FailFast, CollectAll:
			c.policy = p
		default:
			panic("conduit: invalid policy")
		}
	}
}

// WithLimit sets the maximum number of tasks that can execute
// concurrently within the scope. Tasks beyond the limit wait for a slot
// or until the scope is cancelled.
//
// A limit of zero (the default) means unlimited concurrency.
// WithLimit panics if n is negative.
func WithLimit(n int) Option {
	return func(c *config) {
		if n < 0 {
			panic("conduit: limit must be non-negative")
		}
		c.limit = n
	}
}

// WithMaxErrors caps the number of errors stored in [CollectAll] mode. Errors
// beyond the cap are counted by [Scope.DroppedErrors] but not kept.
func WithMaxErrors(n int) Option {
	return func(c *config) {
		if n < 0 {
			panic("conduit: max errors must be non-negative")
		}
		c.maxErrors = n
	}
}

// WithPanicAsError converts panics in child tasks to [*PanicError]
// values returned as regular errors, instead of re-raising them
// in [Scope.Wait].
func WithPanicAsError() Option {
	return func(c *config) {
		c.panicAsErr = true
	}
}

// WithOnStart registers a hook invoked when each task begins executing.
// The hook runs inside the task's goroutine before the task function.
func WithOnStart(fn func(TaskInfo)) Option {
	return func(c *config) {
		c.onStart = fn
	}
}

// WithOnDone registers a hook invoked when each task finishes.
// The hook receives the task's error (nil on success) and wall-clock duration.
// The hook runs inside the task's goroutine after the task function returns.
func WithOnDone(fn func(TaskInfo, error, time.Duration)) Option {
	return func(c *config) {
		c.onDone = fn
	}
}

// WithLogger sets the structured logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l == nil {
			l = discardLogger
		}
		c.logger = l
	}
}
