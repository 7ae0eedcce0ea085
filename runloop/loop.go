package runloop

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/baxromumarov/conduit/mpsc"
)

var (
	// ErrLoopRunning is returned when Run is called on a loop that already
	// has a driver.
	ErrLoopRunning = errors.New("runloop: loop is already running")

	// ErrLoopTerminated is returned by operations on a loop that has torn
	// down.
	ErrLoopTerminated = errors.New("runloop: loop has been terminated")

	// ErrReentrantRun is returned when Run is called from the loop's own
	// goroutine.
	ErrReentrantRun = errors.New("runloop: cannot call Run from within the loop")
)

type loopState int32

const (
	stateIdle loopState = iota
	stateRunning
	stateTerminated
)

var loopIDs atomic.Uint64

// Loop is a host event loop: a goroutine, locked to its OS thread while it
// runs, that sleeps until woken and then performs the work signalled to it.
//
// Work reaches a loop in two ways. Sources registered with [Loop.AddSource]
// are performed on the loop goroutine after [Source.Signal]; the loop also
// has a default FIFO context fed by [Loop.Post]. Both are processed in every
// cycle. [Loop.Wake] interrupts the sleep; wake-ups coalesce.
type Loop struct {
	id   uint64
	name string
	main bool
	log  *slog.Logger

	state     atomic.Int32
	driver    atomic.Uint64 // goroutine id of the driver, 0 when not running
	wake      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	posted    *mpsc.Queue[func()]
	mu        sync.Mutex // guards sources, teardown and the transition to terminated
	sources   []*Source
	teardown  []func()
	signalled atomic.Bool
}

// NewLoop returns a loop that is not running yet. Call [Loop.Run] from the
// goroutine that should drive it.
func NewLoop(opts ...Option) *Loop {
	o := applyOptions(opts)
	l := &Loop{
		id:     loopIDs.Add(1),
		name:   o.name,
		log:    o.logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		posted: mpsc.New[func()](),
	}
	if l.name == "" {
		l.name = "loop"
	}
	return l
}

var mainLoop = sync.OnceValue(func() *Loop {
	l := NewLoop(WithName("main"))
	l.main = true
	return l
})

// Main returns the process's primary loop. The program's main goroutine is
// expected to drive it with Run. Schedulers obtained for the main loop
// submit to its default context instead of installing a wake source.
func Main() *Loop {
	return mainLoop()
}

// ID returns the loop's process-unique identity.
func (l *Loop) ID() uint64 { return l.id }

// Name returns the loop's name, used in logs.
func (l *Loop) Name() string { return l.name }

// IsMain reports whether l is the process's primary loop.
func (l *Loop) IsMain() bool { return l.main }

// Done is closed once the loop has torn down.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Terminated reports whether the loop has torn down.
func (l *Loop) Terminated() bool {
	return loopState(l.state.Load()) == stateTerminated
}

// IsCurrent reports whether the caller is the loop's driver goroutine.
func (l *Loop) IsCurrent() bool {
	id := l.driver.Load()
	return id != 0 && id == goroutineID()
}

// Wake interrupts the loop's sleep. Calls made while a wake-up is already
// pending are coalesced.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Post runs fn on the loop goroutine, in FIFO order with other posted
// functions. It returns [ErrLoopTerminated] once the loop has torn down.
func (l *Loop) Post(fn func()) error {
	if l.Terminated() {
		return ErrLoopTerminated
	}
	l.posted.Enqueue(fn)
	l.signalled.Store(true)
	if !l.IsCurrent() {
		l.Wake()
	}
	return nil
}

// OnTeardown registers fn to run on the loop goroutine when the loop tears
// down. Hooks run in registration order.
func (l *Loop) OnTeardown(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Terminated() {
		return ErrLoopTerminated
	}
	l.teardown = append(l.teardown, fn)
	return nil
}

// Stop asks the loop to tear down. Run returns nil once it has.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Run drives the loop on the calling goroutine until ctx is done or Stop is
// called. The goroutine is locked to its OS thread for the duration.
//
// A loop runs at most once; after Run returns the loop is terminated.
func (l *Loop) Run(ctx context.Context) error {
	if l.IsCurrent() {
		return ErrReentrantRun
	}
	if !l.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		if l.Terminated() {
			return ErrLoopTerminated
		}
		return ErrLoopRunning
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.driver.Store(goroutineID())
	defer l.driver.Store(0)
	defer l.shutdown()

	l.log.Debug("runloop: loop started", "loop", l.name, "id", l.id)

	for {
		l.cycle()
		if l.pending() {
			continue
		}
		select {
		case <-l.wake:
		case <-l.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cycle performs signalled sources, then the posted functions that were
// queued when it started.
func (l *Loop) cycle() {
	l.mu.Lock()
	sources := append([]*Source(nil), l.sources...)
	l.mu.Unlock()

	for _, src := range sources {
		src.fire()
	}

	if !l.signalled.Swap(false) {
		return
	}
	n := l.posted.EstimatedLen()
	for i := 0; i < n; i++ {
		fn, ok := l.posted.Dequeue()
		if !ok {
			break
		}
		l.runPosted(fn)
	}
	if !l.posted.Empty() {
		l.signalled.Store(true)
	}
}

func (l *Loop) runPosted(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("runloop: posted function panicked", "loop", l.name, "panic", r)
		}
	}()
	fn()
}

// pending reports whether work was signalled while the last cycle ran.
func (l *Loop) pending() bool {
	if l.signalled.Load() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, src := range l.sources {
		if src.signalled.Load() {
			return true
		}
	}
	return false
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.state.Store(int32(stateTerminated))
	sources := l.sources
	hooks := l.teardown
	l.sources = nil
	l.teardown = nil
	l.mu.Unlock()

	for _, src := range sources {
		src.Invalidate()
	}
	for _, fn := range hooks {
		fn()
	}
	dropped := l.posted.Drain(func(func()) {})

	l.log.Debug("runloop: loop terminated", "loop", l.name, "id", l.id, "dropped", dropped)
	close(l.done)
}

// goroutineID returns the current goroutine's id, parsed from the header
// of its stack trace ("goroutine 17 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
