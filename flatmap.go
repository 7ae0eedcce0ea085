package conduit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// FlatMap returns a publisher that transforms every upstream value into a
// sub-stream and merges the sub-streams' values into one output.
//
// At most maxConcurrent transforms run at the same time: the operator asks
// upstream for maxConcurrent values up front and for one more each time a
// sub-stream is exhausted. With [Unlimited] every upstream value is
// dispatched as soon as it arrives.
//
// Values of one sub-stream are emitted in that sub-stream's order; values of
// different sub-streams interleave in arrival order. Emitters never exceed
// the demand requested downstream.
//
// The output completes after upstream has completed and every sub-stream has
// been drained. The first failure (upstream, transform or sub-stream) cancels
// everything else and is delivered as the only completion. Cancelling the
// downstream subscription cancels upstream and every running transform; no
// completion is delivered after that.
//
// The subscription handed to the downstream subscriber is a
// [*FlatMapSubscription].
//
// FlatMap panics if maxConcurrent is zero.
func FlatMap[T, U any](
	upstream Publisher[T],
	maxConcurrent Demand,
	transform func(ctx context.Context, v T) (*Stream[U], error),
	opts ...Option,
) Publisher[U] {
	if maxConcurrent.IsZero() {
		panic("conduit: FlatMap requires maxConcurrent > 0")
	}
	if transform == nil {
		panic("conduit: FlatMap requires non-nil transform")
	}
	return &flatMap[T, U]{
		upstream:  upstream,
		max:       maxConcurrent,
		transform: transform,
		opts:      opts,
	}
}

type flatMap[T, U any] struct {
	upstream  Publisher[T]
	max       Demand
	transform func(ctx context.Context, v T) (*Stream[U], error)
	opts      []Option
}

// FlatMapSubscription is the downstream handle of a [FlatMap] publisher.
type FlatMapSubscription struct {
	gate   *demandGate
	cancel func()
	done   <-chan struct{}
}

// Request adds downstream demand and wakes emitters waiting for it.
func (s *FlatMapSubscription) Request(d Demand) { s.gate.request(d) }

// Cancel stops the operator: upstream is cancelled and every running
// transform observes a cancelled context.
func (s *FlatMapSubscription) Cancel() { s.cancel() }

// Done is closed once the operator has shut down: upstream is finished or
// cancelled and every transform has returned.
func (s *FlatMapSubscription) Done() <-chan struct{} { return s.done }

func (f *flatMap[T, U]) Subscribe(sub Subscriber[U]) {
	cfg := defaultConfig()
	for _, opt := range f.opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	r := &flatMapRun[T, U]{
		f:            f,
		down:         sub,
		ctx:          ctx,
		cancel:       cancel,
		log:          cfg.logger,
		upstreamDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	r.scope = New(ctx, WithPanicAsError(), WithLogger(cfg.logger))

	sub.OnSubscribe(&FlatMapSubscription{
		gate:   &r.gate,
		cancel: r.cancelDownstream,
		done:   r.done,
	})
	go r.run()
}

// flatMapRun is one subscription of a flatMap.
type flatMapRun[T, U any] struct {
	f    *flatMap[T, U]
	down Subscriber[U]
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	scope  *Scope
	gate   demandGate

	upMu        sync.Mutex
	upSub       Subscription
	upCancelled bool

	upstreamOnce sync.Once
	upstreamDone chan struct{}

	errMu    sync.Mutex
	firstErr error

	// emitMu serialises signals to the downstream subscriber.
	emitMu   sync.Mutex
	finished bool

	downCancelled atomic.Bool
	workers       atomic.Int64
	done          chan struct{}
}

// run is the root task. It owns the scope and is the only goroutine that
// completes the downstream subscriber.
func (r *flatMapRun[T, U]) run() {
	defer close(r.done)
	defer r.cancel(nil)

	r.f.upstream.Subscribe(&flatMapUpstream[T, U]{r: r})

	select {
	case <-r.upstreamDone:
	case <-r.ctx.Done():
	}
	if r.ctx.Err() != nil {
		r.cancelUpstream()
		r.gate.interrupt()
	}

	// Workers report their own failures through fail; the scope only
	// guarantees none of them outlives this function.
	_ = r.scope.Wait()
	r.gate.interrupt()

	if r.downCancelled.Load() {
		r.log.Debug("conduit: flatmap cancelled downstream")
		return
	}

	r.emitMu.Lock()
	r.finished = true
	r.emitMu.Unlock()

	r.errMu.Lock()
	err := r.firstErr
	r.errMu.Unlock()

	r.log.Debug("conduit: flatmap completed", "workers", r.workers.Load(), "err", err)
	r.down.OnComplete(err)
}

func (r *flatMapRun[T, U]) fail(err error) {
	r.errMu.Lock()
	if r.firstErr == nil {
		r.firstErr = err
		r.log.Debug("conduit: flatmap failed", "err", err)
	}
	r.errMu.Unlock()
	r.cancel(err)
	r.gate.interrupt()
}

func (r *flatMapRun[T, U]) cancelDownstream() {
	if !r.downCancelled.CompareAndSwap(false, true) {
		return
	}
	r.cancel(ErrCancelled)
	r.gate.interrupt()
}

func (r *flatMapRun[T, U]) cancelUpstream() {
	r.upMu.Lock()
	sub := r.upSub
	r.upCancelled = true
	r.upSub = nil
	r.upMu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (r *flatMapRun[T, U]) requestUpstream(d Demand) {
	r.upMu.Lock()
	sub := r.upSub
	r.upMu.Unlock()
	if sub != nil {
		sub.Request(d)
	}
}

func (r *flatMapRun[T, U]) dispatch(v T) {
	n := r.workers.Add(1)
	r.scope.GoUnlessCancelled(fmt.Sprintf("flatmap[%d]", n), func(ctx context.Context) (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = newPanicError(p)
			}
			if err != nil {
				r.fail(err)
			}
		}()
		return r.work(ctx, v)
	})
}

// work runs one transform and emits its sub-stream.
func (r *flatMapRun[T, U]) work(ctx context.Context, v T) error {
	s, err := r.f.transform(ctx, v)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if s == nil {
		return fmt.Errorf("conduit: flatmap transform returned a nil stream")
	}
	defer s.Stop()

	for {
		val, err := s.Next(ctx)
		if isEnd(err) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := r.gate.await(ctx); err != nil {
			// Interrupted or cancelled: the root task decides what the
			// subscriber sees.
			return nil
		}
		if !r.emit(val) {
			return nil
		}
	}

	if !r.f.max.IsUnlimited() && ctx.Err() == nil {
		r.requestUpstream(Max(1))
	}
	return nil
}

func (r *flatMapRun[T, U]) emit(v U) bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.finished || r.downCancelled.Load() {
		return false
	}
	r.down.OnNext(v)
	return true
}

// flatMapUpstream is the operator's subscriber on the upstream publisher.
type flatMapUpstream[T, U any] struct {
	r *flatMapRun[T, U]
}

func (u *flatMapUpstream[T, U]) OnSubscribe(s Subscription) {
	r := u.r
	r.upMu.Lock()
	if r.upSub != nil {
		r.upMu.Unlock()
		panic("conduit: upstream delivered a second subscription")
	}
	if r.upCancelled {
		r.upMu.Unlock()
		s.Cancel()
		return
	}
	r.upSub = s
	r.upMu.Unlock()

	s.Request(r.f.max)
}

func (u *flatMapUpstream[T, U]) OnNext(v T) {
	u.r.dispatch(v)
}

func (u *flatMapUpstream[T, U]) OnComplete(err error) {
	r := u.r
	if err != nil {
		r.fail(err)
	}
	r.upMu.Lock()
	r.upSub = nil
	r.upMu.Unlock()
	r.upstreamOnce.Do(func() { close(r.upstreamDone) })
}
