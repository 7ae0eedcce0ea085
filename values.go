package conduit

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Values adapts a push [Publisher] into a pull [Stream]. The stream
// subscribes immediately and then requests exactly one value per call to
// [Stream.Next], so the publisher is never asked for more than the consumer
// is currently waiting for.
//
// Next returns io.EOF once the publisher completes or the stream is
// stopped, and the publisher's error if it failed. The failure is reported
// once; later calls return io.EOF.
//
// If the context passed to Next is cancelled while waiting, the
// subscription is cancelled and Next returns the context's error.
func Values[T any](p Publisher[T], opts ...Option) *Stream[T] {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	a := &valuesAdapter[T]{log: cfg.logger}
	p.Subscribe(a)

	return &Stream[T]{
		next: a.next,
		stop: a.cancel,
	}
}

type valuesPhase uint8

const (
	awaitingSubscription valuesPhase = iota
	subscribed
	terminal
)

func (p valuesPhase) String() string {
	switch p {
	case awaitingSubscription:
		return "awaiting-subscription"
	case subscribed:
		return "subscribed"
	default:
		return "terminal"
	}
}

// valuesState is the subscription lifecycle of a pull adapter. Its methods
// are the transitions: they only mutate the state and describe the side
// effects to run, which the caller executes after releasing the lock.
type valuesState[T any] struct {
	phase         valuesPhase
	sub           Subscription
	pending       waiterQueue[T]
	pendingDemand int
	// failure is a completion error nobody was waiting for yet.
	failure error
}

type valuesEffect[T any] struct {
	resume  []resumption[T]
	request Subscription
	demand  Demand
	cancel  Subscription
	// misuse names a producer contract violation to report.
	misuse string
}

func (e valuesEffect[T]) run(log *slog.Logger) {
	if e.misuse != "" {
		log.Warn("conduit: publisher contract violation", "reason", e.misuse)
	}
	if e.cancel != nil {
		e.cancel.Cancel()
	}
	for _, r := range e.resume {
		r.run()
	}
	if e.request != nil && !e.demand.IsZero() {
		e.request.Request(e.demand)
	}
}

func (s *valuesState[T]) receiveSubscription(sub Subscription) valuesEffect[T] {
	switch s.phase {
	case awaitingSubscription:
		s.phase = subscribed
		s.sub = sub
		if s.pendingDemand == 0 {
			return valuesEffect[T]{}
		}
		d := Max(s.pendingDemand)
		s.pendingDemand = 0
		return valuesEffect[T]{request: sub, demand: d}
	case subscribed:
		panic("conduit: publisher delivered a second subscription")
	default:
		// Cancelled before the publisher got around to subscribing.
		return valuesEffect[T]{cancel: sub}
	}
}

func (s *valuesState[T]) receiveValue(v T) valuesEffect[T] {
	switch s.phase {
	case awaitingSubscription:
		s.phase = terminal
		s.pendingDemand = 0
		return valuesEffect[T]{
			resume: s.pending.drain(endOutcome[T](), endOutcome[T]()),
			misuse: "value delivered before subscription",
		}
	case subscribed:
		w, ok := s.pending.pop()
		if !ok {
			panic("conduit: publisher delivered a value that was not requested")
		}
		return valuesEffect[T]{resume: []resumption[T]{{w: w, o: valueOutcome(v)}}}
	default:
		return valuesEffect[T]{}
	}
}

func (s *valuesState[T]) receiveCompletion(err error) valuesEffect[T] {
	if s.phase == terminal {
		return valuesEffect[T]{}
	}
	s.phase = terminal
	s.sub = nil
	s.pendingDemand = 0
	if s.pending.len() == 0 {
		s.failure = err
		return valuesEffect[T]{}
	}
	return valuesEffect[T]{resume: s.pending.drain(errOutcome[T](err), endOutcome[T]())}
}

func (s *valuesState[T]) suspend(w *waiter[T]) valuesEffect[T] {
	switch s.phase {
	case awaitingSubscription:
		s.pending.push(w)
		s.pendingDemand++
		return valuesEffect[T]{}
	case subscribed:
		s.pending.push(w)
		return valuesEffect[T]{request: s.sub, demand: Max(1)}
	default:
		o := endOutcome[T]()
		if s.failure != nil {
			o = errOutcome[T](s.failure)
			s.failure = nil
		}
		return valuesEffect[T]{resume: []resumption[T]{{w: w, o: o}}}
	}
}

func (s *valuesState[T]) cancel() valuesEffect[T] {
	if s.phase == terminal {
		return valuesEffect[T]{}
	}
	eff := valuesEffect[T]{
		resume: s.pending.drain(endOutcome[T](), endOutcome[T]()),
		cancel: s.sub,
	}
	s.phase = terminal
	s.sub = nil
	s.pendingDemand = 0
	s.failure = nil
	return eff
}

// valuesAdapter is the subscriber side of [Values].
type valuesAdapter[T any] struct {
	mu    sync.Mutex
	state valuesState[T]
	log   *slog.Logger
}

func (a *valuesAdapter[T]) OnSubscribe(sub Subscription) {
	a.mu.Lock()
	eff := a.state.receiveSubscription(sub)
	a.mu.Unlock()
	eff.run(a.log)
}

func (a *valuesAdapter[T]) OnNext(v T) {
	a.mu.Lock()
	eff := a.state.receiveValue(v)
	a.mu.Unlock()
	eff.run(a.log)
}

func (a *valuesAdapter[T]) OnComplete(err error) {
	a.mu.Lock()
	eff := a.state.receiveCompletion(err)
	a.mu.Unlock()
	eff.run(a.log)
}

func (a *valuesAdapter[T]) cancel() {
	a.mu.Lock()
	eff := a.state.cancel()
	a.mu.Unlock()
	eff.run(a.log)
}

func (a *valuesAdapter[T]) next(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	w := newWaiter[T]()
	a.mu.Lock()
	eff := a.state.suspend(w)
	a.mu.Unlock()
	eff.run(a.log)

	select {
	case o := <-w.wait():
		return o.val, o.err
	case <-ctx.Done():
		a.cancel()
		// The waiter is resumed exactly once: by cancel, or by a value
		// that was already on its way.
		<-w.wait()
		return zero, ctx.Err()
	}
}

var _ Subscriber[int] = (*valuesAdapter[int])(nil)

// isEnd reports whether err marks the normal end of a sequence.
func isEnd(err error) bool { return err == io.EOF }
