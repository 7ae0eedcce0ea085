package conduit

import (
	"context"
	"sync"
)

// Publisher is a push producer. Each call to Subscribe starts an
// independent subscription; the publisher must hand the subscriber its
// [Subscription] via OnSubscribe before sending values or completion.
type Publisher[T any] interface {
	Subscribe(sub Subscriber[T])
}

// Subscriber receives the signals of one subscription. Signals are never
// delivered concurrently for the same subscription.
type Subscriber[T any] interface {
	// OnSubscribe is called exactly once, before any other signal.
	OnSubscribe(s Subscription)
	// OnNext delivers a value. Publishers never send more values than
	// the subscriber requested.
	OnNext(v T)
	// OnComplete ends the subscription. A nil err means the publisher
	// finished normally.
	OnComplete(err error)
}

// Subscription is the handle a subscriber uses to regulate a publisher.
type Subscription interface {
	// Request adds d to the outstanding demand.
	Request(d Demand)
	// Cancel tells the publisher to stop. Values may still arrive while
	// the cancellation propagates.
	Cancel()
}

// Sequence returns a publisher that emits items in order, honouring demand,
// then completes.
func Sequence[T any](items ...T) Publisher[T] {
	return sequence[T](items)
}

type sequence[T any] []T

func (p sequence[T]) Subscribe(sub Subscriber[T]) {
	s := &sequenceSub[T]{items: p, sub: sub}
	sub.OnSubscribe(s)
	if len(p) == 0 {
		s.Request(None)
	}
}

type sequenceSub[T any] struct {
	mu       sync.Mutex
	items    []T
	idx      int
	demand   Demand
	emitting bool
	done     bool
	sub      Subscriber[T]
}

func (s *sequenceSub[T]) Request(d Demand) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.demand = s.demand.Add(d)
	// A Request issued from inside OnNext only adds demand; the outer
	// call keeps emitting.
	if s.emitting {
		s.mu.Unlock()
		return
	}
	s.emitting = true
	for !s.done {
		if s.idx >= len(s.items) {
			s.done = true
			s.mu.Unlock()
			s.sub.OnComplete(nil)
			return
		}
		if s.demand.IsZero() {
			break
		}
		v := s.items[s.idx]
		s.idx++
		s.demand = s.demand.Sub(Max(1))
		s.mu.Unlock()
		s.sub.OnNext(v)
		s.mu.Lock()
	}
	s.emitting = false
	s.mu.Unlock()
}

func (s *sequenceSub[T]) Cancel() {
	s.mu.Lock()
	s.done = true
	s.items = nil
	s.mu.Unlock()
}

// Fail returns a publisher that completes every subscription with err.
func Fail[T any](err error) Publisher[T] {
	return failed[T]{err: err}
}

type failed[T any] struct{ err error }

func (p failed[T]) Subscribe(sub Subscriber[T]) {
	sub.OnSubscribe(noopSubscription{})
	sub.OnComplete(p.err)
}

// Empty returns a publisher that completes immediately without values.
func Empty[T any]() Publisher[T] {
	return failed[T]{}
}

type noopSubscription struct{}

func (noopSubscription) Request(Demand) {}
func (noopSubscription) Cancel()        {}

// Collect subscribes to p and gathers every value until completion. On
// failure it returns the values received so far alongside the error.
func Collect[T any](ctx context.Context, p Publisher[T]) ([]T, error) {
	s := Values(p)
	defer s.Stop()
	return s.ToSlice(ctx)
}
