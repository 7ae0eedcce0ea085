package conduit

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrAlreadySubscribed completes a second subscription to a publisher that
// can only be consumed once, such as the one returned by [Publish].
var ErrAlreadySubscribed = errors.New("conduit: publisher already subscribed")

// Publish adapts a pull [Stream] into a push [Publisher]. The subscriber's
// demand drives the stream: a value is pulled only while demand is
// outstanding, on a goroutine owned by the subscription. Cancelling the
// subscription stops the goroutine and the stream.
//
// Streams are single-consumer, so the publisher accepts one subscriber;
// later subscribers are completed with [ErrAlreadySubscribed].
func Publish[T any](s *Stream[T], opts ...Option) Publisher[T] {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &streamPublisher[T]{s: s, cfg: cfg}
}

type streamPublisher[T any] struct {
	s    *Stream[T]
	cfg  config
	used atomic.Bool
}

func (p *streamPublisher[T]) Subscribe(sub Subscriber[T]) {
	if !p.used.CompareAndSwap(false, true) {
		sub.OnSubscribe(noopSubscription{})
		sub.OnComplete(ErrAlreadySubscribed)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps := &pullSubscription[T]{
		s:      p.s,
		sub:    sub,
		ctx:    ctx,
		cancel: cancel,
		cfg:    p.cfg,
	}
	sub.OnSubscribe(ps)
	go ps.run()
}

type pullSubscription[T any] struct {
	s      *Stream[T]
	sub    Subscriber[T]
	ctx    context.Context
	cancel context.CancelFunc
	gate   demandGate
	cfg    config
}

func (ps *pullSubscription[T]) Request(d Demand) { ps.gate.request(d) }

func (ps *pullSubscription[T]) Cancel() {
	ps.cancel()
	ps.gate.interrupt()
}

func (ps *pullSubscription[T]) run() {
	defer ps.cancel()
	defer ps.s.Stop()

	for {
		if err := ps.gate.await(ps.ctx); err != nil {
			return
		}
		v, err := ps.s.Next(ps.ctx)
		if isEnd(err) {
			ps.sub.OnComplete(nil)
			return
		}
		if err != nil {
			if ps.ctx.Err() != nil {
				return
			}
			ps.cfg.logger.Debug("conduit: published stream failed", "err", err)
			ps.sub.OnComplete(err)
			return
		}
		ps.sub.OnNext(v)
	}
}
