package runloop

import (
	"context"
	"sync"
)

// registry maps loops to their schedulers. Entries are inserted when a
// scheduler is created and removed when its loop tears down.
type registry struct {
	mu     sync.Mutex
	byLoop map[uint64]*Scheduler
}

var schedulers = &registry{byLoop: make(map[uint64]*Scheduler)}

// GetOrCreate returns the scheduler bound to loop, creating and installing
// one on first use. The scheduler of the main loop submits to the loop's
// default context in FIFO order and does not use priorities.
func GetOrCreate(loop *Loop, opts ...Option) (*Scheduler, error) {
	return schedulers.getOrCreate(loop, applyOptions(opts))
}

// Lookup returns the scheduler bound to loop, if there is one.
func Lookup(loop *Loop) (*Scheduler, bool) {
	schedulers.mu.Lock()
	defer schedulers.mu.Unlock()
	s, ok := schedulers.byLoop[loop.ID()]
	return s, ok
}

func (r *registry) getOrCreate(loop *Loop, o options) (*Scheduler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byLoop[loop.ID()]; ok {
		return s, nil
	}
	if loop.Terminated() {
		return nil, ErrLoopTerminated
	}

	log := o.logger
	if log == discardLogger {
		log = loop.log
	}
	s := newScheduler(loop, log)

	if loop.IsMain() {
		s.redirect = true
	} else {
		src, err := loop.AddSource(s.drain)
		if err != nil {
			return nil, err
		}
		s.source = src
	}

	err := loop.OnTeardown(func() {
		r.remove(loop.ID(), s)
		s.teardown()
	})
	if err != nil {
		if s.source != nil {
			s.source.Invalidate()
		}
		return nil, err
	}

	r.byLoop[loop.ID()] = s
	log.Debug("runloop: scheduler installed", "scheduler", s.id, "loop", loop.Name(), "main", loop.IsMain())
	return s, nil
}

func (r *registry) remove(id uint64, s *Scheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byLoop[id] == s {
		delete(r.byLoop, id)
	}
}

// Spawn starts a dedicated loop on a new goroutine and returns its scheduler
// once installed. The loop runs until ctx is done; cancel ctx to tear it
// down.
func Spawn(ctx context.Context, opts ...Option) (*Scheduler, error) {
	loop := NewLoop(opts...)
	s, err := GetOrCreate(loop, opts...)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			loop.log.Error("runloop: spawned loop failed", "loop", loop.Name(), "err", err)
		}
	}()
	return s, nil
}

// Serve installs the scheduler for loop and drives the loop on the calling
// goroutine until ctx is done or the loop is stopped. Other goroutines
// reach the scheduler through [GetOrCreate] or [Lookup].
func Serve(ctx context.Context, loop *Loop, opts ...Option) error {
	if _, err := GetOrCreate(loop, opts...); err != nil {
		return err
	}
	return loop.Run(ctx)
}
