package conduit

import (
	"context"
	"sync"
)

// demandGate tracks downstream demand for producers that emit from several
// goroutines. Each emitter takes one unit before sending; when none is
// left it suspends until Request adds more. Suspended emitters are released
// oldest first.
type demandGate struct {
	mu          sync.Mutex
	pending     Demand
	waiters     waiterQueue[struct{}]
	interrupted bool
}

// request adds d and releases as many suspended emitters as it covers.
func (g *demandGate) request(d Demand) {
	g.mu.Lock()
	if g.interrupted {
		g.mu.Unlock()
		return
	}
	g.pending = g.pending.Add(d)
	var release []resumption[struct{}]
	for !g.pending.IsZero() {
		w, ok := g.waiters.pop()
		if !ok {
			break
		}
		g.pending = g.pending.Sub(Max(1))
		release = append(release, resumption[struct{}]{w: w, o: outcome[struct{}]{}})
	}
	g.mu.Unlock()

	for _, r := range release {
		r.run()
	}
}

// await takes one unit of demand, suspending until one is available. It
// returns ErrCancelled once the gate is interrupted, or ctx's error.
func (g *demandGate) await(ctx context.Context) error {
	g.mu.Lock()
	if g.interrupted {
		g.mu.Unlock()
		return ErrCancelled
	}
	if !g.pending.IsZero() {
		g.pending = g.pending.Sub(Max(1))
		g.mu.Unlock()
		return nil
	}
	w := newWaiter[struct{}]()
	g.waiters.push(w)
	g.mu.Unlock()

	select {
	case o := <-w.wait():
		return o.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	if g.waiters.remove(w) {
		g.mu.Unlock()
		return ctx.Err()
	}
	g.mu.Unlock()

	// Already released; hand an unused unit back to the next emitter.
	if o := <-w.wait(); o.err == nil {
		g.request(Max(1))
	}
	return ctx.Err()
}

// interrupt releases every suspended emitter with ErrCancelled and makes
// later awaits fail immediately.
func (g *demandGate) interrupt() {
	g.mu.Lock()
	if g.interrupted {
		g.mu.Unlock()
		return
	}
	g.interrupted = true
	g.pending = None
	cancelled := errOutcome[struct{}](ErrCancelled)
	release := g.waiters.drain(cancelled, cancelled)
	g.mu.Unlock()

	for _, r := range release {
		r.run()
	}
}

// available returns the demand not yet taken by an emitter.
func (g *demandGate) available() Demand {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}
