package conduit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemandGateTakesAvailableDemand(t *testing.T) {
	var g demandGate
	g.request(Max(2))

	require.NoError(t, g.await(context.Background()))
	require.NoError(t, g.await(context.Background()))
	assert.Equal(t, None, g.available())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.await(ctx), context.DeadlineExceeded)
	assert.Zero(t, g.waiters.len(), "a timed-out emitter leaves the queue")
}

func TestDemandGateReleasesOldestFirst(t *testing.T) {
	var g demandGate

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		go func() {
			if g.await(context.Background()) == nil {
				order <- i
			}
		}()
		require.Eventually(t, func() bool {
			g.mu.Lock()
			defer g.mu.Unlock()
			return g.waiters.len() == i+1
		}, time.Second, time.Millisecond)
	}

	g.request(Max(2))
	released := []int{<-order, <-order}
	assert.ElementsMatch(t, []int{0, 1}, released, "the two oldest emitters are released")
	select {
	case i := <-order:
		t.Fatalf("emitter %d released without demand", i)
	case <-time.After(10 * time.Millisecond):
	}

	g.request(Max(1))
	assert.Equal(t, 2, <-order)
}

func TestDemandGateUnlimited(t *testing.T) {
	var g demandGate
	g.request(Unlimited)
	for i := 0; i < 1000; i++ {
		require.NoError(t, g.await(context.Background()))
	}
	assert.True(t, g.available().IsUnlimited())
}

func TestDemandGateInterrupt(t *testing.T) {
	var g demandGate

	errc := make(chan error, 1)
	go func() { errc <- g.await(context.Background()) }()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.waiters.len() == 1
	}, time.Second, time.Millisecond)

	g.interrupt()
	assert.ErrorIs(t, <-errc, ErrCancelled)
	assert.True(t, IsCancelled(g.await(context.Background())), "later awaits fail immediately")

	g.request(Max(5))
	assert.Equal(t, None, g.available(), "requests after interrupt are ignored")
	g.interrupt()
}
