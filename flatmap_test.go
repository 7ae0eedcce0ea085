package conduit_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/conduit"
)

// recorder is a downstream subscriber that requests initial demand on
// subscription and records everything it receives.
type recorder[T any] struct {
	initial conduit.Demand

	mu          sync.Mutex
	sub         conduit.Subscription
	values      []T
	err         error
	completions int

	seen     chan T
	done     chan struct{}
	doneOnce sync.Once
}

func newRecorder[T any](initial conduit.Demand) *recorder[T] {
	return &recorder[T]{
		initial: initial,
		seen:    make(chan T, 1024),
		done:    make(chan struct{}),
	}
}

func (r *recorder[T]) OnSubscribe(s conduit.Subscription) {
	r.mu.Lock()
	r.sub = s
	r.mu.Unlock()
	if !r.initial.IsZero() {
		s.Request(r.initial)
	}
}

func (r *recorder[T]) OnNext(v T) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
	r.seen <- v
}

func (r *recorder[T]) OnComplete(err error) {
	r.mu.Lock()
	r.completions++
	r.err = err
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *recorder[T]) subscription() *conduit.FlatMapSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub.(*conduit.FlatMapSubscription)
}

func (r *recorder[T]) snapshot() ([]T, error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...), r.err, r.completions
}

func (r *recorder[T]) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("flatmap did not complete")
	}
}

func (r *recorder[T]) next(t *testing.T) T {
	t.Helper()
	select {
	case v := <-r.seen:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("no value emitted")
		var zero T
		return zero
	}
}

// endless emits 0, 1, 2, ... for as long as it is asked and records
// cancellation.
type endless struct {
	cancelled atomic.Bool
	requested atomic.Int64
}

func (e *endless) Subscribe(sub conduit.Subscriber[int]) {
	es := &endlessSub{e: e, sub: sub}
	sub.OnSubscribe(es)
}

type endlessSub struct {
	e   *endless
	sub conduit.Subscriber[int]

	mu   sync.Mutex
	next int
}

func (s *endlessSub) Request(d conduit.Demand) {
	n, ok := d.Count()
	if !ok {
		panic("endless cannot serve unlimited demand")
	}
	s.e.requested.Add(int64(n))

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n && !s.e.cancelled.Load(); i++ {
		s.sub.OnNext(s.next)
		s.next++
	}
}

func (s *endlessSub) Cancel() { s.e.cancelled.Store(true) }

func rangeStream(n int) *conduit.Stream[int] {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return conduit.FromSlice(items)
}

func TestFlatMapSequentialConcatenation(t *testing.T) {
	pub := conduit.FlatMap(conduit.Sequence(0, 1), conduit.Max(1),
		func(context.Context, int) (*conduit.Stream[int], error) {
			return rangeStream(5), nil
		})

	got, err := conduit.Collect(context.Background(), pub)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 0, 1, 2, 3, 4}, got)
}

func TestFlatMapMaxOneKeepsSubStreamsInOrder(t *testing.T) {
	pub := conduit.FlatMap(conduit.Sequence(1, 2, 3), conduit.Max(1),
		func(_ context.Context, v int) (*conduit.Stream[string], error) {
			return conduit.FromSlice([]string{
				fmt.Sprintf("%d.a", v),
				fmt.Sprintf("%d.b", v),
			}), nil
		})

	got, err := conduit.Collect(context.Background(), pub)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.a", "1.b", "2.a", "2.b", "3.a", "3.b"}, got)
}

func TestFlatMapConcurrencyBound(t *testing.T) {
	const limit = 2
	var active, maxActive atomic.Int32

	upstream := make([]int, 10)
	for i := range upstream {
		upstream[i] = i
	}

	pub := conduit.FlatMap(conduit.Sequence(upstream...), conduit.Max(limit),
		func(ctx context.Context, v int) (*conduit.Stream[int], error) {
			cur := active.Add(1)
			for {
				old := maxActive.Load()
				if cur <= old || maxActive.CompareAndSwap(old, cur) {
					break
				}
			}
			left := 3
			return conduit.FromFunc(func(ctx context.Context) (int, error) {
				if left == 0 {
					active.Add(-1)
					return 0, io.EOF
				}
				left--
				time.Sleep(time.Millisecond)
				return v, nil
			}), nil
		})

	got, err := conduit.Collect(context.Background(), pub)
	require.NoError(t, err)
	assert.Len(t, got, 30)
	assert.LessOrEqual(t, maxActive.Load(), int32(limit))
	assert.GreaterOrEqual(t, maxActive.Load(), int32(1))
}

func TestFlatMapUnlimitedRunsAllTransformsAtOnce(t *testing.T) {
	const n = 5
	var arrived atomic.Int32
	all := make(chan struct{})

	upstream := make([]int, n)
	for i := range upstream {
		upstream[i] = i
	}

	pub := conduit.FlatMap(conduit.Sequence(upstream...), conduit.Unlimited,
		func(ctx context.Context, v int) (*conduit.Stream[int], error) {
			if arrived.Add(1) == n {
				close(all)
			}
			select {
			case <-all:
			case <-time.After(2 * time.Second):
				return nil, errors.New("transforms did not run concurrently")
			}
			return conduit.FromSlice([]int{v}), nil
		})

	got, err := conduit.Collect(context.Background(), pub)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, got)
}

func TestFlatMapInterleavesSubStreams(t *testing.T) {
	chans := []chan string{make(chan string), make(chan string)}

	pub := conduit.FlatMap(conduit.Sequence(0, 1), conduit.Max(2),
		func(_ context.Context, v int) (*conduit.Stream[string], error) {
			return conduit.FromChan(chans[v]), nil
		})

	rec := newRecorder[string](conduit.Unlimited)
	pub.Subscribe(rec)

	chans[0] <- "a0"
	assert.Equal(t, "a0", rec.next(t))
	chans[1] <- "b0"
	assert.Equal(t, "b0", rec.next(t))
	chans[0] <- "a1"
	assert.Equal(t, "a1", rec.next(t))
	chans[1] <- "b1"
	assert.Equal(t, "b1", rec.next(t))
	close(chans[0])
	close(chans[1])

	rec.wait(t)
	values, err, completions := rec.snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"a0", "b0", "a1", "b1"}, values)
	assert.Equal(t, 1, completions)
}

func TestFlatMapHonoursDownstreamDemand(t *testing.T) {
	pub := conduit.FlatMap(conduit.Sequence(1, 2, 3, 4, 5), conduit.Max(2),
		func(_ context.Context, v int) (*conduit.Stream[int], error) {
			return conduit.FromSlice([]int{v, v * 10}), nil
		})

	rec := newRecorder[int](conduit.Max(3))
	pub.Subscribe(rec)

	for i := 0; i < 3; i++ {
		rec.next(t)
	}
	time.Sleep(20 * time.Millisecond)
	values, _, completions := rec.snapshot()
	assert.Len(t, values, 3, "no value is emitted beyond the requested demand")
	assert.Zero(t, completions)

	rec.subscription().Request(conduit.Max(100))
	rec.wait(t)

	values, err, _ := rec.snapshot()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 10, 2, 20, 3, 30, 4, 40, 5, 50}, values)
}

func TestFlatMapErrors(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		upstream  conduit.Publisher[int]
		transform func(context.Context, int) (*conduit.Stream[int], error)
		check     func(t *testing.T, err error)
	}{
		{
			name:     "transform fails",
			upstream: conduit.Sequence(1, 2, 3),
			transform: func(_ context.Context, v int) (*conduit.Stream[int], error) {
				if v == 2 {
					return nil, boom
				}
				return conduit.FromSlice([]int{v}), nil
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, boom) },
		},
		{
			name:     "sub-stream fails",
			upstream: conduit.Sequence(1),
			transform: func(context.Context, int) (*conduit.Stream[int], error) {
				return conduit.FromFunc(func(context.Context) (int, error) { return 0, boom }), nil
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, boom) },
		},
		{
			name:     "upstream fails",
			upstream: conduit.Fail[int](boom),
			transform: func(context.Context, int) (*conduit.Stream[int], error) {
				return rangeStream(1), nil
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, boom) },
		},
		{
			name:     "transform panics",
			upstream: conduit.Sequence(1),
			transform: func(context.Context, int) (*conduit.Stream[int], error) {
				panic("transform exploded")
			},
			check: func(t *testing.T, err error) {
				pe, ok := conduit.AsPanic(err)
				require.True(t, ok, "got %v", err)
				assert.Equal(t, "transform exploded", pe.Value)
			},
		},
		{
			name:     "nil stream",
			upstream: conduit.Sequence(1),
			transform: func(context.Context, int) (*conduit.Stream[int], error) {
				return nil, nil
			},
			check: func(t *testing.T, err error) { assert.ErrorContains(t, err, "nil stream") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder[int](conduit.Unlimited)
			conduit.FlatMap(tt.upstream, conduit.Max(2), tt.transform).Subscribe(rec)
			rec.wait(t)

			<-rec.subscription().Done()
			_, err, completions := rec.snapshot()
			assert.Equal(t, 1, completions)
			tt.check(t, err)
		})
	}
}

func TestFlatMapEmptyUpstreamCompletes(t *testing.T) {
	got, err := conduit.Collect(context.Background(),
		conduit.FlatMap(conduit.Empty[int](), conduit.Max(1),
			func(context.Context, int) (*conduit.Stream[int], error) {
				t.Error("transform must not run")
				return nil, nil
			}))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFlatMapFailureCancelsSiblings(t *testing.T) {
	boom := errors.New("boom")
	up := &endless{}

	ready := make(chan struct{}, 2)
	var cancelledWorkers atomic.Int32

	pub := conduit.FlatMap[int, int](up, conduit.Max(3),
		func(ctx context.Context, v int) (*conduit.Stream[int], error) {
			if v == 2 {
				<-ready
				<-ready
				return nil, boom
			}
			ready <- struct{}{}
			<-ctx.Done()
			cancelledWorkers.Add(1)
			return nil, ctx.Err()
		})

	rec := newRecorder[int](conduit.Unlimited)
	pub.Subscribe(rec)
	rec.wait(t)
	<-rec.subscription().Done()

	_, err, completions := rec.snapshot()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, completions, "the failure is delivered once")
	assert.Equal(t, int32(2), cancelledWorkers.Load())
	assert.True(t, up.cancelled.Load(), "upstream is cancelled on failure")
}

func TestFlatMapCancellationCascade(t *testing.T) {
	up := &endless{}

	started := make(chan struct{}, 3)
	var observed atomic.Int32

	pub := conduit.FlatMap[int, int](up, conduit.Max(3),
		func(ctx context.Context, v int) (*conduit.Stream[int], error) {
			return conduit.FromFunc(func(ctx context.Context) (int, error) {
				started <- struct{}{}
				<-ctx.Done()
				observed.Add(1)
				return 0, ctx.Err()
			}), nil
		})

	rec := newRecorder[int](conduit.Unlimited)
	pub.Subscribe(rec)

	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d workers started", i)
		}
	}
	assert.Equal(t, int64(3), up.requested.Load(), "upstream is asked for exactly the concurrency bound")

	sub := rec.subscription()
	sub.Cancel()
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("flatmap did not shut down after cancel")
	}

	assert.True(t, up.cancelled.Load(), "upstream subscription is cancelled")
	assert.Equal(t, int32(3), observed.Load(), "every worker observes cancellation")
	_, _, completions := rec.snapshot()
	assert.Zero(t, completions, "no completion after downstream cancel")
}

func TestFlatMapArgumentChecks(t *testing.T) {
	transform := func(context.Context, int) (*conduit.Stream[int], error) { return nil, nil }
	assert.Panics(t, func() { conduit.FlatMap(conduit.Sequence(1), conduit.None, transform) })
	assert.Panics(t, func() {
		conduit.FlatMap[int, int](conduit.Sequence(1), conduit.Max(1), nil)
	})
}
