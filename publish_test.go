package conduit

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishSink struct {
	mu     sync.Mutex
	sub    Subscription
	values []int
	err    error
	ended  int
	got    chan int
	done   chan struct{}
}

func newPublishSink() *publishSink {
	return &publishSink{got: make(chan int, 64), done: make(chan struct{})}
}

func (s *publishSink) OnSubscribe(sub Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

func (s *publishSink) OnNext(v int) {
	s.mu.Lock()
	s.values = append(s.values, v)
	s.mu.Unlock()
	s.got <- v
}

func (s *publishSink) OnComplete(err error) {
	s.mu.Lock()
	s.err = err
	s.ended++
	s.mu.Unlock()
	close(s.done)
}

func TestPublishRoundTrip(t *testing.T) {
	got, err := Collect(context.Background(), Publish(FromSlice([]int{4, 5, 6})))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5, 6}, got)
}

func TestPublishPullsOnlyOnDemand(t *testing.T) {
	var pulls atomic.Int32
	s := FromFunc(func(context.Context) (int, error) {
		return int(pulls.Add(1)), nil
	})

	sink := newPublishSink()
	Publish(s).Subscribe(sink)

	sink.sub.Request(Max(2))
	assert.Equal(t, 1, <-sink.got)
	assert.Equal(t, 2, <-sink.got)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), pulls.Load(), "the stream is pulled only while demand is outstanding")

	sink.sub.Request(Max(1))
	assert.Equal(t, 3, <-sink.got)

	sink.sub.Cancel()
}

func TestPublishCancelStopsStream(t *testing.T) {
	stopped := make(chan struct{})
	s := &Stream[int]{
		next: func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
		stop: func() { close(stopped) },
	}

	sink := newPublishSink()
	Publish(s).Subscribe(sink)
	sink.sub.Request(Unlimited)
	sink.sub.Cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("cancel did not stop the stream")
	}
	select {
	case <-sink.done:
		t.Fatal("no completion is delivered after cancel")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestPublishDeliversFailure(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	s := FromFunc(func(context.Context) (int, error) {
		calls++
		if calls > 1 {
			return 0, boom
		}
		return 7, nil
	})

	sink := newPublishSink()
	Publish(s).Subscribe(sink)
	sink.sub.Request(Unlimited)
	<-sink.done

	assert.Equal(t, []int{7}, sink.values)
	assert.ErrorIs(t, sink.err, boom)
	assert.Equal(t, 1, sink.ended)
}

func TestPublishSingleSubscriber(t *testing.T) {
	p := Publish(FromSlice([]int{1}))

	first := newPublishSink()
	p.Subscribe(first)
	first.sub.Request(Unlimited)
	<-first.done
	assert.NoError(t, first.err)

	second := newPublishSink()
	p.Subscribe(second)
	<-second.done
	assert.ErrorIs(t, second.err, ErrAlreadySubscribed)
}

func TestPublishEmptyStreamCompletes(t *testing.T) {
	s := NewStream(func(context.Context) (int, error) { return 0, io.EOF })
	sink := newPublishSink()
	Publish(s).Subscribe(sink)
	sink.sub.Request(Max(1))
	<-sink.done
	assert.NoError(t, sink.err)
	assert.Empty(t, sink.values)
}
