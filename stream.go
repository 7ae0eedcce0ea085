package conduit

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// Stream is a pull sequence: the consumer asks for each value with
// [Stream.Next] and suspends until it is available.
//
// Streams are single-consumer. Next and the terminal methods must not be
// called concurrently; overlapping calls panic.
type Stream[T any] struct {
	next func(ctx context.Context) (T, error)
	stop func()

	busy     atomic.Bool
	stopOnce sync.Once

	err error
	mu  sync.Mutex
}

// Next returns the next item in the stream.
// Returns io.EOF when the stream is exhausted.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	if !s.busy.CompareAndSwap(false, true) {
		panic("conduit: concurrent Stream.Next calls")
	}
	defer s.busy.Store(false)

	val, err := s.next(ctx)
	if err != nil && err != io.EOF {
		s.setError(err)
	}
	return val, err
}

// Err returns the first error the stream produced, if any.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream[T]) setError(err error) {
	if err == nil || err == io.EOF {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Stop releases whatever produces the stream's values. For a stream made by
// [Values] this cancels the upstream subscription. Later calls to Next
// return io.EOF or whatever the source reports once stopped.
// Stop is idempotent and safe to call concurrently with Next.
func (s *Stream[T]) Stop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// NewStream creates a new stream from an iterator function. The function
// returns io.EOF once exhausted.
func NewStream[T any](next func(context.Context) (T, error)) *Stream[T] {
	return &Stream[T]{next: next}
}

// FromSlice creates a stream from a slice.
func FromSlice[T any](items []T) *Stream[T] {
	var idx int
	return NewStream(func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if idx >= len(items) {
			return zero, io.EOF
		}
		val := items[idx]
		idx++
		return val, nil
	})
}

// FromChan creates a stream from a channel. The stream ends when ch is
// closed.
func FromChan[T any](ch <-chan T) *Stream[T] {
	return NewStream(func(ctx context.Context) (T, error) {
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case v, ok := <-ch:
			if !ok {
				var zero T
				return zero, io.EOF
			}
			return v, nil
		}
	})
}

// FromFunc creates a stream from a function.
func FromFunc[T any](fn func(context.Context) (T, error)) *Stream[T] {
	return NewStream(fn)
}

// Filter passes through the items for which fn returns true.
func (s *Stream[T]) Filter(fn func(T) bool) *Stream[T] {
	return &Stream[T]{
		next: func(ctx context.Context) (T, error) {
			for {
				val, err := s.Next(ctx)
				if err != nil {
					return val, err
				}
				if fn(val) {
					return val, nil
				}
			}
		},
		stop: s.Stop,
	}
}

// Take limits the stream to n items. The source is stopped once the limit
// is reached.
func (s *Stream[T]) Take(n int) *Stream[T] {
	var idx int
	return &Stream[T]{
		next: func(ctx context.Context) (T, error) {
			if idx >= n {
				s.Stop()
				var zero T
				return zero, io.EOF
			}
			val, err := s.Next(ctx)
			if err != nil {
				return val, err
			}
			idx++
			return val, nil
		},
		stop: s.Stop,
	}
}

// Map transforms a stream using a function.
// Note: This is a function and not a method because Go does not support
// generic methods on generic types.
func Map[A, B any](s *Stream[A], fn func(context.Context, A) (B, error)) *Stream[B] {
	return &Stream[B]{
		next: func(ctx context.Context) (B, error) {
			val, err := s.Next(ctx)
			if err != nil {
				var zero B
				return zero, err
			}
			return fn(ctx, val)
		},
		stop: s.Stop,
	}
}

// ToSlice collects all items in the stream into a slice. On failure the
// items read so far are returned together with the error.
func (s *Stream[T]) ToSlice(ctx context.Context) ([]T, error) {
	var items []T
	for {
		val, err := s.Next(ctx)
		if err == io.EOF {
			return items, s.Err()
		}
		if err != nil {
			return items, err
		}
		items = append(items, val)
	}
}

// ForEach applies a function to each item in the stream. If fn fails the
// stream is stopped and the error returned.
func (s *Stream[T]) ForEach(ctx context.Context, fn func(T) error) error {
	for {
		val, err := s.Next(ctx)
		if err == io.EOF {
			return s.Err()
		}
		if err != nil {
			return err
		}
		if err := fn(val); err != nil {
			s.Stop()
			return err
		}
	}
}

// Count counts the number of items in the stream.
func (s *Stream[T]) Count(ctx context.Context) (int, error) {
	var count int
	for {
		_, err := s.Next(ctx)
		if err == io.EOF {
			return count, s.Err()
		}
		if err != nil {
			return count, err
		}
		count++
	}
}
