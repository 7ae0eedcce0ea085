package conduit

import "context"

// Pair holds one value from each of two streams. It is produced by [Zip].
type Pair[A, B any] struct {
	First  A
	Second B
}

// Scan returns a stream of running accumulations: each value is
// fn(previous, item), starting from initial.
//
// Panics if s or fn is nil.
func Scan[T, R any](s *Stream[T], initial R, fn func(R, T) R) *Stream[R] {
	if s == nil || fn == nil {
		panic("conduit: Scan requires a stream and an accumulator")
	}
	acc := initial
	return &Stream[R]{
		next: func(ctx context.Context) (R, error) {
			val, err := s.Next(ctx)
			if err != nil {
				var zero R
				return zero, err
			}
			acc = fn(acc, val)
			return acc, nil
		},
		stop: s.Stop,
	}
}

// Zip pairs the values of a and b in order. It ends as soon as either
// input ends, stopping the other one.
//
// Panics if a or b is nil.
func Zip[A, B any](a *Stream[A], b *Stream[B]) *Stream[Pair[A, B]] {
	if a == nil || b == nil {
		panic("conduit: Zip requires two streams")
	}
	return &Stream[Pair[A, B]]{
		next: func(ctx context.Context) (Pair[A, B], error) {
			var zero Pair[A, B]
			va, err := a.Next(ctx)
			if err != nil {
				b.Stop()
				return zero, err
			}
			vb, err := b.Next(ctx)
			if err != nil {
				a.Stop()
				return zero, err
			}
			return Pair[A, B]{First: va, Second: vb}, nil
		},
		stop: func() {
			a.Stop()
			b.Stop()
		},
	}
}
