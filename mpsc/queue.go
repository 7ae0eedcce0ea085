// Package mpsc provides an unbounded lock-free queue for many producers and
// one consumer.
//
// The queue is a Michael-Scott linked queue. Producers link new nodes with
// CAS and never block; the consumer advances the head with CAS. A removed
// node has its successor replaced by a per-queue marker node, so a producer
// holding a stale tail sees the marker and reloads instead of following a
// chain of nodes that are no longer in the queue.
//
//	q := mpsc.New[Job]()
//
//	// any goroutine
//	q.Enqueue(job)
//
//	// consumer goroutine
//	for {
//	    job, ok := q.Dequeue()
//	    if !ok {
//	        break
//	    }
//	    job.Run()
//	}
package mpsc

import "sync/atomic"

type node[T any] struct {
	next atomic.Pointer[node[T]]
	val  T
}

// Queue is an unbounded multi-producer single-consumer FIFO queue.
// The zero value is not usable; create queues with [New].
type Queue[T any] struct {
	_    noCopy
	head atomic.Pointer[node[T]]
	_    [56]byte
	tail atomic.Pointer[node[T]]
	_    [56]byte

	// marker is written into the next field of removed nodes.
	marker *node[T]
	length atomic.Int64
}

// noCopy makes go vet's copylocks check report copies of a Queue.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{marker: new(node[T])}
	sentinel := new(node[T])
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Enqueue appends v. It is safe to call from any goroutine and never blocks.
func (q *Queue[T]) Enqueue(v T) {
	n := &node[T]{val: v}
	for {
		tail := q.tail.Load()
		if tail == q.marker {
			continue
		}
		next := tail.next.Load()
		if next == q.marker {
			// tail was unlinked after we loaded it; reload.
			continue
		}
		if next != nil {
			// Another producer linked a node but has not advanced tail yet.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			// Best effort; a competing goroutine may advance it for us.
			q.tail.CompareAndSwap(tail, n)
			break
		}
	}
	q.length.Add(1)
}

// Dequeue removes and returns the oldest value. ok is false when the queue
// is empty.
//
// Dequeue is meant for a single consumer goroutine. Concurrent consumers do
// not corrupt the queue and never receive the same value twice.
func (q *Queue[T]) Dequeue() (v T, ok bool) {
	for {
		head := q.head.Load()
		next := head.next.Load()
		if next == q.marker {
			// head is being unlinked by someone else.
			continue
		}
		if next == nil {
			return v, false
		}
		if tail := q.tail.Load(); head == tail {
			q.tail.CompareAndSwap(tail, next)
		}
		if q.head.CompareAndSwap(head, next) {
			v = next.val
			var zero T
			// next is the new sentinel; drop its payload reference.
			next.val = zero
			head.next.Store(q.marker)
			q.length.Add(-1)
			return v, true
		}
	}
}

// Drain dequeues every value currently available and passes it to fn. It
// returns the number of values drained. Values enqueued while Drain runs may
// or may not be included.
func (q *Queue[T]) Drain(fn func(T)) int {
	var n int
	for {
		v, ok := q.Dequeue()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

// EstimatedLen returns an approximation of the number of queued values. It
// is not linearizable with Enqueue and Dequeue and may briefly be off while
// operations are in flight; it is exact once all goroutines are quiescent.
func (q *Queue[T]) EstimatedLen() int {
	n := q.length.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Empty reports whether the queue had no values at the time of the call.
func (q *Queue[T]) Empty() bool {
	return q.head.Load().next.Load() == nil
}
