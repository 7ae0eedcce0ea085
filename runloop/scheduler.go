package runloop

import (
	"container/heap"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/baxromumarov/conduit/mpsc"
)

// Job is a unit of work run by a [Scheduler].
type Job func()

// Priority orders jobs within one drain of a scheduler. Higher runs first.
type Priority uint8

// Predefined priorities. Any other Priority value is valid as well.
const (
	PriorityLow     Priority = 64
	PriorityDefault Priority = 128
	PriorityHigh    Priority = 192
)

type entry struct {
	job Job
	pri Priority
	seq uint64
}

// jobHeap is a max-heap on (priority, seq). Within one priority the most
// recently submitted job comes first.
type jobHeap []entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].pri != h[j].pri {
		return h[i].pri > h[j].pri
	}
	return h[i].seq > h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// Scheduler runs jobs on a host [Loop] in priority order.
//
// Submit may be called from any goroutine. Jobs are collected in a lock-free
// queue and run on the loop goroutine when the scheduler's source fires: the
// queue is drained in one go into a priority heap and the heap is emptied
// before control returns to the loop. Jobs submitted while a drain runs are
// picked up by a later drain.
//
// Schedulers are obtained with [GetOrCreate] or [Spawn]; there is at most
// one per loop. Once the loop tears down the scheduler is dead and drops
// whatever is submitted to it.
type Scheduler struct {
	id     uuid.UUID
	loop   *Loop
	log    *slog.Logger
	queue  *mpsc.Queue[entry]
	source *Source

	// redirect is set for the main loop: jobs go to Loop.Post in FIFO order.
	redirect bool

	seq  atomic.Uint64
	dead atomic.Bool
	// late serialises the queue's consumer side once the loop is gone and
	// submitters drain what they raced into the queue.
	late sync.Mutex

	executed atomic.Int64
	dropped  atomic.Int64
}

func newScheduler(loop *Loop, log *slog.Logger) *Scheduler {
	return &Scheduler{
		id:    uuid.New(),
		loop:  loop,
		log:   log,
		queue: mpsc.New[entry](),
	}
}

// ID returns the scheduler's instance id.
func (s *Scheduler) ID() uuid.UUID { return s.id }

// Loop returns the loop the scheduler runs on.
func (s *Scheduler) Loop() *Loop { return s.loop }

// IsCurrent reports whether the caller is running on the scheduler's loop.
func (s *Scheduler) IsCurrent() bool { return s.loop.IsCurrent() }

// Pending returns an estimate of the number of jobs waiting to run.
func (s *Scheduler) Pending() int { return s.queue.EstimatedLen() }

// Executed returns the number of jobs run so far.
func (s *Scheduler) Executed() int64 { return s.executed.Load() }

// Dropped returns the number of jobs discarded because the loop was gone.
// Every submitted job is eventually counted by either Executed or Dropped.
func (s *Scheduler) Dropped() int64 { return s.dropped.Load() }

// Submit queues job to run on the loop with the given priority. It never
// blocks. Jobs submitted after the loop has torn down are dropped.
func (s *Scheduler) Submit(job Job, pri Priority) {
	if job == nil {
		panic("runloop: Submit requires a non-nil job")
	}
	if s.redirect {
		if err := s.loop.Post(job); err != nil {
			s.drop(1)
		}
		return
	}
	if s.dead.Load() {
		s.drop(1)
		return
	}

	s.queue.Enqueue(entry{job: job, pri: pri, seq: s.seq.Add(1)})
	if s.dead.Load() {
		// Teardown may have drained the queue before this job was linked.
		s.late.Lock()
		n := s.queue.Drain(func(entry) {})
		s.late.Unlock()
		if n > 0 {
			s.drop(n)
		}
		return
	}
	s.source.Signal()
	if !s.loop.IsCurrent() {
		s.loop.Wake()
	}
}

// Execute submits fn with [PriorityDefault].
func (s *Scheduler) Execute(fn func()) {
	s.Submit(fn, PriorityDefault)
}

func (s *Scheduler) drop(n int) {
	s.dropped.Add(int64(n))
	s.log.Debug("runloop: job dropped by dead scheduler", "scheduler", s.id, "loop", s.loop.Name(), "count", n)
}

// drain runs on the loop goroutine when the source fires.
func (s *Scheduler) drain() {
	h := make(jobHeap, 0, s.queue.EstimatedLen())
	s.queue.Drain(func(e entry) {
		h = append(h, e)
	})
	if len(h) == 0 {
		return
	}
	heap.Init(&h)
	for h.Len() > 0 {
		s.run(heap.Pop(&h).(entry))
	}
}

func (s *Scheduler) run(e entry) {
	var pc panics.Catcher
	pc.Try(e.job)
	s.executed.Add(1)
	if r := pc.Recovered(); r != nil {
		s.log.Error("runloop: job panicked",
			"scheduler", s.id,
			"priority", e.pri,
			"panic", r.Value,
			"stack", string(r.Stack),
		)
	}
}

// teardown runs on the loop goroutine when the loop is torn down.
func (s *Scheduler) teardown() {
	s.dead.Store(true)
	if s.source != nil {
		s.source.Invalidate()
	}
	s.late.Lock()
	n := s.queue.Drain(func(entry) {})
	s.late.Unlock()
	if n > 0 {
		s.dropped.Add(int64(n))
	}
	s.log.Debug("runloop: scheduler torn down",
		"scheduler", s.id,
		"loop", s.loop.Name(),
		"executed", s.executed.Load(),
		"undelivered", n,
	)
}
