package runloop

import "sync/atomic"

// Source is a unit of work registered with a [Loop]. Signalling a source
// marks it ready; the loop performs it on its goroutine in its next cycle.
// Signals coalesce: a source signalled several times before the loop gets to
// it is performed once.
type Source struct {
	perform   func()
	signalled atomic.Bool
	valid     atomic.Bool
}

// AddSource registers perform as a source of l. The returned source does
// nothing until it is signalled.
func (l *Loop) AddSource(perform func()) (*Source, error) {
	if perform == nil {
		panic("runloop: AddSource requires a non-nil function")
	}
	src := &Source{perform: perform}
	src.valid.Store(true)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Terminated() {
		return nil, ErrLoopTerminated
	}
	l.sources = append(l.sources, src)
	return src, nil
}

// Signal marks the source ready. It does not wake the loop; callers that are
// not on the loop goroutine follow it with [Loop.Wake].
func (s *Source) Signal() {
	if s.valid.Load() {
		s.signalled.Store(true)
	}
}

// Invalidate detaches the source. An invalid source is never performed
// again and ignores further signals.
func (s *Source) Invalidate() {
	s.valid.Store(false)
	s.signalled.Store(false)
}

// IsValid reports whether the source is still attached to its loop.
func (s *Source) IsValid() bool { return s.valid.Load() }

func (s *Source) fire() {
	if !s.signalled.Swap(false) {
		return
	}
	if !s.valid.Load() {
		return
	}
	s.perform()
}
