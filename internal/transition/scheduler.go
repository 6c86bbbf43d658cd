package transition

import (
	"context"
	"fmt"
	"sync"
)

// InlineScheduler runs work immediately on the caller's goroutine and
// settles before returning. Panics in work are reported as errors.
type InlineScheduler struct{}

// Schedule implements Scheduler.
func (InlineScheduler) Schedule(_ Dimension, work func(context.Context) error, settle func(error)) {
	settle(RunGuarded(context.Background(), work))
}

// RunGuarded calls work and turns a panic into an error so that a broken
// handler cannot take down the coordinator.
func RunGuarded(ctx context.Context, work func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return work(ctx)
}

// PendingWork is work held by a ManualScheduler.
type PendingWork struct {
	Dim    Dimension
	work   func(context.Context) error
	settle func(error)
}

// ManualScheduler holds work until the caller releases it, so tests and
// scenarios decide when and in which order handlers settle.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []*PendingWork
	ran     map[Dimension]int
}

// NewManualScheduler creates an empty scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{ran: make(map[Dimension]int)}
}

// Schedule implements Scheduler.
func (s *ManualScheduler) Schedule(dim Dimension, work func(context.Context) error, settle func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, &PendingWork{Dim: dim, work: work, settle: settle})
}

// Pending returns how many units of work for dim are waiting.
func (s *ManualScheduler) Pending(dim Dimension) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		if p.Dim == dim {
			n++
		}
	}
	return n
}

// Ran returns how many units of work for dim have been released.
func (s *ManualScheduler) Ran(dim Dimension) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ran[dim]
}

// Run releases the oldest pending work for dim: it runs the work and settles
// with its result. Returns false when nothing is pending for dim.
func (s *ManualScheduler) Run(dim Dimension) bool {
	p := s.take(dim)
	if p == nil {
		return false
	}
	p.settle(RunGuarded(context.Background(), p.work))
	return true
}

// Fail releases the oldest pending work for dim without running it and
// settles it with err.
func (s *ManualScheduler) Fail(dim Dimension, err error) bool {
	p := s.take(dim)
	if p == nil {
		return false
	}
	p.settle(err)
	return true
}

// RunAll releases pending work in scheduling order until none is left,
// including work scheduled while releasing.
func (s *ManualScheduler) RunAll() int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return n
		}
		dim := s.pending[0].Dim
		s.mu.Unlock()
		s.Run(dim)
		n++
	}
}

func (s *ManualScheduler) take(dim Dimension) *PendingWork {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p.Dim == dim {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.ran[dim]++
			return p
		}
	}
	return nil
}
