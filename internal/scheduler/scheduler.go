// Package scheduler provides fire-once timers addressed by key, on top of an
// injectable clock so tests can advance time by hand.
package scheduler

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

type entry struct {
	timer Timer
	gen   uint64
}

// Scheduler holds at most one pending timer per key.
type Scheduler struct {
	mu      sync.Mutex
	clock   Clock
	pending map[string]entry
	gen     uint64
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{clock: clock, pending: make(map[string]entry)}
}

// ScheduleOnce runs fn after delay unless a timer for key is already pending,
// in which case it does nothing and returns false.
func (s *Scheduler) ScheduleOnce(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[key]; exists {
		return false
	}
	s.gen++
	gen := s.gen
	timer := s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.pending[key]
		if !ok || current.gen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()
		fn()
	})
	s.pending[key] = entry{timer: timer, gen: gen}
	return true
}

func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.pending[key]
	if !ok {
		return false
	}
	delete(s.pending, key)
	current.timer.Stop()
	return true
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Stop cancels every pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, current := range s.pending {
		current.timer.Stop()
		delete(s.pending, key)
	}
}
