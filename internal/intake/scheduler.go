package intake

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d. Callbacks may run on any goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemScheduler schedules on the runtime timer wheel.
var SystemScheduler Scheduler = systemScheduler{}

// ManualScheduler fires callbacks only when the clock is advanced. Used by
// tests and by tooling that replays conversations without waiting.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Duration
	seq     int
	pending []*manualTimer
}

type manualTimer struct {
	s       *ManualScheduler
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{s: s, at: s.now + d, seq: s.seq, fn: fn}
	s.pending = append(s.pending, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i, p := range t.s.pending {
		if p == t {
			t.s.pending = append(t.s.pending[:i], t.s.pending[i+1:]...)
			t.stopped = true
			return true
		}
	}
	return false
}

// Pending returns the number of timers that have not fired or been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Advance moves the clock forward by d, firing due timers in order. Timers
// scheduled by callbacks fire too if they fall inside the window. It returns
// the number of callbacks run.
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	fired := 0
	for {
		s.mu.Lock()
		next := s.popDueLocked(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return fired
		}
		s.now = next.at
		s.mu.Unlock()

		next.fn()
		fired++
	}
}

// RunAll fires timers until none remain, however far in the future.
func (s *ManualScheduler) RunAll() int {
	fired := 0
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return fired
		}
		s.sortLocked()
		next := s.pending[0]
		s.pending = s.pending[1:]
		if next.at > s.now {
			s.now = next.at
		}
		s.mu.Unlock()

		next.fn()
		fired++
	}
}

func (s *ManualScheduler) popDueLocked(target time.Duration) *manualTimer {
	if len(s.pending) == 0 {
		return nil
	}
	s.sortLocked()
	if s.pending[0].at > target {
		return nil
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next
}

func (s *ManualScheduler) sortLocked() {
	sort.SliceStable(s.pending, func(i, j int) bool {
		if s.pending[i].at == s.pending[j].at {
			return s.pending[i].seq < s.pending[j].seq
		}
		return s.pending[i].at < s.pending[j].at
	})
}
