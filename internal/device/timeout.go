package device

import (
	"sync"
	"time"
)

// Handle cancels a scheduled action.
type Handle interface {
	// Cancel stops the action. Calling Cancel after the action ran, or more
	// than once, is a no-op.
	Cancel()
}

// Scheduler runs fn once after d elapses.
//
// The production scheduler wraps time.AfterFunc; tests substitute a fake
// that fires on demand.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Handle
}

// SystemScheduler schedules actions on the runtime timer.
type SystemScheduler struct{}

// AfterFunc implements Scheduler.
func (SystemScheduler) AfterFunc(d time.Duration, fn func()) Handle {
	return &Timer{t: time.AfterFunc(d, fn)}
}

// Timer is the Handle returned by SystemScheduler.
type Timer struct {
	t *time.Timer
}

// Cancel implements Handle.
func (t *Timer) Cancel() {
	if t != nil && t.t != nil {
		t.t.Stop()
	}
}

// timeoutSlot holds at most one pending response timeout for a device.
//
// Every Set, Clear and Start bumps gen. A firing action compares the
// generation it was scheduled under with the current one and does nothing
// on mismatch, so a cancelled or replaced timer never acts even when the
// runtime already dispatched it.
type timeoutSlot struct {
	mu      sync.Mutex
	handle  Handle
	gen     uint64
	pending bool
}

// hasPending reports whether a timeout is armed.
func (s *timeoutSlot) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// set stores h as the pending timeout, cancelling any previous one first.
// h's own action is outside the generation check; only h.Cancel stops it.
func (s *timeoutSlot) set(h Handle) {
	s.mu.Lock()
	old := s.handle
	s.gen++
	s.handle = h
	s.pending = h != nil
	s.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
}

// clear cancels and forgets the pending timeout. No-op when empty.
func (s *timeoutSlot) clear() {
	s.mu.Lock()
	if !s.pending && s.handle == nil {
		s.mu.Unlock()
		return
	}
	old := s.handle
	s.gen++
	s.handle = nil
	s.pending = false
	s.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
}

// start arms a timeout that runs onTimeout after d unless cleared or
// replaced first.
func (s *timeoutSlot) start(sched Scheduler, d time.Duration, onTimeout func()) {
	s.mu.Lock()
	old := s.handle
	s.gen++
	gen := s.gen
	s.handle = nil
	s.pending = true
	s.mu.Unlock()

	if old != nil {
		old.Cancel()
	}

	h := sched.AfterFunc(d, func() {
		s.mu.Lock()
		if s.gen != gen || !s.pending {
			s.mu.Unlock()
			return
		}
		s.gen++
		s.handle = nil
		s.pending = false
		s.mu.Unlock()

		if onTimeout != nil {
			onTimeout()
		}
	})

	s.mu.Lock()
	if s.gen == gen {
		s.handle = h
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Superseded (or already fired) before the handle was stored.
	h.Cancel()
}
