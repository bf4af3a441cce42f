package timer

import (
	"sync"
	"time"
)

// FakeEventScheduler is an EventScheduler with its own notion of time, for
// tests that drive protocol timers deterministically with AdvanceTo.
type FakeEventScheduler struct {
	*eventScheduler

	mu  sync.Mutex
	now time.Time
}

// NewFakeEventScheduler creates a fake event scheduler starting at start.
func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	s := &FakeEventScheduler{now: start}
	s.eventScheduler = newEventScheduler(s.Now)
	return s
}

// Now returns the current fake time.
func (s *FakeEventScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Pending returns the number of scheduled, uncancelled events.
func (s *FakeEventScheduler) Pending() int { return s.pending() }

// AdvanceTo moves the fake time to t, running due events on the way. Each
// event runs with the clock at its own due time, so timers it starts are
// measured from the moment it fired. Time never goes backwards.
func (s *FakeEventScheduler) AdvanceTo(t time.Time) {
	for {
		at, ok := s.nextAt()
		s.mu.Lock()
		if t.Before(s.now) {
			s.mu.Unlock()
			return
		}
		if !ok || at.After(t) {
			s.now = t
			s.mu.Unlock()
			return
		}
		if at.After(s.now) {
			s.now = at
		}
		s.mu.Unlock()
		s.RunDue()
	}
}

// Advance moves the fake time forward by d.
func (s *FakeEventScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}
