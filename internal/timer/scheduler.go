// Package timer provides the engine's time-ordered event queue and the typed
// protocol timer facility built on it.
package timer

import (
	"container/heap"
	"strconv"
	"sync"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/timectrl"
)

// EventScheduler runs callbacks at engine times taken from a SimClock. The
// frame loop advances the clock and calls RunDue after every step.
type EventScheduler interface {
	// Schedule registers f to run at at and returns an id for Cancel.
	Schedule(at time.Time, f func()) (id string)

	// Cancel drops a scheduled event. Unknown or already-run ids are ignored.
	Cancel(id string)

	// Now returns the clock's current time.
	Now() time.Time

	// RunDue runs every event due at or before Now in time order. Events
	// due at the same instant run in the order they were scheduled.
	RunDue()
}

// compactAt is the number of cancelled heap entries that triggers a
// rebuild. Every retransmission and measurement re-arm cancels a timer, so
// without it a busy cell accumulates dead entries far faster than they
// reach the top.
const compactAt = 256

type event struct {
	seq  uint64
	when time.Time
	f    func() // nil once cancelled
}

// eventHeap orders by time, then by scheduling order.
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() any {
	old := *h
	ev := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return ev
}

type eventScheduler struct {
	now func() time.Time

	mu        sync.Mutex
	seq       uint64
	queue     eventHeap
	live      map[uint64]*event
	cancelled int
}

// NewEventScheduler returns a scheduler reading time from clock. It is safe
// for concurrent Schedule and Cancel calls; RunDue runs callbacks without
// holding its lock so they may schedule further events.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return newEventScheduler(clock.Now)
}

func newEventScheduler(now func() time.Time) *eventScheduler {
	return &eventScheduler{now: now, live: make(map[uint64]*event)}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f == nil {
		f = func() {}
	}
	s.seq++
	ev := &event{seq: s.seq, when: at, f: f}
	heap.Push(&s.queue, ev)
	s.live[ev.seq] = ev
	return strconv.FormatUint(ev.seq, 10)
}

func (s *eventScheduler) Cancel(id string) {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.live[seq]
	if !ok {
		return
	}
	delete(s.live, seq)
	ev.f = nil
	s.cancelled++
	if s.cancelled >= compactAt && s.cancelled*2 > len(s.queue) {
		s.compactLocked()
	}
}

// compactLocked drops cancelled entries and restores the heap.
func (s *eventScheduler) compactLocked() {
	kept := s.queue[:0]
	for _, ev := range s.queue {
		if ev.f != nil {
			kept = append(kept, ev)
		}
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	heap.Init(&s.queue)
	s.cancelled = 0
}

func (s *eventScheduler) Now() time.Time {
	return s.now()
}

// pending counts live events.
func (s *eventScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// nextAt reports when the earliest live event is due.
func (s *eventScheduler) nextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 && s.queue[0].f == nil {
		heap.Pop(&s.queue)
		s.cancelled--
	}
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].when, true
}

// nextLocked pops the earliest live event due by now, or returns nil.
func (s *eventScheduler) nextLocked(now time.Time) *event {
	for len(s.queue) > 0 {
		top := s.queue[0]
		if top.f == nil {
			heap.Pop(&s.queue)
			s.cancelled--
			continue
		}
		if top.when.After(now) {
			return nil
		}
		heap.Pop(&s.queue)
		delete(s.live, top.seq)
		return top
	}
	return nil
}

func (s *eventScheduler) RunDue() {
	now := s.now()
	for {
		s.mu.Lock()
		ev := s.nextLocked(now)
		s.mu.Unlock()
		if ev == nil {
			return
		}
		ev.f()
	}
}
