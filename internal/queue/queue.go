// Package queue is the in-memory outbound queueing subsystem. Every
// connection owns one FIFO addressed by an integer priority; suspended
// queues keep accepting PDUs but are never drained.
package queue

import (
	"sort"
	"sync"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ports"
)

// DefaultCapacity bounds the bytes held by one queue.
const DefaultCapacity = 256 * 1024

type fifo struct {
	pdus      [][]byte
	bytes     int
	suspended bool
}

// Set is a collection of FIFOs keyed by priority.
type Set struct {
	mu       sync.Mutex
	capacity int
	queues   map[int]*fifo
	dropped  int
}

var _ ports.Queue = (*Set)(nil)

// New returns an empty set. A capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Set{capacity: capacity, queues: make(map[int]*fifo)}
}

func (s *Set) queueLocked(priority int) *fifo {
	q, ok := s.queues[priority]
	if !ok {
		q = &fifo{}
		s.queues[priority] = q
	}
	return q
}

// Insert appends pdu. It reports false and drops the PDU when the queue is
// full.
func (s *Set) Insert(pdu []byte, priority int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queueLocked(priority)
	if q.bytes+len(pdu) > s.capacity {
		s.dropped++
		return false
	}
	q.pdus = append(q.pdus, pdu)
	q.bytes += len(pdu)
	return true
}

// RemoveQueue discards the queue and everything in it.
func (s *Set) RemoveQueue(priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, priority)
}

// NumberInQueue returns the queued PDU count.
func (s *Set) NumberInQueue(priority int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[priority]; ok {
		return len(q.pdus)
	}
	return 0
}

// BytesInQueue returns the queued byte count.
func (s *Set) BytesInQueue(priority int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[priority]; ok {
		return q.bytes
	}
	return 0
}

// SetQueueBehavior suspends or resumes draining.
func (s *Set) SetQueueBehavior(priority int, b ports.Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueLocked(priority).suspended = b == ports.Suspend
}

// Dequeue pops the head PDU when it fits in maxBytes.
func (s *Set) Dequeue(priority, maxBytes int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[priority]
	if !ok || q.suspended || len(q.pdus) == 0 {
		return nil, false
	}
	head := q.pdus[0]
	if len(head) > maxBytes {
		return nil, false
	}
	q.pdus[0] = nil
	q.pdus = q.pdus[1:]
	q.bytes -= len(head)
	return head, true
}

// Peek returns the size of the head PDU.
func (s *Set) Peek(priority int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[priority]
	if !ok || len(q.pdus) == 0 {
		return 0, false
	}
	return len(q.pdus[0]), true
}

// Suspended reports whether the queue is suspended.
func (s *Set) Suspended(priority int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[priority]
	return ok && q.suspended
}

// Priorities lists the existing queues in ascending order.
func (s *Set) Priorities() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.queues))
	for p := range s.queues {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Dropped returns how many PDUs were refused because a queue was full.
func (s *Set) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
