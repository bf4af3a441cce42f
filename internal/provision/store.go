// Package provision holds the table of subscriber stations the operator
// allows onto the network, and the loader that refreshes it from Redis.
package provision

import (
	"go.uber.org/atomic"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
)

// Entry is the provisioning record of one station.
type Entry struct {
	Allowed bool
	// MaxRate caps the maximum sustained rate of every flow the station
	// requests, in bits per second. Zero means no cap.
	MaxRate uint32
}

// Table maps station addresses to their records.
type Table map[mac.MACAddress]Entry

// Store publishes a Table to the engine. Lookups never block a reload; a
// reload replaces the whole table at once.
type Store struct {
	table atomic.Pointer[Table]
}

// NewStore returns a store holding t, which may be nil.
func NewStore(t Table) *Store {
	s := &Store{}
	s.Swap(t)
	return s
}

// Lookup returns the record of addr.
func (s *Store) Lookup(addr mac.MACAddress) (Entry, bool) {
	t := s.table.Load()
	if t == nil {
		return Entry{}, false
	}
	e, ok := (*t)[addr]
	return e, ok
}

// Swap installs t and returns the number of entries it replaced.
func (s *Store) Swap(t Table) int {
	if t == nil {
		t = Table{}
	}
	prev := s.table.Swap(&t)
	if prev == nil {
		return 0
	}
	return len(*prev)
}

// Len returns the number of entries in the current table.
func (s *Store) Len() int {
	t := s.table.Load()
	if t == nil {
		return 0
	}
	return len(*t)
}
