// Package ports declares the collaborators the MAC engine drives but does
// not implement: the physical layer, the outbound queueing subsystem and
// the convergence sublayer classifier.
package ports

import (
	"context"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
)

// PHY is the physical layer as seen by the MAC.
type PHY interface {
	// TransmitFrame hands the PDUs of one frame to the air interface. The
	// first dlMapLength bytes of pdus[0] are the DL-MAP.
	TransmitFrame(ctx context.Context, pdus [][]byte, dlMapLength int, dlDuration time.Duration) error
	// LeastRobustBurstProfile returns the burst profile code (DIUC or UIUC)
	// with the highest throughput the measured quality supports.
	LeastRobustBurstProfile(dir mac.Direction, quality mac.Measurement) uint8
	// BytesToSlots converts a payload size to slots of the given profile.
	BytesToSlots(bytes int, profile uint8, dir mac.Direction) int
	// SlotBytes is the payload one slot of the profile carries.
	SlotBytes(profile uint8, dir mac.Direction) int
	// SlotSymbols is the number of symbols one slot spans.
	SlotSymbols(dir mac.Direction) int
	// DurationToSlots converts sub-frame time to slots on one subchannel.
	DurationToSlots(d time.Duration, dir mac.Direction) int
	// Subchannels returns the subchannel count of the sub-frame.
	Subchannels(dir mac.Direction) int
	// SymbolDuration is the OFDMA symbol time.
	SymbolDuration() time.Duration
	// Sensitivity returns the receiver sensitivity in dBm for a modulation.
	Sensitivity(m mac.Modulation) float64
}

// Behavior controls whether the scheduler may drain a queue.
type Behavior int

const (
	Resume Behavior = iota
	Suspend
)

func (b Behavior) String() string {
	if b == Suspend {
		return "suspend"
	}
	return "resume"
}

// Queue is the outbound queueing subsystem. Each priority names one queue.
type Queue interface {
	Insert(pdu []byte, priority int) bool
	RemoveQueue(priority int)
	NumberInQueue(priority int) int
	BytesInQueue(priority int) int
	SetQueueBehavior(priority int, b Behavior)
	// Dequeue removes the head PDU when it fits in maxBytes and the queue
	// is not suspended.
	Dequeue(priority, maxBytes int) ([]byte, bool)
}

// Classifier is the convergence sublayer.
type Classifier interface {
	Install(csfID uint32, cid mac.CID, rules []mac.ClassifierRule)
	Invalidate(csfID uint32)
	PacketFromLower(payload []byte, src mac.MACAddress, basic mac.CID)
}

// Outbox accepts encoded management PDUs for transmission to a station.
type Outbox interface {
	Send(ctx context.Context, cid mac.CID, pdu []byte)
}
