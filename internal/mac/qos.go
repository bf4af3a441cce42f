package mac

import (
	"net/netip"
	"time"
)

// QoS is the parameter set of a service flow. Rates are in bits per second,
// sizes in bytes.
type QoS struct {
	Priority         uint8
	MaxSustainedRate uint32
	MinReservedRate  uint32
	MaxTrafficBurst  uint32
	MinTolerableRate uint32
	MaxLatency       time.Duration
	ToleratedJitter  time.Duration
	FixedLengthSDU   bool
	SDUSize          uint8
}

// Defaults applied by Normalize when a request leaves a parameter unset.
const (
	DefaultMaxLatency      = 100 * time.Millisecond
	DefaultToleratedJitter = 20 * time.Millisecond
	DefaultTrafficBurst    = 1500
)

// Normalize returns q with rates ordered, the burst size populated and
// latency/jitter rounded up to whole milliseconds, as carried on the wire.
func (q QoS) Normalize() QoS {
	if q.MaxSustainedRate == 0 && q.MinReservedRate > 0 {
		q.MaxSustainedRate = q.MinReservedRate
	}
	if q.MinReservedRate > q.MaxSustainedRate {
		q.MinReservedRate = q.MaxSustainedRate
	}
	if q.MinTolerableRate > q.MinReservedRate && q.MinReservedRate > 0 {
		q.MinTolerableRate = q.MinReservedRate
	}
	if q.MaxTrafficBurst == 0 {
		q.MaxTrafficBurst = DefaultTrafficBurst
	}
	if q.MaxLatency <= 0 {
		q.MaxLatency = DefaultMaxLatency
	}
	if q.ToleratedJitter <= 0 {
		q.ToleratedJitter = DefaultToleratedJitter
	}
	q.MaxLatency = roundUpMillis(q.MaxLatency)
	q.ToleratedJitter = roundUpMillis(q.ToleratedJitter)
	return q
}

func roundUpMillis(d time.Duration) time.Duration {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms == 0 {
		ms = 1
	}
	return ms * time.Millisecond
}

// ReservedRate is the rate admission control reserves for a flow of the
// given class: the maximum rate for unsolicited classes, the midpoint of
// the min/max rates for polled classes, nothing for best effort.
func (q QoS) ReservedRate(st ServiceType) uint32 {
	switch st {
	case ServiceUGS, ServiceErtPS:
		return q.MaxSustainedRate
	case ServiceRtPS, ServiceNrtPS:
		return uint32((uint64(q.MinReservedRate) + uint64(q.MaxSustainedRate)) / 2)
	default:
		return 0
	}
}

// ARQParams are the negotiable ARQ settings of a flow.
type ARQParams struct {
	Enabled         bool
	WindowSize      uint16
	BlockSize       uint16
	RetryTimeoutTx  time.Duration
	RetryTimeoutRx  time.Duration
	BlockLifetime   time.Duration
	SyncLossTimeout time.Duration
	RxPurgeTimeout  time.Duration
	DeliverInOrder  bool
}

// NegotiateARQ combines the local and the peer's proposals, keeping the most
// conservative value of each parameter. ARQ is enabled only when both ends
// enable it.
func NegotiateARQ(local, peer ARQParams) ARQParams {
	if !local.Enabled || !peer.Enabled {
		return ARQParams{}
	}
	return ARQParams{
		Enabled:         true,
		WindowSize:      minU16(local.WindowSize, peer.WindowSize),
		BlockSize:       minU16(local.BlockSize, peer.BlockSize),
		RetryTimeoutTx:  maxDur(local.RetryTimeoutTx, peer.RetryTimeoutTx),
		RetryTimeoutRx:  maxDur(local.RetryTimeoutRx, peer.RetryTimeoutRx),
		BlockLifetime:   maxLifetime(local.BlockLifetime, peer.BlockLifetime),
		SyncLossTimeout: maxDur(local.SyncLossTimeout, peer.SyncLossTimeout),
		RxPurgeTimeout:  maxDur(local.RxPurgeTimeout, peer.RxPurgeTimeout),
		DeliverInOrder:  local.DeliverInOrder || peer.DeliverInOrder,
	}
}

func minU16(a, b uint16) uint16 {
	if a == 0 {
		return b
	}
	if b == 0 || a < b {
		return a
	}
	return b
}

// maxLifetime is maxDur where zero means the block never expires.
func maxLifetime(a, b time.Duration) time.Duration {
	if a == 0 || b == 0 {
		return 0
	}
	return maxDur(a, b)
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// PortRange is an inclusive transport port range.
type PortRange struct {
	Low, High uint16
}

// Contains reports whether p falls in the range.
func (r PortRange) Contains(p uint16) bool { return p >= r.Low && p <= r.High }

// ClassifierRule is a packet classification rule attached to a flow.
type ClassifierRule struct {
	Index    uint16
	Priority uint8
	Protocol uint8
	Src      netip.Prefix
	Dst      netip.Prefix
	SrcPorts []PortRange
	DstPorts []PortRange
}
