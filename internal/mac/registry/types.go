package registry

import (
	"sort"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
)

// RangingState is the ranging state of a station.
type RangingState string

const (
	NotRanged             RangingState = "not_ranged"
	InitialPollPending    RangingState = "initial_poll_pending"
	InitialRangeCompleted RangingState = "initial_range_completed"
	PeriodicIdle          RangingState = "periodic_idle"
	PeriodicCorrecting    RangingState = "periodic_correcting"
	Aborted               RangingState = "aborted"
)

// Ranging is the per-station ranging bookkeeping.
type Ranging struct {
	State RangingState
	// InvitedRetries counts invited opportunities that carried no request.
	InvitedRetries int
	// CorrectionRetries counts CONTINUE responses sent since the last
	// SUCCESS.
	CorrectionRetries int
	// NeedInvited asks the scheduler for an invited ranging IE this frame.
	NeedInvited bool
	// Invited is set while an invited opportunity is outstanding.
	Invited bool
	// Completed latches after the first SUCCESS.
	Completed bool

	Periodic   timer.Handle
	RspTimer   timer.Handle
	LastStatus mac.RangingStatus
}

// TxnState is the state of a DSx transaction.
type TxnState string

const (
	TxnBegin          TxnState = "begin"
	TxnRequestSent    TxnState = "request_sent"
	TxnRspPending     TxnState = "rsp_pending"
	TxnAckSent        TxnState = "ack_sent"
	TxnRspSent        TxnState = "rsp_sent"
	TxnAckPending     TxnState = "ack_pending"
	TxnHoldingDown    TxnState = "holding_down"
	TxnRetryExhausted TxnState = "retry_exhausted"
	TxnEnd            TxnState = "end"
)

// Role is the side that initiated a transaction.
type Role uint8

const (
	// Local transactions are initiated by the base station.
	Local Role = iota
	// Remote transactions are initiated by the subscriber station.
	Remote
)

func (r Role) String() string {
	if r == Remote {
		return "remote"
	}
	return "local"
}

// Transaction is one DSA, DSC or DSD exchange on a flow.
type Transaction struct {
	Kind    mac.TxnKind
	Role    Role
	State   TxnState
	ID      uint16
	Code    mac.ConfirmationCode
	Retries int // remaining
	Timer   timer.Handle

	// Cached PDUs, retransmitted verbatim.
	Request  []byte
	Response []byte
	Ack      []byte

	// Prior holds the QoS a DSC falls back to when it is rejected or
	// exhausts its retries.
	Prior *mac.QoS
	// Proposed is the QoS a local DSC is trying to install.
	Proposed *mac.QoS
}

// Terminal reports whether the transaction has finished.
func (t *Transaction) Terminal() bool { return t == nil || t.State == TxnEnd }

// Flow is a unidirectional service flow.
type Flow struct {
	SFID        uint32
	CID         mac.CID
	Direction   mac.Direction
	ServiceType mac.ServiceType
	ClassName   string
	QoS         mac.QoS
	ARQ         mac.ARQParams
	Classifiers []mac.ClassifierRule

	Admitted  bool
	Activated bool
	// ReservedSlots is the per-second slot reservation admission granted.
	ReservedSlots int

	// Owner is nil for multicast flows.
	Owner *SS

	// RequestedBytes accumulates uplink bandwidth requests.
	RequestedBytes int
	LastActivity   time.Time

	Txns          [3]*Transaction
	NumOpen       int
	PendingDelete bool
}

// QueuePriority is the outbound queue of the flow.
func (f *Flow) QueuePriority() int { return int(f.CID) }

// Multicast reports whether the flow is owned by the multicast table.
func (f *Flow) Multicast() bool { return f.Owner == nil }

// Txn returns the transaction of kind k, if any.
func (f *Flow) Txn(k mac.TxnKind) *Transaction { return f.Txns[k] }

// SS is the subscriber station record.
type SS struct {
	MAC       mac.MACAddress
	Basic     mac.CID
	Primary   mac.CID
	Secondary mac.CID

	Ranging           Ranging
	Registered        bool
	ManagementSupport bool
	Capabilities      wire.Capabilities
	Registration      wire.Registration

	DLProfile    uint8
	ULProfile    uint8
	Measurements mac.MeasurementWindow

	T9  timer.Handle
	T17 timer.Handle
	// Evict is armed once the station has been told to leave.
	Evict timer.Handle

	// BasicRequestBytes accumulates bandwidth requests on management CIDs.
	BasicRequestBytes int
	CreatedAt         time.Time

	flows map[mac.CID]*Flow
}

// Flows returns the station's flows of one direction and class in CID
// order.
func (s *SS) Flows(dir mac.Direction, st mac.ServiceType) []*Flow {
	var out []*Flow
	for _, f := range s.flows {
		if f.Direction == dir && f.ServiceType == st {
			out = append(out, f)
		}
	}
	sortFlows(out)
	return out
}

// AllFlows returns every flow of the station in CID order.
func (s *SS) AllFlows() []*Flow {
	out := make([]*Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	sortFlows(out)
	return out
}

// NumFlows returns the number of flows the station owns.
func (s *SS) NumFlows() int { return len(s.flows) }

// Flow returns the flow on cid if the station owns it.
func (s *SS) Flow(cid mac.CID) (*Flow, bool) {
	f, ok := s.flows[cid]
	return f, ok
}

// FindTransaction locates the flow whose transaction of kind k with role r
// carries id.
func (s *SS) FindTransaction(k mac.TxnKind, r Role, id uint16) (*Flow, *Transaction) {
	for _, f := range s.flows {
		if t := f.Txns[k]; t != nil && t.Role == r && t.ID == id {
			return f, t
		}
	}
	return nil, nil
}

// ManagementCIDs returns the station's management connections.
func (s *SS) ManagementCIDs() []mac.CID {
	out := []mac.CID{s.Basic, s.Primary}
	if s.Secondary != 0 {
		out = append(out, s.Secondary)
	}
	return out
}

func sortFlows(fs []*Flow) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].CID < fs[j].CID })
}
