package engine

import (
	"context"

	"go.uber.org/atomic"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/dsx"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ports"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ranging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/schedule"
)

// counters are written on the event loop and read by Stats from anywhere.
type counters struct {
	frames            atomic.Uint64
	ieMismatches      atomic.Uint64
	descriptorChanges atomic.Uint64

	rangingRequests atomic.Uint64
	cdmaCodes       atomic.Uint64
	rangingSuccess  atomic.Uint64
	rangingContinue atomic.Uint64
	rangingAbort    atomic.Uint64

	sbc             atomic.Uint64
	registrations   atomic.Uint64
	regFailures     atomic.Uint64
	deregistrations atomic.Uint64
	evictions       atomic.Uint64

	dsxReceived     [3]atomic.Uint64
	dsxInitiated    [3]atomic.Uint64
	dsxOK           atomic.Uint64
	dsxRejected     atomic.Uint64
	dsxExhausted    atomic.Uint64
	retransmissions atomic.Uint64
	admitRejects    atomic.Uint64

	bandwidthRequests atomic.Uint64
	uplinkPDUs        atomic.Uint64
	downlinkSDUs      atomic.Uint64
	violations        atomic.Uint64
	managementSent    atomic.Uint64
	dropped           atomic.Uint64
}

// Stats is a copy of the engine's counters and its latest registry
// snapshot.
type Stats struct {
	InstanceID string
	Failed     bool
	Error      string

	Frames            uint64
	IEMismatches      uint64
	DescriptorChanges uint64

	RangingRequests uint64
	CDMACodes       uint64
	RangingSuccess  uint64
	RangingContinue uint64
	RangingAbort    uint64

	SBCExchanges         uint64
	Registrations        uint64
	RegistrationFailures uint64
	Deregistrations      uint64
	Evictions            uint64

	DsxReceived      map[string]uint64
	DsxInitiated     map[string]uint64
	DsxCompleted     uint64
	DsxRejected      uint64
	DsxExhausted     uint64
	Retransmissions  uint64
	AdmissionRejects uint64

	BandwidthRequests uint64
	UplinkPDUs        uint64
	DownlinkSDUs      uint64
	Violations        uint64
	ManagementSent    uint64
	Dropped           uint64

	// Registry and LastFrame are nil until the first frame is built.
	Registry  *registry.Snapshot
	LastFrame *schedule.FrameReport
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	c := &e.stats
	s := Stats{
		InstanceID:           e.id,
		Frames:               c.frames.Load(),
		IEMismatches:         c.ieMismatches.Load(),
		DescriptorChanges:    c.descriptorChanges.Load(),
		RangingRequests:      c.rangingRequests.Load(),
		CDMACodes:            c.cdmaCodes.Load(),
		RangingSuccess:       c.rangingSuccess.Load(),
		RangingContinue:      c.rangingContinue.Load(),
		RangingAbort:         c.rangingAbort.Load(),
		SBCExchanges:         c.sbc.Load(),
		Registrations:        c.registrations.Load(),
		RegistrationFailures: c.regFailures.Load(),
		Deregistrations:      c.deregistrations.Load(),
		Evictions:            c.evictions.Load(),
		DsxReceived:          map[string]uint64{},
		DsxInitiated:         map[string]uint64{},
		DsxCompleted:         c.dsxOK.Load(),
		DsxRejected:          c.dsxRejected.Load(),
		DsxExhausted:         c.dsxExhausted.Load(),
		Retransmissions:      c.retransmissions.Load(),
		AdmissionRejects:     c.admitRejects.Load(),
		BandwidthRequests:    c.bandwidthRequests.Load(),
		UplinkPDUs:           c.uplinkPDUs.Load(),
		DownlinkSDUs:         c.downlinkSDUs.Load(),
		Violations:           c.violations.Load(),
		ManagementSent:       c.managementSent.Load(),
		Dropped:              c.dropped.Load(),
		Registry:             e.snapshot.Load(),
		LastFrame:            e.lastFrame.Load(),
	}
	for _, k := range []mac.TxnKind{mac.TxnAdd, mac.TxnChange, mac.TxnDelete} {
		s.DsxReceived[k.String()] = c.dsxReceived[k].Load()
		s.DsxInitiated[k.String()] = c.dsxInitiated[k].Load()
	}
	if err := e.Err(); err != nil {
		s.Failed = true
		s.Error = err.Error()
	}
	return s
}

// tee counts component outcomes and forwards them to the metrics recorder.
type tee struct {
	stats *counters
	next  Recorder
}

func (t tee) RangingOutcome(outcome string) {
	switch ranging.Outcome(outcome) {
	case ranging.Success:
		t.stats.rangingSuccess.Inc()
	case ranging.Continue:
		t.stats.rangingContinue.Inc()
	case ranging.Abort:
		t.stats.rangingAbort.Inc()
	}
	if t.next != nil {
		t.next.RangingOutcome(outcome)
	}
}

func (t tee) DsxTransaction(kind, role, result string) {
	switch result {
	case dsx.ResultOK:
		t.stats.dsxOK.Inc()
	case dsx.ResultRejected:
		t.stats.dsxRejected.Inc()
	case dsx.ResultExhausted:
		t.stats.dsxExhausted.Inc()
	}
	if t.next != nil {
		t.next.DsxTransaction(kind, role, result)
	}
}

func (t tee) DsxRetransmission(kind, role string) {
	t.stats.retransmissions.Inc()
	if t.next != nil {
		t.next.DsxRetransmission(kind, role)
	}
}

func (t tee) AdmissionDecision(direction string, admitted bool) {
	if !admitted {
		t.stats.admitRejects.Inc()
	}
	if t.next != nil {
		t.next.AdmissionDecision(direction, admitted)
	}
}

// outbox queues management PDUs on the queue named by their CID, where the
// scheduler drains them into the station's next downlink burst.
type outbox struct {
	queue ports.Queue
	log   logging.Logger
	stats *counters
}

func (o *outbox) Send(ctx context.Context, cid mac.CID, pdu []byte) {
	if !o.queue.Insert(pdu, int(cid)) {
		o.stats.dropped.Inc()
		o.log.Warn(ctx, "management pdu dropped, queue full",
			logging.Uint16("cid", uint16(cid)),
			logging.Int("bytes", len(pdu)))
		return
	}
	o.stats.managementSent.Inc()
}
