package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ranging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/phy"
	"github.com/signalsfoundry/bs-mac-engine/internal/queue"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
)

type stubRanging struct {
	missed []mac.CID
	cdma   []wire.CDMAAttributes
}

func (r *stubRanging) MissedInvitation(_ context.Context, ss *registry.SS) ranging.Outcome {
	r.missed = append(r.missed, ss.Basic)
	ss.Ranging.Invited = false
	return ranging.Continue
}

func (r *stubRanging) FlushCDMA(context.Context) []wire.CDMAAttributes {
	out := r.cdma
	r.cdma = nil
	return out
}

type sweepCounter struct{ calls []time.Time }

func (s *sweepCounter) SweepIdle(_ context.Context, now time.Time) int {
	s.calls = append(s.calls, now)
	return 0
}

type frameCounter struct{ frames, mismatches int }

func (c *frameCounter) ObserveFrame(time.Duration, int, int, int, int) { c.frames++ }
func (c *frameCounter) IncIEMismatch()                                 { c.mismatches++ }

type fixture struct {
	s       *Scheduler
	reg     *registry.Registry
	queue   *queue.Set
	model   *phy.Model
	ranging *stubRanging
	sweeper *sweepCounter
	metrics *frameCounter
	frames  []phy.Frame
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(10_000, 0)}
	model, err := phy.New(phy.DefaultConfig(), func(_ context.Context, fr phy.Frame) error {
		f.frames = append(f.frames, fr)
		return nil
	})
	if err != nil {
		t.Fatalf("phy.New: %v", err)
	}
	facility := timer.NewFacility(timer.NewFakeEventScheduler(f.now))
	f.queue = queue.New(1 << 22)
	f.reg = registry.New(facility, f.queue, nil, nil)
	f.model = model
	f.ranging = &stubRanging{}
	f.sweeper = &sweepCounter{}
	f.metrics = &frameCounter{}

	cfg := DefaultConfig()
	cfg.BSID = mac.MACAddress{0x02, 0xbb, 0, 0, 0, 1}
	cfg.DLProfiles = model.DescriptorProfiles(mac.Downlink)
	cfg.ULProfiles = model.DescriptorProfiles(mac.Uplink)
	f.s = New(cfg, f.reg, model, f.queue, f.ranging, f.sweeper, nil, f.metrics)
	return f
}

func (f *fixture) build(t *testing.T) (FrameReport, *wire.DLMap, *wire.ULMap, [][]byte) {
	t.Helper()
	rep, err := f.s.BuildFrame(context.Background(), f.now)
	if err != nil {
		t.Fatalf("BuildFrame: %v", err)
	}
	f.now = f.now.Add(f.s.cfg.FrameDuration)
	if len(f.frames) == 0 {
		t.Fatalf("no frame transmitted")
	}
	fr := f.frames[len(f.frames)-1]
	if fr.DLMapLength != len(fr.PDUs[0]) {
		t.Fatalf("dl-map length %d, first pdu is %d bytes", fr.DLMapLength, len(fr.PDUs[0]))
	}
	dl, ok := decode(t, fr.PDUs[0]).(*wire.DLMap)
	if !ok {
		t.Fatalf("first pdu is not a DL-MAP")
	}
	ul, ok := decode(t, fr.PDUs[1]).(*wire.ULMap)
	if !ok {
		t.Fatalf("second pdu is not a UL-MAP")
	}
	if rep.ULUsed > rep.ULSlots || rep.DLUsed > rep.DLSlots {
		t.Fatalf("allocation exceeds the frame: ul %d/%d dl %d/%d", rep.ULUsed, rep.ULSlots, rep.DLUsed, rep.DLSlots)
	}
	if rep.Mismatch {
		t.Fatalf("ie count mismatch")
	}
	return rep, dl, ul, fr.PDUs[2:]
}

func decode(t *testing.T, pdu []byte) wire.Message {
	t.Helper()
	p, _, err := wire.DecodePDU(pdu)
	if err != nil {
		t.Fatalf("DecodePDU: %v", err)
	}
	msg, err := wire.Unmarshal(p.Payload)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return msg
}

func (f *fixture) station(t *testing.T, n byte) *registry.SS {
	t.Helper()
	ss, err := f.reg.AddSS(mac.MACAddress{0x02, 0, 0, 0, 0, n})
	if err != nil {
		t.Fatalf("AddSS: %v", err)
	}
	ss.ULProfile = mac.UIUCMostRobust
	ss.DLProfile = mac.DIUCMostRobust
	return ss
}

func (f *fixture) flow(t *testing.T, ss *registry.SS, dir mac.Direction, st mac.ServiceType, qos mac.QoS) *registry.Flow {
	t.Helper()
	cid, err := f.reg.AllocateTransportCID()
	if err != nil {
		t.Fatalf("AllocateTransportCID: %v", err)
	}
	fl := &registry.Flow{SFID: f.reg.NextSFID(), CID: cid, Direction: dir, ServiceType: st, QoS: qos, Admitted: true}
	if err := f.reg.AddFlow(ss, fl); err != nil {
		t.Fatalf("AddFlow: %v", err)
	}
	f.reg.Activate(fl)
	return fl
}

func ulTotal(ul *wire.ULMap) int {
	n := 0
	for _, ie := range ul.IEs {
		n += int(ie.Duration)
	}
	return n
}

func TestEmptyFrameLayout(t *testing.T) {
	f := newFixture(t)
	rep, dl, ul, rest := f.build(t)

	if rep.ULSlots != 33*70 || rep.DLSlots != 50*60 {
		t.Fatalf("frame slots ul %d dl %d, want 2310 and 3000", rep.ULSlots, rep.DLSlots)
	}
	if !rep.Descriptors || len(rest) != 2 {
		t.Fatalf("first frame must carry DCD and UCD, got %d pdus", len(rest))
	}
	if _, ok := decode(t, rest[0]).(*wire.DCD); !ok {
		t.Fatalf("expected DCD after the maps")
	}
	if len(ul.IEs) != 2 || ul.IEs[0].UIUC != mac.UIUCCDMARanging || ul.IEs[1].UIUC != mac.UIUCRequest {
		t.Fatalf("unexpected contention layout %+v", ul.IEs)
	}
	if ulTotal(ul) != rep.ULUsed || rep.ULUsed != 36 {
		t.Fatalf("ul used %d, ie total %d, want 36", rep.ULUsed, ulTotal(ul))
	}
	if len(dl.IEs) != 1 || dl.IEs[0].DIUC != mac.DIUCMostRobust || dl.IEs[0].CIDs[0] != mac.BroadcastCID {
		t.Fatalf("unexpected dl layout %+v", dl.IEs)
	}
	if dl.FrameNumber != 0 || dl.FrameDurationCode != 7 || dl.BSID != f.s.cfg.BSID {
		t.Fatalf("unexpected dl-map header %+v", dl)
	}
	if len(f.sweeper.calls) != 1 || f.metrics.frames != 1 {
		t.Fatalf("sweep %d, frames observed %d", len(f.sweeper.calls), f.metrics.frames)
	}

	rep, dl, ul, rest = f.build(t)
	if rep.Descriptors || len(rest) != 0 || len(dl.IEs) != 0 {
		t.Fatalf("second frame should carry no broadcast traffic")
	}
	if len(ul.IEs) != 1 || ul.IEs[0].UIUC != mac.UIUCRequest {
		t.Fatalf("initial ranging region repeated before its interval: %+v", ul.IEs)
	}
	if dl.FrameNumber != 1 {
		t.Fatalf("frame number %d, want 1", dl.FrameNumber)
	}
}

func TestUplinkGrantsAreBoundedAndConserveSlots(t *testing.T) {
	f := newFixture(t)
	a := f.station(t, 1)
	b := f.station(t, 2)
	f.flow(t, a, mac.Uplink, mac.ServiceUGS, mac.QoS{MaxSustainedRate: 10_000_000, MinReservedRate: 10_000_000})
	be := f.flow(t, b, mac.Uplink, mac.ServiceBE, mac.QoS{})
	be.RequestedBytes = 50_000

	rep, _, ul, _ := f.build(t)
	if ulTotal(ul) != rep.ULUsed {
		t.Fatalf("ie total %d != used %d", ulTotal(ul), rep.ULUsed)
	}
	if rep.ULUsed != rep.ULSlots {
		t.Fatalf("overloaded uplink should be full: %d/%d", rep.ULUsed, rep.ULSlots)
	}
	grants := 0
	for _, ie := range ul.IEs {
		if ie.Duration > mac.MaxGrantSlots {
			t.Fatalf("grant of %d slots", ie.Duration)
		}
		if ie.CID == a.Basic {
			grants++
		}
		if ie.CID == b.Basic {
			t.Fatalf("station b granted although a exhausted the frame")
		}
	}
	if grants != 3 {
		t.Fatalf("station a got %d grants, want 1023+1023+rest", grants)
	}
	if rep.GrantedStations != 1 {
		t.Fatalf("granted stations %d, want only a", rep.GrantedStations)
	}
	if be.RequestedBytes != 50_000 {
		t.Fatalf("ungranted request charged: %d", be.RequestedBytes)
	}

	// Round robin: b goes first in the next frame.
	_, _, ul, _ = f.build(t)
	var first mac.CID
	for _, ie := range ul.IEs {
		if ie.UIUC != mac.UIUCRequest && ie.UIUC != mac.UIUCCDMARanging {
			first = ie.CID
			break
		}
	}
	if first != b.Basic {
		t.Fatalf("first grant to %s, want station b %s", first, b.Basic)
	}
	if be.RequestedBytes >= 50_000 {
		t.Fatalf("granted request not charged: %d", be.RequestedBytes)
	}
}

func TestBandwidthRequestIsChargedExactly(t *testing.T) {
	f := newFixture(t)
	ss := f.station(t, 1)
	fl := f.flow(t, ss, mac.Uplink, mac.ServiceNrtPS, mac.QoS{MaxSustainedRate: 64000})
	fl.RequestedBytes = 600
	ss.BasicRequestBytes = 12

	rep, _, ul, _ := f.build(t)
	last := ul.IEs[len(ul.IEs)-1]
	if last.CID != ss.Basic || last.Duration != 102 || last.UIUC != ss.ULProfile {
		t.Fatalf("grant %+v, want 102 slots on the basic cid", last)
	}
	if fl.RequestedBytes != 0 || ss.BasicRequestBytes != 0 {
		t.Fatalf("outstanding requests flow %d basic %d", fl.RequestedBytes, ss.BasicRequestBytes)
	}
	if rep.GrantedStations != 1 {
		t.Fatalf("granted stations %d, want 1", rep.GrantedStations)
	}
	rep, _, ul, _ = f.build(t)
	if len(ul.IEs) != 1 || rep.GrantedStations != 0 {
		t.Fatalf("no demand left, got %+v", ul.IEs)
	}
}

func TestInvitedRangingAndMissedInvitation(t *testing.T) {
	f := newFixture(t)
	ss := f.station(t, 1)
	ss.Ranging.NeedInvited = true

	_, _, ul, _ := f.build(t)
	found := false
	for _, ie := range ul.IEs {
		if ie.CID == ss.Basic && ie.UIUC == mac.UIUCRanging {
			found = ie.Duration == uint16(f.s.cfg.InvitedSlots) && ie.Region != nil
		}
	}
	if !found || !ss.Ranging.Invited || ss.Ranging.NeedInvited {
		t.Fatalf("invited grant missing: %+v", ul.IEs)
	}
	if len(f.ranging.missed) != 0 {
		t.Fatalf("missed invitation reported early")
	}

	f.build(t)
	if len(f.ranging.missed) != 1 || f.ranging.missed[0] != ss.Basic {
		t.Fatalf("missed = %v", f.ranging.missed)
	}
}

func TestCDMAAllocations(t *testing.T) {
	f := newFixture(t)
	f.ranging.cdma = []wire.CDMAAttributes{{Symbol: 3, Subchannel: 4, Code: 5, Frame: 6}}

	_, _, ul, _ := f.build(t)
	var got *wire.ULMapIE
	for i := range ul.IEs {
		if ul.IEs[i].UIUC == mac.UIUCCDMAAlloc {
			got = &ul.IEs[i]
		}
	}
	if got == nil || got.CDMA == nil || *got.CDMA != (wire.CDMAAttributes{Symbol: 3, Subchannel: 4, Code: 5, Frame: 6}) {
		t.Fatalf("cdma allocation missing: %+v", ul.IEs)
	}
	if got.CID != mac.BroadcastCID || int(got.Duration) != f.s.cfg.CDMAGrantSlots {
		t.Fatalf("unexpected cdma allocation %+v", got)
	}
}

func TestDownlinkConservesSlotsAndKeepsUnsentPDUs(t *testing.T) {
	f := newFixture(t)
	const perFlow = 15
	var flows []*registry.Flow
	for n := byte(1); n <= 3; n++ {
		ss := f.station(t, n)
		fl := f.flow(t, ss, mac.Downlink, mac.ServiceBE, mac.QoS{})
		for i := 0; i < perFlow; i++ {
			pdu, err := wire.EncodeDataPDU(fl.CID, make([]byte, 994))
			if err != nil {
				t.Fatalf("EncodeDataPDU: %v", err)
			}
			if !f.queue.Insert(pdu, fl.QueuePriority()) {
				t.Fatalf("queue full")
			}
		}
		flows = append(flows, fl)
	}

	sent := 0
	for frame := 0; frame < 2; frame++ {
		rep, _, _, rest := f.build(t)
		bytes := 0
		for _, p := range rest {
			bytes += len(p)
		}
		if bytes > rep.DLSlots*f.model.SlotBytes(mac.DIUCMostRobust, mac.Downlink) {
			t.Fatalf("frame %d carries %d bytes, more than the sub-frame holds", frame, bytes)
		}
		for _, p := range rest {
			if decoded, _, err := wire.DecodePDU(p); err == nil && decoded.Header.CID().IsTransport() {
				sent++
			}
		}
	}
	left := 0
	for _, fl := range flows {
		left += f.queue.NumberInQueue(fl.QueuePriority())
	}
	if sent+left != 3*perFlow {
		t.Fatalf("sent %d + queued %d != %d", sent, left, 3*perFlow)
	}
	if sent == 0 || left == 0 {
		t.Fatalf("expected a partially drained backlog, sent %d left %d", sent, left)
	}
}

func TestSuspendedFlowIsNotDrained(t *testing.T) {
	f := newFixture(t)
	ss := f.station(t, 1)
	cid, _ := f.reg.AllocateTransportCID()
	fl := &registry.Flow{SFID: 1, CID: cid, Direction: mac.Downlink, ServiceType: mac.ServiceBE, Admitted: true}
	if err := f.reg.AddFlow(ss, fl); err != nil {
		t.Fatalf("AddFlow: %v", err)
	}
	f.queue.Insert([]byte{1, 2, 3}, fl.QueuePriority())
	_, dl, _, _ := f.build(t)
	for _, ie := range dl.IEs {
		for _, c := range ie.CIDs {
			if c == cid {
				t.Fatalf("inactive flow scheduled")
			}
		}
	}
}

func TestDescriptorChangeTransition(t *testing.T) {
	f := newFixture(t)
	f.build(t)
	f.build(t)

	f.s.MarkDescriptorsChanged()
	for i := 0; i < f.s.cfg.DescriptorTransition; i++ {
		rep, dl, ul, rest := f.build(t)
		if !rep.Descriptors {
			t.Fatalf("transition frame %d without descriptors", i)
		}
		dcd := decode(t, rest[0]).(*wire.DCD)
		if dcd.ChangeCount != 1 {
			t.Fatalf("dcd change count %d, want 1", dcd.ChangeCount)
		}
		if dl.DCDCount != 0 || ul.UCDCount != 0 {
			t.Fatalf("maps moved to the new descriptor during the transition")
		}
	}
	rep, dl, ul, _ := f.build(t)
	if rep.Descriptors {
		t.Fatalf("descriptors repeated after the transition")
	}
	if dl.DCDCount != 1 || ul.UCDCount != 1 {
		t.Fatalf("maps reference %d/%d after the transition, want 1/1", dl.DCDCount, ul.UCDCount)
	}

	f.s.BroadcastDescriptors()
	if rep, _, _, _ := f.build(t); !rep.Descriptors {
		t.Fatalf("forced broadcast missing")
	}
}

func TestSetChannelStartsTransitionOnlyOnContentChange(t *testing.T) {
	f := newFixture(t)
	ch := f.s.Channel()
	ch.FrequencyKHz = 3_500_000
	if changed, err := f.s.SetChannel(ch); err != nil || changed {
		t.Fatalf("update before the first frame: changed %v, %v", changed, err)
	}
	_, _, _, rest := f.build(t)
	if dcd := decode(t, rest[0]).(*wire.DCD); dcd.ChangeCount != 0 || dcd.FrequencyKHz != 3_500_000 {
		t.Fatalf("first dcd %+v", dcd)
	}

	if changed, err := f.s.SetChannel(f.s.Channel()); err != nil || changed {
		t.Fatalf("unchanged channel: changed %v, %v", changed, err)
	}
	bad := f.s.Channel()
	bad.RequestBackoffStart, bad.RequestBackoffEnd = 9, 4
	if _, err := f.s.SetChannel(bad); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("inverted backoff window: %v", err)
	}
	if f.s.Channel().RequestBackoffStart == 9 {
		t.Fatalf("rejected channel applied")
	}

	ch = f.s.Channel()
	ch.ULProfiles[0].FEC++
	if changed, err := f.s.SetChannel(ch); err != nil || !changed {
		t.Fatalf("profile change: changed %v, %v", changed, err)
	}
	rep, _, ul, rest := f.build(t)
	if !rep.Descriptors || ul.UCDCount != 0 {
		t.Fatalf("transition frame: descriptors %v ucd count %d", rep.Descriptors, ul.UCDCount)
	}
	ucd := decode(t, rest[1]).(*wire.UCD)
	if ucd.ChangeCount != 1 || ucd.Profiles[0].FEC != ch.ULProfiles[0].FEC {
		t.Fatalf("ucd %+v", ucd)
	}
	for i := 1; i < f.s.cfg.DescriptorTransition; i++ {
		f.build(t)
	}
	if _, _, ul, _ = f.build(t); ul.UCDCount != 1 {
		t.Fatalf("maps reference ucd %d after the transition, want 1", ul.UCDCount)
	}
}

func TestDescriptorsRepeatAtInterval(t *testing.T) {
	f := newFixture(t)
	f.build(t)
	f.now = f.now.Add(f.s.cfg.DescriptorInterval)
	if rep, _, _, _ := f.build(t); !rep.Descriptors {
		t.Fatalf("descriptors not repeated after the interval")
	}
}

func TestWrittenIEsOfBadPDU(t *testing.T) {
	if n := writtenIEs([]byte{1, 2}); n != -1 {
		t.Fatalf("writtenIEs = %d", n)
	}
}
