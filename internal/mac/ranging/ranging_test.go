package ranging

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/phy"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
)

type sentPDU struct {
	cid mac.CID
	msg wire.Message
}

type recordingOutbox struct {
	t    *testing.T
	sent []sentPDU
}

func (o *recordingOutbox) Send(_ context.Context, cid mac.CID, pdu []byte) {
	p, _, err := wire.DecodePDU(pdu)
	if err != nil {
		o.t.Fatalf("outbox got undecodable pdu: %v", err)
	}
	msg, err := wire.Unmarshal(p.Payload)
	if err != nil {
		o.t.Fatalf("outbox got undecodable message: %v", err)
	}
	o.sent = append(o.sent, sentPDU{cid: cid, msg: msg})
}

func (o *recordingOutbox) lastRsp(t *testing.T) (mac.CID, *wire.RngRsp) {
	t.Helper()
	if len(o.sent) == 0 {
		t.Fatalf("nothing sent")
	}
	last := o.sent[len(o.sent)-1]
	rsp, ok := last.msg.(*wire.RngRsp)
	if !ok {
		t.Fatalf("last message is %T, want RNG-RSP", last.msg)
	}
	return last.cid, rsp
}

type countingRecorder map[string]int

func (c countingRecorder) RangingOutcome(o string) { c[o]++ }

type fixture struct {
	m       *Machine
	reg     *registry.Registry
	sched   *timer.FakeEventScheduler
	timers  *timer.Facility
	out     *recordingOutbox
	metrics countingRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sched := timer.NewFakeEventScheduler(time.Unix(1000, 0))
	facility := timer.NewFacility(sched)
	reg := registry.New(facility, nil, nil, nil)
	model, err := phy.New(phy.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("phy.New: %v", err)
	}
	out := &recordingOutbox{t: t}
	rec := countingRecorder{}
	m := New(DefaultConfig(), reg, model, facility, out, nil, rec)
	facility.SetDispatch(func(p timer.Payload) {
		if p.Kind == timer.KindRngRspProcessing || p.Kind == timer.KindPeriodicRanging {
			if err := m.HandleTimer(context.Background(), p); err != nil {
				t.Fatalf("HandleTimer: %v", err)
			}
		}
	})
	return &fixture{m: m, reg: reg, sched: sched, timers: facility, out: out, metrics: rec}
}

var testMAC = mac.MACAddress{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}

func strong(at time.Time) mac.Measurement {
	return mac.Measurement{Modulation: mac.ModQPSK12, RSSI: -70, CINR: 16, At: at}
}

func weak(at time.Time, rssi float64) mac.Measurement {
	return mac.Measurement{Modulation: mac.ModQPSK12, RSSI: rssi, CINR: 2, At: at}
}

func (f *fixture) initial(t *testing.T, meas mac.Measurement) *registry.SS {
	t.Helper()
	addr := testMAC
	ss, err := f.m.HandleInitialRequest(context.Background(), &wire.RngReq{MAC: &addr}, meas)
	if err != nil {
		t.Fatalf("HandleInitialRequest: %v", err)
	}
	return ss
}

func TestInitialRequestAllocatesAndInvites(t *testing.T) {
	f := newFixture(t)
	ss := f.initial(t, weak(f.sched.Now(), -100))
	if ss.Ranging.State != registry.InitialPollPending {
		t.Fatalf("state = %s, want %s", ss.Ranging.State, registry.InitialPollPending)
	}
	cid, rsp := f.out.lastRsp(t)
	if cid != mac.InitialRangingCID {
		t.Fatalf("response sent on %s, want initial ranging cid", cid)
	}
	if rsp.Status != mac.RangingContinue || rsp.BasicCID == nil || *rsp.BasicCID != ss.Basic || *rsp.PrimaryCID != ss.Primary {
		t.Fatalf("unexpected rng-rsp %+v", rsp)
	}
	if rsp.PowerAdjust == nil || *rsp.PowerAdjust != 24 {
		t.Fatalf("power adjust = %v, want 24 quarter-dB", rsp.PowerAdjust)
	}
	if ss.Ranging.NeedInvited {
		t.Fatalf("invitation granted before the response processing time")
	}
	f.sched.Advance(10 * time.Millisecond)
	if !ss.Ranging.NeedInvited {
		t.Fatalf("no invitation after the response processing time")
	}
}

func TestInitialRequestForKnownMACResetsRetries(t *testing.T) {
	f := newFixture(t)
	ss := f.initial(t, weak(f.sched.Now(), -100))
	ss.Ranging.CorrectionRetries = 5
	ss.Ranging.InvitedRetries = 3
	again := f.initial(t, weak(f.sched.Now(), -100))
	if again != ss {
		t.Fatalf("known mac allocated a second record")
	}
	if ss.Ranging.CorrectionRetries != 0 || ss.Ranging.InvitedRetries != 0 {
		t.Fatalf("retries not reset: %+v", ss.Ranging)
	}
	if f.reg.NumStations() != 1 {
		t.Fatalf("stations = %d", f.reg.NumStations())
	}
}

func TestInitialRequestAfterRangingRestartsIt(t *testing.T) {
	f := newFixture(t)
	ss := f.initial(t, strong(f.sched.Now()))
	if o, err := f.m.HandleInvitedRequest(context.Background(), ss, &wire.RngReq{}, strong(f.sched.Now())); err != nil || o != Success {
		t.Fatalf("invited request: %s, %v", o, err)
	}
	if !ss.Ranging.Completed || !f.timers.Active(ss.T9) {
		t.Fatalf("ranging not completed")
	}

	again := f.initial(t, strong(f.sched.Now()))
	if again != ss || ss.Ranging.State != registry.InitialPollPending {
		t.Fatalf("record %p state %s, want same record polling again", again, ss.Ranging.State)
	}
	if ss.Ranging.Completed || f.timers.Active(ss.T9) {
		t.Fatalf("completed ranging kept across a new initial request")
	}
}

func TestRegisteredStationRestartsNetworkEntry(t *testing.T) {
	f := newFixture(t)
	old := f.initial(t, strong(f.sched.Now()))
	f.m.HandleInvitedRequest(context.Background(), old, &wire.RngReq{}, strong(f.sched.Now()))
	old.Registered = true
	if err := f.m.Registered(context.Background(), old); err != nil {
		t.Fatalf("Registered: %v", err)
	}
	old.Ranging.InvitedRetries = 7
	oldBasic := old.Basic
	sent := len(f.out.sent)

	ss := f.initial(t, strong(f.sched.Now()))
	if ss == old || ss.Registered || ss.Ranging.State != registry.InitialPollPending {
		t.Fatalf("re-entry kept the registered record: state %s", ss.Ranging.State)
	}
	if f.reg.NumStations() != 1 {
		t.Fatalf("stations = %d", f.reg.NumStations())
	}
	if len(f.out.sent) != sent+1 {
		t.Fatalf("re-entry sent %d messages, want one RNG-RSP", len(f.out.sent)-sent)
	}
	cid, rsp := f.out.lastRsp(t)
	if cid != mac.InitialRangingCID || rsp.BasicCID == nil || *rsp.BasicCID != ss.Basic {
		t.Fatalf("re-entry response %+v on %s", rsp, cid)
	}
	if got, err := f.reg.LookupByCID(oldBasic); err == nil && got == old {
		t.Fatalf("old record still resolves")
	}

	// The old periodic ranging timer is gone; only the new invitation fires.
	f.sched.Advance(200 * time.Millisecond)
	if !ss.Ranging.NeedInvited || old.Ranging.NeedInvited {
		t.Fatalf("invitations: new %v old %v", ss.Ranging.NeedInvited, old.Ranging.NeedInvited)
	}
}

func TestInitialRequestWithoutMAC(t *testing.T) {
	f := newFixture(t)
	if _, err := f.m.HandleInitialRequest(context.Background(), &wire.RngReq{}, strong(f.sched.Now())); err != ErrMissingMAC {
		t.Fatalf("err = %v, want ErrMissingMAC", err)
	}
}

func TestRangingConvergesWhenSignalRises(t *testing.T) {
	f := newFixture(t)
	ss := f.initial(t, weak(f.sched.Now(), -110))
	rssi := -110.0
	var outcome Outcome
	steps := 0
	for ; steps <= DefaultConfig().CorrectionRetries; steps++ {
		f.sched.Advance(20 * time.Millisecond)
		rssi += 2
		var err error
		outcome, err = f.m.HandleInvitedRequest(context.Background(), ss, &wire.RngReq{}, mac.Measurement{
			Modulation: mac.ModQPSK12, RSSI: rssi, CINR: 16, At: f.sched.Now(),
		})
		if err != nil {
			t.Fatalf("HandleInvitedRequest: %v", err)
		}
		if outcome != Continue {
			break
		}
		if !ss.Ranging.NeedInvited {
			t.Fatalf("continue without re-poll")
		}
	}
	if outcome != Success {
		t.Fatalf("outcome = %s after %d steps", outcome, steps)
	}
	if ss.Ranging.State != registry.InitialRangeCompleted || !ss.Ranging.Completed {
		t.Fatalf("state = %s", ss.Ranging.State)
	}
	if !f.timers.Active(ss.T9) {
		t.Fatalf("T9 not started on initial ranging success")
	}
	if ss.ULProfile == mac.UIUCMostRobust {
		t.Fatalf("a 16 dB CINR should select a profile above the most robust one")
	}
	cid, rsp := f.out.lastRsp(t)
	if cid != ss.Basic || rsp.Status != mac.RangingSuccess {
		t.Fatalf("success response %+v on %s", rsp, cid)
	}
	if f.metrics["success"] != 1 || f.metrics["continue"] != steps {
		t.Fatalf("metrics = %v", f.metrics)
	}
}

func TestRangingAbortsAfterCorrectionRetries(t *testing.T) {
	f := newFixture(t)
	ss := f.initial(t, weak(f.sched.Now(), -120))
	limit := DefaultConfig().CorrectionRetries
	for i := 0; i < limit; i++ {
		o, err := f.m.HandleInvitedRequest(context.Background(), ss, &wire.RngReq{}, weak(f.sched.Now(), -120))
		if err != nil || o != Continue {
			t.Fatalf("attempt %d: %s, %v", i, o, err)
		}
	}
	o, err := f.m.HandleInvitedRequest(context.Background(), ss, &wire.RngReq{}, weak(f.sched.Now(), -120))
	if err != nil || o != Abort {
		t.Fatalf("final attempt: %s, %v", o, err)
	}
	if ss.Ranging.State != registry.Aborted {
		t.Fatalf("state = %s, want aborted", ss.Ranging.State)
	}
	if _, ok := f.reg.LookupByMAC(testMAC); ok {
		t.Fatalf("aborted station not evicted")
	}
	cid, rsp := f.out.lastRsp(t)
	if cid != mac.InitialRangingCID || rsp.Status != mac.RangingAbort || rsp.MAC == nil || *rsp.MAC != testMAC {
		t.Fatalf("abort response %+v on %s", rsp, cid)
	}
	if f.timers.Live() != 0 {
		t.Fatalf("timers left after eviction: %d", f.timers.Live())
	}
}

func TestMissedInvitationFallsBackThenAborts(t *testing.T) {
	f := newFixture(t)
	ss := f.initial(t, strong(f.sched.Now()))
	if o, _ := f.m.HandleInvitedRequest(context.Background(), ss, &wire.RngReq{}, strong(f.sched.Now())); o != Success {
		t.Fatalf("expected success, got %s", o)
	}
	limit := DefaultConfig().InvitedRetries
	for i := 0; i < limit; i++ {
		if o := f.m.MissedInvitation(context.Background(), ss); o != Continue {
			t.Fatalf("miss %d: %s", i, o)
		}
	}
	if o := f.m.MissedInvitation(context.Background(), ss); o != Fallback {
		t.Fatalf("expected fallback, got %s", o)
	}
	if ss.ULProfile != mac.UIUCMostRobust || ss.DLProfile != mac.DIUCMostRobust {
		t.Fatalf("profiles after fallback: ul %d dl %d", ss.ULProfile, ss.DLProfile)
	}
	for i := 0; i < limit; i++ {
		f.m.MissedInvitation(context.Background(), ss)
	}
	if o := f.m.MissedInvitation(context.Background(), ss); o != Abort {
		t.Fatalf("expected abort, got %s", o)
	}
	if f.reg.NumStations() != 0 {
		t.Fatalf("station not evicted")
	}
}

func TestUnrangedStationAbortsOnMissedInvitations(t *testing.T) {
	f := newFixture(t)
	ss := f.initial(t, weak(f.sched.Now(), -100))
	var o Outcome
	for i := 0; i <= DefaultConfig().InvitedRetries; i++ {
		o = f.m.MissedInvitation(context.Background(), ss)
	}
	if o != Abort {
		t.Fatalf("outcome = %s, want abort", o)
	}
}

func TestPeriodicRangingIntervals(t *testing.T) {
	f := newFixture(t)
	ss := f.initial(t, strong(f.sched.Now()))
	f.m.HandleInvitedRequest(context.Background(), ss, &wire.RngReq{}, strong(f.sched.Now()))
	ss.Registered = true
	if err := f.m.Registered(context.Background(), ss); err != nil {
		t.Fatalf("Registered: %v", err)
	}
	if ss.Ranging.State != registry.PeriodicIdle {
		t.Fatalf("state = %s", ss.Ranging.State)
	}
	ss.Ranging.NeedInvited = false
	f.sched.Advance(99 * time.Millisecond)
	if ss.Ranging.NeedInvited {
		t.Fatalf("periodic ranging due before the acceptable interval")
	}
	f.sched.Advance(time.Millisecond)
	if !ss.Ranging.NeedInvited {
		t.Fatalf("periodic ranging not due after the acceptable interval")
	}

	ss.Ranging.NeedInvited = false
	o, err := f.m.HandleInvitedRequest(context.Background(), ss, &wire.RngReq{}, weak(f.sched.Now(), -100))
	if err != nil || o != Continue {
		t.Fatalf("periodic correction: %s, %v", o, err)
	}
	if ss.Ranging.State != registry.PeriodicCorrecting {
		t.Fatalf("state = %s, want correcting", ss.Ranging.State)
	}
	ss.Ranging.NeedInvited = false
	f.sched.Advance(50 * time.Millisecond)
	if !ss.Ranging.NeedInvited {
		t.Fatalf("correcting interval not applied")
	}
	if o, _ := f.m.HandleInvitedRequest(context.Background(), ss, &wire.RngReq{}, strong(f.sched.Now())); o != Success {
		t.Fatalf("expected success, got %s", o)
	}
	if ss.Ranging.State != registry.PeriodicIdle {
		t.Fatalf("state = %s, want idle", ss.Ranging.State)
	}
}

func TestCDMACollisionsAreSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.sched.Now()
	collide := wire.CDMAAttributes{Symbol: 1, Subchannel: 2, Code: 5, Frame: 9}
	initial := wire.CDMAAttributes{Symbol: 1, Subchannel: 2, Code: 6, Frame: 9}
	bw := wire.CDMAAttributes{Symbol: 1, Subchannel: 3, Code: 130, Frame: 9}
	low := wire.CDMAAttributes{Symbol: 1, Subchannel: 4, Code: 70, Frame: 9}

	f.m.HandleCDMACode(ctx, collide, strong(now))
	f.m.HandleCDMACode(ctx, collide, strong(now))
	f.m.HandleCDMACode(ctx, initial, strong(now))
	f.m.HandleCDMACode(ctx, bw, strong(now))
	f.m.HandleCDMACode(ctx, low, weak(now, -110))

	grants := f.m.FlushCDMA(ctx)
	if len(grants) != 2 || grants[0] != initial || grants[1] != bw {
		t.Fatalf("grants = %+v", grants)
	}
	// Initial code success and periodic code correction; the collided code
	// and the bandwidth request code get no RNG-RSP.
	if len(f.out.sent) != 2 {
		t.Fatalf("sent %d responses, want 2", len(f.out.sent))
	}
	for _, s := range f.out.sent {
		if s.cid != mac.BroadcastCID {
			t.Fatalf("cdma response on %s", s.cid)
		}
	}
	_, last := f.out.lastRsp(t)
	if last.Status != mac.RangingContinue || last.CDMA == nil || *last.CDMA != low {
		t.Fatalf("periodic correction response %+v", last)
	}
	if f.metrics["collision"] != 1 {
		t.Fatalf("collisions = %d", f.metrics["collision"])
	}
	if len(f.m.FlushCDMA(ctx)) != 0 {
		t.Fatalf("flush did not clear the queue")
	}
}
