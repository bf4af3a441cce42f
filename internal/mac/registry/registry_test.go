package registry

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mocks"
	"github.com/signalsfoundry/bs-mac-engine/internal/queue"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
)

func macN(n int) mac.MACAddress {
	return mac.MACAddress{0x02, 0, 0, 0, byte(n >> 8), byte(n)}
}

func newTestRegistry(t *testing.T) (*Registry, *timer.Facility, *timer.FakeEventScheduler) {
	t.Helper()
	sched := timer.NewFakeEventScheduler(time.Unix(0, 0))
	f := timer.NewFacility(sched)
	return New(f, queue.New(0), nil, nil), f, sched
}

func TestAddSSAllocatesUniquePairedCIDs(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	seen := map[mac.CID]bool{}
	for i := 0; i < mac.BasicCIDBlock; i++ {
		ss, err := r.AddSS(macN(i))
		if err != nil {
			t.Fatalf("AddSS %d: %v", i, err)
		}
		if !ss.Basic.IsBasic() {
			t.Fatalf("basic cid %s out of range", ss.Basic)
		}
		if ss.Primary != ss.Basic+mac.BasicCIDBlock {
			t.Fatalf("primary %s not paired with basic %s", ss.Primary, ss.Basic)
		}
		if seen[ss.Basic] {
			t.Fatalf("basic cid %s handed out twice", ss.Basic)
		}
		seen[ss.Basic] = true
	}
	if _, err := r.AddSS(macN(999)); !errors.Is(err, ErrCIDSpaceExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestAddSSRoundRobinAfterRelease(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	a, _ := r.AddSS(macN(1))
	b, _ := r.AddSS(macN(2))
	if err := r.RemoveSS(a.Basic, true); err != nil {
		t.Fatalf("RemoveSS: %v", err)
	}
	c, err := r.AddSS(macN(3))
	if err != nil {
		t.Fatalf("AddSS: %v", err)
	}
	if c.Basic != b.Basic+1 {
		t.Fatalf("round robin should continue after %s, got %s", b.Basic, c.Basic)
	}
	if _, err := r.AddSS(macN(2)); !errors.Is(err, ErrStationExists) {
		t.Fatalf("duplicate mac: %v", err)
	}
}

func TestLookupResolvesEveryConnection(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ss, _ := r.AddSS(macN(1))
	cid, err := r.AllocateTransportCID()
	if err != nil {
		t.Fatalf("AllocateTransportCID: %v", err)
	}
	if err := r.AddFlow(ss, &Flow{SFID: r.NextSFID(), CID: cid, ServiceType: mac.ServiceBE}); err != nil {
		t.Fatalf("AddFlow: %v", err)
	}
	sec, err := r.AssignSecondary(ss)
	if err != nil {
		t.Fatalf("AssignSecondary: %v", err)
	}
	for _, c := range []mac.CID{ss.Basic, ss.Primary, sec, cid} {
		got, err := r.LookupByCID(c)
		if err != nil || got != ss {
			t.Fatalf("LookupByCID(%s) = %v, %v", c, got, err)
		}
	}
	if _, err := r.LookupByCID(0x1234); !errors.Is(err, ErrUnknownCID) {
		t.Fatalf("unknown cid: %v", err)
	}
	if got, ok := r.LookupByMAC(macN(1)); !ok || got != ss {
		t.Fatalf("LookupByMAC failed")
	}
	if err := r.AddFlow(ss, &Flow{CID: cid}); !errors.Is(err, ErrFlowExists) {
		t.Fatalf("duplicate flow: %v", err)
	}
}

func TestRemoveSSCancelsTimersAndTearsDownFlows(t *testing.T) {
	ctrl := gomock.NewController(t)
	cls := mocks.NewMockClassifier(ctrl)
	sched := timer.NewFakeEventScheduler(time.Unix(0, 0))
	facility := timer.NewFacility(sched)
	q := queue.New(0)
	r := New(facility, q, cls, nil)

	fired := 0
	facility.SetDispatch(func(timer.Payload) { fired++ })

	ss, _ := r.AddSS(macN(1))
	cid, _ := r.AllocateTransportCID()
	f := &Flow{SFID: 42, CID: cid, ServiceType: mac.ServiceRtPS}
	if err := r.AddFlow(ss, f); err != nil {
		t.Fatalf("AddFlow: %v", err)
	}
	f.Txns[mac.TxnAdd] = &Transaction{Kind: mac.TxnAdd}
	f.Txns[mac.TxnAdd].Timer = facility.Set(time.Second, timer.Payload{Kind: timer.KindT7, CID: cid})
	ss.T9 = facility.Set(time.Second, timer.Payload{Kind: timer.KindT9, CID: ss.Basic})
	ss.Ranging.Periodic = facility.Set(time.Second, timer.Payload{Kind: timer.KindPeriodicRanging, CID: ss.Basic})
	q.Insert([]byte{1, 2, 3}, f.QueuePriority())

	cls.EXPECT().Invalidate(uint32(42)).Times(1)

	if err := r.RemoveSS(ss.Primary, true); err != nil {
		t.Fatalf("RemoveSS: %v", err)
	}
	if facility.Live() != 0 {
		t.Fatalf("timers still live after removal: %v", facility.LiveFor(ss.Basic))
	}
	sched.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatalf("%d timers fired for a removed station", fired)
	}
	if q.NumberInQueue(f.QueuePriority()) != 0 {
		t.Fatalf("flow queue not released")
	}
	if _, ok := r.FlowByCID(cid); ok {
		t.Fatalf("flow still indexed")
	}
	if r.NumStations() != 0 {
		t.Fatalf("station still registered")
	}
	// The transport CID is free again.
	again, _ := r.AllocateTransportCID()
	if again == cid {
		t.Fatalf("round robin should not immediately reuse %s", cid)
	}
}

func TestFlowQueueSuspendedUntilActivated(t *testing.T) {
	sched := timer.NewFakeEventScheduler(time.Unix(0, 0))
	q := queue.New(0)
	r := New(timer.NewFacility(sched), q, nil, nil)
	ss, _ := r.AddSS(macN(1))
	cid, _ := r.AllocateTransportCID()
	f := &Flow{SFID: r.NextSFID(), CID: cid}
	_ = r.AddFlow(ss, f)
	q.Insert([]byte{1}, f.QueuePriority())
	if _, ok := q.Dequeue(f.QueuePriority(), 10); ok {
		t.Fatalf("queue of an inactive flow drained")
	}
	r.Activate(f)
	if _, ok := q.Dequeue(f.QueuePriority(), 10); !ok {
		t.Fatalf("queue of an active flow not drained")
	}
}

func TestMulticastFlows(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	f := &Flow{SFID: 9, CID: mac.TransportCIDFirst + 10, Direction: mac.Downlink}
	if err := r.AddFlow(nil, f); err != nil {
		t.Fatalf("AddFlow: %v", err)
	}
	if !f.Multicast() {
		t.Fatalf("flow without owner should be multicast")
	}
	if got, ok := r.FlowBySFID(9); !ok || got != f {
		t.Fatalf("FlowBySFID failed")
	}
	if _, err := r.LookupByCID(f.CID); !errors.Is(err, ErrUnknownCID) {
		t.Fatalf("multicast cid should not resolve to a station: %v", err)
	}
	r.RemoveFlow(f)
	if len(r.MulticastFlows()) != 0 {
		t.Fatalf("multicast flow not removed")
	}
}

func TestTransactionIDsWrapInBaseStationRange(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.nextTxn = mac.BSTransIDLast - 1
	got := []uint16{r.NextTransactionID(), r.NextTransactionID(), r.NextTransactionID()}
	want := []uint16{0xFFFE, 0xFFFF, 0x8000}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transaction ids = %x, want %x", got, want)
		}
	}
}

func TestSnapshotGroupsFlows(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	a, _ := r.AddSS(macN(1))
	b, _ := r.AddSS(macN(2))
	a.Registered = true
	a.Ranging.Completed = true
	a.Ranging.State = PeriodicIdle
	types := []mac.ServiceType{mac.ServiceBE, mac.ServiceBE, mac.ServiceUGS}
	for i, st := range types {
		owner := a
		if i == 2 {
			owner = b
		}
		cid, _ := r.AllocateTransportCID()
		f := &Flow{SFID: r.NextSFID(), CID: cid, ServiceType: st, Admitted: true, ReservedSlots: 10}
		_ = r.AddFlow(owner, f)
	}
	s := r.Snapshot()
	if s.Stations != 2 || s.Registered != 1 || s.Ranged != 1 || s.Flows != 3 {
		t.Fatalf("snapshot counts = %+v", s)
	}
	if s.FlowsByService["BE"] != 2 || s.FlowsByService["UGS"] != 1 {
		t.Fatalf("FlowsByService = %v", s.FlowsByService)
	}
	if s.ReservedSlots != 10 {
		t.Fatalf("only the UGS reservation counts, got %d", s.ReservedSlots)
	}
	if s.StationStates[string(PeriodicIdle)] != 1 || s.StationStates[string(NotRanged)] != 1 {
		t.Fatalf("StationStates = %v", s.StationStates)
	}
}
