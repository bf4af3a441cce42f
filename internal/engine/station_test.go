package engine

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/mocks"
	"github.com/signalsfoundry/bs-mac-engine/internal/provision"
)

func TestUnprovisionedStationRefused(t *testing.T) {
	table := provision.Table{testMAC: {Allowed: false}}
	h := newHarness(t, nil, nil, WithProvisioner(provision.NewStore(table)))
	ss := h.rangeStation(testMAC)
	h.negotiate(ss)
	basic := ss.Basic

	h.mustUplink(ss.Primary, &wire.RegReq{})
	regs := ofType[*wire.RegRsp](h.sent(ss.Primary))
	if len(regs) != 1 || regs[0].Response != wire.RegResponseFailure {
		t.Fatalf("reg responses %+v", regs)
	}
	if ss.Registered {
		t.Fatalf("refused station registered")
	}
	if _, err := h.e.reg.LookupByCID(basic); err != nil {
		t.Fatalf("station removed before its response drained")
	}
	h.sched.Advance(2 * h.cfg.Schedule.FrameDuration)
	if _, ok := h.e.reg.LookupByMAC(testMAC); ok {
		t.Fatalf("refused station kept")
	}
	st := h.e.Stats()
	if st.RegistrationFailures != 1 || st.Registrations != 0 || st.Evictions != 1 {
		t.Fatalf("stats %+v", st)
	}
}

func TestRequireProvisioningRefusesUnknownStations(t *testing.T) {
	other := mac.MACAddress{0x02, 0, 0, 0, 0, 0x99}
	store := provision.NewStore(provision.Table{other: {Allowed: true}})
	h := newHarness(t, func(c *Config) { c.RequireProvisioning = true }, nil, WithProvisioner(store))
	ss := h.rangeStation(testMAC)
	h.negotiate(ss)
	h.mustUplink(ss.Primary, &wire.RegReq{})
	if regs := ofType[*wire.RegRsp](h.sent(ss.Primary)); len(regs) != 1 || regs[0].Response != wire.RegResponseFailure {
		t.Fatalf("reg responses %+v", regs)
	}

	okay := h.join(other)
	if !okay.Registered {
		t.Fatalf("provisioned station refused")
	}
}

func TestProvisionedRateCapsRequests(t *testing.T) {
	store := provision.NewStore(provision.Table{testMAC: {Allowed: true, MaxRate: 100000}})
	h := newHarness(t, nil, nil, WithProvisioner(store))
	ss := h.join(testMAC)

	h.mustUplink(ss.Primary, &wire.DsaReq{DsxRequest: wire.DsxRequest{
		TransactionID: 4,
		Flow: wire.ServiceFlowParams{
			Direction:   mac.Uplink,
			ServiceType: mac.ServiceNrtPS,
			QoS:         mac.QoS{MaxSustainedRate: 1_000_000, MinReservedRate: 500_000},
		},
	}})
	flows := ss.AllFlows()
	if len(flows) != 1 {
		t.Fatalf("flows = %d", len(flows))
	}
	if q := flows[0].QoS; q.MaxSustainedRate != 100000 || q.MinReservedRate != 100000 {
		t.Fatalf("qos not capped: %+v", q)
	}

	cid, err := h.e.AddServiceFlow(context.Background(), ss.Basic, dsxFlowSpec(mac.Downlink, mac.ServiceBE, mac.QoS{}))
	if err != nil {
		t.Fatalf("AddServiceFlow: %v", err)
	}
	f, _ := h.e.flow(cid)
	if f.QoS.MaxSustainedRate != 100000 {
		t.Fatalf("unbounded local flow not capped: %+v", f.QoS)
	}
}

func TestUplinkDataReachesClassifier(t *testing.T) {
	ctrl := gomock.NewController(t)
	classifier := mocks.NewMockClassifier(ctrl)
	h := newHarness(t, nil, classifier)
	ss := h.join(testMAC)

	h.mustUplink(ss.Primary, &wire.DsaReq{DsxRequest: wire.DsxRequest{
		TransactionID: 6,
		Flow:          wire.ServiceFlowParams{Direction: mac.Uplink, ServiceType: mac.ServiceBE},
	}})
	rsps := ofType[*wire.DsaRsp](h.sent(ss.Primary))
	if len(rsps) != 1 || rsps[0].Flow == nil || rsps[0].Flow.CID == nil {
		t.Fatalf("dsa responses %+v", rsps)
	}
	cid := *rsps[0].Flow.CID
	payload := []byte{0x45, 0x00, 0x00, 0x14}
	pdu, err := wire.EncodeDataPDU(cid, payload)
	if err != nil {
		t.Fatalf("EncodeDataPDU: %v", err)
	}

	// Not yet acknowledged, so not yet carrying traffic.
	if err := h.e.ReceiveMacPdu(context.Background(), cid, pdu, h.meas()); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("data on inactive flow: %v", err)
	}

	h.mustUplink(ss.Primary, &wire.DsaAck{DsxConfirm: wire.DsxConfirm{TransactionID: 6}})
	classifier.EXPECT().PacketFromLower(payload, testMAC, ss.Basic).Times(2)
	if err := h.e.ReceiveMacPdu(context.Background(), cid, pdu, h.meas()); err != nil {
		t.Fatalf("data on active flow: %v", err)
	}

	secondary, err := wire.EncodeDataPDU(ss.Secondary, payload)
	if err != nil {
		t.Fatalf("EncodeDataPDU: %v", err)
	}
	if err := h.e.ReceiveMacPdu(context.Background(), ss.Secondary, secondary, h.meas()); err != nil {
		t.Fatalf("data on secondary cid: %v", err)
	}
	if h.e.Stats().UplinkPDUs != 2 {
		t.Fatalf("uplink pdus = %d", h.e.Stats().UplinkPDUs)
	}
}

func TestEvictionInvalidatesClassifiers(t *testing.T) {
	ctrl := gomock.NewController(t)
	classifier := mocks.NewMockClassifier(ctrl)
	h := newHarness(t, nil, classifier)
	ss := h.join(testMAC)
	f := h.activeUplinkFlow(ss, 9)

	classifier.EXPECT().Invalidate(f.SFID)
	h.mustUplink(ss.Primary, &wire.DregReq{})
	h.sched.Advance(2 * h.cfg.Schedule.FrameDuration)
	if _, err := h.e.flow(f.CID); !errors.Is(err, ErrUnknownFlow) {
		t.Fatalf("flow kept after eviction")
	}
}

func invitedRangingIEs(t *testing.T, pdu []byte, cid mac.CID) int {
	t.Helper()
	p, _, err := wire.DecodePDU(pdu)
	if err != nil {
		t.Fatalf("ul-map: %v", err)
	}
	msg, err := wire.Unmarshal(p.Payload)
	if err != nil {
		t.Fatalf("ul-map: %v", err)
	}
	ul, ok := msg.(*wire.ULMap)
	if !ok {
		t.Fatalf("second pdu is %s, not a UL-MAP", msg.Type())
	}
	n := 0
	for _, ie := range ul.IEs {
		if ie.CID == cid && ie.UIUC == mac.UIUCRanging {
			n++
		}
	}
	return n
}

func TestDepartingStationIsNotReinvited(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	ss := h.join(testMAC)
	ss.Ranging.NeedInvited = true

	if err := h.e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.e.Stop(ctx)
	h.sched.Advance(0)
	if len(h.frames) != 1 || invitedRangingIEs(t, h.frames[0].PDUs[1], ss.Basic) != 1 || !ss.Ranging.Invited {
		t.Fatalf("station not invited in the first frame")
	}

	h.mustUplink(ss.Basic, &wire.DregReq{})
	if ss.Ranging.Invited || ss.Ranging.NeedInvited {
		t.Fatalf("departing station still has an invitation outstanding")
	}
	h.sched.Advance(h.cfg.Schedule.FrameDuration)
	if len(h.frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(h.frames))
	}
	if n := invitedRangingIEs(t, h.frames[1].PDUs[1], ss.Basic); n != 0 {
		t.Fatalf("departing station invited again (%d ies)", n)
	}
	if ss.Ranging.InvitedRetries != 0 {
		t.Fatalf("missed invitation counted for a departing station: %d", ss.Ranging.InvitedRetries)
	}
}
