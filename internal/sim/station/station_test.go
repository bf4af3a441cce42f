package station

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/bs-mac-engine/internal/engine"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/dsx"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/phy"
	"github.com/signalsfoundry/bs-mac-engine/internal/provision"
	"github.com/signalsfoundry/bs-mac-engine/internal/queue"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
)

type rig struct {
	fleet *Fleet
	eng   *engine.Engine
	sched *timer.FakeEventScheduler
	cfg   engine.Config
}

func newRig(t *testing.T, echo bool, opts ...engine.Option) *rig {
	t.Helper()
	sched := timer.NewFakeEventScheduler(time.Unix(5000, 0))
	model, err := phy.New(phy.DefaultConfig(), nil)
	require.NoError(t, err)
	fleet, err := NewFleet(Config{Clock: sched.Now, Slots: model, Echo: echo}, nil)
	require.NoError(t, err)
	model.SetTransmitHook(fleet.Transmit)

	cfg := engine.DefaultConfig()
	cfg.Schedule.BSID = mac.MACAddress{0x02, 0, 0, 0, 0, 0x01}
	e, err := engine.New(cfg, engine.Deps{Events: sched, PHY: model, Queue: queue.New(0), Classifier: fleet},
		append([]engine.Option{engine.WithInstanceID("sim-test")}, opts...)...)
	require.NoError(t, err)
	fleet.Bind(e)
	require.NoError(t, e.Start(context.Background()))
	return &rig{fleet: fleet, eng: e, sched: sched, cfg: cfg}
}

func (r *rig) frames(n int) {
	r.sched.Advance(time.Duration(n) * r.cfg.Schedule.FrameDuration)
}

func addr(i byte) mac.MACAddress { return mac.MACAddress{0x02, 0x51, 0, 0, 0, i} }

func plain(i byte, rssi float64, flows ...FlowRequest) Profile {
	return Profile{
		MAC:               addr(i),
		RSSI:              rssi,
		CINR:              18,
		Modulation:        mac.ModQPSK12,
		ManagementSupport: true,
		Capabilities:      wire.Capabilities{BwAllocSupport: 0x01, PDUConstruct: 0x03},
		Flows:             flows,
	}
}

func dsxSpec() dsx.FlowSpec {
	return dsx.FlowSpec{Direction: mac.Downlink, ServiceType: mac.ServiceBE}
}

func TestFleetEntersNetworkAndCarriesTraffic(t *testing.T) {
	r := newRig(t, true)
	flows := []FlowRequest{
		{Direction: mac.Uplink, ServiceType: mac.ServiceBE, Traffic: 200},
		{Direction: mac.Downlink, ServiceType: mac.ServiceBE},
	}
	require.NoError(t, r.fleet.Add(plain(1, -70, flows...)))
	require.NoError(t, r.fleet.Add(plain(2, -72)))
	require.NoError(t, r.fleet.Add(plain(3, -75)))
	require.NoError(t, r.fleet.JoinAll())

	r.frames(60)

	assert.Equal(t, 3, r.fleet.Phases()[PhaseOperational])
	st := r.eng.Stats()
	require.False(t, st.Failed, st.Error)
	assert.EqualValues(t, 3, st.Registrations)
	assert.EqualValues(t, 3, st.SBCExchanges)
	assert.EqualValues(t, 2, st.DsxReceived["DSA"])

	snap, ok := r.fleet.Snapshot(addr(1))
	require.True(t, ok)
	assert.Equal(t, 2, snap.ActiveFlows())
	assert.NotZero(t, snap.Secondary)
	assert.Greater(t, snap.BandwidthRequests, 0)
	assert.Greater(t, snap.TxBytes, uint64(0))
	assert.Greater(t, snap.RxBytes, uint64(0), "echoed traffic should come back downlink")
	assert.Greater(t, st.UplinkPDUs, uint64(0))
	assert.Greater(t, st.BandwidthRequests, uint64(0))

	fs := r.fleet.Stats()
	assert.Greater(t, fs.Classified, uint64(0))
	assert.Greater(t, fs.Echoed, uint64(0))
	assert.Zero(t, fs.DecodeErrors)
}

func TestWeakStationFollowsPowerCorrections(t *testing.T) {
	r := newRig(t, false)
	require.NoError(t, r.fleet.Add(plain(1, -110)))
	require.NoError(t, r.fleet.JoinAll())
	r.frames(40)

	snap, ok := r.fleet.Snapshot(addr(1))
	require.True(t, ok)
	assert.Equal(t, PhaseOperational, snap.Phase)
	assert.GreaterOrEqual(t, snap.PowerCorrections, 1)
	// QPSK 1/2 sensitivity plus the default margin.
	assert.GreaterOrEqual(t, snap.RSSI, -94.0)
	assert.GreaterOrEqual(t, snap.RangingRequests, 2)
}

func TestStationLeavesAndIsEvicted(t *testing.T) {
	r := newRig(t, false)
	require.NoError(t, r.fleet.Add(plain(1, -70, FlowRequest{Direction: mac.Uplink, ServiceType: mac.ServiceBE, Traffic: 100})))
	require.NoError(t, r.fleet.JoinAll())
	r.frames(40)
	require.Equal(t, 1, r.fleet.Phases()[PhaseOperational])

	require.NoError(t, r.fleet.Leave(addr(1)))
	r.frames(10)

	snap, _ := r.fleet.Snapshot(addr(1))
	assert.Equal(t, PhaseLeft, snap.Phase)
	st := r.eng.Stats()
	assert.EqualValues(t, 1, st.Deregistrations)
	assert.EqualValues(t, 1, st.Evictions)
	assert.Zero(t, st.Registry.Stations)

	// A station that has left can enter again.
	require.NoError(t, r.fleet.Join(addr(1)))
	r.frames(40)
	snap, _ = r.fleet.Snapshot(addr(1))
	assert.Equal(t, PhaseOperational, snap.Phase)
	assert.EqualValues(t, 2, r.eng.Stats().Registrations)
}

func TestUnprovisionedStationIsRefused(t *testing.T) {
	store := provision.NewStore(provision.Table{addr(1): {Allowed: false}})
	r := newRig(t, false, engine.WithProvisioner(store))
	require.NoError(t, r.fleet.Add(plain(1, -70)))
	require.NoError(t, r.fleet.Add(plain(2, -70)))
	require.NoError(t, r.fleet.JoinAll())
	r.frames(40)

	phases := r.fleet.Phases()
	assert.Equal(t, 1, phases[PhaseRefused])
	assert.Equal(t, 1, phases[PhaseOperational])
	assert.EqualValues(t, 1, r.eng.Stats().RegistrationFailures)
}

func TestOversizedFlowIsRejected(t *testing.T) {
	r := newRig(t, false)
	huge := FlowRequest{
		Direction:   mac.Uplink,
		ServiceType: mac.ServiceRtPS,
		QoS:         mac.QoS{MaxSustainedRate: 50_000_000, MinReservedRate: 50_000_000},
	}
	require.NoError(t, r.fleet.Add(plain(1, -70, huge)))
	require.NoError(t, r.fleet.JoinAll())
	r.frames(40)

	snap, _ := r.fleet.Snapshot(addr(1))
	assert.Equal(t, PhaseOperational, snap.Phase)
	assert.Equal(t, 1, snap.Rejections)
	assert.Zero(t, snap.ActiveFlows())
	assert.EqualValues(t, 1, r.eng.Stats().AdmissionRejects)
}

func TestEngineInitiatedFlowIsAccepted(t *testing.T) {
	r := newRig(t, false)
	require.NoError(t, r.fleet.Add(plain(1, -70)))
	require.NoError(t, r.fleet.JoinAll())
	r.frames(40)
	snap, _ := r.fleet.Snapshot(addr(1))
	require.Equal(t, PhaseOperational, snap.Phase)

	var cid mac.CID
	var err error
	r.eng.Post(func(ctx context.Context) {
		cid, err = r.eng.AddServiceFlow(ctx, snap.Basic, dsxSpec())
	})
	r.frames(10)
	require.NoError(t, err)

	snap, _ = r.fleet.Snapshot(addr(1))
	require.Len(t, snap.Flows, 1)
	assert.Equal(t, cid, snap.Flows[0].CID)
	assert.True(t, snap.Flows[0].Active)
	assert.EqualValues(t, 1, r.eng.Stats().DsxInitiated["DSA"])
}

func TestFleetValidatesMembership(t *testing.T) {
	model, err := phy.New(phy.DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = NewFleet(Config{}, nil)
	require.Error(t, err)

	fleet, err := NewFleet(Config{Slots: model}, nil)
	require.NoError(t, err)
	require.NoError(t, fleet.Add(plain(1, -70)))
	require.ErrorIs(t, fleet.Add(plain(1, -70)), ErrDuplicateStation)
	require.ErrorIs(t, fleet.Join(addr(1)), ErrNotBound)
	require.ErrorIs(t, fleet.Leave(addr(9)), ErrUnknownStation)
	require.Error(t, fleet.Leave(addr(1)), "idle station cannot leave")
}
