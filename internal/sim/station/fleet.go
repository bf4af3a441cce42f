package station

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ports"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
	"github.com/signalsfoundry/bs-mac-engine/internal/phy"
)

var (
	// ErrDuplicateStation is returned when a MAC address is added twice.
	ErrDuplicateStation = errors.New("station: duplicate mac address")
	// ErrUnknownStation is returned for a MAC address the fleet does not
	// hold.
	ErrUnknownStation = errors.New("station: unknown mac address")
	// ErrNotBound is returned by Join before Bind.
	ErrNotBound = errors.New("station: fleet not bound to an engine")
)

// Engine is the base station as the fleet drives it. *engine.Engine
// satisfies it.
type Engine interface {
	Post(fn func(ctx context.Context))
	ReceiveMacPdu(ctx context.Context, cid mac.CID, payload []byte, meas mac.Measurement) error
	EnqueueDownlink(ctx context.Context, cid mac.CID, sdu []byte) error
}

// Slots sizes uplink grants. *phy.Model satisfies it.
type Slots interface {
	SlotBytes(profile uint8, dir mac.Direction) int
}

// Config controls a Fleet.
type Config struct {
	// Clock stamps uplink measurements. Defaults to time.Now.
	Clock func() time.Time
	Slots Slots
	// Echo loops every classified uplink SDU back on the sender's first
	// active downlink flow.
	Echo bool
}

// Stats counts what the fleet saw on the air.
type Stats struct {
	Frames       uint64
	Bursts       uint64
	DecodeErrors uint64
	Unclaimed    uint64 // downlink PDUs no station owns
	Refused      uint64 // bursts the engine returned an error for
	Classified   uint64
	Echoed       uint64
	Installed    int
}

type burst struct {
	cid     mac.CID
	payload []byte
	meas    mac.Measurement
}

// Fleet is a set of simulated stations behind a loopback PHY. Its Transmit
// method is the engine's transmit hook, and it doubles as the engine's
// convergence sublayer classifier.
type Fleet struct {
	cfg Config
	log logging.Logger

	mu        sync.Mutex
	eng       Engine
	stations  []*Station
	byMAC     map[mac.MACAddress]*Station
	installed map[uint32]mac.CID
	stats     Stats
}

var (
	_ phy.TransmitHook = (*Fleet)(nil).Transmit
	_ ports.Classifier = (*Fleet)(nil)
)

// NewFleet returns an empty fleet. Bind it to the engine before the first
// frame.
func NewFleet(cfg Config, log logging.Logger) (*Fleet, error) {
	if cfg.Slots == nil {
		return nil, errors.New("station: slot sizing is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Fleet{
		cfg:       cfg,
		log:       logging.OrNoop(log),
		byMAC:     make(map[mac.MACAddress]*Station),
		installed: make(map[uint32]mac.CID),
	}, nil
}

// Bind attaches the engine the stations talk to.
func (f *Fleet) Bind(e Engine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eng = e
}

// Add creates an idle station.
func (f *Fleet) Add(p Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byMAC[p.MAC]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStation, p.MAC)
	}
	s := newStation(p)
	f.stations = append(f.stations, s)
	f.byMAC[p.MAC] = s
	return nil
}

// Join starts network entry for addr. The initial ranging request goes out
// with the next frame.
func (f *Fleet) Join(addr mac.MACAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eng == nil {
		return ErrNotBound
	}
	s, ok := f.byMAC[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStation, addr)
	}
	s.join()
	return nil
}

// JoinAll starts network entry for every idle station.
func (f *Fleet) JoinAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eng == nil {
		return ErrNotBound
	}
	for _, s := range f.stations {
		s.join()
	}
	return nil
}

// Leave sends a deregistration request from an operational station.
func (f *Fleet) Leave(addr mac.MACAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byMAC[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStation, addr)
	}
	if !s.leave() {
		return fmt.Errorf("station: %s is %s", addr, s.phase)
	}
	return nil
}

// Snapshots returns every station's state in the order they were added.
func (f *Fleet) Snapshots() []Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Snapshot, 0, len(f.stations))
	for _, s := range f.stations {
		out = append(out, s.snapshot())
	}
	return out
}

// Snapshot returns one station's state.
func (f *Fleet) Snapshot(addr mac.MACAddress) (Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byMAC[addr]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Phases counts stations per phase.
func (f *Fleet) Phases() map[Phase]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[Phase]int)
	for _, s := range f.stations {
		out[s.phase]++
	}
	return out
}

// Stats returns the fleet counters.
func (f *Fleet) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.stats
	st.Installed = len(f.installed)
	return st
}

// Transmit receives one downlink frame. Every station handles what was
// addressed to it, then each one with something to say answers in a single
// concatenated uplink burst posted to the engine's event loop.
func (f *Fleet) Transmit(_ context.Context, fr phy.Frame) error {
	f.mu.Lock()
	f.stats.Frames++
	var ul *wire.ULMap
	if len(fr.PDUs) > 1 {
		ul = f.ulMap(fr.PDUs[1])
	}
	if len(fr.PDUs) > 2 {
		for _, b := range fr.PDUs[2:] {
			pdus, err := wire.SplitPDUs(b)
			if err != nil {
				f.stats.DecodeErrors++
			}
			for _, p := range pdus {
				f.dispatch(p)
			}
		}
	}
	grants := make(map[*Station]int)
	if ul != nil {
		for _, ie := range ul.IEs {
			s := f.byBasic(ie.CID)
			if s == nil {
				continue
			}
			switch {
			case ie.UIUC == mac.UIUCRanging:
				s.invite()
			case ie.UIUC >= mac.UIUCMostRobust && ie.UIUC < mac.UIUCRequest:
				grants[s] += int(ie.Duration) * f.cfg.Slots.SlotBytes(ie.UIUC, mac.Uplink)
			}
		}
	}
	bursts := f.collect(grants)
	eng := f.eng
	f.stats.Bursts += uint64(len(bursts))
	f.mu.Unlock()

	if eng == nil {
		return nil
	}
	for _, b := range bursts {
		b := b
		eng.Post(func(ctx context.Context) {
			if err := eng.ReceiveMacPdu(ctx, b.cid, b.payload, b.meas); err != nil {
				f.mu.Lock()
				f.stats.Refused++
				f.mu.Unlock()
				f.log.Debug(ctx, "uplink burst refused", logging.Uint16("cid", uint16(b.cid)), logging.Err(err))
			}
		})
	}
	return nil
}

func (f *Fleet) ulMap(b []byte) *wire.ULMap {
	p, _, err := wire.DecodePDU(b)
	if err != nil || p.Header.Generic == nil {
		f.stats.DecodeErrors++
		return nil
	}
	msg, err := wire.Unmarshal(p.Payload)
	if err != nil {
		f.stats.DecodeErrors++
		return nil
	}
	ul, _ := msg.(*wire.ULMap)
	return ul
}

func (f *Fleet) dispatch(p wire.PDU) {
	if p.Header.Generic == nil {
		return
	}
	cid := p.Header.CID()
	switch {
	case cid == mac.InitialRangingCID:
		msg, ok := f.decode(p)
		if !ok {
			return
		}
		rsp, ok := msg.(*wire.RngRsp)
		if !ok || rsp.MAC == nil {
			return
		}
		if s := f.byMAC[*rsp.MAC]; s != nil && s.phase == PhaseRanging {
			s.handle(cid, rsp)
		}
	case cid.IsBroadcast():
	default:
		s := f.owner(cid)
		if s == nil {
			f.stats.Unclaimed++
			return
		}
		if s.management(cid) {
			if msg, ok := f.decode(p); ok {
				s.handle(cid, msg)
			}
			return
		}
		if fl, ok := s.flows[cid]; ok {
			fl.RxBytes += uint64(len(p.Payload))
		}
	}
}

func (f *Fleet) decode(p wire.PDU) (wire.Message, bool) {
	msg, err := wire.Unmarshal(p.Payload)
	if err != nil {
		f.stats.DecodeErrors++
		return nil, false
	}
	return msg, true
}

func (f *Fleet) owner(cid mac.CID) *Station {
	for _, s := range f.stations {
		if s.owns(cid) {
			return s
		}
	}
	return nil
}

func (f *Fleet) byBasic(cid mac.CID) *Station {
	if cid == 0 {
		return nil
	}
	for _, s := range f.stations {
		if s.basic == cid {
			return s
		}
	}
	return nil
}

// collect builds this frame's uplink bursts. Management replies come
// first, then bandwidth requests, then data in the granted space.
func (f *Fleet) collect(grants map[*Station]int) []burst {
	now := f.cfg.Clock()
	var out []burst
	for _, s := range f.stations {
		switch s.phase {
		case PhaseIdle, PhaseLeft, PhaseFailed:
			s.out = nil
			continue
		}
		meas := s.measurement(now)
		if s.sendInitial {
			s.sendInitial = false
			addr := s.profile.MAC
			if pdu, ok := f.encode(mac.InitialRangingCID, &wire.RngReq{MAC: &addr}); ok {
				s.rangingRequests++
				out = append(out, burst{cid: mac.InitialRangingCID, payload: pdu, meas: meas})
			}
		}
		if s.basic == 0 {
			s.out = nil
			continue
		}
		var buf bytes.Buffer
		if s.invited {
			s.invited = false
			if pdu, ok := f.encode(s.basic, &wire.RngReq{}); ok {
				s.rangingRequests++
				buf.Write(pdu)
			}
		}
		for _, o := range s.out {
			if pdu, ok := f.encode(o.cid, o.msg); ok {
				buf.Write(pdu)
			}
		}
		s.out = nil
		for _, r := range s.offer() {
			pdu, err := wire.EncodeBandwidthRequest(r)
			if err != nil {
				continue
			}
			buf.Write(pdu)
		}
		if n := grants[s]; n > 0 && s.phase == PhaseOperational {
			for _, pdu := range s.fill(n) {
				buf.Write(pdu)
			}
		}
		if buf.Len() > 0 {
			out = append(out, burst{cid: s.basic, payload: buf.Bytes(), meas: meas})
		}
	}
	return out
}

func (f *Fleet) encode(cid mac.CID, m wire.Message) ([]byte, bool) {
	pdu, err := wire.EncodePDU(cid, m)
	if err != nil {
		f.log.Warn(context.Background(), "encode uplink message",
			logging.Stringer("type", m.Type()), logging.Err(err))
		return nil, false
	}
	return pdu, true
}

// Install implements ports.Classifier.
func (f *Fleet) Install(csfID uint32, cid mac.CID, _ []mac.ClassifierRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[csfID] = cid
}

// Invalidate implements ports.Classifier.
func (f *Fleet) Invalidate(csfID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.installed, csfID)
}

// PacketFromLower implements ports.Classifier. With Echo set the SDU is
// queued back to the sender on its first active downlink flow.
func (f *Fleet) PacketFromLower(payload []byte, _ mac.MACAddress, basic mac.CID) {
	f.mu.Lock()
	f.stats.Classified++
	var target mac.CID
	if s := f.byBasic(basic); s != nil && f.cfg.Echo {
		for _, fl := range s.sortedFlows() {
			if fl.Active && fl.Direction == mac.Downlink {
				target = fl.CID
				break
			}
		}
	}
	eng := f.eng
	f.mu.Unlock()
	if target == 0 || eng == nil {
		return
	}
	sdu := bytes.Clone(payload)
	eng.Post(func(ctx context.Context) {
		if err := eng.EnqueueDownlink(ctx, target, sdu); err != nil {
			f.log.Debug(ctx, "echo dropped", logging.Uint16("cid", uint16(target)), logging.Err(err))
			return
		}
		f.mu.Lock()
		f.stats.Echoed++
		f.mu.Unlock()
	})
}
