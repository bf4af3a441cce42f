// Package station simulates subscriber stations. A Fleet sits behind the
// engine's PHY transmit hook, decodes each downlink frame, lets every
// station react to what was addressed to it and feeds the replies back to
// the engine as uplink bursts.
package station

import (
	"sort"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
)

// Phase is where a station is in network entry.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseRanging     Phase = "ranging"
	PhaseNegotiating Phase = "negotiating"
	PhaseRegistering Phase = "registering"
	PhaseOperational Phase = "operational"
	PhaseRefused     Phase = "refused"
	PhaseLeaving     Phase = "leaving"
	PhaseLeft        Phase = "left"
	PhaseFailed      Phase = "failed"
)

// FlowRequest is a service flow a station asks for once registered.
type FlowRequest struct {
	Direction   mac.Direction
	ServiceType mac.ServiceType
	QoS         mac.QoS
	// Traffic is the uplink load offered each frame once the flow is
	// active, in bytes.
	Traffic int
}

// Profile describes one simulated station.
type Profile struct {
	MAC mac.MACAddress
	// RSSI is the power the base station receives before any correction,
	// in dBm.
	RSSI       float64
	CINR       float64
	Modulation mac.Modulation
	// ManagementSupport asks for a secondary management connection.
	ManagementSupport bool
	Capabilities      wire.Capabilities
	Flows             []FlowRequest
	// Aggregate sends aggregate bandwidth requests instead of incremental
	// ones.
	Aggregate bool
}

// Flow is a service flow as the station sees it.
type Flow struct {
	CID         mac.CID
	SFID        uint32
	Direction   mac.Direction
	ServiceType mac.ServiceType
	QoS         mac.QoS
	Active      bool

	traffic   int
	backlog   int
	requested int
	TxBytes   uint64
	RxBytes   uint64
}

// Snapshot is a copy of a station's state.
type Snapshot struct {
	MAC       mac.MACAddress
	Phase     Phase
	Basic     mac.CID
	Primary   mac.CID
	Secondary mac.CID
	RSSI      float64
	Flows     []Flow

	RangingRequests   int
	PowerCorrections  int
	RangingAborts     int
	Rejections        int
	BandwidthRequests int
	TxBytes           uint64
	RxBytes           uint64
}

// ActiveFlows counts the flows carrying traffic.
func (s Snapshot) ActiveFlows() int {
	n := 0
	for _, f := range s.Flows {
		if f.Active {
			n++
		}
	}
	return n
}

// maxEntryAttempts bounds initial ranging restarts after an abort.
const maxEntryAttempts = 3

type outbound struct {
	cid mac.CID
	msg wire.Message
}

type pendingDsa struct {
	req FlowRequest
	ack *wire.DsaAck // sent once the response arrived, repeated on duplicates
}

// Station is one simulated subscriber station. It is driven by its Fleet
// and never touched concurrently.
type Station struct {
	profile Profile
	phase   Phase
	rssi    float64

	basic, primary, secondary mac.CID

	attempts    int
	sendInitial bool
	invited     bool
	nextTxn     uint16
	dsa         map[uint16]*pendingDsa // station-initiated
	remote      map[uint16]*wire.DsxConfirm
	flows       map[mac.CID]*Flow
	out         []outbound
	dataCursor  int

	rangingRequests   int
	powerCorrections  int
	rangingAborts     int
	rejections        int
	bandwidthRequests int
}

func newStation(p Profile) *Station {
	return &Station{
		profile: p,
		phase:   PhaseIdle,
		rssi:    p.RSSI,
		dsa:     make(map[uint16]*pendingDsa),
		remote:  make(map[uint16]*wire.DsxConfirm),
		flows:   make(map[mac.CID]*Flow),
	}
}

// MAC returns the station's address.
func (s *Station) MAC() mac.MACAddress { return s.profile.MAC }

func (s *Station) measurement(at time.Time) mac.Measurement {
	return mac.Measurement{Modulation: s.profile.Modulation, RSSI: s.rssi, CINR: s.profile.CINR, At: at}
}

// join starts network entry with an initial ranging request on the next
// frame.
func (s *Station) join() {
	switch s.phase {
	case PhaseIdle, PhaseLeft, PhaseRefused:
	default:
		return
	}
	s.phase = PhaseRanging
	s.basic, s.primary, s.secondary = 0, 0, 0
	s.flows = make(map[mac.CID]*Flow)
	s.dsa = make(map[uint16]*pendingDsa)
	s.remote = make(map[uint16]*wire.DsxConfirm)
	s.attempts = 1
	s.sendInitial = true
}

// leave asks the base station to deregister the station.
func (s *Station) leave() bool {
	if s.phase != PhaseOperational {
		return false
	}
	s.phase = PhaseLeaving
	s.out = append(s.out, outbound{s.basic, &wire.DregReq{}})
	return true
}

func (s *Station) owns(cid mac.CID) bool {
	if cid == 0 {
		return false
	}
	if cid == s.basic || cid == s.primary || cid == s.secondary {
		return true
	}
	_, ok := s.flows[cid]
	return ok
}

func (s *Station) management(cid mac.CID) bool {
	return cid == s.basic || cid == s.primary
}

func (s *Station) send(cid mac.CID, m wire.Message) {
	s.out = append(s.out, outbound{cid, m})
}

func (s *Station) handle(cid mac.CID, m wire.Message) {
	if s.phase == PhaseLeft || s.phase == PhaseFailed {
		return
	}
	switch msg := m.(type) {
	case *wire.RngRsp:
		s.rangingResponse(msg)
	case *wire.SbcRsp:
		if s.phase == PhaseNegotiating {
			s.phase = PhaseRegistering
			s.send(s.primary, &wire.RegReq{Registration: wire.Registration{
				ManagementSupport: s.profile.ManagementSupport,
				IPVersion:         1,
			}})
		}
	case *wire.RegRsp:
		s.registrationResponse(msg)
	case *wire.DsxRvd:
	case *wire.DsaRsp:
		s.dsaResponse(msg)
	case *wire.DsaReq:
		s.remoteRequest(msg.TransactionID, &msg.Flow, func(c wire.DsxConfirm) wire.Message { return &wire.DsaRsp{DsxConfirm: c} })
	case *wire.DsaAck:
		if rsp, ok := s.remote[msg.TransactionID]; ok && rsp.Flow != nil && rsp.Flow.CID != nil {
			if f, ok := s.flows[*rsp.Flow.CID]; ok && msg.Code == mac.CCOK {
				f.Active = true
			}
			delete(s.remote, msg.TransactionID)
		}
	case *wire.DscReq:
		s.remoteRequest(msg.TransactionID, &msg.Flow, func(c wire.DsxConfirm) wire.Message { return &wire.DscRsp{DsxConfirm: c} })
	case *wire.DscAck:
		delete(s.remote, msg.TransactionID)
	case *wire.DsdReq:
		code := mac.CCServiceFlowNotFound
		for c, f := range s.flows {
			if f.SFID == msg.SFID {
				delete(s.flows, c)
				code = mac.CCOK
			}
		}
		s.send(cid, &wire.DsdRsp{TransactionID: msg.TransactionID, Code: code, SFID: msg.SFID})
	case *wire.DregCmd:
		s.phase = PhaseLeft
		s.out = nil
	}
}

func (s *Station) rangingResponse(rsp *wire.RngRsp) {
	if rsp.PowerAdjust != nil {
		s.rssi += float64(*rsp.PowerAdjust) / 4
		s.powerCorrections++
	}
	switch rsp.Status {
	case mac.RangingAbort:
		s.rangingAborts++
		s.basic, s.primary = 0, 0
		if s.attempts >= maxEntryAttempts {
			s.phase = PhaseFailed
			return
		}
		s.attempts++
		s.phase = PhaseRanging
		s.sendInitial = true
	case mac.RangingContinue:
		if rsp.BasicCID != nil && rsp.PrimaryCID != nil {
			s.basic, s.primary = *rsp.BasicCID, *rsp.PrimaryCID
		}
	case mac.RangingSuccess:
		if s.phase == PhaseRanging {
			s.phase = PhaseNegotiating
			s.send(s.basic, &wire.SbcReq{Capabilities: s.profile.Capabilities})
		}
	}
}

func (s *Station) registrationResponse(rsp *wire.RegRsp) {
	if s.phase != PhaseRegistering {
		return
	}
	if rsp.Response != wire.RegResponseOK {
		s.phase = PhaseRefused
		return
	}
	s.phase = PhaseOperational
	if rsp.SecondaryCID != nil {
		s.secondary = *rsp.SecondaryCID
	}
	for _, fr := range s.profile.Flows {
		s.nextTxn++
		s.dsa[s.nextTxn] = &pendingDsa{req: fr}
		s.send(s.primary, &wire.DsaReq{DsxRequest: wire.DsxRequest{
			TransactionID: s.nextTxn,
			Flow:          wire.ServiceFlowParams{Direction: fr.Direction, ServiceType: fr.ServiceType, QoS: fr.QoS},
		}})
	}
}

func (s *Station) dsaResponse(rsp *wire.DsaRsp) {
	p, ok := s.dsa[rsp.TransactionID]
	if !ok {
		return
	}
	if p.ack == nil {
		p.ack = &wire.DsaAck{DsxConfirm: wire.DsxConfirm{TransactionID: rsp.TransactionID, Code: mac.CCOK}}
		if rsp.Code == mac.CCOK && rsp.Flow != nil && rsp.Flow.CID != nil {
			s.flows[*rsp.Flow.CID] = &Flow{
				CID:         *rsp.Flow.CID,
				SFID:        rsp.Flow.SFID,
				Direction:   p.req.Direction,
				ServiceType: p.req.ServiceType,
				QoS:         rsp.Flow.QoS,
				Active:      true,
				traffic:     p.req.Traffic,
			}
		} else {
			s.rejections++
		}
	}
	s.send(s.primary, p.ack)
}

func (s *Station) remoteRequest(txn uint16, params *wire.ServiceFlowParams, wrap func(wire.DsxConfirm) wire.Message) {
	if prev, ok := s.remote[txn]; ok {
		s.send(s.primary, wrap(*prev))
		return
	}
	rsp := &wire.DsxConfirm{TransactionID: txn, Code: mac.CCOK, Flow: params}
	if params.CID == nil {
		rsp.Code = mac.CCRequiredParamNotPresent
	} else if f, ok := s.flows[*params.CID]; ok {
		f.QoS = params.QoS
	} else {
		s.flows[*params.CID] = &Flow{
			CID:         *params.CID,
			SFID:        params.SFID,
			Direction:   params.Direction,
			ServiceType: params.ServiceType,
			QoS:         params.QoS,
		}
	}
	s.remote[txn] = rsp
	s.send(s.primary, wrap(*rsp))
}

// invite records an invited ranging opportunity on the basic CID.
func (s *Station) invite() {
	if s.basic != 0 && s.phase != PhaseLeaving {
		s.invited = true
	}
}

// offer adds one frame of uplink traffic and returns the bandwidth requests
// it calls for.
func (s *Station) offer() []wire.BandwidthRequest {
	if s.phase != PhaseOperational {
		return nil
	}
	var out []wire.BandwidthRequest
	for _, f := range s.sortedFlows() {
		if !f.Active || f.Direction != mac.Uplink || f.traffic <= 0 {
			continue
		}
		f.backlog += f.traffic
		if f.ServiceType.Unsolicited() || f.backlog <= f.requested {
			continue
		}
		req := wire.BandwidthRequest{CID: f.CID}
		if s.profile.Aggregate {
			req.Aggregate = true
			req.Bytes = uint32(f.backlog)
		} else {
			req.Bytes = uint32(f.backlog - f.requested)
		}
		f.requested = f.backlog
		s.bandwidthRequests++
		out = append(out, req)
	}
	return out
}

// fill packs backlog into data PDUs of at most capacity bytes in total.
// Flows are served round robin across grants.
func (s *Station) fill(capacity int) [][]byte {
	flows := s.uplinkBacklog()
	if len(flows) == 0 {
		return nil
	}
	var out [][]byte
	for i := 0; i < len(flows) && capacity > wire.HeaderLen; i++ {
		f := flows[(s.dataCursor+i)%len(flows)]
		for f.backlog > 0 && capacity > wire.HeaderLen {
			n := min(f.backlog, capacity-wire.HeaderLen, mac.MaxPDUSize-wire.HeaderLen)
			pdu, err := wire.EncodeDataPDU(f.CID, payload(n))
			if err != nil {
				break
			}
			out = append(out, pdu)
			capacity -= len(pdu)
			f.backlog -= n
			f.requested = max(f.requested-n, 0)
			f.TxBytes += uint64(n)
		}
	}
	s.dataCursor++
	return out
}

func (s *Station) uplinkBacklog() []*Flow {
	var out []*Flow
	for _, f := range s.sortedFlows() {
		if f.Active && f.Direction == mac.Uplink && f.backlog > 0 {
			out = append(out, f)
		}
	}
	return out
}

func (s *Station) sortedFlows() []*Flow {
	out := make([]*Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CID < out[j].CID })
	return out
}

func (s *Station) snapshot() Snapshot {
	snap := Snapshot{
		MAC:               s.profile.MAC,
		Phase:             s.phase,
		Basic:             s.basic,
		Primary:           s.primary,
		Secondary:         s.secondary,
		RSSI:              s.rssi,
		RangingRequests:   s.rangingRequests,
		PowerCorrections:  s.powerCorrections,
		RangingAborts:     s.rangingAborts,
		Rejections:        s.rejections,
		BandwidthRequests: s.bandwidthRequests,
	}
	for _, f := range s.sortedFlows() {
		snap.Flows = append(snap.Flows, *f)
		snap.TxBytes += f.TxBytes
		snap.RxBytes += f.RxBytes
	}
	return snap
}

// payload is an IPv4-looking SDU of n bytes.
func payload(n int) []byte {
	b := make([]byte, n)
	if n > 0 {
		b[0] = 0x45
	}
	return b
}
