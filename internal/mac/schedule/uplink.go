package schedule

import (
	"context"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/ranging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
)

// Ranging methods carried in contention regions.
const (
	methodInitial uint8 = 0
	methodRequest uint8 = 2
)

// addUL appends ie when its slots and its map entry both fit.
func (s *Scheduler) addUL(fs *frameState, ie wire.ULMapIE) bool {
	if fs.ulMapBytes+ie.EncodedLen() > mac.MaxPDUSize {
		return false
	}
	start := fs.ul.used
	if !fs.ul.take(int(ie.Duration)) {
		return false
	}
	if ie.Region != nil {
		r := region(start, int(ie.Duration), s.phy.Subchannels(mac.Uplink), s.phy.SlotSymbols(mac.Uplink), ie.Region.RangingMethod)
		ie.Region = r
	}
	fs.ulIEs = append(fs.ulIEs, ie)
	fs.ulMapBytes += ie.EncodedLen()
	fs.ulScheduled++
	return true
}

// allocateUplink fills the uplink sub-frame: contention regions, then
// invited ranging and CDMA allocations, then data grants in round robin
// order.
func (s *Scheduler) allocateUplink(ctx context.Context, fs *frameState) {
	fs.ulMapBytes = wire.HeaderLen + wire.ULMapFixedLen

	if s.lastInitRanging.IsZero() || fs.now.Sub(s.lastInitRanging) >= s.cfg.InitRangingInterval {
		n := s.cfg.RangingOpportunities * s.cfg.OpportunitySlots
		if s.addUL(fs, wire.ULMapIE{CID: mac.BroadcastCID, UIUC: mac.UIUCCDMARanging, Duration: uint16(n), Region: &wire.ULRegion{RangingMethod: methodInitial}}) {
			s.lastInitRanging = fs.now
		}
	}
	if n := s.cfg.RequestOpportunities * s.cfg.OpportunitySlots; n > 0 {
		s.addUL(fs, wire.ULMapIE{CID: mac.BroadcastCID, UIUC: mac.UIUCRequest, Duration: uint16(n), Region: &wire.ULRegion{RangingMethod: methodRequest}})
	}

	s.invitedRanging(ctx, fs)

	if s.ranging != nil {
		for _, attrs := range s.ranging.FlushCDMA(ctx) {
			a := attrs
			ie := wire.ULMapIE{CID: mac.BroadcastCID, UIUC: mac.UIUCCDMAAlloc, Duration: uint16(s.cfg.CDMAGrantSlots), Region: &wire.ULRegion{}, CDMA: &a}
			if !s.addUL(fs, ie) {
				s.log.Debug(ctx, "no room for cdma allocation", logging.Int("code", int(a.Code)))
			}
		}
	}

	stations := rotate(s.reg.Stations(), s.ulCursor)
	s.ulCursor++
	for _, ss := range stations {
		if fs.ul.remaining() <= 0 {
			break
		}
		s.grantData(fs, ss)
	}
}

// invitedRanging reports unused invitations of the previous frame and
// grants the stations that need one now.
func (s *Scheduler) invitedRanging(ctx context.Context, fs *frameState) {
	if s.ranging != nil {
		for _, ss := range s.reg.Stations() {
			if !ss.Ranging.Invited {
				continue
			}
			if out := s.ranging.MissedInvitation(ctx, ss); out == ranging.Abort {
				s.log.Debug(ctx, "station dropped after missed invitations", logging.Stringer("mac", ss.MAC))
			}
		}
	}
	for _, ss := range s.reg.Stations() {
		if !ss.Ranging.NeedInvited {
			continue
		}
		ie := wire.ULMapIE{CID: ss.Basic, UIUC: mac.UIUCRanging, Duration: uint16(s.cfg.InvitedSlots), Region: &wire.ULRegion{RangingMethod: methodInitial}}
		if !s.addUL(fs, ie) {
			continue
		}
		ss.Ranging.NeedInvited = false
		ss.Ranging.Invited = true
	}
}

// unsolicitedBytes is what a UGS or ertPS flow may send per frame.
func (s *Scheduler) unsolicitedBytes(f *registry.Flow) int {
	bits := uint64(f.QoS.MaxSustainedRate) * uint64(s.cfg.FrameDuration)
	const perSecond = uint64(8 * 1e9)
	return int((bits + perSecond - 1) / perSecond)
}

func grantable(f *registry.Flow) bool {
	return f.Activated && f.Admitted && !f.PendingDelete
}

// ulDemand is the uplink payload ss is owed this frame.
func (s *Scheduler) ulDemand(ss *registry.SS) int {
	bytes := ss.BasicRequestBytes
	for _, st := range mac.ServiceTypes {
		for _, f := range ss.Flows(mac.Uplink, st) {
			if !grantable(f) {
				continue
			}
			if st.Unsolicited() {
				bytes += s.unsolicitedBytes(f)
			} else {
				bytes += f.RequestedBytes
			}
		}
	}
	return bytes
}

// grantData issues grants of at most MaxGrantSlots slots on the station's
// basic CID until its demand or the budget runs out, then charges what was
// granted against the outstanding requests.
func (s *Scheduler) grantData(fs *frameState, ss *registry.SS) {
	demand := s.ulDemand(ss)
	if demand <= 0 {
		return
	}
	need := s.phy.BytesToSlots(demand, ss.ULProfile, mac.Uplink)
	granted := 0
	for need > 0 {
		n := min(need, mac.MaxGrantSlots, fs.ul.remaining())
		if n <= 0 || !s.addUL(fs, wire.ULMapIE{CID: ss.Basic, UIUC: ss.ULProfile, Duration: uint16(n)}) {
			break
		}
		need -= n
		granted += n
	}
	if granted == 0 {
		return
	}
	fs.granted[ss.Basic] = true

	bytes := granted * s.phy.SlotBytes(ss.ULProfile, mac.Uplink)
	charge := func(pending *int) {
		c := min(*pending, bytes)
		*pending -= c
		bytes -= c
	}
	charge(&ss.BasicRequestBytes)
	for _, st := range mac.ServiceTypes {
		for _, f := range ss.Flows(mac.Uplink, st) {
			if bytes == 0 {
				return
			}
			switch {
			case !grantable(f):
			case st.Unsolicited():
				bytes -= min(bytes, s.unsolicitedBytes(f))
			default:
				charge(&f.RequestedBytes)
			}
		}
	}
}
