package schedule

import (
	"context"

	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/registry"
	"github.com/signalsfoundry/bs-mac-engine/internal/mac/wire"
)

// burst collects the PDUs of one DL-MAP IE.
type burst struct {
	diuc  uint8
	cids  []mac.CID
	pdus  [][]byte
	bytes int
}

func (b *burst) hasCID(c mac.CID) bool {
	for _, x := range b.cids {
		if x == c {
			return true
		}
	}
	return false
}

type dlState struct {
	*frameState
	dlMapBytes int
}

// room returns how many more payload bytes b can take if it also gains
// extra CIDs, counting the growth of the DL-MAP.
func (s *Scheduler) room(d *dlState, b *burst, extra int) int {
	ieLen := wire.DLMapIE{CIDs: make([]mac.CID, len(b.cids)+extra)}.EncodedLen()
	if d.dlMapBytes+ieLen > mac.MaxPDUSize {
		return 0
	}
	mapDelta := s.mapSlots(d.mapBytes+ieLen) - s.mapSlots(d.mapBytes)
	free := d.dl.remaining() - mapDelta
	if free <= 0 {
		return 0
	}
	return free*s.phy.SlotBytes(b.diuc, mac.Downlink) - b.bytes
}

// add places pdu in b when it fits.
func (s *Scheduler) add(d *dlState, b *burst, cid mac.CID, pdu []byte) bool {
	extra := 0
	if !b.hasCID(cid) {
		extra = 1
	}
	if len(pdu) > s.room(d, b, extra) {
		return false
	}
	if extra == 1 {
		b.cids = append(b.cids, cid)
	}
	b.pdus = append(b.pdus, pdu)
	b.bytes += len(pdu)
	return true
}

// drain moves PDUs of one queue into b until the queue is empty or the
// next PDU does not fit. It returns the number moved.
func (s *Scheduler) drain(d *dlState, b *burst, cid mac.CID) int {
	if s.queue == nil {
		return 0
	}
	n := 0
	for {
		extra := 0
		if !b.hasCID(cid) {
			extra = 1
		}
		limit := s.room(d, b, extra)
		if limit <= 0 {
			return n
		}
		pdu, ok := s.queue.Dequeue(int(cid), limit)
		if !ok {
			return n
		}
		if extra == 1 {
			b.cids = append(b.cids, cid)
		}
		b.pdus = append(b.pdus, pdu)
		b.bytes += len(pdu)
		n++
	}
}

// commit turns b into a DL-MAP IE and charges its slots.
func (s *Scheduler) commit(ctx context.Context, d *dlState, b *burst) {
	if len(b.pdus) == 0 {
		return
	}
	ie := wire.DLMapIE{DIUC: b.diuc, CIDs: b.cids}
	slots := s.phy.BytesToSlots(b.bytes, b.diuc, mac.Downlink)
	mapDelta := s.mapSlots(d.mapBytes+ie.EncodedLen()) - s.mapSlots(d.mapBytes)
	if !d.dl.take(slots + mapDelta) {
		s.log.Error(ctx, "downlink burst exceeds the room it was sized for, dropped",
			logging.Int("slots", slots+mapDelta),
			logging.Int("remaining", d.dl.remaining()),
			logging.Int("pdus", len(b.pdus)))
		return
	}
	d.mapBytes += ie.EncodedLen()
	d.dlMapBytes += ie.EncodedLen()
	d.dlIEs = append(d.dlIEs, ie)
	d.dlSlots = append(d.dlSlots, slots)
	d.dlScheduled++
	d.pdus = append(d.pdus, b.pdus...)
}

// allocateDownlink fills the downlink sub-frame after the maps: broadcast
// traffic first, then multicast flows, then each station's management and
// data connections in round robin order.
func (s *Scheduler) allocateDownlink(ctx context.Context, fs *frameState, desc [][]byte) {
	d := &dlState{frameState: fs, dlMapBytes: wire.HeaderLen + wire.DLMapFixedLen}
	fs.mapBytes = d.dlMapBytes + fs.ulMapBytes
	if !fs.dl.take(s.mapSlots(fs.mapBytes)) {
		s.log.Warn(ctx, "maps exceed the downlink sub-frame", logging.Int("map_bytes", fs.mapBytes))
		return
	}

	bc := &burst{diuc: mac.DIUCMostRobust}
	for _, pdu := range desc {
		if !s.add(d, bc, mac.BroadcastCID, pdu) {
			s.log.Warn(ctx, "no room for channel descriptors")
			break
		}
	}
	s.drain(d, bc, mac.BroadcastCID)
	s.drain(d, bc, mac.InitialRangingCID)
	s.commit(ctx, d, bc)

	for _, f := range s.reg.MulticastFlows() {
		if !f.Activated || f.Direction != mac.Downlink {
			continue
		}
		b := &burst{diuc: mac.DIUCMostRobust}
		if s.drain(d, b, f.CID) > 0 {
			f.LastActivity = fs.now
		}
		s.commit(ctx, d, b)
	}

	stations := rotate(s.reg.Stations(), s.dlCursor)
	s.dlCursor++
	for _, ss := range stations {
		if fs.dl.remaining() <= 0 {
			break
		}
		s.stationBurst(ctx, d, ss)
	}
}

// stationBurst sends the station's management messages and then its data
// flows in service class precedence.
func (s *Scheduler) stationBurst(ctx context.Context, d *dlState, ss *registry.SS) {
	b := &burst{diuc: ss.DLProfile}
	for _, cid := range ss.ManagementCIDs() {
		s.drain(d, b, cid)
	}
	for _, st := range mac.ServiceTypes {
		for _, f := range ss.Flows(mac.Downlink, st) {
			if !grantable(f) {
				continue
			}
			if s.drain(d, b, f.CID) > 0 {
				f.LastActivity = d.now
			}
		}
	}
	s.commit(ctx, d, b)
}
