package wire

import (
	"fmt"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
)

// DLMapIE is one downlink burst.
type DLMapIE struct {
	DIUC             uint8
	CIDs             []mac.CID
	SymbolOffset     uint8
	SubchannelOffset uint8
	Symbols          uint8
	Subchannels      uint8
	Boosting         uint8
	Repetition       uint8
}

// EncodedLen is the size of the IE on the wire.
func (ie DLMapIE) EncodedLen() int { return 7 + 2*len(ie.CIDs) }

// DLMap describes the downlink sub-frame.
type DLMap struct {
	FrameDurationCode uint8
	FrameNumber       uint32
	DCDCount          uint8
	BSID              mac.MACAddress
	Symbols           uint8
	IEs               []DLMapIE
}

func (*DLMap) Type() mac.MsgType { return mac.MsgDLMap }

// DLMapFixedLen is the size of an empty DL-MAP body including the
// end-of-map marker.
const DLMapFixedLen = 1 + 1 + 3 + 1 + 6 + 1 + 1

func (m *DLMap) encode(e *Encoder) {
	e.PutUint8(m.FrameDurationCode)
	e.PutUint24(m.FrameNumber & 0xFFFFFF)
	e.PutUint8(m.DCDCount)
	e.PutBytes(m.BSID[:])
	e.PutUint8(m.Symbols)
	for _, ie := range m.IEs {
		if ie.DIUC == mac.DIUCEndOfMap {
			continue
		}
		e.PutUint8(ie.DIUC)
		e.PutUint8(uint8(len(ie.CIDs)))
		for _, c := range ie.CIDs {
			e.PutUint16(uint16(c))
		}
		e.PutUint8(ie.SymbolOffset)
		e.PutUint8(ie.SubchannelOffset)
		e.PutUint8(ie.Symbols)
		e.PutUint8(ie.Subchannels)
		e.PutUint8(ie.Boosting<<4 | ie.Repetition&0x0f)
	}
	e.PutUint8(mac.DIUCEndOfMap)
}

func decodeDLMap(d *Decoder) (Message, error) {
	m := &DLMap{
		FrameDurationCode: d.Uint8(),
		FrameNumber:       d.Uint24(),
		DCDCount:          d.Uint8(),
	}
	copy(m.BSID[:], d.Bytes(6))
	m.Symbols = d.Uint8()
	for d.Err() == nil {
		diuc := d.Uint8()
		if diuc == mac.DIUCEndOfMap {
			return m, d.Err()
		}
		ie := DLMapIE{DIUC: diuc}
		n := int(d.Uint8())
		for i := 0; i < n; i++ {
			ie.CIDs = append(ie.CIDs, mac.CID(d.Uint16()))
		}
		ie.SymbolOffset = d.Uint8()
		ie.SubchannelOffset = d.Uint8()
		ie.Symbols = d.Uint8()
		ie.Subchannels = d.Uint8()
		br := d.Uint8()
		ie.Boosting, ie.Repetition = br>>4, br&0x0f
		m.IEs = append(m.IEs, ie)
	}
	return nil, fmt.Errorf("dl-map without end of map: %w", d.Err())
}

// ULRegion places a contention or CDMA allocation in the uplink sub-frame.
type ULRegion struct {
	SymbolOffset     uint8
	SubchannelOffset uint8
	Symbols          uint8
	Subchannels      uint8
	RangingMethod    uint8
}

// ULMapIE is one uplink allocation.
type ULMapIE struct {
	CID        mac.CID
	UIUC       uint8
	Duration   uint16 // slots
	Repetition uint8
	Region     *ULRegion
	CDMA       *CDMAAttributes // UIUC 14 only
}

func ulHasRegion(uiuc uint8) bool {
	switch uiuc {
	case mac.UIUCRequest, mac.UIUCRanging, mac.UIUCCDMARanging, mac.UIUCCDMAAlloc:
		return true
	}
	return false
}

// EncodedLen is the size of the IE on the wire.
func (ie ULMapIE) EncodedLen() int {
	n := 6
	if ulHasRegion(ie.UIUC) {
		n += 5
	}
	if ie.UIUC == mac.UIUCCDMAAlloc {
		n += 4
	}
	return n
}

// ULMap describes the uplink sub-frame.
type ULMap struct {
	UCDCount        uint8
	AllocationStart uint32
	Symbols         uint8
	IEs             []ULMapIE
}

func (*ULMap) Type() mac.MsgType { return mac.MsgULMap }

// ULMapFixedLen is the size of an empty UL-MAP body including the
// end-of-map IE.
const ULMapFixedLen = 1 + 1 + 4 + 1 + 3

func (m *ULMap) encode(e *Encoder) {
	e.PutUint8(m.UCDCount)
	e.PutUint32(m.AllocationStart)
	e.PutUint8(m.Symbols)
	for _, ie := range m.IEs {
		if ie.UIUC == mac.UIUCEndOfMap {
			continue
		}
		e.PutUint16(uint16(ie.CID))
		e.PutUint8(ie.UIUC)
		if ulHasRegion(ie.UIUC) {
			r := ie.Region
			if r == nil {
				r = &ULRegion{}
			}
			e.PutUint8(r.SymbolOffset)
			e.PutUint8(r.SubchannelOffset)
			e.PutUint8(r.Symbols)
			e.PutUint8(r.Subchannels)
			e.PutUint8(r.RangingMethod)
		}
		if ie.UIUC == mac.UIUCCDMAAlloc {
			c := ie.CDMA
			if c == nil {
				c = &CDMAAttributes{}
			}
			e.PutBytes([]byte{c.Symbol, c.Subchannel, c.Code, c.Frame})
		}
		if ie.Duration > mac.MaxGrantSlots {
			e.fail(fmt.Errorf("%w: grant of %d slots", ErrTooLarge, ie.Duration))
		}
		e.PutUint16(ie.Duration)
		e.PutUint8(ie.Repetition)
	}
	e.PutUint16(0)
	e.PutUint8(mac.UIUCEndOfMap)
}

func decodeULMap(d *Decoder) (Message, error) {
	m := &ULMap{
		UCDCount:        d.Uint8(),
		AllocationStart: d.Uint32(),
		Symbols:         d.Uint8(),
	}
	for d.Err() == nil {
		ie := ULMapIE{CID: mac.CID(d.Uint16()), UIUC: d.Uint8()}
		if ie.UIUC == mac.UIUCEndOfMap {
			return m, d.Err()
		}
		if ulHasRegion(ie.UIUC) {
			ie.Region = &ULRegion{
				SymbolOffset:     d.Uint8(),
				SubchannelOffset: d.Uint8(),
				Symbols:          d.Uint8(),
				Subchannels:      d.Uint8(),
				RangingMethod:    d.Uint8(),
			}
		}
		if ie.UIUC == mac.UIUCCDMAAlloc {
			ie.CDMA = &CDMAAttributes{Symbol: d.Uint8(), Subchannel: d.Uint8(), Code: d.Uint8(), Frame: d.Uint8()}
		}
		ie.Duration = d.Uint16()
		ie.Repetition = d.Uint8()
		m.IEs = append(m.IEs, ie)
	}
	return nil, fmt.Errorf("ul-map without end of map: %w", d.Err())
}

func init() {
	register(mac.MsgDLMap, decodeDLMap)
	register(mac.MsgULMap, decodeULMap)
}
