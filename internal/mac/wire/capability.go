package wire

import "github.com/signalsfoundry/bs-mac-engine/internal/mac"

// SBC TLV types.
const (
	tlvSbcBwAllocSupport = 1
	tlvSbcTransitionGaps = 2
	tlvSbcMaxTxPower     = 3
	tlvSbcPDUConstruct   = 4
)

// REG TLV types.
const (
	tlvRegMgmtSupport    = 2
	tlvRegIPMgmtMode     = 3
	tlvRegIPVersion      = 4
	tlvRegSecondaryCID   = 5
	tlvRegNumULCIDs      = 6
	tlvRegARQSupport     = 10
	tlvRegDSxFlowControl = 11
	tlvRegMACCRCSupport  = 12
	tlvRegVendorID       = 144
)

// REG-RSP response codes.
const (
	RegResponseOK      uint8 = 0
	RegResponseFailure uint8 = 1
)

// Capabilities is the basic capability set exchanged in SBC-REQ/RSP.
type Capabilities struct {
	BwAllocSupport uint8
	TransitionGaps uint16
	MaxTxPower     uint32
	PDUConstruct   uint8
}

// Intersect keeps the capabilities both ends support.
func (c Capabilities) Intersect(o Capabilities) Capabilities {
	gaps := c.TransitionGaps
	if o.TransitionGaps > gaps {
		gaps = o.TransitionGaps
	}
	return Capabilities{
		BwAllocSupport: c.BwAllocSupport & o.BwAllocSupport,
		TransitionGaps: gaps,
		MaxTxPower:     o.MaxTxPower,
		PDUConstruct:   c.PDUConstruct & o.PDUConstruct,
	}
}

func (c Capabilities) encode(e *Encoder) {
	e.TLV8(tlvSbcBwAllocSupport, c.BwAllocSupport)
	e.TLV16(tlvSbcTransitionGaps, c.TransitionGaps)
	e.TLV32(tlvSbcMaxTxPower, c.MaxTxPower)
	e.TLV8(tlvSbcPDUConstruct, c.PDUConstruct)
}

func decodeCapabilities(d *Decoder) (Capabilities, error) {
	var c Capabilities
	tlvs, err := d.TLVs()
	if err != nil {
		return c, err
	}
	for _, t := range tlvs {
		switch t.Type {
		case tlvSbcBwAllocSupport:
			if c.BwAllocSupport, err = t.Uint8(); err != nil {
				return c, err
			}
		case tlvSbcTransitionGaps:
			if c.TransitionGaps, err = t.Uint16(); err != nil {
				return c, err
			}
		case tlvSbcMaxTxPower:
			if c.MaxTxPower, err = t.Uint32(); err != nil {
				return c, err
			}
		case tlvSbcPDUConstruct:
			if c.PDUConstruct, err = t.Uint8(); err != nil {
				return c, err
			}
		}
	}
	return c, nil
}

// SbcReq is a basic capability request.
type SbcReq struct{ Capabilities }

func (*SbcReq) Type() mac.MsgType   { return mac.MsgSbcReq }
func (m *SbcReq) encode(e *Encoder) { m.Capabilities.encode(e) }

// SbcRsp is a basic capability response.
type SbcRsp struct{ Capabilities }

func (*SbcRsp) Type() mac.MsgType   { return mac.MsgSbcRsp }
func (m *SbcRsp) encode(e *Encoder) { m.Capabilities.encode(e) }

// Registration carries the REG-REQ/RSP parameters.
type Registration struct {
	ManagementSupport bool
	IPManagementMode  bool
	IPVersion         uint8
	NumULCIDs         uint16
	ARQSupport        bool
	DSxFlowControl    uint8
	MACCRCSupport     bool
	VendorID          *uint32
}

func (r Registration) encode(e *Encoder) {
	e.TLVBool(tlvRegMgmtSupport, r.ManagementSupport)
	e.TLVBool(tlvRegIPMgmtMode, r.IPManagementMode)
	e.TLV8(tlvRegIPVersion, r.IPVersion)
	e.TLV16(tlvRegNumULCIDs, r.NumULCIDs)
	e.TLVBool(tlvRegARQSupport, r.ARQSupport)
	e.TLV8(tlvRegDSxFlowControl, r.DSxFlowControl)
	e.TLVBool(tlvRegMACCRCSupport, r.MACCRCSupport)
	if r.VendorID != nil {
		e.TLV24(tlvRegVendorID, *r.VendorID)
	}
}

func (r *Registration) decodeTLV(t TLV) (bool, error) {
	var err error
	switch t.Type {
	case tlvRegMgmtSupport:
		r.ManagementSupport, err = t.Bool()
	case tlvRegIPMgmtMode:
		r.IPManagementMode, err = t.Bool()
	case tlvRegIPVersion:
		r.IPVersion, err = t.Uint8()
	case tlvRegNumULCIDs:
		r.NumULCIDs, err = t.Uint16()
	case tlvRegARQSupport:
		r.ARQSupport, err = t.Bool()
	case tlvRegDSxFlowControl:
		r.DSxFlowControl, err = t.Uint8()
	case tlvRegMACCRCSupport:
		r.MACCRCSupport, err = t.Bool()
	case tlvRegVendorID:
		var v uint32
		v, err = t.Uint24()
		r.VendorID = &v
	default:
		return false, nil
	}
	return true, err
}

// RegReq is a registration request.
type RegReq struct{ Registration }

func (*RegReq) Type() mac.MsgType   { return mac.MsgRegReq }
func (m *RegReq) encode(e *Encoder) { m.Registration.encode(e) }

// RegRsp is a registration response.
type RegRsp struct {
	Response     uint8
	SecondaryCID *mac.CID
	Registration
}

func (*RegRsp) Type() mac.MsgType { return mac.MsgRegRsp }

func (m *RegRsp) encode(e *Encoder) {
	e.PutUint8(m.Response)
	m.Registration.encode(e)
	if m.SecondaryCID != nil {
		e.TLV16(tlvRegSecondaryCID, uint16(*m.SecondaryCID))
	}
}

// DregReq is an SS-initiated deregistration request.
type DregReq struct {
	Code uint8
}

func (*DregReq) Type() mac.MsgType   { return mac.MsgDregReq }
func (m *DregReq) encode(e *Encoder) { e.PutUint8(m.Code) }

// DregCmd orders an SS off the network.
type DregCmd struct {
	Action uint8
}

// DregCmdLeave tells the SS to leave the channel.
const DregCmdLeave uint8 = 0x01

func (*DregCmd) Type() mac.MsgType   { return mac.MsgDregCmd }
func (m *DregCmd) encode(e *Encoder) { e.PutUint8(m.Action) }

func init() {
	register(mac.MsgSbcReq, func(d *Decoder) (Message, error) {
		c, err := decodeCapabilities(d)
		if err != nil {
			return nil, err
		}
		return &SbcReq{c}, nil
	})
	register(mac.MsgSbcRsp, func(d *Decoder) (Message, error) {
		c, err := decodeCapabilities(d)
		if err != nil {
			return nil, err
		}
		return &SbcRsp{c}, nil
	})
	register(mac.MsgRegReq, func(d *Decoder) (Message, error) {
		m := &RegReq{}
		tlvs, err := d.TLVs()
		if err != nil {
			return nil, err
		}
		for _, t := range tlvs {
			if _, err := m.decodeTLV(t); err != nil {
				return nil, err
			}
		}
		return m, nil
	})
	register(mac.MsgRegRsp, func(d *Decoder) (Message, error) {
		m := &RegRsp{Response: d.Uint8()}
		tlvs, err := d.TLVs()
		if err != nil {
			return nil, err
		}
		for _, t := range tlvs {
			if t.Type == tlvRegSecondaryCID {
				v, err := t.Uint16()
				if err != nil {
					return nil, err
				}
				c := mac.CID(v)
				m.SecondaryCID = &c
				continue
			}
			if _, err := m.decodeTLV(t); err != nil {
				return nil, err
			}
		}
		return m, nil
	})
	register(mac.MsgDregReq, func(d *Decoder) (Message, error) {
		return &DregReq{Code: d.Uint8()}, nil
	})
	register(mac.MsgDregCmd, func(d *Decoder) (Message, error) {
		return &DregCmd{Action: d.Uint8()}, nil
	})
}
