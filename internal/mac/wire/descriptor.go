package wire

import "github.com/signalsfoundry/bs-mac-engine/internal/mac"

// Descriptor TLV types.
const (
	tlvBurstProfile     = 1
	tlvDCDEIRP          = 2
	tlvDCDFrameDuration = 3
	tlvDCDChannelNumber = 6
	tlvDCDTTG           = 7
	tlvDCDRTG           = 8
	tlvDCDMaxInitRSS    = 9
	tlvDCDFrequency     = 12
	tlvDCDBSID          = 13

	tlvUCDContentionTimeout = 2
	tlvUCDBwReqOppSize      = 3
	tlvUCDRngReqOppSize     = 4
	tlvUCDFrequency         = 5

	tlvProfileFEC   = 150
	tlvProfileExit  = 151
	tlvProfileEntry = 152
)

// BurstProfile is one entry of a channel descriptor. Thresholds are in
// 0.25 dB units.
type BurstProfile struct {
	Code           uint8 // DIUC or UIUC
	FEC            uint8
	ExitThreshold  uint8
	EntryThreshold uint8
}

func (p BurstProfile) encode(e *Encoder, thresholds bool) {
	m := e.BeginTLV(tlvBurstProfile)
	e.PutUint8(p.Code)
	e.TLV8(tlvProfileFEC, p.FEC)
	if thresholds {
		e.TLV8(tlvProfileExit, p.ExitThreshold)
		e.TLV8(tlvProfileEntry, p.EntryThreshold)
	}
	e.EndTLV(m)
}

func decodeBurstProfile(t TLV) (BurstProfile, error) {
	d := NewDecoder(t.Value)
	p := BurstProfile{Code: d.Uint8()}
	sub, err := d.TLVs()
	if err != nil {
		return p, err
	}
	for _, s := range sub {
		switch s.Type {
		case tlvProfileFEC:
			p.FEC, err = s.Uint8()
		case tlvProfileExit:
			p.ExitThreshold, err = s.Uint8()
		case tlvProfileEntry:
			p.EntryThreshold, err = s.Uint8()
		}
		if err != nil {
			return p, err
		}
	}
	return p, nil
}

// DCD is the downlink channel descriptor.
type DCD struct {
	ChannelID         uint8
	ChangeCount       uint8
	EIRP              uint16
	FrameDurationCode uint8
	ChannelNumber     uint8
	TTG               uint16 // microseconds
	RTG               uint16
	MaxInitRangingRSS uint16
	FrequencyKHz      uint32
	BSID              mac.MACAddress
	Profiles          []BurstProfile
}

func (*DCD) Type() mac.MsgType { return mac.MsgDCD }

func (m *DCD) encode(e *Encoder) {
	e.PutUint8(m.ChannelID)
	e.PutUint8(m.ChangeCount)
	e.TLV16(tlvDCDEIRP, m.EIRP)
	e.TLV8(tlvDCDFrameDuration, m.FrameDurationCode)
	e.TLV8(tlvDCDChannelNumber, m.ChannelNumber)
	e.TLV16(tlvDCDTTG, m.TTG)
	e.TLV16(tlvDCDRTG, m.RTG)
	e.TLV16(tlvDCDMaxInitRSS, m.MaxInitRangingRSS)
	e.TLV32(tlvDCDFrequency, m.FrequencyKHz)
	e.TLVBytes(tlvDCDBSID, m.BSID[:])
	for _, p := range m.Profiles {
		p.encode(e, true)
	}
}

func decodeDCD(d *Decoder) (Message, error) {
	m := &DCD{ChannelID: d.Uint8(), ChangeCount: d.Uint8()}
	tlvs, err := d.TLVs()
	if err != nil {
		return nil, err
	}
	for _, t := range tlvs {
		switch t.Type {
		case tlvDCDEIRP:
			m.EIRP, err = t.Uint16()
		case tlvDCDFrameDuration:
			m.FrameDurationCode, err = t.Uint8()
		case tlvDCDChannelNumber:
			m.ChannelNumber, err = t.Uint8()
		case tlvDCDTTG:
			m.TTG, err = t.Uint16()
		case tlvDCDRTG:
			m.RTG, err = t.Uint16()
		case tlvDCDMaxInitRSS:
			m.MaxInitRangingRSS, err = t.Uint16()
		case tlvDCDFrequency:
			m.FrequencyKHz, err = t.Uint32()
		case tlvDCDBSID:
			m.BSID, err = macValue(t)
		case tlvBurstProfile:
			var p BurstProfile
			if p, err = decodeBurstProfile(t); err == nil {
				m.Profiles = append(m.Profiles, p)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// UCD is the uplink channel descriptor.
type UCD struct {
	ChangeCount         uint8
	RangingBackoffStart uint8
	RangingBackoffEnd   uint8
	RequestBackoffStart uint8
	RequestBackoffEnd   uint8
	ContentionTimeout   uint8
	BwReqOppSize        uint16
	RngReqOppSize       uint16
	FrequencyKHz        uint32
	Profiles            []BurstProfile
}

func (*UCD) Type() mac.MsgType { return mac.MsgUCD }

func (m *UCD) encode(e *Encoder) {
	e.PutUint8(m.ChangeCount)
	e.PutUint8(m.RangingBackoffStart)
	e.PutUint8(m.RangingBackoffEnd)
	e.PutUint8(m.RequestBackoffStart)
	e.PutUint8(m.RequestBackoffEnd)
	e.TLV8(tlvUCDContentionTimeout, m.ContentionTimeout)
	e.TLV16(tlvUCDBwReqOppSize, m.BwReqOppSize)
	e.TLV16(tlvUCDRngReqOppSize, m.RngReqOppSize)
	e.TLV32(tlvUCDFrequency, m.FrequencyKHz)
	for _, p := range m.Profiles {
		p.encode(e, false)
	}
}

func decodeUCD(d *Decoder) (Message, error) {
	m := &UCD{
		ChangeCount:         d.Uint8(),
		RangingBackoffStart: d.Uint8(),
		RangingBackoffEnd:   d.Uint8(),
		RequestBackoffStart: d.Uint8(),
		RequestBackoffEnd:   d.Uint8(),
	}
	tlvs, err := d.TLVs()
	if err != nil {
		return nil, err
	}
	for _, t := range tlvs {
		switch t.Type {
		case tlvUCDContentionTimeout:
			m.ContentionTimeout, err = t.Uint8()
		case tlvUCDBwReqOppSize:
			m.BwReqOppSize, err = t.Uint16()
		case tlvUCDRngReqOppSize:
			m.RngReqOppSize, err = t.Uint16()
		case tlvUCDFrequency:
			m.FrequencyKHz, err = t.Uint32()
		case tlvBurstProfile:
			var p BurstProfile
			if p, err = decodeBurstProfile(t); err == nil {
				m.Profiles = append(m.Profiles, p)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func init() {
	register(mac.MsgDCD, decodeDCD)
	register(mac.MsgUCD, decodeUCD)
}
