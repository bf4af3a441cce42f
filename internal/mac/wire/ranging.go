package wire

import (
	"fmt"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
)

// RNG-REQ TLV types.
const (
	tlvRngReqDLBurst   = 1
	tlvRngReqMAC       = 2
	tlvRngReqAnomalies = 3
	tlvRngReqPurpose   = 6
)

// RNG-RSP TLV types.
const (
	tlvRngRspTimingAdjust = 1
	tlvRngRspPowerAdjust  = 2
	tlvRngRspFreqAdjust   = 3
	tlvRngRspStatus       = 4
	tlvRngRspDLOpBurst    = 7
	tlvRngRspMAC          = 8
	tlvRngRspBasicCID     = 9
	tlvRngRspPrimaryCID   = 10
	tlvRngRspFrameNumber  = 12
	tlvRngRspCDMAAttrs    = 149
)

// RngReq is a ranging request.
type RngReq struct {
	DLChannelID uint8
	DLBurst     *uint8
	MAC         *mac.MACAddress
	Anomalies   *uint8
	Purpose     *uint8
}

func (*RngReq) Type() mac.MsgType { return mac.MsgRngReq }

func (m *RngReq) encode(e *Encoder) {
	e.PutUint8(m.DLChannelID)
	if m.DLBurst != nil {
		e.TLV8(tlvRngReqDLBurst, *m.DLBurst)
	}
	if m.MAC != nil {
		e.TLVBytes(tlvRngReqMAC, m.MAC[:])
	}
	if m.Anomalies != nil {
		e.TLV8(tlvRngReqAnomalies, *m.Anomalies)
	}
	if m.Purpose != nil {
		e.TLV8(tlvRngReqPurpose, *m.Purpose)
	}
}

func decodeRngReq(d *Decoder) (Message, error) {
	m := &RngReq{DLChannelID: d.Uint8()}
	tlvs, err := d.TLVs()
	if err != nil {
		return nil, err
	}
	for _, t := range tlvs {
		switch t.Type {
		case tlvRngReqDLBurst:
			v, err := t.Uint8()
			if err != nil {
				return nil, err
			}
			m.DLBurst = &v
		case tlvRngReqMAC:
			a, err := macValue(t)
			if err != nil {
				return nil, err
			}
			m.MAC = &a
		case tlvRngReqAnomalies:
			v, err := t.Uint8()
			if err != nil {
				return nil, err
			}
			m.Anomalies = &v
		case tlvRngReqPurpose:
			v, err := t.Uint8()
			if err != nil {
				return nil, err
			}
			m.Purpose = &v
		}
	}
	return m, nil
}

// CDMAAttributes identify the ranging code an RNG-RSP answers.
type CDMAAttributes struct {
	Symbol     uint8
	Subchannel uint8
	Code       uint8
	Frame      uint8
}

// RngRsp is a ranging response.
type RngRsp struct {
	ULChannelID  uint8
	Status       mac.RangingStatus
	TimingAdjust *int32
	PowerAdjust  *int8 // 0.25 dB units
	FreqAdjust   *int32
	DLOpBurst    *uint16
	MAC          *mac.MACAddress
	BasicCID     *mac.CID
	PrimaryCID   *mac.CID
	FrameNumber  *uint32
	CDMA         *CDMAAttributes
}

func (*RngRsp) Type() mac.MsgType { return mac.MsgRngRsp }

func (m *RngRsp) encode(e *Encoder) {
	e.PutUint8(m.ULChannelID)
	if m.TimingAdjust != nil {
		e.TLV32(tlvRngRspTimingAdjust, uint32(*m.TimingAdjust))
	}
	if m.PowerAdjust != nil {
		e.TLV8(tlvRngRspPowerAdjust, uint8(*m.PowerAdjust))
	}
	if m.FreqAdjust != nil {
		e.TLV32(tlvRngRspFreqAdjust, uint32(*m.FreqAdjust))
	}
	e.TLV8(tlvRngRspStatus, uint8(m.Status))
	if m.DLOpBurst != nil {
		e.TLV16(tlvRngRspDLOpBurst, *m.DLOpBurst)
	}
	if m.MAC != nil {
		e.TLVBytes(tlvRngRspMAC, m.MAC[:])
	}
	if m.BasicCID != nil {
		e.TLV16(tlvRngRspBasicCID, uint16(*m.BasicCID))
	}
	if m.PrimaryCID != nil {
		e.TLV16(tlvRngRspPrimaryCID, uint16(*m.PrimaryCID))
	}
	if m.FrameNumber != nil {
		e.TLV24(tlvRngRspFrameNumber, *m.FrameNumber)
	}
	if m.CDMA != nil {
		e.TLVBytes(tlvRngRspCDMAAttrs, []byte{m.CDMA.Symbol, m.CDMA.Subchannel, m.CDMA.Code, m.CDMA.Frame})
	}
}

func decodeRngRsp(d *Decoder) (Message, error) {
	m := &RngRsp{ULChannelID: d.Uint8()}
	tlvs, err := d.TLVs()
	if err != nil {
		return nil, err
	}
	for _, t := range tlvs {
		switch t.Type {
		case tlvRngRspTimingAdjust:
			v, err := t.Uint32()
			if err != nil {
				return nil, err
			}
			s := int32(v)
			m.TimingAdjust = &s
		case tlvRngRspPowerAdjust:
			v, err := t.Int8()
			if err != nil {
				return nil, err
			}
			m.PowerAdjust = &v
		case tlvRngRspFreqAdjust:
			v, err := t.Uint32()
			if err != nil {
				return nil, err
			}
			s := int32(v)
			m.FreqAdjust = &s
		case tlvRngRspStatus:
			v, err := t.Uint8()
			if err != nil {
				return nil, err
			}
			m.Status = mac.RangingStatus(v)
		case tlvRngRspDLOpBurst:
			v, err := t.Uint16()
			if err != nil {
				return nil, err
			}
			m.DLOpBurst = &v
		case tlvRngRspMAC:
			a, err := macValue(t)
			if err != nil {
				return nil, err
			}
			m.MAC = &a
		case tlvRngRspBasicCID:
			v, err := t.Uint16()
			if err != nil {
				return nil, err
			}
			c := mac.CID(v)
			m.BasicCID = &c
		case tlvRngRspPrimaryCID:
			v, err := t.Uint16()
			if err != nil {
				return nil, err
			}
			c := mac.CID(v)
			m.PrimaryCID = &c
		case tlvRngRspFrameNumber:
			v, err := t.Uint24()
			if err != nil {
				return nil, err
			}
			m.FrameNumber = &v
		case tlvRngRspCDMAAttrs:
			if len(t.Value) != 4 {
				return nil, t.lengthErr(4)
			}
			m.CDMA = &CDMAAttributes{Symbol: t.Value[0], Subchannel: t.Value[1], Code: t.Value[2], Frame: t.Value[3]}
		}
	}
	if m.Status == 0 {
		return nil, fmt.Errorf("%w: rng-rsp without status", ErrBadLength)
	}
	return m, nil
}

func macValue(t TLV) (mac.MACAddress, error) {
	var a mac.MACAddress
	if len(t.Value) != len(a) {
		return a, t.lengthErr(len(a))
	}
	copy(a[:], t.Value)
	return a, nil
}

func init() {
	register(mac.MsgRngReq, decodeRngReq)
	register(mac.MsgRngRsp, decodeRngRsp)
}
