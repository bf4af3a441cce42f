package wire

import (
	"fmt"
	"math/bits"
	"net/netip"
	"time"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
)

// Service flow encodings.
const (
	tlvULServiceFlow = 145
	tlvDLServiceFlow = 146
)

// Service flow parameter types.
const (
	sfSFID             = 1
	sfCID              = 2
	sfClassName        = 3
	sfQoSSetType       = 5
	sfPriority         = 6
	sfMaxSustained     = 7
	sfMaxBurst         = 8
	sfMinReserved      = 9
	sfMinTolerable     = 10
	sfServiceType      = 11
	sfJitter           = 13
	sfLatency          = 14
	sfFixedSDU         = 15
	sfSDUSize          = 16
	sfARQEnable        = 18
	sfARQWindow        = 19
	sfARQRetryTx       = 20
	sfARQRetryRx       = 21
	sfARQBlockLifetime = 22
	sfARQSyncLoss      = 23
	sfARQInOrder       = 24
	sfARQPurge         = 25
	sfARQBlockSize     = 26
	sfCSSpec           = 28
	sfCSIPv4           = 100
)

// Classifier rule types inside the IPv4 convergence sublayer parameters.
const (
	csRule      = 3
	crPriority  = 1
	crProtocol  = 3
	crSrcAddr   = 4
	crDstAddr   = 5
	crSrcPorts  = 6
	crDstPorts  = 7
	crRuleIndex = 14
)

// CSSpecIPv4 is the convergence sublayer specification for IPv4 packets.
const CSSpecIPv4 uint8 = 1

// arqUnit is the time granularity of ARQ timers on the wire.
const arqUnit = 10 * time.Microsecond

// ServiceFlowParams is the service flow encoding carried by DSA and DSC
// messages.
type ServiceFlowParams struct {
	Direction   mac.Direction
	SFID        uint32
	CID         *mac.CID
	ClassName   string
	QoSSetType  uint8
	ServiceType mac.ServiceType
	QoS         mac.QoS
	ARQ         mac.ARQParams
	CSSpec      uint8
	Classifiers []mac.ClassifierRule
}

func (p *ServiceFlowParams) encode(e *Encoder) {
	typ := uint8(tlvULServiceFlow)
	if p.Direction == mac.Downlink {
		typ = tlvDLServiceFlow
	}
	m := e.BeginTLV(typ)
	e.TLV32(sfSFID, p.SFID)
	if p.CID != nil {
		e.TLV16(sfCID, uint16(*p.CID))
	}
	if p.ClassName != "" {
		e.TLVBytes(sfClassName, []byte(p.ClassName))
	}
	e.TLV8(sfQoSSetType, p.QoSSetType)
	e.TLV8(sfPriority, p.QoS.Priority)
	e.TLV32(sfMaxSustained, p.QoS.MaxSustainedRate)
	e.TLV32(sfMaxBurst, p.QoS.MaxTrafficBurst)
	e.TLV32(sfMinReserved, p.QoS.MinReservedRate)
	e.TLV32(sfMinTolerable, p.QoS.MinTolerableRate)
	e.TLV8(sfServiceType, uint8(p.ServiceType))
	e.TLV32(sfJitter, uint32(p.QoS.ToleratedJitter/time.Millisecond))
	e.TLV32(sfLatency, uint32(p.QoS.MaxLatency/time.Millisecond))
	e.TLVBool(sfFixedSDU, p.QoS.FixedLengthSDU)
	e.TLV8(sfSDUSize, p.QoS.SDUSize)
	e.TLVBool(sfARQEnable, p.ARQ.Enabled)
	if p.ARQ.Enabled {
		e.TLV16(sfARQWindow, p.ARQ.WindowSize)
		e.TLV32(sfARQRetryTx, arqTicks(p.ARQ.RetryTimeoutTx))
		e.TLV32(sfARQRetryRx, arqTicks(p.ARQ.RetryTimeoutRx))
		e.TLV32(sfARQBlockLifetime, arqTicks(p.ARQ.BlockLifetime))
		e.TLV32(sfARQSyncLoss, arqTicks(p.ARQ.SyncLossTimeout))
		e.TLVBool(sfARQInOrder, p.ARQ.DeliverInOrder)
		e.TLV32(sfARQPurge, arqTicks(p.ARQ.RxPurgeTimeout))
		e.TLV16(sfARQBlockSize, p.ARQ.BlockSize)
	}
	if p.CSSpec != 0 {
		e.TLV8(sfCSSpec, p.CSSpec)
	}
	if len(p.Classifiers) > 0 {
		cs := e.BeginTLV(sfCSIPv4)
		for _, r := range p.Classifiers {
			encodeRule(e, r)
		}
		e.EndTLV(cs)
	}
	e.EndTLV(m)
}

func encodeRule(e *Encoder, r mac.ClassifierRule) {
	m := e.BeginTLV(csRule)
	e.TLV8(crPriority, r.Priority)
	if r.Protocol != 0 {
		e.TLV8(crProtocol, r.Protocol)
	}
	if r.Src.IsValid() && r.Src.Addr().Is4() {
		e.TLVBytes(crSrcAddr, prefixBytes(r.Src))
	}
	if r.Dst.IsValid() && r.Dst.Addr().Is4() {
		e.TLVBytes(crDstAddr, prefixBytes(r.Dst))
	}
	if len(r.SrcPorts) > 0 {
		e.TLVBytes(crSrcPorts, portBytes(r.SrcPorts))
	}
	if len(r.DstPorts) > 0 {
		e.TLVBytes(crDstPorts, portBytes(r.DstPorts))
	}
	e.TLV16(crRuleIndex, r.Index)
	e.EndTLV(m)
}

func arqTicks(d time.Duration) uint32 { return uint32(d / arqUnit) }

func prefixBytes(p netip.Prefix) []byte {
	a := p.Addr().As4()
	mask := ^uint32(0) << (32 - p.Bits())
	return []byte{a[0], a[1], a[2], a[3], byte(mask >> 24), byte(mask >> 16), byte(mask >> 8), byte(mask)}
}

func portBytes(rs []mac.PortRange) []byte {
	b := make([]byte, 0, 4*len(rs))
	for _, r := range rs {
		b = append(b, byte(r.Low>>8), byte(r.Low), byte(r.High>>8), byte(r.High))
	}
	return b
}

func decodeServiceFlow(t TLV) (*ServiceFlowParams, error) {
	p := &ServiceFlowParams{Direction: mac.Uplink}
	if t.Type == tlvDLServiceFlow {
		p.Direction = mac.Downlink
	}
	sub, err := t.Sub()
	if err != nil {
		return nil, err
	}
	for _, s := range sub {
		if err := p.decodeParam(s); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *ServiceFlowParams) decodeParam(s TLV) error {
	var (
		v8  uint8
		v16 uint16
		v32 uint32
		err error
	)
	switch s.Type {
	case sfSFID:
		p.SFID, err = s.Uint32()
	case sfCID:
		v16, err = s.Uint16()
		c := mac.CID(v16)
		p.CID = &c
	case sfClassName:
		p.ClassName = string(s.Value)
	case sfQoSSetType:
		p.QoSSetType, err = s.Uint8()
	case sfPriority:
		p.QoS.Priority, err = s.Uint8()
	case sfMaxSustained:
		p.QoS.MaxSustainedRate, err = s.Uint32()
	case sfMaxBurst:
		p.QoS.MaxTrafficBurst, err = s.Uint32()
	case sfMinReserved:
		p.QoS.MinReservedRate, err = s.Uint32()
	case sfMinTolerable:
		p.QoS.MinTolerableRate, err = s.Uint32()
	case sfServiceType:
		v8, err = s.Uint8()
		p.ServiceType = mac.ServiceType(v8)
		if err == nil && !p.ServiceType.Valid() {
			err = fmt.Errorf("%w: service type %d", ErrBadLength, v8)
		}
	case sfJitter:
		v32, err = s.Uint32()
		p.QoS.ToleratedJitter = time.Duration(v32) * time.Millisecond
	case sfLatency:
		v32, err = s.Uint32()
		p.QoS.MaxLatency = time.Duration(v32) * time.Millisecond
	case sfFixedSDU:
		p.QoS.FixedLengthSDU, err = s.Bool()
	case sfSDUSize:
		p.QoS.SDUSize, err = s.Uint8()
	case sfARQEnable:
		p.ARQ.Enabled, err = s.Bool()
	case sfARQWindow:
		p.ARQ.WindowSize, err = s.Uint16()
	case sfARQRetryTx:
		v32, err = s.Uint32()
		p.ARQ.RetryTimeoutTx = time.Duration(v32) * arqUnit
	case sfARQRetryRx:
		v32, err = s.Uint32()
		p.ARQ.RetryTimeoutRx = time.Duration(v32) * arqUnit
	case sfARQBlockLifetime:
		v32, err = s.Uint32()
		p.ARQ.BlockLifetime = time.Duration(v32) * arqUnit
	case sfARQSyncLoss:
		v32, err = s.Uint32()
		p.ARQ.SyncLossTimeout = time.Duration(v32) * arqUnit
	case sfARQInOrder:
		p.ARQ.DeliverInOrder, err = s.Bool()
	case sfARQPurge:
		v32, err = s.Uint32()
		p.ARQ.RxPurgeTimeout = time.Duration(v32) * arqUnit
	case sfARQBlockSize:
		p.ARQ.BlockSize, err = s.Uint16()
	case sfCSSpec:
		p.CSSpec, err = s.Uint8()
	case sfCSIPv4:
		p.Classifiers, err = decodeRules(s)
	}
	return err
}

func decodeRules(t TLV) ([]mac.ClassifierRule, error) {
	sub, err := t.Sub()
	if err != nil {
		return nil, err
	}
	var out []mac.ClassifierRule
	for _, s := range sub {
		if s.Type != csRule {
			continue
		}
		fields, err := s.Sub()
		if err != nil {
			return nil, err
		}
		var r mac.ClassifierRule
		for _, f := range fields {
			switch f.Type {
			case crPriority:
				r.Priority, err = f.Uint8()
			case crProtocol:
				r.Protocol, err = f.Uint8()
			case crSrcAddr:
				r.Src, err = decodePrefix(f)
			case crDstAddr:
				r.Dst, err = decodePrefix(f)
			case crSrcPorts:
				r.SrcPorts, err = decodePorts(f)
			case crDstPorts:
				r.DstPorts, err = decodePorts(f)
			case crRuleIndex:
				r.Index, err = f.Uint16()
			}
			if err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func decodePrefix(t TLV) (netip.Prefix, error) {
	if len(t.Value) != 8 {
		return netip.Prefix{}, t.lengthErr(8)
	}
	addr := netip.AddrFrom4([4]byte{t.Value[0], t.Value[1], t.Value[2], t.Value[3]})
	mask := uint32(t.Value[4])<<24 | uint32(t.Value[5])<<16 | uint32(t.Value[6])<<8 | uint32(t.Value[7])
	return addr.Prefix(bits.OnesCount32(mask))
}

func decodePorts(t TLV) ([]mac.PortRange, error) {
	if len(t.Value) == 0 || len(t.Value)%4 != 0 {
		return nil, fmt.Errorf("%w: port range list of %d bytes", ErrBadLength, len(t.Value))
	}
	out := make([]mac.PortRange, 0, len(t.Value)/4)
	for b := t.Value; len(b) >= 4; b = b[4:] {
		out = append(out, mac.PortRange{
			Low:  uint16(b[0])<<8 | uint16(b[1]),
			High: uint16(b[2])<<8 | uint16(b[3]),
		})
	}
	return out, nil
}

// DsxMessage is implemented by every DSA, DSC and DSD message.
type DsxMessage interface {
	Message
	TxnID() uint16
}

// DsxRequest carries a service flow proposal.
type DsxRequest struct {
	TransactionID uint16
	Flow          ServiceFlowParams
}

// TxnID returns the transaction id.
func (r *DsxRequest) TxnID() uint16 { return r.TransactionID }

func (r *DsxRequest) encode(e *Encoder) {
	e.PutUint16(r.TransactionID)
	r.Flow.encode(e)
}

func (r *DsxRequest) decode(d *Decoder) error {
	r.TransactionID = d.Uint16()
	tlvs, err := d.TLVs()
	if err != nil {
		return err
	}
	for _, t := range tlvs {
		if t.Type == tlvULServiceFlow || t.Type == tlvDLServiceFlow {
			p, err := decodeServiceFlow(t)
			if err != nil {
				return err
			}
			r.Flow = *p
			return nil
		}
	}
	return fmt.Errorf("%w: request without service flow", ErrBadLength)
}

// DsxConfirm is the response or acknowledgement of a DSA or DSC exchange.
type DsxConfirm struct {
	TransactionID uint16
	Code          mac.ConfirmationCode
	Flow          *ServiceFlowParams
}

// TxnID returns the transaction id.
func (c *DsxConfirm) TxnID() uint16 { return c.TransactionID }

func (c *DsxConfirm) encode(e *Encoder) {
	e.PutUint16(c.TransactionID)
	e.PutUint8(uint8(c.Code))
	if c.Flow != nil {
		c.Flow.encode(e)
	}
}

func (c *DsxConfirm) decode(d *Decoder) error {
	c.TransactionID = d.Uint16()
	c.Code = mac.ConfirmationCode(d.Uint8())
	tlvs, err := d.TLVs()
	if err != nil {
		return err
	}
	for _, t := range tlvs {
		if t.Type == tlvULServiceFlow || t.Type == tlvDLServiceFlow {
			if c.Flow, err = decodeServiceFlow(t); err != nil {
				return err
			}
		}
	}
	return nil
}

type (
	DsaReq struct{ DsxRequest }
	DsaRsp struct{ DsxConfirm }
	DsaAck struct{ DsxConfirm }
	DscReq struct{ DsxRequest }
	DscRsp struct{ DsxConfirm }
	DscAck struct{ DsxConfirm }
)

func (*DsaReq) Type() mac.MsgType { return mac.MsgDsaReq }
func (*DsaRsp) Type() mac.MsgType { return mac.MsgDsaRsp }
func (*DsaAck) Type() mac.MsgType { return mac.MsgDsaAck }
func (*DscReq) Type() mac.MsgType { return mac.MsgDscReq }
func (*DscRsp) Type() mac.MsgType { return mac.MsgDscRsp }
func (*DscAck) Type() mac.MsgType { return mac.MsgDscAck }

// DsdReq asks for the removal of a service flow.
type DsdReq struct {
	TransactionID uint16
	SFID          uint32
}

func (*DsdReq) Type() mac.MsgType { return mac.MsgDsdReq }

// TxnID returns the transaction id.
func (m *DsdReq) TxnID() uint16 { return m.TransactionID }

func (m *DsdReq) encode(e *Encoder) {
	e.PutUint16(m.TransactionID)
	e.PutUint32(m.SFID)
}

// DsdRsp confirms the removal of a service flow.
type DsdRsp struct {
	TransactionID uint16
	Code          mac.ConfirmationCode
	SFID          uint32
}

func (*DsdRsp) Type() mac.MsgType { return mac.MsgDsdRsp }

// TxnID returns the transaction id.
func (m *DsdRsp) TxnID() uint16 { return m.TransactionID }

func (m *DsdRsp) encode(e *Encoder) {
	e.PutUint16(m.TransactionID)
	e.PutUint8(uint8(m.Code))
	e.PutUint32(m.SFID)
}

// DsxRvd tells the SS its request was received and is being processed.
type DsxRvd struct {
	TransactionID uint16
	Code          mac.ConfirmationCode
}

func (*DsxRvd) Type() mac.MsgType { return mac.MsgDsxRvd }

// TxnID returns the transaction id.
func (m *DsxRvd) TxnID() uint16 { return m.TransactionID }

func (m *DsxRvd) encode(e *Encoder) {
	e.PutUint16(m.TransactionID)
	e.PutUint8(uint8(m.Code))
}

func init() {
	register(mac.MsgDsaReq, func(d *Decoder) (Message, error) {
		m := &DsaReq{}
		return m, m.decode(d)
	})
	register(mac.MsgDscReq, func(d *Decoder) (Message, error) {
		m := &DscReq{}
		return m, m.decode(d)
	})
	register(mac.MsgDsaRsp, func(d *Decoder) (Message, error) {
		m := &DsaRsp{}
		return m, m.decode(d)
	})
	register(mac.MsgDsaAck, func(d *Decoder) (Message, error) {
		m := &DsaAck{}
		return m, m.decode(d)
	})
	register(mac.MsgDscRsp, func(d *Decoder) (Message, error) {
		m := &DscRsp{}
		return m, m.decode(d)
	})
	register(mac.MsgDscAck, func(d *Decoder) (Message, error) {
		m := &DscAck{}
		return m, m.decode(d)
	})
	register(mac.MsgDsdReq, func(d *Decoder) (Message, error) {
		return &DsdReq{TransactionID: d.Uint16(), SFID: d.Uint32()}, nil
	})
	register(mac.MsgDsdRsp, func(d *Decoder) (Message, error) {
		return &DsdRsp{TransactionID: d.Uint16(), Code: mac.ConfirmationCode(d.Uint8()), SFID: d.Uint32()}, nil
	})
	register(mac.MsgDsxRvd, func(d *Decoder) (Message, error) {
		return &DsxRvd{TransactionID: d.Uint16(), Code: mac.ConfirmationCode(d.Uint8())}, nil
	})
}
