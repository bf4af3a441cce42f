package wire

import (
	"fmt"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
)

// Message is a management message body: the one-byte type followed by its
// fixed fields and TLVs.
type Message interface {
	Type() mac.MsgType
	encode(e *Encoder)
}

type decodeFunc func(d *Decoder) (Message, error)

var decoders = map[mac.MsgType]decodeFunc{}

func register(t mac.MsgType, f decodeFunc) { decoders[t] = f }

// Marshal encodes the message body without a MAC header.
func Marshal(m Message) ([]byte, error) {
	e := NewEncoder(64)
	e.PutUint8(uint8(m.Type()))
	m.encode(e)
	return e.Bytes()
}

// EncodePDU frames m behind a generic MAC header addressed to cid. The LEN
// field and HCS are filled in once the body is written.
func EncodePDU(cid mac.CID, m Message) ([]byte, error) {
	e := NewEncoder(64)
	e.PutBytes(make([]byte, HeaderLen))
	e.PutUint8(uint8(m.Type()))
	m.encode(e)
	b, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	if len(b) > mac.MaxPDUSize {
		return nil, fmt.Errorf("encode %s: %w: pdu length %d", m.Type(), ErrTooLarge, len(b))
	}
	h := GenericHeader{Length: uint16(len(b)), CID: cid}
	if err := h.MarshalTo(b[:HeaderLen]); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeBandwidthRequest returns a header-only bandwidth request PDU.
func EncodeBandwidthRequest(r BandwidthRequest) ([]byte, error) {
	b := make([]byte, HeaderLen)
	if err := r.MarshalTo(b); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeDataPDU frames payload behind a generic header for a transport CID.
func EncodeDataPDU(cid mac.CID, payload []byte) ([]byte, error) {
	n := HeaderLen + len(payload)
	if n > mac.MaxPDUSize {
		return nil, fmt.Errorf("%w: pdu length %d", ErrTooLarge, n)
	}
	b := make([]byte, n)
	copy(b[HeaderLen:], payload)
	h := GenericHeader{Length: uint16(n), CID: cid}
	if err := h.MarshalTo(b); err != nil {
		return nil, err
	}
	return b, nil
}

// PDU is a decoded MAC PDU.
type PDU struct {
	Header  Header
	Payload []byte // bytes after the header, bounded by LEN
}

// DecodePDU parses the header at the start of b and slices the payload.
// It returns the number of bytes consumed so concatenated PDUs can be split.
func DecodePDU(b []byte) (PDU, int, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return PDU{}, 0, err
	}
	if h.Bandwidth != nil {
		return PDU{Header: h}, HeaderLen, nil
	}
	n := int(h.Generic.Length)
	if n < HeaderLen {
		return PDU{}, 0, fmt.Errorf("%w: pdu length %d below header size", ErrBadLength, n)
	}
	if n > len(b) {
		return PDU{}, 0, fmt.Errorf("%w: pdu length %d, have %d", ErrTruncated, n, len(b))
	}
	return PDU{Header: h, Payload: b[HeaderLen:n]}, n, nil
}

// SplitPDUs decodes every PDU concatenated in b.
func SplitPDUs(b []byte) ([]PDU, error) {
	var out []PDU
	for len(b) > 0 {
		p, n, err := DecodePDU(b)
		if err != nil {
			return out, err
		}
		out = append(out, p)
		b = b[n:]
	}
	return out, nil
}

// Unmarshal decodes a management message body.
func Unmarshal(body []byte) (Message, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty management body", ErrTruncated)
	}
	t := mac.MsgType(body[0])
	f, ok := decoders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, t)
	}
	d := NewDecoder(body[1:])
	m, err := f(d)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	if d.Err() != nil {
		return nil, fmt.Errorf("decode %s: %w", t, d.Err())
	}
	return m, nil
}
