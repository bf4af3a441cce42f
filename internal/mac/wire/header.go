package wire

import (
	"fmt"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
)

// HeaderLen is the size of both the generic and the bandwidth request
// header.
const HeaderLen = 6

// GenericHeader is the header that opens every PDU carrying a payload.
type GenericHeader struct {
	Encrypted bool  // EC
	Type      uint8 // 6-bit subheader type field
	ESF       bool
	CRC       bool // CI
	EKS       uint8
	Length    uint16 // whole PDU, header included
	CID       mac.CID
}

// MarshalTo writes h into b[:HeaderLen], including the HCS.
func (h GenericHeader) MarshalTo(b []byte) error {
	if len(b) < HeaderLen {
		return fmt.Errorf("%w: header needs %d bytes", ErrTruncated, HeaderLen)
	}
	if h.Length > mac.MaxPDUSize {
		return fmt.Errorf("%w: pdu length %d", ErrTooLarge, h.Length)
	}
	b[0] = h.Type & 0x3f
	if h.Encrypted {
		b[0] |= 0x40
	}
	b[1] = byte(h.Length>>8) & 0x07
	if h.ESF {
		b[1] |= 0x80
	}
	if h.CRC {
		b[1] |= 0x40
	}
	b[1] |= (h.EKS & 0x03) << 4
	b[2] = byte(h.Length)
	b[3] = byte(h.CID >> 8)
	b[4] = byte(h.CID)
	b[5] = HCS(b[:5])
	return nil
}

// BandwidthRequest is the header-only PDU an SS sends to request uplink
// bandwidth for the connection identified by CID.
type BandwidthRequest struct {
	Aggregate bool
	Bytes     uint32 // 19 bits
	CID       mac.CID
}

// MarshalTo writes r into b[:HeaderLen], including the HCS.
func (r BandwidthRequest) MarshalTo(b []byte) error {
	if len(b) < HeaderLen {
		return fmt.Errorf("%w: header needs %d bytes", ErrTruncated, HeaderLen)
	}
	if r.Bytes > 0x7FFFF {
		return fmt.Errorf("%w: bandwidth request %d", ErrTooLarge, r.Bytes)
	}
	b[0] = 0x80 | byte(r.Bytes>>16)&0x07
	if r.Aggregate {
		b[0] |= 0x01 << 3
	}
	b[1] = byte(r.Bytes >> 8)
	b[2] = byte(r.Bytes)
	b[3] = byte(r.CID >> 8)
	b[4] = byte(r.CID)
	b[5] = HCS(b[:5])
	return nil
}

// Header is the decoded form of either header kind. Exactly one of Generic
// and Bandwidth is set.
type Header struct {
	Generic   *GenericHeader
	Bandwidth *BandwidthRequest
}

// CID returns the connection the header addresses.
func (h Header) CID() mac.CID {
	if h.Bandwidth != nil {
		return h.Bandwidth.CID
	}
	if h.Generic != nil {
		return h.Generic.CID
	}
	return 0
}

// ParseHeader decodes and verifies the header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, HeaderLen, len(b))
	}
	if HCS(b[:5]) != b[5] {
		return Header{}, ErrBadHCS
	}
	cid := mac.CID(uint16(b[3])<<8 | uint16(b[4]))
	if b[0]&0x80 != 0 {
		return Header{Bandwidth: &BandwidthRequest{
			Aggregate: (b[0]>>3)&0x07 == 1,
			Bytes:     uint32(b[0]&0x07)<<16 | uint32(b[1])<<8 | uint32(b[2]),
			CID:       cid,
		}}, nil
	}
	return Header{Generic: &GenericHeader{
		Encrypted: b[0]&0x40 != 0,
		Type:      b[0] & 0x3f,
		ESF:       b[1]&0x80 != 0,
		CRC:       b[1]&0x40 != 0,
		EKS:       (b[1] >> 4) & 0x03,
		Length:    uint16(b[1]&0x07)<<8 | uint16(b[2]),
		CID:       cid,
	}}, nil
}

// hcsTable is the CRC-8 table for x^8 + x^2 + x + 1.
var hcsTable = func() [256]byte {
	var t [256]byte
	for i := 0; i < 256; i++ {
		c := byte(i)
		for j := 0; j < 8; j++ {
			if c&0x80 != 0 {
				c = c<<1 ^ 0x07
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// HCS computes the header check sequence over b.
func HCS(b []byte) byte {
	var c byte
	for _, v := range b {
		c = hcsTable[c^v]
	}
	return c
}
