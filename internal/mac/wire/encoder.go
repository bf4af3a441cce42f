// Package wire encodes and decodes MAC PDUs: the generic and bandwidth
// request headers, TLV records, and every management message the base
// station exchanges. Multi-byte integers are big-endian.
package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when a buffer ends inside a field.
	ErrTruncated = errors.New("wire: truncated")
	// ErrBadLength is returned when a TLV value has the wrong size for its type.
	ErrBadLength = errors.New("wire: bad length")
	// ErrUnclosedTLV is returned by Bytes when a TLV was begun but never ended.
	ErrUnclosedTLV = errors.New("wire: unclosed tlv")
	// ErrTooLarge is returned when a length does not fit in its field.
	ErrTooLarge = errors.New("wire: value too large")
	// ErrBadHCS is returned when a header checksum does not match.
	ErrBadHCS = errors.New("wire: header checksum mismatch")
	// ErrUnknownMessage is returned for management types without a decoder.
	ErrUnknownMessage = errors.New("wire: unknown management message")
)

// shortLengthMax is the largest TLV length encoded in a single byte.
const shortLengthMax = 0x7f

// Encoder appends fields to a growing buffer. TLVs opened with BeginTLV
// reserve a length byte which EndTLV backpatches once the value is known.
type Encoder struct {
	buf  []byte
	open int
	err  error
}

// TLVMark identifies an open TLV.
type TLVMark struct {
	lenPos int
	start  int
}

// NewEncoder returns an encoder with capacity for n bytes.
func NewEncoder(n int) *Encoder {
	return &Encoder{buf: make([]byte, 0, n)}
}

// Len returns the number of bytes written.
func (e *Encoder) Len() int { return len(e.buf) }

// Err returns the first error recorded by a write.
func (e *Encoder) Err() error { return e.err }

// Bytes returns the encoded buffer, or an error if a write failed or a TLV
// is still open.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	if e.open != 0 {
		return nil, ErrUnclosedTLV
	}
	return e.buf, nil
}

func (e *Encoder) PutUint8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) PutUint16(v uint16) { e.buf = append(e.buf, byte(v>>8), byte(v)) }

func (e *Encoder) PutUint24(v uint32) {
	if v > 0xFFFFFF {
		e.fail(fmt.Errorf("%w: %d in 24 bits", ErrTooLarge, v))
		return
	}
	e.buf = append(e.buf, byte(v>>16), byte(v>>8), byte(v))
}

func (e *Encoder) PutUint32(v uint32) {
	e.buf = append(e.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (e *Encoder) PutBytes(b []byte) { e.buf = append(e.buf, b...) }

// SetUint16At overwrites two bytes at pos, used for fields whose value is
// only known after the rest of the PDU is written.
func (e *Encoder) SetUint16At(pos int, v uint16) {
	if pos < 0 || pos+2 > len(e.buf) {
		e.fail(fmt.Errorf("%w: patch at %d", ErrTruncated, pos))
		return
	}
	e.buf[pos] = byte(v >> 8)
	e.buf[pos+1] = byte(v)
}

// BeginTLV writes the type byte, reserves the length and returns a mark for
// EndTLV.
func (e *Encoder) BeginTLV(typ uint8) TLVMark {
	e.buf = append(e.buf, typ, 0)
	e.open++
	return TLVMark{lenPos: len(e.buf) - 1, start: len(e.buf)}
}

// EndTLV backpatches the length of the TLV opened at m. Values longer than
// 127 bytes use the extended form: 0x80|n followed by n length bytes, which
// shifts the value right.
func (e *Encoder) EndTLV(m TLVMark) {
	if e.open == 0 {
		e.fail(fmt.Errorf("%w: EndTLV without BeginTLV", ErrUnclosedTLV))
		return
	}
	e.open--
	n := len(e.buf) - m.start
	if n <= shortLengthMax {
		e.buf[m.lenPos] = byte(n)
		return
	}
	var ext []byte
	switch {
	case n <= 0xFF:
		ext = []byte{byte(n)}
	case n <= 0xFFFF:
		ext = []byte{byte(n >> 8), byte(n)}
	default:
		e.fail(fmt.Errorf("%w: tlv length %d", ErrTooLarge, n))
		return
	}
	e.buf[m.lenPos] = 0x80 | byte(len(ext))
	e.buf = append(e.buf, ext...)
	copy(e.buf[m.start+len(ext):], e.buf[m.start:m.start+n])
	copy(e.buf[m.start:], ext)
}

// TLV8 writes a TLV with a one-byte value.
func (e *Encoder) TLV8(typ, v uint8) {
	e.buf = append(e.buf, typ, 1, v)
}

// TLV16 writes a TLV with a two-byte value.
func (e *Encoder) TLV16(typ uint8, v uint16) {
	e.buf = append(e.buf, typ, 2)
	e.PutUint16(v)
}

// TLV24 writes a TLV with a three-byte value.
func (e *Encoder) TLV24(typ uint8, v uint32) {
	e.buf = append(e.buf, typ, 3)
	e.PutUint24(v)
}

// TLV32 writes a TLV with a four-byte value.
func (e *Encoder) TLV32(typ uint8, v uint32) {
	e.buf = append(e.buf, typ, 4)
	e.PutUint32(v)
}

// TLVBytes writes a TLV holding b verbatim.
func (e *Encoder) TLVBytes(typ uint8, b []byte) {
	m := e.BeginTLV(typ)
	e.PutBytes(b)
	e.EndTLV(m)
}

// TLVBool writes a one-byte boolean TLV.
func (e *Encoder) TLVBool(typ uint8, v bool) {
	var b uint8
	if v {
		b = 1
	}
	e.TLV8(typ, b)
}

func (e *Encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
