package wire

import "fmt"

// Decoder reads fields from a buffer. The first failure is sticky: later
// reads return zero values and Err reports the failure.
type Decoder struct {
	buf []byte
	pos int
	err error
}

// NewDecoder wraps b.
func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

// Err returns the first read error.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// Pos returns the read offset.
func (d *Decoder) Pos() int { return d.pos }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.buf) {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, d.pos, len(d.buf)-d.pos)
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) Uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

func (d *Decoder) Uint24() uint32 {
	b := d.take(3)
	if b == nil {
		return 0
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Bytes returns the next n bytes without copying.
func (d *Decoder) Bytes(n int) []byte { return d.take(n) }

// Rest returns every unread byte.
func (d *Decoder) Rest() []byte { return d.take(d.Remaining()) }

// TLV is a decoded type-length-value record.
type TLV struct {
	Type  uint8
	Value []byte
}

// NextTLV reads one TLV. It returns false at the end of the buffer or on
// error; callers distinguish the two with Err.
func (d *Decoder) NextTLV() (TLV, bool) {
	if d.err != nil || d.Remaining() == 0 {
		return TLV{}, false
	}
	typ := d.Uint8()
	first := d.Uint8()
	n := int(first)
	if first&0x80 != 0 {
		width := int(first &^ 0x80)
		if width == 0 || width > 2 {
			if d.err == nil {
				d.err = fmt.Errorf("%w: extended length width %d for type %d", ErrBadLength, width, typ)
			}
			return TLV{}, false
		}
		n = 0
		for _, b := range d.Bytes(width) {
			n = n<<8 | int(b)
		}
	}
	v := d.Bytes(n)
	if d.err != nil {
		return TLV{}, false
	}
	return TLV{Type: typ, Value: v}, true
}

// TLVs reads every remaining TLV.
func (d *Decoder) TLVs() ([]TLV, error) {
	var out []TLV
	for {
		t, ok := d.NextTLV()
		if !ok {
			break
		}
		out = append(out, t)
	}
	return out, d.err
}

// Uint8 returns a one-byte value.
func (t TLV) Uint8() (uint8, error) {
	if len(t.Value) != 1 {
		return 0, t.lengthErr(1)
	}
	return t.Value[0], nil
}

// Int8 returns a one-byte signed value.
func (t TLV) Int8() (int8, error) {
	v, err := t.Uint8()
	return int8(v), err
}

// Uint16 returns a two-byte value.
func (t TLV) Uint16() (uint16, error) {
	if len(t.Value) != 2 {
		return 0, t.lengthErr(2)
	}
	return uint16(t.Value[0])<<8 | uint16(t.Value[1]), nil
}

// Uint24 returns a three-byte value.
func (t TLV) Uint24() (uint32, error) {
	if len(t.Value) != 3 {
		return 0, t.lengthErr(3)
	}
	return uint32(t.Value[0])<<16 | uint32(t.Value[1])<<8 | uint32(t.Value[2]), nil
}

// Uint32 returns a four-byte value.
func (t TLV) Uint32() (uint32, error) {
	if len(t.Value) != 4 {
		return 0, t.lengthErr(4)
	}
	return uint32(t.Value[0])<<24 | uint32(t.Value[1])<<16 | uint32(t.Value[2])<<8 | uint32(t.Value[3]), nil
}

// Bool returns a one-byte boolean value.
func (t TLV) Bool() (bool, error) {
	v, err := t.Uint8()
	return v != 0, err
}

// Sub decodes the value as nested TLVs.
func (t TLV) Sub() ([]TLV, error) {
	return NewDecoder(t.Value).TLVs()
}

func (t TLV) lengthErr(want int) error {
	return fmt.Errorf("%w: type %d has %d bytes, want %d", ErrBadLength, t.Type, len(t.Value), want)
}
