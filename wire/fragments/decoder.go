package fragments

import (
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a Decoder runs out of input bytes
// partway through a value. Callers that are decoding a possibly
// incomplete message (e.g. from a streaming transport) should treat
// this as "come back with more bytes", not as a fatal wire error.
var ErrShortBuffer = errors.New("insufficient data")

// A Decoder reads a D-Bus wire format message out of a fixed byte
// slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim. A Decoder never blocks and never
// mutates its input; on running out of bytes it returns
// [ErrShortBuffer].
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input to read. Decoder never modifies it.
	In []byte

	pos int
}

// Offset returns the number of bytes consumed from the front of In so
// far.
func (d *Decoder) Offset() int { return d.pos }

// Remaining returns the number of unread bytes in In.
func (d *Decoder) Remaining() int { return len(d.In) - d.pos }

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes relative to the start of In.
func (d *Decoder) Pad(align int) error {
	extra := d.pos % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.pos+skip > len(d.In) {
		d.pos = len(d.In)
		return ErrShortBuffer
	}
	d.pos += skip
	return nil
}

// Read reads n bytes verbatim, with no padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.In) {
		return nil, ErrShortBuffer
	}
	bs := d.In[d.pos : d.pos+n]
	d.pos += n
	return bs, nil
}

// Bytes reads a DBus byte array (uint32 length prefix, no trailing
// NUL).
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(ln))
}

// String reads a DBus STRING or OBJECT_PATH value.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if bs[len(bs)-1] != 0 {
		return "", fmt.Errorf("string value missing trailing NUL")
	}
	return string(bs[:len(bs)-1]), nil
}

// Signature reads a DBus SIGNATURE value (single-byte length prefix).
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if bs[len(bs)-1] != 0 {
		return "", fmt.Errorf("signature value missing trailing NUL")
	}
	return string(bs[:len(bs)-1]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Bool reads a DBus BOOLEAN, wire-encoded as a uint32 restricted to 0
// or 1. Any other value is an error.
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint32()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean wire value %d", v)
	}
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining to process, passing the array index of the element to be
// decoded. readElement must completely consume all bytes for that
// element, and must not read beyond the end of the array data.
//
// elemAlign is the alignment of the array's element type; arrays of
// structs or dict entries pad the start of the element region to 8
// regardless of the declared length.
func (d *Decoder) Array(elemAlign int, readElement func(int) error) error {
	ln, err := d.Uint32()
	if err != nil {
		return err
	}
	if err := d.Pad(elemAlign); err != nil {
		return err
	}
	if d.pos+int(ln) > len(d.In) {
		return ErrShortBuffer
	}
	end := d.pos + int(ln)
	idx := 0
	for d.pos < end {
		if err := readElement(idx); err != nil {
			return err
		}
		if d.pos > end {
			return fmt.Errorf("array element %d overran declared array length", idx)
		}
		idx++
	}
	return nil
}

// Struct reads a struct or dict-entry.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	order, ok := OrderFromFlag(v)
	if !ok {
		return fmt.Errorf("unknown byte order flag %q", v)
	}
	d.Order = order
	return nil
}
