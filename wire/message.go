package wire

import (
	"fmt"
	"strings"

	"github.com/kjx/dbusd/wire/fragments"
)

// Message is a decoded D-Bus message: the fixed header, the
// recognized header fields, and the body values. File descriptors
// carried out-of-band by the transport are not part of Message's wire
// representation; callers attach them to FDs after decoding.
type Message struct {
	Type   MsgType
	Flags  Flags
	Serial uint32

	Path        string
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	NumFDs      uint32

	Body []Value

	// FDs holds the file descriptors attached to this message,
	// indexed the same way KindUnixFD values reference them. It is
	// populated by the peer layer, not by DecodeMessage.
	FDs []FileDescriptor
}

// FileDescriptor is an opaque handle for a file descriptor attached
// to a message. The broker core never looks inside it — it only
// counts them and forwards them — so it is declared here as an
// interface that the transport layer satisfies with *os.File.
type FileDescriptor interface {
	Close() error
}

// CloseFDs closes every descriptor attached to m and drops them. It
// is called whenever a message is discarded instead of delivered, so
// that undelivered descriptors do not leak.
func (m *Message) CloseFDs() {
	for _, f := range m.FDs {
		f.Close()
	}
	m.FDs = nil
}

// BodySignature returns the signature string describing m.Body.
func (m *Message) BodySignature() string {
	var b strings.Builder
	for _, v := range m.Body {
		b.WriteString(v.Type.String())
	}
	return b.String()
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Type == MethodCall && m.Flags&FlagNoReplyExpected == 0
}

// CanInteract reports whether the message's sender is prepared to
// wait for an interactive authorization prompt.
func (m *Message) CanInteract() bool {
	return m.Type == MethodCall && m.Flags&FlagAllowInteractiveAuth != 0
}

// Validate checks that m carries the header fields required for its
// Type. DecodeMessage runs it on every message it decodes.
// Destination is not required for any type: a method call with no
// Destination is addressed to the bus object, which the router — not
// the wire layer — recognizes.
func (m *Message) Validate() error {
	if m.Serial == 0 {
		return fmt.Errorf("invalid message with zero serial")
	}
	switch m.Type {
	case MethodCall:
		if m.Path == "" {
			return fmt.Errorf("method call missing required header field Path")
		}
		if m.Member == "" {
			return fmt.Errorf("method call missing required header field Member")
		}
	case MethodReturn:
		if m.ReplySerial == 0 {
			return fmt.Errorf("method return missing required header field ReplySerial")
		}
	case MsgError:
		if m.ReplySerial == 0 {
			return fmt.Errorf("error missing required header field ReplySerial")
		}
		if m.ErrorName == "" {
			return fmt.Errorf("error missing required header field ErrorName")
		}
	case Signal:
		if m.Path == "" {
			return fmt.Errorf("signal missing required header field Path")
		}
		if m.Interface == "" {
			return fmt.Errorf("signal missing required header field Interface")
		}
		if m.Member == "" {
			return fmt.Errorf("signal missing required header field Member")
		}
	default:
		// Unknown message types are suspect but must be tolerated per
		// the DBus spec.
	}
	return nil
}

// EncodeMessage serializes m to its wire representation (fixed
// header, header-field array, and body), in the given byte order. It
// does not write anything about m.FDs; the caller is responsible for
// sending them as ancillary data alongside the returned bytes and for
// setting m.NumFDs to the number of descriptors that travel with this
// write.
func EncodeMessage(order fragments.ByteOrder, m *Message) ([]byte, error) {
	bodyEnc := &fragments.Encoder{Order: order}
	for i, v := range m.Body {
		if err := Encode(bodyEnc, v.Type, v); err != nil {
			return nil, fmt.Errorf("encoding body value %d: %w", i, err)
		}
	}
	bodySig := m.BodySignature()

	hdrEnc := &fragments.Encoder{Order: order}
	hdrEnc.ByteOrderFlag()
	hdrEnc.Uint8(byte(m.Type))
	hdrEnc.Uint8(byte(m.Flags))
	hdrEnc.Uint8(protocolVersion)
	lenOffset := len(hdrEnc.Out)
	hdrEnc.Uint32(0) // patched below once body length is known
	hdrEnc.Uint32(m.Serial)

	if err := encodeHeaderFields(hdrEnc, m, bodySig); err != nil {
		return nil, fmt.Errorf("encoding header fields: %w", err)
	}
	hdrEnc.Pad(8)

	order.PutUint32(hdrEnc.Out[lenOffset:lenOffset+4], uint32(len(bodyEnc.Out)))

	return append(hdrEnc.Out, bodyEnc.Out...), nil
}

func encodeHeaderFields(enc *fragments.Encoder, m *Message, bodySig string) error {
	var firstErr error
	write := func(code byte, v Value) {
		if firstErr != nil {
			return
		}
		if err := enc.Struct(func() error {
			enc.Uint8(code)
			return Encode(enc, Type{Kind: KindVariant}, VariantOf(v))
		}); err != nil {
			firstErr = fmt.Errorf("header field %d: %w", code, err)
		}
	}

	err := enc.Array(8, func() error {
		if m.Path != "" {
			write(fieldPath, ObjectPath(m.Path))
		}
		if m.Interface != "" {
			write(fieldInterface, String(m.Interface))
		}
		if m.Member != "" {
			write(fieldMember, String(m.Member))
		}
		if m.ErrorName != "" {
			write(fieldErrorName, String(m.ErrorName))
		}
		if m.ReplySerial != 0 {
			write(fieldReplySerial, Uint32(m.ReplySerial))
		}
		if m.Destination != "" {
			write(fieldDestination, String(m.Destination))
		}
		if m.Sender != "" {
			write(fieldSender, String(m.Sender))
		}
		if bodySig != "" {
			write(fieldSignature, SignatureValue(bodySig))
		}
		if m.NumFDs != 0 {
			write(fieldUnixFDs, Uint32(m.NumFDs))
		}
		return firstErr
	})
	if err != nil {
		return err
	}
	return firstErr
}

// DecodeMessage attempts to decode one complete message off the
// front of buf.
//
// On success it returns the message and the number of bytes consumed
// from buf. If buf does not yet contain a complete message, it
// returns [fragments.ErrShortBuffer] and the caller should retry once
// more bytes have arrived — DecodeMessage is a pure function and owns
// no buffers of its own, so a short read costs nothing but a repeated
// parse of the header.
func DecodeMessage(buf []byte) (*Message, int, error) {
	if len(buf) < 12 {
		return nil, 0, fragments.ErrShortBuffer
	}

	dec := &fragments.Decoder{In: buf}
	if err := dec.ByteOrderFlag(); err != nil {
		return nil, 0, err
	}
	typ, err := dec.Uint8()
	if err != nil {
		return nil, 0, err
	}
	flags, err := dec.Uint8()
	if err != nil {
		return nil, 0, err
	}
	if _, err := dec.Uint8(); err != nil { // protocol version, unused
		return nil, 0, err
	}
	bodyLen, err := dec.Uint32()
	if err != nil {
		return nil, 0, err
	}
	serial, err := dec.Uint32()
	if err != nil {
		return nil, 0, err
	}

	m := &Message{Type: MsgType(typ), Flags: Flags(flags), Serial: serial}
	var bodySig string
	if err := decodeHeaderFields(dec, m, &bodySig); err != nil {
		return nil, 0, err
	}
	if err := dec.Pad(8); err != nil {
		return nil, 0, err
	}

	bodyStart := dec.Offset()
	if len(buf) < bodyStart+int(bodyLen) {
		return nil, 0, fragments.ErrShortBuffer
	}

	bodyTypes, err := ParseTypes(bodySig)
	if err != nil {
		return nil, 0, fmt.Errorf("body signature %q: %w", bodySig, err)
	}

	bodyDec := &fragments.Decoder{Order: dec.Order, In: buf[bodyStart : bodyStart+int(bodyLen)]}
	var body []Value
	for i, t := range bodyTypes {
		v, err := Decode(bodyDec, t)
		if err != nil {
			return nil, 0, fmt.Errorf("body value %d: %w", i, err)
		}
		body = append(body, v)
	}
	m.Body = body

	total := bodyStart + int(bodyLen)
	if err := m.Validate(); err != nil {
		return nil, 0, err
	}
	return m, total, nil
}

func decodeHeaderFields(dec *fragments.Decoder, m *Message, bodySig *string) error {
	return dec.Array(8, func(i int) error {
		return dec.Struct(func() error {
			code, err := dec.Uint8()
			if err != nil {
				return err
			}
			v, err := Decode(dec, Type{Kind: KindVariant})
			if err != nil {
				return fmt.Errorf("header field %d value: %w", code, err)
			}
			inner := v.Variant
			switch code {
			case fieldPath:
				m.Path = inner.Str
			case fieldInterface:
				m.Interface = inner.Str
			case fieldMember:
				m.Member = inner.Str
			case fieldErrorName:
				m.ErrorName = inner.Str
			case fieldReplySerial:
				m.ReplySerial = inner.U32
			case fieldDestination:
				m.Destination = inner.Str
			case fieldSender:
				m.Sender = inner.Str
			case fieldSignature:
				*bodySig = inner.Str
			case fieldUnixFDs:
				m.NumFDs = inner.U32
			default:
				// Unknown header field code: tolerate for forward
				// compatibility, don't propagate it on re-encode.
			}
			return nil
		})
	})
}
