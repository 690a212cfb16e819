package wire

import (
	"fmt"
	"math"

	"github.com/kjx/dbusd/wire/fragments"
)

// Encode appends the wire representation of v to enc, using t as the
// authoritative type (v.Type is expected to agree with t; mismatches
// are a TypeMismatchError).
//
// Encode threads the encoder's running byte offset implicitly through
// enc.Out: every call pads relative to len(enc.Out), so nested
// containers must all share the same *Encoder.
func Encode(enc *fragments.Encoder, t Type, v Value) error {
	if err := ValidateShallow(v, t); err != nil {
		return &TypeMismatchError{Reason: err.Error()}
	}

	switch t.Kind {
	case KindByte:
		enc.Uint8(v.U8)
	case KindBool:
		enc.Bool(v.B)
	case KindInt16:
		enc.Uint16(uint16(v.I16))
	case KindUint16:
		enc.Uint16(v.U16)
	case KindInt32:
		enc.Uint32(uint32(v.I32))
	case KindUint32:
		enc.Uint32(v.U32)
	case KindInt64:
		enc.Uint64(uint64(v.I64))
	case KindUint64:
		enc.Uint64(v.U64)
	case KindDouble:
		enc.Uint64(math.Float64bits(v.F64))
	case KindString:
		enc.String(v.Str)
	case KindObjectPath:
		if !ValidObjectPath(v.Str) {
			return fmt.Errorf("invalid object path %q", v.Str)
		}
		enc.String(v.Str)
	case KindSignature:
		if !ValidSignature(v.Str) {
			return &SignatureError{v.Str, "not a valid signature"}
		}
		enc.Signature(v.Str)
	case KindUnixFD:
		enc.Uint32(v.U32)
	case KindArray:
		return enc.Array(t.Elem.Alignment(), func() error {
			for i, item := range v.Array {
				if err := Encode(enc, *t.Elem, item); err != nil {
					return fmt.Errorf("array element %d: %w", i, err)
				}
			}
			return nil
		})
	case KindStruct:
		return enc.Struct(func() error {
			for i, f := range t.Fields {
				if err := Encode(enc, f, v.Struct[i]); err != nil {
					return fmt.Errorf("struct field %d: %w", i, err)
				}
			}
			return nil
		})
	case KindDictEntry:
		return enc.Struct(func() error {
			if err := Encode(enc, *t.Key, *v.DictKey); err != nil {
				return fmt.Errorf("dict entry key: %w", err)
			}
			if err := Encode(enc, *t.Value, *v.DictVal); err != nil {
				return fmt.Errorf("dict entry value: %w", err)
			}
			return nil
		})
	case KindVariant:
		sig := v.Variant.Type.String()
		enc.Signature(sig)
		if err := Encode(enc, v.Variant.Type, *v.Variant); err != nil {
			return fmt.Errorf("variant of type %q: %w", sig, err)
		}
	default:
		return fmt.Errorf("encode: unknown type kind %q", byte(t.Kind))
	}
	return nil
}

// Decode reads a value of type t from dec.
//
// If dec runs out of bytes partway through, Decode returns
// [fragments.ErrShortBuffer], which callers decoding a streamed
// message should treat as "not enough data yet", not a wire error.
func Decode(dec *fragments.Decoder, t Type) (Value, error) {
	switch t.Kind {
	case KindByte:
		b, err := dec.Uint8()
		return Value{Type: t, U8: b}, err
	case KindBool:
		b, err := dec.Bool()
		return Value{Type: t, B: b}, err
	case KindInt16:
		u, err := dec.Uint16()
		return Value{Type: t, I16: int16(u)}, err
	case KindUint16:
		u, err := dec.Uint16()
		return Value{Type: t, U16: u}, err
	case KindInt32:
		u, err := dec.Uint32()
		return Value{Type: t, I32: int32(u)}, err
	case KindUint32:
		u, err := dec.Uint32()
		return Value{Type: t, U32: u}, err
	case KindInt64:
		u, err := dec.Uint64()
		return Value{Type: t, I64: int64(u)}, err
	case KindUint64:
		u, err := dec.Uint64()
		return Value{Type: t, U64: u}, err
	case KindDouble:
		u, err := dec.Uint64()
		return Value{Type: t, F64: math.Float64frombits(u)}, err
	case KindString:
		s, err := dec.String()
		return Value{Type: t, Str: s}, err
	case KindObjectPath:
		s, err := dec.String()
		if err != nil {
			return Value{}, err
		}
		if !ValidObjectPath(s) {
			return Value{}, fmt.Errorf("invalid object path %q", s)
		}
		return Value{Type: t, Str: s}, nil
	case KindSignature:
		s, err := dec.Signature()
		if err != nil {
			return Value{}, err
		}
		if !ValidSignature(s) {
			return Value{}, &SignatureError{s, "not a valid signature"}
		}
		return Value{Type: t, Str: s}, nil
	case KindUnixFD:
		u, err := dec.Uint32()
		return Value{Type: t, U32: u}, err
	case KindArray:
		var items []Value
		err := dec.Array(t.Elem.Alignment(), func(i int) error {
			v, err := Decode(dec, *t.Elem)
			if err != nil {
				return fmt.Errorf("array element %d: %w", i, err)
			}
			items = append(items, v)
			return nil
		})
		return Value{Type: t, Array: items}, err
	case KindStruct:
		fields := make([]Value, 0, len(t.Fields))
		err := dec.Struct(func() error {
			for i, ft := range t.Fields {
				v, err := Decode(dec, ft)
				if err != nil {
					return fmt.Errorf("struct field %d: %w", i, err)
				}
				fields = append(fields, v)
			}
			return nil
		})
		return Value{Type: t, Struct: fields}, err
	case KindDictEntry:
		var k, v Value
		err := dec.Struct(func() error {
			var err error
			k, err = Decode(dec, *t.Key)
			if err != nil {
				return fmt.Errorf("dict entry key: %w", err)
			}
			v, err = Decode(dec, *t.Value)
			if err != nil {
				return fmt.Errorf("dict entry value: %w", err)
			}
			return nil
		})
		return Value{Type: t, DictKey: &k, DictVal: &v}, err
	case KindVariant:
		sig, err := dec.Signature()
		if err != nil {
			return Value{}, err
		}
		innerType, err := ParseOne(sig)
		if err != nil {
			return Value{}, fmt.Errorf("variant signature: %w", err)
		}
		inner, err := Decode(dec, innerType)
		if err != nil {
			return Value{}, fmt.Errorf("variant of type %q: %w", sig, err)
		}
		return Value{Type: t, Variant: &inner}, nil
	default:
		return Value{}, fmt.Errorf("decode: unknown type kind %q", byte(t.Kind))
	}
}

// TypeMismatchError is returned by Encode when a Value's shape
// doesn't agree with the Type it's being encoded against.
type TypeMismatchError struct {
	Reason string
}

func (e *TypeMismatchError) Error() string {
	return "type mismatch: " + e.Reason
}
