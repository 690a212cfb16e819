package wire

import "fmt"

// Value is a D-Bus value of any type. Which fields are meaningful is
// determined by Type.Kind.
//
// Value is a plain data carrier, not a marshaler: encoding and
// decoding live in codec.go, operating on the (Value, Type) pair
// directly rather than through reflection. The broker never marshals
// into caller-supplied Go structs; it only re-serializes values it
// has already decoded off the wire.
type Value struct {
	Type Type

	U8  byte
	B   bool
	I16 int16
	U16 uint16
	I32 int32
	U32 uint32
	I64 int64
	U64 uint64
	F64 float64
	// Str holds the value of KindString, KindObjectPath, and
	// KindSignature values.
	Str string

	// Array holds the elements of a KindArray value, including
	// KindDictEntry elements for "array of dict entry" values (D-Bus
	// dictionaries).
	Array []Value
	// Struct holds the members of a KindStruct value.
	Struct []Value
	// DictKey and DictVal hold the key and value of a KindDictEntry
	// value.
	DictKey *Value
	DictVal *Value
	// Variant holds the inner value of a KindVariant value.
	Variant *Value
}

func Byte(v byte) Value   { return Value{Type: Type{Kind: KindByte}, U8: v} }
func Bool(v bool) Value   { return Value{Type: Type{Kind: KindBool}, B: v} }
func Int16(v int16) Value { return Value{Type: Type{Kind: KindInt16}, I16: v} }
func Uint16(v uint16) Value {
	return Value{Type: Type{Kind: KindUint16}, U16: v}
}
func Int32(v int32) Value   { return Value{Type: Type{Kind: KindInt32}, I32: v} }
func Uint32(v uint32) Value { return Value{Type: Type{Kind: KindUint32}, U32: v} }
func Int64(v int64) Value   { return Value{Type: Type{Kind: KindInt64}, I64: v} }
func Uint64(v uint64) Value { return Value{Type: Type{Kind: KindUint64}, U64: v} }
func Double(v float64) Value {
	return Value{Type: Type{Kind: KindDouble}, F64: v}
}
func String(v string) Value {
	return Value{Type: Type{Kind: KindString}, Str: v}
}
func ObjectPath(v string) Value {
	return Value{Type: Type{Kind: KindObjectPath}, Str: v}
}
func SignatureValue(v string) Value {
	return Value{Type: Type{Kind: KindSignature}, Str: v}
}
func UnixFD(index uint32) Value {
	return Value{Type: Type{Kind: KindUnixFD}, U32: index}
}

// Slice returns an array value of the given element type. elemType is
// required even when items is empty, since the element type cannot
// otherwise be recovered.
func Slice(elemType Type, items []Value) Value {
	return Value{Type: Type{Kind: KindArray, Elem: &elemType}, Array: items}
}

// StructOf returns a struct value with the given members. Each member
// must carry its own Type.
func StructOf(members ...Value) Value {
	fields := make([]Type, len(members))
	for i, m := range members {
		fields[i] = m.Type
	}
	return Value{Type: Type{Kind: KindStruct, Fields: fields}, Struct: members}
}

// DictEntry returns a dict-entry value. It is only legal as an
// element of an array value.
func DictEntry(key, val Value) Value {
	k, v := key, val
	return Value{
		Type:    Type{Kind: KindDictEntry, Key: &k.Type, Value: &v.Type},
		DictKey: &k,
		DictVal: &v,
	}
}

// VariantOf returns a variant value wrapping inner.
func VariantOf(inner Value) Value {
	return Value{Type: Type{Kind: KindVariant}, Variant: &inner}
}

// ValidateShallow checks that v's top-level shape is consistent with
// t: the kind matches, and containers have the right arity. It does
// not recurse into array elements, struct fields, or variant
// contents — those are validated element by element as Encode walks
// them, since a deep up-front pass would just duplicate that work.
func ValidateShallow(v Value, t Type) error {
	if v.Type.Kind != t.Kind {
		return fmt.Errorf("type mismatch: value is %q, expected %q", v.Type.Kind, t.Kind)
	}
	switch t.Kind {
	case KindArray:
		if v.Type.Elem == nil {
			return fmt.Errorf("array value missing element type")
		}
	case KindStruct:
		if len(v.Struct) != len(t.Fields) {
			return fmt.Errorf("struct value has %d members, type wants %d", len(v.Struct), len(t.Fields))
		}
	case KindDictEntry:
		if v.DictKey == nil || v.DictVal == nil {
			return fmt.Errorf("dict entry value missing key or value")
		}
	case KindVariant:
		if v.Variant == nil {
			return fmt.Errorf("variant value missing inner value")
		}
	}
	return nil
}
