package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kjx/dbusd/wire/fragments"
)

func roundTrip(t *testing.T, order fragments.ByteOrder, v Value) Value {
	t.Helper()
	enc := &fragments.Encoder{Order: order}
	if err := Encode(enc, v.Type, v); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec := &fragments.Decoder{Order: order, In: enc.Out}
	got, err := Decode(dec, v.Type)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Remaining() != 0 {
		t.Errorf("Decode left %d unread bytes", dec.Remaining())
	}
	return got
}

func TestCodecRoundTrip(t *testing.T) {
	values := []Value{
		Byte(42),
		Bool(true),
		Bool(false),
		Int16(-1234),
		Uint16(1234),
		Int32(-123456),
		Uint32(123456),
		Int64(-123456789012),
		Uint64(123456789012),
		Double(3.14159),
		String(""),
		String("hello, world"),
		ObjectPath("/"),
		ObjectPath("/foo/bar"),
		SignatureValue(""),
		SignatureValue("a{sv}"),
		UnixFD(3),
		Slice(Type{Kind: KindString}, nil),
		Slice(Type{Kind: KindString}, []Value{String("a"), String("b")}),
		StructOf(Int32(1), String("two"), Bool(true)),
		Slice(Type{Kind: KindDictEntry, Key: &Type{Kind: KindString}, Value: &Type{Kind: KindVariant}},
			[]Value{DictEntry(String("k"), VariantOf(Int32(7)))}),
		VariantOf(String("inner")),
		VariantOf(StructOf(Int32(1), Int32(2))),
	}

	for _, order := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
		for _, v := range values {
			got := roundTrip(t, order, v)
			if diff := cmp.Diff(v, got); diff != "" {
				t.Errorf("order=%v round trip of %v diff:\n%s", order, v.Type, diff)
			}
		}
	}
}

func TestArrayPaddingNotCountedInLength(t *testing.T) {
	// An array of structs requires 8-byte padding between the length
	// prefix and the first element; that padding must not be counted
	// in the declared byte length.
	v := Slice(Type{Kind: KindStruct, Fields: []Type{{Kind: KindInt64}}},
		[]Value{StructOf(Int64(1)), StructOf(Int64(2))})

	enc := &fragments.Encoder{Order: fragments.LittleEndian}
	if err := Encode(enc, v.Type, v); err != nil {
		t.Fatal(err)
	}
	declaredLen := fragments.LittleEndian.Uint32(enc.Out[0:4])
	if declaredLen != 16 {
		t.Errorf("declared array length = %d, want 16 (2 structs x 8 bytes, padding excluded)", declaredLen)
	}

	dec := &fragments.Decoder{Order: fragments.LittleEndian, In: enc.Out}
	got, err := Decode(dec, v.Type)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Array) != 2 {
		t.Errorf("decoded %d elements, want 2", len(got.Array))
	}
}

func TestInvalidBoolean(t *testing.T) {
	buf := fragments.LittleEndian.AppendUint32(nil, 2)
	dec := &fragments.Decoder{Order: fragments.LittleEndian, In: buf}
	if _, err := Decode(dec, Type{Kind: KindBool}); err == nil {
		t.Error("decoding boolean value 2 succeeded, want error")
	}
}

func TestShortBuffer(t *testing.T) {
	dec := &fragments.Decoder{Order: fragments.LittleEndian, In: []byte{1, 2, 3}}
	if _, err := Decode(dec, Type{Kind: KindUint64}); err != fragments.ErrShortBuffer {
		t.Errorf("Decode with short buffer = %v, want ErrShortBuffer", err)
	}
}
