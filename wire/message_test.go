package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kjx/dbusd/wire/fragments"
)

func TestMessageRoundTrip(t *testing.T) {
	msgs := []*Message{
		{
			Type:        MethodCall,
			Serial:      1,
			Path:        "/org/freedesktop/DBus",
			Interface:   "org.freedesktop.DBus",
			Member:      "Hello",
			Destination: "org.freedesktop.DBus",
		},
		{
			Type:        MethodReturn,
			Serial:      2,
			ReplySerial: 1,
			Destination: ":1.5",
			Body:        []Value{String(":1.5")},
		},
		{
			Type:      Signal,
			Serial:    3,
			Path:      "/org/freedesktop/DBus",
			Interface: "org.freedesktop.DBus",
			Member:    "NameOwnerChanged",
			Body:      []Value{String("com.example.Svc"), String(""), String(":1.5")},
		},
		{
			Type:        MsgError,
			Serial:      4,
			ReplySerial: 1,
			ErrorName:   "org.freedesktop.DBus.Error.ServiceUnknown",
			Destination: ":1.5",
			Body:        []Value{String("no such service")},
		},
	}

	for _, order := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
		for _, m := range msgs {
			bs, err := EncodeMessage(order, m)
			if err != nil {
				t.Fatalf("EncodeMessage: %v", err)
			}
			got, n, err := DecodeMessage(bs)
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if n != len(bs) {
				t.Errorf("DecodeMessage consumed %d bytes, want %d", n, len(bs))
			}
			if diff := cmp.Diff(m, got); diff != "" {
				t.Errorf("order=%v round trip diff:\n%s", order, diff)
			}
		}
	}
}

func TestDecodeMessageShortBuffer(t *testing.T) {
	m := &Message{
		Type:        MethodCall,
		Serial:      1,
		Path:        "/a",
		Member:      "M",
		Destination: "d",
	}
	bs, err := EncodeMessage(fragments.LittleEndian, m)
	if err != nil {
		t.Fatal(err)
	}
	for n := 0; n < len(bs); n++ {
		if _, _, err := DecodeMessage(bs[:n]); err != fragments.ErrShortBuffer {
			t.Errorf("DecodeMessage(%d of %d bytes) = %v, want ErrShortBuffer", n, len(bs), err)
		}
	}
	if _, consumed, err := DecodeMessage(bs); err != nil || consumed != len(bs) {
		t.Errorf("DecodeMessage(full) = consumed %d err %v, want %d nil", consumed, err, len(bs))
	}
}

func TestDecodeMessageTrailingBytesRetained(t *testing.T) {
	m := &Message{Type: MethodCall, Serial: 1, Path: "/a", Member: "M", Destination: "d"}
	bs, err := EncodeMessage(fragments.LittleEndian, m)
	if err != nil {
		t.Fatal(err)
	}
	buf := append(bs, []byte("trailing")...)
	_, n, err := DecodeMessage(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[n:]) != "trailing" {
		t.Errorf("trailing bytes = %q, want %q", buf[n:], "trailing")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		m    Message
		ok   bool
	}{
		{"zero serial", Message{Type: MethodCall, Path: "/a", Member: "M"}, false},
		{"call missing path", Message{Type: MethodCall, Serial: 1, Member: "M"}, false},
		{"call ok", Message{Type: MethodCall, Serial: 1, Path: "/a", Member: "M"}, true},
		{"return missing reply serial", Message{Type: MethodReturn, Serial: 1}, false},
		{"return ok", Message{Type: MethodReturn, Serial: 1, ReplySerial: 1}, true},
		{"error missing name", Message{Type: MsgError, Serial: 1, ReplySerial: 1}, false},
		{"error ok", Message{Type: MsgError, Serial: 1, ReplySerial: 1, ErrorName: "x"}, true},
		{"signal missing member", Message{Type: Signal, Serial: 1, Path: "/a", Interface: "i"}, false},
		{"signal ok", Message{Type: Signal, Serial: 1, Path: "/a", Interface: "i", Member: "M"}, true},
	}
	for _, c := range cases {
		err := c.m.Validate()
		if (err == nil) != c.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", c.name, err, c.ok)
		}
	}
}
