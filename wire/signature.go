package wire

import (
	"fmt"
	"strings"
)

// Kind identifies a D-Bus basic or container type by its signature
// type code.
type Kind byte

const (
	KindByte       Kind = 'y'
	KindBool       Kind = 'b'
	KindInt16      Kind = 'n'
	KindUint16     Kind = 'q'
	KindInt32      Kind = 'i'
	KindUint32     Kind = 'u'
	KindInt64      Kind = 'x'
	KindUint64     Kind = 't'
	KindDouble     Kind = 'd'
	KindString     Kind = 's'
	KindObjectPath Kind = 'o'
	KindSignature  Kind = 'g'
	KindUnixFD     Kind = 'h'
	KindArray      Kind = 'a'
	KindStruct     Kind = '('
	KindDictEntry  Kind = '{'
	KindVariant    Kind = 'v'
)

// IsBasic reports whether k is a basic (scalar) type, i.e. legal as a
// dict-entry key.
func (k Kind) IsBasic() bool {
	switch k {
	case KindByte, KindBool, KindInt16, KindUint16, KindInt32, KindUint32,
		KindInt64, KindUint64, KindDouble, KindString, KindObjectPath,
		KindSignature, KindUnixFD:
		return true
	default:
		return false
	}
}

// Type is a node in a D-Bus type signature's abstract syntax tree.
type Type struct {
	Kind Kind

	// Elem is the element type of an array (Kind == KindArray).
	Elem *Type
	// Fields are the member types of a struct (Kind == KindStruct).
	Fields []Type
	// Key and Value are the key and value types of a dict entry (Kind
	// == KindDictEntry). Key must be a basic type.
	Key   *Type
	Value *Type
}

// String returns the signature string for t.
func (t Type) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t Type) write(b *strings.Builder) {
	switch t.Kind {
	case KindArray:
		b.WriteByte('a')
		t.Elem.write(b)
	case KindStruct:
		b.WriteByte('(')
		for _, f := range t.Fields {
			f.write(b)
		}
		b.WriteByte(')')
	case KindDictEntry:
		b.WriteByte('{')
		t.Key.write(b)
		t.Value.write(b)
		b.WriteByte('}')
	default:
		b.WriteByte(byte(t.Kind))
	}
}

// Alignment returns the wire alignment of t, in bytes: 1, 2, 4, or 8.
func (t Type) Alignment() int {
	switch t.Kind {
	case KindByte, KindSignature, KindVariant:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindBool, KindInt32, KindUint32, KindString, KindObjectPath,
		KindUnixFD, KindArray:
		return 4
	case KindInt64, KindUint64, KindDouble, KindStruct, KindDictEntry:
		return 8
	default:
		panic(fmt.Sprintf("alignment of unknown kind %q", byte(t.Kind)))
	}
}

// SignatureError is returned when a signature string fails to parse.
type SignatureError struct {
	Signature string
	Reason    string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid type signature %q: %s", e.Signature, e.Reason)
}

// ParseTypes parses sig as a sequence of complete types, as used for
// message body signatures and header field variant signatures. An
// empty string parses to a nil, zero-length slice.
func ParseTypes(sig string) ([]Type, error) {
	var types []Type
	rest := sig
	for rest != "" {
		t, tail, err := parseOne(sig, rest, false)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
		rest = tail
	}
	return types, nil
}

// ParseOne parses sig as exactly one complete type. It is an error for
// sig to contain trailing characters after the first complete type.
func ParseOne(sig string) (Type, error) {
	t, rest, err := parseOne(sig, sig, false)
	if err != nil {
		return Type{}, err
	}
	if rest != "" {
		return Type{}, &SignatureError{sig, "trailing characters after complete type"}
	}
	return t, nil
}

// parseOne consumes one complete type off the front of rest (a
// suffix of the original signature full, kept around for error
// messages), and returns it along with the remaining unparsed
// signature.
func parseOne(full, rest string, inArray bool) (Type, string, error) {
	if rest == "" {
		return Type{}, "", &SignatureError{full, "unterminated type"}
	}

	switch rest[0] {
	case byte(KindByte), byte(KindBool), byte(KindInt16), byte(KindUint16),
		byte(KindInt32), byte(KindUint32), byte(KindInt64), byte(KindUint64),
		byte(KindDouble), byte(KindString), byte(KindObjectPath),
		byte(KindSignature), byte(KindUnixFD), byte(KindVariant):
		return Type{Kind: Kind(rest[0])}, rest[1:], nil

	case 'a':
		elem, tail, err := parseOne(full, rest[1:], true)
		if err != nil {
			return Type{}, "", err
		}
		return Type{Kind: KindArray, Elem: &elem}, tail, nil

	case '(':
		var fields []Type
		tail := rest[1:]
		for {
			if tail == "" {
				return Type{}, "", &SignatureError{full, "unterminated struct, missing )"}
			}
			if tail[0] == ')' {
				tail = tail[1:]
				break
			}
			var (
				f   Type
				err error
			)
			f, tail, err = parseOne(full, tail, false)
			if err != nil {
				return Type{}, "", err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return Type{}, "", &SignatureError{full, "struct must have at least one field"}
		}
		return Type{Kind: KindStruct, Fields: fields}, tail, nil

	case '{':
		if !inArray {
			return Type{}, "", &SignatureError{full, "dict entry found outside array"}
		}
		key, tail, err := parseOne(full, rest[1:], false)
		if err != nil {
			return Type{}, "", err
		}
		if !key.Kind.IsBasic() {
			return Type{}, "", &SignatureError{full, "dict entry key must be a basic type"}
		}
		val, tail2, err := parseOne(full, tail, false)
		if err != nil {
			return Type{}, "", err
		}
		if tail2 == "" || tail2[0] != '}' {
			return Type{}, "", &SignatureError{full, "unterminated dict entry, missing }"}
		}
		return Type{Kind: KindDictEntry, Key: &key, Value: &val}, tail2[1:], nil

	case ')':
		return Type{}, "", &SignatureError{full, "unexpected ) with no matching ("}
	case '}':
		return Type{}, "", &SignatureError{full, "unexpected } with no matching {"}
	default:
		return Type{}, "", &SignatureError{full, fmt.Sprintf("unknown type code %q", rest[0])}
	}
}

// The object path grammar is checked by hand rather than with a
// regexp, which is cheaper than importing regexp for a check this
// simple; see ValidObjectPath.

// ValidObjectPath reports whether p follows the DBus object path
// grammar: "/" or "/segment(/segment)*", segments matching
// [A-Za-z0-9_]+.
func ValidObjectPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if p == "/" {
		return true
	}
	segStart := 1
	for i := 1; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i == segStart {
				return false // empty segment, e.g. "//" or trailing "/"
			}
			segStart = i + 1
			continue
		}
		c := p[i]
		if !isPathChar(c) {
			return false
		}
	}
	return true
}

func isPathChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		return true
	default:
		return false
	}
}

// ValidSignature reports whether sig is a syntactically valid type
// signature (a possibly-empty sequence of complete types).
func ValidSignature(sig string) bool {
	_, err := ParseTypes(sig)
	return err == nil
}
