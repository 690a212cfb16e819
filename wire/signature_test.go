package wire

import "testing"

func TestParseTypesRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g", "h", "v",
		"as",
		"a{sv}",
		"(ii)",
		"a(ii)",
		"a{s(ii)}",
		"(a{sv}ii)",
		"aaai",
	}
	for _, sig := range cases {
		types, err := ParseTypes(sig)
		if err != nil {
			t.Errorf("ParseTypes(%q): %v", sig, err)
			continue
		}
		var got string
		for _, ty := range types {
			got += ty.String()
		}
		if got != sig {
			t.Errorf("ParseTypes(%q) round trip = %q", sig, got)
		}
	}
}

func TestParseTypesErrors(t *testing.T) {
	cases := []string{
		"(",
		")",
		"{sv}",
		"a{vs}", // dict key must be basic
		"a{ss",
		"z",
		"(s",
	}
	for _, sig := range cases {
		if _, err := ParseTypes(sig); err == nil {
			t.Errorf("ParseTypes(%q) succeeded, want error", sig)
		}
	}
}

func TestAlignment(t *testing.T) {
	cases := []struct {
		sig   string
		align int
	}{
		{"y", 1},
		{"b", 4},
		{"n", 2},
		{"q", 2},
		{"i", 4},
		{"u", 4},
		{"x", 8},
		{"t", 8},
		{"d", 8},
		{"s", 4},
		{"o", 4},
		{"g", 1},
		{"h", 4},
		{"v", 1},
		{"as", 4},
		{"(ii)", 8},
		{"a{sv}", 4},
	}
	for _, c := range cases {
		ty, err := ParseOne(c.sig)
		if err != nil {
			t.Fatalf("ParseOne(%q): %v", c.sig, err)
		}
		if got := ty.Alignment(); got != c.align {
			t.Errorf("Alignment(%q) = %d, want %d", c.sig, got, c.align)
		}
	}
}

func TestValidObjectPath(t *testing.T) {
	valid := []string{"/", "/foo", "/foo/bar", "/foo_bar/Baz2"}
	invalid := []string{"", "foo", "/foo/", "//", "/foo//bar", "/foo.bar", "/foo-bar"}
	for _, p := range valid {
		if !ValidObjectPath(p) {
			t.Errorf("ValidObjectPath(%q) = false, want true", p)
		}
	}
	for _, p := range invalid {
		if ValidObjectPath(p) {
			t.Errorf("ValidObjectPath(%q) = true, want false", p)
		}
	}
}
