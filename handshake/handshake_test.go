package handshake

import (
	"bytes"
	"testing"
)

func TestHelloHandshake(t *testing.T) {
	m := New("busid1234")

	reply, binary, err := m.Feed([]byte("\x00AUTH ANONYMOUS\r\nBEGIN\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !bytes.Contains(reply, []byte("OK busid1234\r\n")) {
		t.Errorf("reply = %q, want OK line", reply)
	}
	if m.State() != Active {
		t.Errorf("state = %v, want Active", m.State())
	}
	if len(binary) != 0 {
		t.Errorf("binary = %q, want empty", binary)
	}
}

func TestNegotiateUnixFD(t *testing.T) {
	m := New("busid")
	reply, _, err := m.Feed([]byte("\x00AUTH EXTERNAL 31303030\r\nNEGOTIATE_UNIX_FD\r\nBEGIN\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !bytes.Contains(reply, []byte("AGREE_UNIX_FD\r\n")) {
		t.Errorf("reply = %q, want AGREE_UNIX_FD", reply)
	}
	if !m.FDNegotiated() {
		t.Error("FDNegotiated() = false, want true")
	}
	creds := m.Credentials()
	if !creds.Present || creds.UID != "1000" {
		t.Errorf("Credentials() = %+v, want uid 1000", creds)
	}
}

func TestMissingLeadingNUL(t *testing.T) {
	m := New("busid")
	_, _, err := m.Feed([]byte("AUTH ANONYMOUS\r\n"))
	if err == nil {
		t.Error("Feed without leading NUL succeeded, want error")
	}
}

func TestTrailingBytesAfterBeginRetained(t *testing.T) {
	m := New("busid")
	_, binary, err := m.Feed([]byte("\x00AUTH ANONYMOUS\r\nBEGIN\r\nTRAILING-BINARY-DATA"))
	if err != nil {
		t.Fatal(err)
	}
	if string(binary) != "TRAILING-BINARY-DATA" {
		t.Errorf("binary = %q, want %q", binary, "TRAILING-BINARY-DATA")
	}
}

func TestUnknownAuthMechanismIsRecoverable(t *testing.T) {
	m := New("busid")
	reply, _, err := m.Feed([]byte("\x00AUTH UNKNOWN\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !bytes.Contains(reply, []byte("ERROR\r\n")) {
		t.Errorf("reply = %q, want ERROR", reply)
	}
	if m.State() != AwaitAuth {
		t.Errorf("state = %v, want AwaitAuth (recoverable)", m.State())
	}
}

func TestIncrementalFeed(t *testing.T) {
	m := New("busid")
	if _, _, err := m.Feed([]byte("\x00AUTH ANON")); err != nil {
		t.Fatal(err)
	}
	if m.State() != AwaitAuth {
		t.Fatalf("state after partial line = %v, want AwaitAuth", m.State())
	}
	reply, _, err := m.Feed([]byte("YMOUS\r\nBEGIN\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(reply, []byte("OK busid\r\n")) {
		t.Errorf("reply = %q", reply)
	}
}
