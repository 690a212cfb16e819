package policy

import (
	"testing"

	"github.com/kjx/dbusd/handshake"
	"github.com/kjx/dbusd/observer"
	"github.com/kjx/dbusd/wire"
)

func creds(uid string) handshake.Credentials {
	return handshake.Credentials{Present: true, UID: uid}
}

func call(dest, iface, member string) SendInfo {
	return SendInfo{Type: wire.MethodCall, Destination: dest, Interface: iface, Member: member}
}

func TestDefaults(t *testing.T) {
	s := New(nil)
	s.InstallDefaults(":1.1", creds("0"))
	s.InstallDefaults(":1.2", creds("500"))
	s.InstallDefaults(":1.3", creds("1000"))
	s.InstallDefaults(":1.4", handshake.Credentials{})

	tests := []struct {
		unique string
		info   SendInfo
		want   bool
	}{
		{":1.1", call("com.example.Svc", "com.example", "Frob"), true},
		{":1.2", call("com.example.Svc", "com.example", "Frob"), true},
		{":1.3", call("com.example.Svc", "com.example", "Frob"), false},
		{":1.3", call(BusName, "org.freedesktop.DBus", "ListNames"), true},
		{":1.4", call("com.example.Svc", "com.example", "Frob"), false},
		{":1.4", call(BusName, "org.freedesktop.DBus", "Hello"), true},
	}
	for _, tc := range tests {
		if got := s.CheckSend(tc.unique, tc.info); got.OK != tc.want {
			t.Errorf("CheckSend(%s, %v) = %v, want OK=%v", tc.unique, tc.info, got, tc.want)
		}
	}

	if !s.CheckOwn(":1.1", "com.example.Anything").OK {
		t.Error("superuser denied ownership")
	}
	if !s.CheckOwn(":1.2", "com.example.Anything").OK {
		t.Error("system user denied ownership")
	}
	if s.CheckOwn(":1.3", "com.example.Anything").OK {
		t.Error("ordinary user allowed ownership")
	}

	if !s.CheckEavesdrop(":1.1").OK {
		t.Error("superuser denied eavesdrop")
	}
	if s.CheckEavesdrop(":1.2").OK {
		t.Error("system user allowed eavesdrop")
	}
}

func TestResponsesAndSignalsAllowed(t *testing.T) {
	s := New(nil)
	// No grants installed at all: replies, errors, and signals still
	// flow, as do bus-addressed and undestined messages.
	infos := []SendInfo{
		{Type: wire.MethodReturn, Destination: ":1.2"},
		{Type: wire.MsgError, Destination: ":1.2"},
		{Type: wire.Signal, Interface: "com.x", Member: "Y"},
		{Type: wire.MethodCall, Destination: BusName, Member: "Hello"},
		{Type: wire.MethodCall, Member: "Ping"},
	}
	for _, info := range infos {
		if got := s.CheckSend(":1.1", info); !got.OK {
			t.Errorf("CheckSend(%v) = %v, want allow", info, got)
		}
	}
}

func TestScopedGrants(t *testing.T) {
	s := New(nil)
	s.Add(":1.1", SendTo("com.example.A"))
	s.Add(":1.2", Call("com.example.A", "com.example.Iface"))
	s.Add(":1.3", CallMember("com.example.A", "com.example.Iface", "Frob"))
	s.Add(":1.4", Own("com.example.A"))

	tests := []struct {
		unique string
		info   SendInfo
		want   bool
	}{
		{":1.1", call("com.example.A", "any.Iface", "Any"), true},
		{":1.1", call("com.example.B", "any.Iface", "Any"), false},
		{":1.2", call("com.example.A", "com.example.Iface", "Any"), true},
		{":1.2", call("com.example.A", "other.Iface", "Any"), false},
		{":1.3", call("com.example.A", "com.example.Iface", "Frob"), true},
		{":1.3", call("com.example.A", "com.example.Iface", "Other"), false},
	}
	for _, tc := range tests {
		if got := s.CheckSend(tc.unique, tc.info); got.OK != tc.want {
			t.Errorf("CheckSend(%s, %v) = %v, want OK=%v", tc.unique, tc.info, got, tc.want)
		}
	}

	if !s.CheckOwn(":1.4", "com.example.A").OK {
		t.Error("scoped own grant denied")
	}
	if s.CheckOwn(":1.4", "com.example.B").OK {
		t.Error("scoped own grant allowed other name")
	}
}

func TestConfigGrants(t *testing.T) {
	s := New(nil)
	s.AddForUID("2000", SendTo("com.example.Svc"))
	s.InstallDefaults(":1.1", creds("2000"))
	if !s.CheckSend(":1.1", call("com.example.Svc", "i", "M")).OK {
		t.Error("config grant not applied")
	}
	if s.CheckSend(":1.1", call("com.example.Other", "i", "M")).OK {
		t.Error("config grant too broad")
	}
}

func TestForget(t *testing.T) {
	s := New(nil)
	s.InstallDefaults(":1.1", creds("0"))
	s.Forget(":1.1")
	if s.CheckSend(":1.1", call("com.example.Svc", "i", "M")).OK {
		t.Error("grants survived Forget")
	}
}

func TestDenyAudit(t *testing.T) {
	feed := observer.New()
	sub := feed.Subscribe()
	defer sub.Close()

	s := New(feed)
	s.CheckSend(":1.1", call("com.example.Svc", "i", "M"))

	e := <-sub.Chan()
	d, ok := e.(observer.PolicyDenied)
	if !ok || d.Action != "send" || d.Unique != ":1.1" {
		t.Errorf("audit event = %#v, want send denial for :1.1", e)
	}
}
