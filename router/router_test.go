package router

import (
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kjx/dbusd/busobj"
	"github.com/kjx/dbusd/handshake"
	"github.com/kjx/dbusd/match"
	"github.com/kjx/dbusd/observer"
	"github.com/kjx/dbusd/policy"
	"github.com/kjx/dbusd/registry"
	"github.com/kjx/dbusd/wire"
)

type fakeConn struct {
	id    uint64
	creds handshake.Credentials

	mu     sync.Mutex
	unique string
	sent   []*wire.Message
	killed string
}

func (c *fakeConn) ID() uint64 { return c.id }

func (c *fakeConn) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unique
}

func (c *fakeConn) SetUniqueName(n string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unique = n
}

func (c *fakeConn) Credentials() handshake.Credentials { return c.creds }

func (c *fakeConn) Enqueue(m *wire.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return true
}

func (c *fakeConn) Kill(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = reason
}

func (c *fakeConn) messages() []*wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

type testRig struct {
	router *Router
	reg    *registry.Registry
	eng    *match.Engine
	pol    *policy.Store
	nextID uint64
}

func newRig(compat bool) *testRig {
	var counter atomic.Uint64
	feed := observer.New()
	reg := registry.New(&counter)
	eng := match.New()
	pol := policy.New(feed)
	bus := busobj.New(reg, eng, pol, feed, "rig-bus-id", "rig-machine-id")
	r := New(Options{
		Feed:            feed,
		Policy:          pol,
		Registry:        reg,
		Engine:          eng,
		Bus:             bus,
		CompatBroadcast: compat,
		Counter:         &counter,
	})
	reg.OnChange = r.NameOwnerChanged
	return &testRig{router: r, reg: reg, eng: eng, pol: pol}
}

// connect registers a fake root peer and completes its Hello.
func (rig *testRig) connect(t *testing.T) *fakeConn {
	t.Helper()
	rig.nextID++
	c := &fakeConn{id: rig.nextID, creds: handshake.Credentials{Present: true, UID: "0"}}
	rig.router.AddPeer(c)
	rig.router.Route(c, &wire.Message{
		Type:   wire.MethodCall,
		Serial: 1,
		Path:   busobj.Path,
		Member: "Hello",
	})
	msgs := c.messages()
	if len(msgs) != 1 || msgs[0].Type != wire.MethodReturn {
		t.Fatalf("Hello produced %+v, want one method return", msgs)
	}
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
	return c
}

func (rig *testRig) call(from *fakeConn, serial uint32, dest, iface, member string, body ...wire.Value) {
	rig.router.Route(from, &wire.Message{
		Type:        wire.MethodCall,
		Serial:      serial,
		Sender:      from.UniqueName(),
		Destination: dest,
		Path:        "/com/example",
		Interface:   iface,
		Member:      member,
		Body:        body,
	})
}

func TestUnicastMethodCall(t *testing.T) {
	rig := newRig(false)
	a := rig.connect(t)
	b := rig.connect(t)

	rig.call(b, 7, "com.example.Svc", "com.example", "Frob")
	if msgs := b.messages(); len(msgs) != 1 || msgs[0].ErrorName != busobj.ErrServiceUnknown {
		t.Fatalf("call to unowned name got %+v, want ServiceUnknown", msgs)
	}
	if got := b.messages()[0].ReplySerial; got != 7 {
		t.Errorf("ServiceUnknown reply serial = %d, want 7", got)
	}

	// A claims the name; now the call is delivered to A.
	rig.call(a, 2, busobj.BusName, busobj.BusName, "RequestName",
		wire.String("com.example.Svc"), wire.Uint32(0))

	b.mu.Lock()
	b.sent = nil
	b.mu.Unlock()
	rig.call(b, 8, "com.example.Svc", "com.example", "Frob")
	msgs := a.messages()
	// A also received a RequestName reply earlier; find the routed call.
	var delivered *wire.Message
	for _, m := range msgs {
		if m.Type == wire.MethodCall {
			delivered = m
		}
	}
	if delivered == nil || delivered.Member != "Frob" || delivered.Sender != b.UniqueName() {
		t.Fatalf("delivered call = %+v, want Frob from %s", delivered, b.UniqueName())
	}

	// A's reply is routed back to B.
	rig.router.Route(a, &wire.Message{
		Type:        wire.MethodReturn,
		Serial:      3,
		Sender:      a.UniqueName(),
		ReplySerial: 8,
		Destination: b.UniqueName(),
	})
	if msgs := b.messages(); len(msgs) != 1 || msgs[0].ReplySerial != 8 {
		t.Fatalf("reply routing got %+v, want one reply for serial 8", msgs)
	}
}

func TestReplyToGonePeerDropped(t *testing.T) {
	rig := newRig(false)
	a := rig.connect(t)
	rig.router.Route(a, &wire.Message{
		Type:        wire.MethodReturn,
		Serial:      2,
		ReplySerial: 9,
		Destination: ":1.99",
	})
	if msgs := a.messages(); len(msgs) != 0 {
		t.Errorf("reply to unknown destination produced %+v, want silence", msgs)
	}
}

func TestSignalFanOut(t *testing.T) {
	rig := newRig(false)
	a := rig.connect(t)
	b := rig.connect(t)
	c := rig.connect(t)

	// A subscribes to com.x signals; C has no rules.
	rig.call(a, 2, busobj.BusName, busobj.BusName, "AddMatch",
		wire.String("type='signal',interface='com.x',member='Y'"))
	a.mu.Lock()
	a.sent = nil
	a.mu.Unlock()

	sig := func(from *fakeConn, iface, member string) {
		rig.router.Route(from, &wire.Message{
			Type:      wire.Signal,
			Serial:    5,
			Sender:    from.UniqueName(),
			Path:      "/com/x",
			Interface: iface,
			Member:    member,
		})
	}
	sig(b, "com.x", "Y")
	sig(c, "com.other", "Z")

	msgs := a.messages()
	if len(msgs) != 1 || msgs[0].Interface != "com.x" || msgs[0].Sender != b.UniqueName() {
		t.Fatalf("subscriber got %+v, want exactly B's com.x signal", msgs)
	}
	if msgs := c.messages(); len(msgs) != 0 {
		t.Errorf("rule-less peer got %+v with compat broadcast off, want nothing", msgs)
	}
}

func TestCompatBroadcast(t *testing.T) {
	rig := newRig(true)
	a := rig.connect(t)
	b := rig.connect(t)

	// Drop the NameOwnerChanged broadcast from B's own Hello.
	a.mu.Lock()
	a.sent = nil
	a.mu.Unlock()

	rig.router.Route(b, &wire.Message{
		Type:      wire.Signal,
		Serial:    5,
		Sender:    b.UniqueName(),
		Path:      "/com/x",
		Interface: "com.x",
		Member:    "Y",
	})
	if msgs := a.messages(); len(msgs) != 1 {
		t.Fatalf("rule-less peer got %+v with compat broadcast on, want the signal", msgs)
	}
	// The sender itself is not echoed its own broadcast.
	if msgs := b.messages(); len(msgs) != 0 {
		t.Errorf("sender got its own signal back: %+v", msgs)
	}
}

func TestPolicyDenial(t *testing.T) {
	rig := newRig(false)

	// An unprivileged peer may only talk to the bus.
	rig.nextID++
	c := &fakeConn{id: rig.nextID, creds: handshake.Credentials{Present: true, UID: "5000"}}
	rig.router.AddPeer(c)
	rig.router.Route(c, &wire.Message{
		Type: wire.MethodCall, Serial: 1, Path: busobj.Path, Member: "Hello",
	})
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()

	rig.call(c, 2, "com.example.Svc", "com.example", "Frob")
	msgs := c.messages()
	if len(msgs) != 1 || msgs[0].ErrorName != busobj.ErrAccessDenied {
		t.Fatalf("denied call got %+v, want AccessDenied", msgs)
	}
	if msgs[0].ReplySerial != 2 {
		t.Errorf("denial reply serial = %d, want 2", msgs[0].ReplySerial)
	}
}

func TestNameOwnerChangedSignal(t *testing.T) {
	rig := newRig(false)
	a := rig.connect(t)
	b := rig.connect(t)

	rig.call(a, 2, busobj.BusName, busobj.BusName, "AddMatch",
		wire.String("type='signal',member='NameOwnerChanged'"))
	a.mu.Lock()
	a.sent = nil
	a.mu.Unlock()

	rig.call(b, 2, busobj.BusName, busobj.BusName, "RequestName",
		wire.String("com.example.Svc"), wire.Uint32(0))

	var sigs []*wire.Message
	for _, m := range a.messages() {
		if m.Type == wire.Signal {
			sigs = append(sigs, m)
		}
	}
	if len(sigs) != 1 {
		t.Fatalf("subscriber saw %d NameOwnerChanged signals, want 1", len(sigs))
	}
	got := sigs[0]
	if got.Sender != busobj.BusName || got.Member != "NameOwnerChanged" {
		t.Errorf("signal header = %+v, want NameOwnerChanged from the bus", got)
	}
	wantBody := []string{"com.example.Svc", "", b.UniqueName()}
	for i, want := range wantBody {
		if got.Body[i].Str != want {
			t.Errorf("signal body[%d] = %q, want %q", i, got.Body[i].Str, want)
		}
	}
	if got.Serial == 0 {
		t.Error("bus-originated signal has zero serial")
	}
}

func TestRemovePeerTeardown(t *testing.T) {
	rig := newRig(false)
	a := rig.connect(t)
	b := rig.connect(t)

	rig.call(a, 2, busobj.BusName, busobj.BusName, "RequestName",
		wire.String("com.example.Svc"), wire.Uint32(0))
	rig.call(b, 2, busobj.BusName, busobj.BusName, "RequestName",
		wire.String("com.example.Svc"), wire.Uint32(0))
	rig.call(a, 3, busobj.BusName, busobj.BusName, "AddMatch",
		wire.String("type='signal'"))

	rig.router.RemovePeer(a)

	// B was queued and is promoted.
	if owner, ok := rig.reg.Resolve("com.example.Svc"); !ok || owner != b.UniqueName() {
		t.Errorf("owner after disconnect = %q, %v, want %q", owner, ok, b.UniqueName())
	}
	// A's unique name, rules, and grants are gone.
	if _, ok := rig.reg.Resolve(a.UniqueName()); ok {
		t.Error("disconnected peer's unique name still resolves")
	}
	if rig.eng.HasRules(a.UniqueName()) {
		t.Error("disconnected peer still has match rules")
	}
	if rig.pol.CheckSend(a.UniqueName(), policy.SendInfo{
		Type: wire.MethodCall, Destination: "com.example.Svc",
	}).OK {
		t.Error("disconnected peer still has send grants")
	}
}

func TestEmitSignalSerials(t *testing.T) {
	rig := newRig(false)
	a := rig.connect(t)
	rig.call(a, 2, busobj.BusName, busobj.BusName, "AddMatch",
		wire.String("type='signal',interface='com.kjx.Test'"))
	a.mu.Lock()
	a.sent = nil
	a.mu.Unlock()

	rig.router.EmitSignal("/", "com.kjx.Test", "Tick", nil)
	rig.router.EmitSignal("/", "com.kjx.Test", "Tick", nil)

	msgs := a.messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d signals, want 2", len(msgs))
	}
	if msgs[0].Serial == 0 || msgs[1].Serial <= msgs[0].Serial {
		t.Errorf("bus serials not monotonically increasing: %d, %d", msgs[0].Serial, msgs[1].Serial)
	}
}
