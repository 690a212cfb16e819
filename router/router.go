// Package router is the broker's central dispatcher. Every decoded
// message from every peer passes through Route, which applies send
// policy, hands bus-addressed calls to the bus object, resolves
// destination names for unicast traffic, and fans signals out through
// the match engine. The router also issues serials for bus-originated
// replies and signals.
package router

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kjx/dbusd/busobj"
	"github.com/kjx/dbusd/match"
	"github.com/kjx/dbusd/observer"
	"github.com/kjx/dbusd/policy"
	"github.com/kjx/dbusd/registry"
	"github.com/kjx/dbusd/wire"
)

// Conn is the router's handle on a connected peer. Peers register
// with AddPeer before routing any message and are torn down with
// RemovePeer exactly once.
type Conn interface {
	busobj.Caller

	// ID is a stable identifier valid before Hello assigns a unique
	// name.
	ID() uint64
	// Enqueue appends m to the peer's outbound queue. It reports
	// false if the peer is gone or its queue overflowed, in which
	// case Enqueue has taken care of m's descriptors.
	Enqueue(m *wire.Message) bool
	// Kill terminates the peer with a protocol error.
	Kill(reason string)
}

// Forwarder is consulted for method calls whose destination is not
// locally known, as a hook for a multi-node extension. Forward
// reports whether it took responsibility for the message.
type Forwarder interface {
	Forward(m *wire.Message) bool
}

// Router routes messages between peers.
type Router struct {
	feed *observer.Feed
	pol  *policy.Store
	reg  *registry.Registry
	eng  *match.Engine
	bus  *busobj.Bus
	fwd  Forwarder

	// compatBroadcast delivers every signal to peers that registered
	// no match rules at all. This eases bring-up of naive clients but
	// violates strict D-Bus semantics, so it is off by default.
	compatBroadcast bool

	// counter issues serials for bus-originated messages. It is the
	// same process-wide counter the registry draws unique name
	// suffixes from.
	counter *atomic.Uint64

	mu     sync.Mutex
	conns  map[uint64]Conn
	byName map[string]Conn
}

// Options configure a Router.
type Options struct {
	Feed            *observer.Feed
	Policy          *policy.Store
	Registry        *registry.Registry
	Engine          *match.Engine
	Bus             *busobj.Bus
	Forwarder       Forwarder
	CompatBroadcast bool
	Counter         *atomic.Uint64
}

// New returns a Router wired to the given singleton services.
func New(opts Options) *Router {
	return &Router{
		feed:            opts.Feed,
		pol:             opts.Policy,
		reg:             opts.Registry,
		eng:             opts.Engine,
		bus:             opts.Bus,
		fwd:             opts.Forwarder,
		compatBroadcast: opts.CompatBroadcast,
		counter:         opts.Counter,
		conns:           map[uint64]Conn{},
		byName:          map[string]Conn{},
	}
}

func (r *Router) nextSerial() uint32 {
	return uint32(r.counter.Add(1))
}

// AddPeer registers a freshly accepted peer.
func (r *Router) AddPeer(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// RemovePeer tears down all broker state for a disconnected peer: its
// registration here, its names, its match rules, and its grants.
func (r *Router) RemovePeer(c Conn) {
	unique := c.UniqueName()

	r.mu.Lock()
	delete(r.conns, c.ID())
	if unique != "" {
		delete(r.byName, unique)
	}
	r.mu.Unlock()

	if unique != "" {
		// Releases names first so NameOwnerChanged transfers reach
		// remaining subscribers before the peer's own disappearance.
		r.reg.PeerDisconnected(unique)
		r.eng.RemoveAll(unique)
		r.pol.Forget(unique)
		if r.feed != nil {
			r.feed.Post(observer.PeerDown{Unique: unique})
		}
	}
}

// Route dispatches one message received from a peer. The message's
// Sender must already be stamped by the peer layer.
func (r *Router) Route(from Conn, m *wire.Message) {
	if r.feed != nil {
		r.feed.Post(observer.MessageRouted{
			Type:        m.Type.String(),
			Serial:      m.Serial,
			Sender:      m.Sender,
			Destination: m.Destination,
			Path:        m.Path,
			Interface:   m.Interface,
			Member:      m.Member,
		})
	}

	d := r.pol.CheckSend(from.UniqueName(), policy.SendInfo{
		Type:        m.Type,
		Destination: m.Destination,
		Interface:   m.Interface,
		Member:      m.Member,
	})
	if !d.OK {
		if m.WantReply() {
			r.replyError(from, m, d.ErrorName, d.Reason)
		}
		m.CloseFDs()
		return
	}

	switch {
	case m.Type == wire.Signal:
		r.fanOut(m)

	case m.Destination == "" || m.Destination == busobj.BusName:
		r.routeBusCall(from, m)

	case m.Type == wire.MethodCall:
		if c := r.connFor(m.Destination); c != nil {
			c.Enqueue(m)
			return
		}
		if r.fwd != nil && r.fwd.Forward(m) {
			return
		}
		if m.WantReply() {
			r.replyError(from, m, busobj.ErrServiceUnknown,
				"no one owns the name "+m.Destination)
		}
		m.CloseFDs()

	default:
		// Method return or error for a direct destination. If the
		// destination vanished, the reply is silently dropped; the
		// caller's own timeout applies.
		if c := r.connFor(m.Destination); c != nil {
			c.Enqueue(m)
			return
		}
		m.CloseFDs()
	}
}

func (r *Router) routeBusCall(from Conn, m *wire.Message) {
	defer m.CloseFDs()
	if m.Type != wire.MethodCall {
		return
	}
	hadName := from.UniqueName() != ""
	reply := r.bus.HandleCall(from, m)
	if !hadName && from.UniqueName() != "" {
		// Hello just assigned a unique name; make the peer
		// addressable before its Hello reply is delivered.
		r.mu.Lock()
		r.byName[from.UniqueName()] = from
		r.mu.Unlock()
	}
	if reply != nil {
		r.deliverFromBus(reply)
	}
}

// replyError synthesizes a bus-originated error reply to m.
func (r *Router) replyError(from Conn, m *wire.Message, name, text string) {
	r.deliverFromBus(&wire.Message{
		Type:        wire.MsgError,
		ErrorName:   name,
		ReplySerial: m.Serial,
		Destination: from.UniqueName(),
		Sender:      busobj.BusName,
		Body:        []wire.Value{wire.String(text)},
	})
}

// deliverFromBus stamps a bus-issued serial on m and enqueues it for
// its destination, which is always resolved by name. A Hello reply
// reaches its caller because routeBusCall binds the new unique name
// before delivering it; a message whose destination does not resolve
// (including one addressed to a peer that has not completed Hello) is
// dropped and its descriptors closed.
func (r *Router) deliverFromBus(m *wire.Message) {
	m.Serial = r.nextSerial()
	if c := r.connFor(m.Destination); c != nil {
		c.Enqueue(m)
		return
	}
	m.CloseFDs()
}

// EmitSignal broadcasts a bus-originated signal with a bus-issued
// serial.
func (r *Router) EmitSignal(path, iface, member string, body []wire.Value) {
	r.fanOut(&wire.Message{
		Type:      wire.Signal,
		Serial:    r.nextSerial(),
		Path:      path,
		Interface: iface,
		Member:    member,
		Sender:    busobj.BusName,
		Body:      body,
	})
}

// NameOwnerChanged emits the bus's ownership-change signal. The
// registry's OnChange hook is wired to this, so the signal is ordered
// before any later GetNameOwner can observe the new state.
func (r *Router) NameOwnerChanged(name, old, new string) {
	r.EmitSignal(busobj.Path, busobj.BusName, "NameOwnerChanged",
		[]wire.Value{wire.String(name), wire.String(old), wire.String(new)})
}

// fanOut delivers a signal to every peer with a matching subscription
// (plus, when compatBroadcast is on, peers with no rules at all).
// Each recipient gets its own copy of the message with its own
// duplicated descriptors.
func (r *Router) fanOut(m *wire.Message) {
	defer m.CloseFDs()

	rm := match.RoutedMessage{
		Type:        m.Type,
		Sender:      m.Sender,
		Interface:   m.Interface,
		Member:      m.Member,
		Path:        m.Path,
		Destination: m.Destination,
		Args:        m.Body,
	}
	targets := map[string]bool{}
	for _, unique := range r.eng.MatchingPeers(rm) {
		targets[unique] = true
	}

	r.mu.Lock()
	recipients := make([]Conn, 0, len(targets))
	for unique, c := range r.byName {
		if targets[unique] {
			recipients = append(recipients, c)
			continue
		}
		if r.compatBroadcast && unique != m.Sender && !r.eng.HasRules(unique) {
			recipients = append(recipients, c)
		}
	}
	r.mu.Unlock()

	for _, c := range recipients {
		mc := *m
		mc.FDs = dupFDs(m.FDs)
		c.Enqueue(&mc)
	}
}

func (r *Router) connFor(unique string) Conn {
	owner, ok := r.reg.Resolve(unique)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[owner]
}

// dupFDs duplicates the descriptors attached to a fanned-out message
// so that each recipient owns an independent copy. Descriptors that
// fail to duplicate are skipped.
func dupFDs(fds []wire.FileDescriptor) []wire.FileDescriptor {
	if len(fds) == 0 {
		return nil
	}
	out := make([]wire.FileDescriptor, 0, len(fds))
	for _, f := range fds {
		file, ok := f.(*os.File)
		if !ok {
			continue
		}
		nfd, err := unix.Dup(int(file.Fd()))
		if err != nil {
			continue
		}
		out = append(out, os.NewFile(uintptr(nfd), file.Name()))
	}
	return out
}
