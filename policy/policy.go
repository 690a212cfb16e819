// Package policy is the broker's capability store. Each connected
// peer accumulates grants, installed from credential-based defaults
// at Hello and optionally from static configuration; the router asks
// the store before every send, and the bus object asks it before every
// ownership request and eavesdropping match rule. Denials are audited
// on the observer feed.
package policy

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/creachadair/mds/value"
	"github.com/kjx/dbusd/handshake"
	"github.com/kjx/dbusd/observer"
	"github.com/kjx/dbusd/wire"
)

// BusName is the bus's own reserved name. Messages to it are always
// allowed.
const BusName = "org.freedesktop.DBus"

// ErrAccessDenied is the D-Bus error name reported to callers whose
// message was refused by policy.
const ErrAccessDenied = "org.freedesktop.DBus.Error.AccessDenied"

// GrantKind enumerates the capability kinds a peer can hold.
type GrantKind int

const (
	// GrantSuperuser allows everything.
	GrantSuperuser GrantKind = iota
	// GrantSendAny allows method calls to any destination.
	GrantSendAny
	// GrantSendTo allows method calls to one destination name.
	GrantSendTo
	// GrantOwnAny allows requesting any well-known name.
	GrantOwnAny
	// GrantOwn allows requesting one specific well-known name.
	GrantOwn
	// GrantCall allows calling one interface on one destination,
	// optionally narrowed to a single member.
	GrantCall
	// GrantReceiveFrom marks the peer as a permitted receiver of
	// messages from one sender. It is accepted from configuration for
	// forward compatibility but not consulted by any current check.
	GrantReceiveFrom
	// GrantEavesdrop marks the peer as an eavesdropper. It is accepted
	// from configuration, but CheckEavesdrop does not consult it: only
	// superusers may install eavesdropping rules.
	GrantEavesdrop
)

// Grant is one capability attached to a peer.
type Grant struct {
	Kind GrantKind

	// Dest scopes GrantSendTo and GrantCall.
	Dest string
	// Name scopes GrantOwn.
	Name string
	// Iface scopes GrantCall.
	Iface string
	// Member optionally narrows GrantCall to a single method.
	Member value.Maybe[string]
	// Sender scopes GrantReceiveFrom.
	Sender string
}

func Superuser() Grant          { return Grant{Kind: GrantSuperuser} }
func SendAny() Grant            { return Grant{Kind: GrantSendAny} }
func SendTo(dest string) Grant  { return Grant{Kind: GrantSendTo, Dest: dest} }
func OwnAny() Grant             { return Grant{Kind: GrantOwnAny} }
func Own(name string) Grant     { return Grant{Kind: GrantOwn, Name: name} }
func Eavesdrop() Grant          { return Grant{Kind: GrantEavesdrop} }
func ReceiveFrom(sender string) Grant {
	return Grant{Kind: GrantReceiveFrom, Sender: sender}
}

// Call returns a grant allowing calls to iface on dest, any member.
func Call(dest, iface string) Grant {
	return Grant{Kind: GrantCall, Dest: dest, Iface: iface}
}

// CallMember returns a grant allowing calls to one member of iface on
// dest.
func CallMember(dest, iface, member string) Grant {
	return Grant{Kind: GrantCall, Dest: dest, Iface: iface, Member: value.Just(member)}
}

// SendInfo describes the message a send decision is being made about.
type SendInfo struct {
	Type        wire.MsgType
	Destination string
	Interface   string
	Member      string
}

// Decision is the outcome of a policy check.
type Decision struct {
	OK bool
	// ErrorName is the D-Bus error name to report when OK is false.
	ErrorName string
	// Reason is a human-readable explanation, used in the synthesized
	// error body and the audit event.
	Reason string
}

var allow = Decision{OK: true}

func deny(reason string) Decision {
	return Decision{ErrorName: ErrAccessDenied, Reason: reason}
}

// Store holds the grants of every connected peer.
type Store struct {
	feed *observer.Feed

	mu     sync.Mutex
	grants map[string][]Grant // unique name -> grants
	byUID  map[string][]Grant // static config grants, keyed by uid
}

// New returns an empty Store that audits denials to feed. feed may be
// nil.
func New(feed *observer.Feed) *Store {
	return &Store{
		feed:   feed,
		grants: map[string][]Grant{},
		byUID:  map[string][]Grant{},
	}
}

// AddForUID registers a static grant applied to every peer that
// authenticates as uid, on top of the built-in defaults. Used for
// configuration-supplied grants.
func (s *Store) AddForUID(uid string, g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUID[uid] = append(s.byUID[uid], g)
}

// Add attaches a grant to a connected peer.
func (s *Store) Add(unique string, g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[unique] = append(s.grants[unique], g)
}

// InstallDefaults installs the credential-based default grants for a
// newly helloed peer: root gets superuser, system users (uid below
// 1000) get unrestricted own and send, everyone else may only talk to
// the bus itself. Static per-uid configuration grants are added on
// top.
func (s *Store) InstallDefaults(unique string, creds handshake.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gs []Grant
	switch uid, err := strconv.Atoi(creds.UID); {
	case !creds.Present:
		gs = append(gs, SendTo(BusName))
	case err != nil:
		gs = append(gs, SendTo(BusName))
	case uid == 0:
		gs = append(gs, Superuser())
	case uid < 1000:
		gs = append(gs, OwnAny(), SendAny())
	default:
		gs = append(gs, SendTo(BusName))
	}
	if creds.Present {
		gs = append(gs, s.byUID[creds.UID]...)
	}
	s.grants[unique] = append(s.grants[unique], gs...)
}

// Forget drops all grants held by unique, used when a peer
// disconnects.
func (s *Store) Forget(unique string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, unique)
}

// CheckSend decides whether the peer may send the described message.
// Responses and messages for the bus itself are always allowed, and
// signals are not subject to send policy.
func (s *Store) CheckSend(unique string, info SendInfo) Decision {
	switch info.Type {
	case wire.MethodReturn, wire.MsgError:
		return allow
	case wire.Signal:
		return allow
	}
	if info.Destination == "" || info.Destination == BusName {
		return allow
	}

	s.mu.Lock()
	gs := s.grants[unique]
	s.mu.Unlock()

	for _, g := range gs {
		switch g.Kind {
		case GrantSuperuser, GrantSendAny:
			return allow
		case GrantSendTo:
			if g.Dest == info.Destination {
				return allow
			}
		case GrantCall:
			if g.Dest != info.Destination || g.Iface != info.Interface {
				continue
			}
			if member, ok := g.Member.GetOK(); !ok || member == info.Member {
				return allow
			}
		}
	}

	d := deny(fmt.Sprintf("not allowed to call %s.%s on %s", info.Interface, info.Member, info.Destination))
	s.audit("send", unique, d.Reason)
	return d
}

// CheckOwn decides whether the peer may own name.
func (s *Store) CheckOwn(unique, name string) Decision {
	s.mu.Lock()
	gs := s.grants[unique]
	s.mu.Unlock()

	for _, g := range gs {
		switch g.Kind {
		case GrantSuperuser, GrantOwnAny:
			return allow
		case GrantOwn:
			if g.Name == name {
				return allow
			}
		}
	}
	d := deny(fmt.Sprintf("not allowed to own %s", name))
	s.audit("own", unique, d.Reason)
	return d
}

// CheckEavesdrop decides whether the peer may observe traffic
// addressed to others. Only superusers may.
func (s *Store) CheckEavesdrop(unique string) Decision {
	s.mu.Lock()
	gs := s.grants[unique]
	s.mu.Unlock()

	for _, g := range gs {
		if g.Kind == GrantSuperuser {
			return allow
		}
	}
	d := deny("eavesdropping not permitted")
	s.audit("eavesdrop", unique, d.Reason)
	return d
}

func (s *Store) audit(action, unique, info string) {
	if s.feed != nil {
		s.feed.Post(observer.PolicyDenied{Action: action, Unique: unique, Info: info})
	}
}
