// Package busobj implements the bus's own object: the methods of
// org.freedesktop.DBus rooted at /org/freedesktop/DBus, plus the
// standard Introspectable, Peer, and Properties interfaces. Dispatch
// is a method table indexed by (interface, member); calls naming an
// interface the bus does not implement get an UnknownInterface error,
// and other calls that miss the table get an UnknownMethod error.
package busobj

import (
	"fmt"
	"strings"

	"github.com/kjx/dbusd/handshake"
	"github.com/kjx/dbusd/match"
	"github.com/kjx/dbusd/observer"
	"github.com/kjx/dbusd/policy"
	"github.com/kjx/dbusd/registry"
	"github.com/kjx/dbusd/wire"
)

// BusName is the bus's own well-known name.
const BusName = "org.freedesktop.DBus"

// Path is the object path the bus object lives at.
const Path = "/org/freedesktop/DBus"

// D-Bus error names the bus reports on the wire.
const (
	ErrFailed            = "org.freedesktop.DBus.Error.Failed"
	ErrServiceUnknown    = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrNameHasNoOwner    = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrUnknownMethod     = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrUnknownInterface  = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrUnknownProperty   = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrMatchRuleInvalid  = "org.freedesktop.DBus.Error.MatchRuleInvalid"
	ErrMatchRuleNotFound = "org.freedesktop.DBus.Error.MatchRuleNotFound"
	ErrInvalidArgs       = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrAccessDenied      = policy.ErrAccessDenied
	ErrLimitsExceeded    = "org.freedesktop.DBus.Error.LimitsExceeded"
)

// Caller is the bus object's view of the peer making a call.
type Caller interface {
	// UniqueName returns the caller's unique name, or "" before
	// Hello.
	UniqueName() string
	// SetUniqueName installs the unique name assigned at Hello.
	SetUniqueName(name string)
	// Credentials returns the identity the caller authenticated with.
	Credentials() handshake.Credentials
}

// Error is a D-Bus error reply from the bus object.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func errf(name, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// Bus is the bus object. It holds no per-call state; all bus state
// lives in the registry, match engine, and policy store it fronts.
type Bus struct {
	reg  *registry.Registry
	eng  *match.Engine
	pol  *policy.Store
	feed *observer.Feed

	// id is the bus id returned by GetId.
	id string
	// machineID is returned by Peer.GetMachineId.
	machineID string
}

// New returns a Bus fronting the given singleton services. feed may
// be nil.
func New(reg *registry.Registry, eng *match.Engine, pol *policy.Store, feed *observer.Feed, id, machineID string) *Bus {
	return &Bus{reg: reg, eng: eng, pol: pol, feed: feed, id: id, machineID: machineID}
}

type handler func(b *Bus, c Caller, m *wire.Message) ([]wire.Value, *Error)

type methodKey struct {
	iface  string
	member string
}

var methods = map[methodKey]handler{
	{BusName, "Hello"}:                (*Bus).hello,
	{BusName, "RequestName"}:          (*Bus).requestName,
	{BusName, "ReleaseName"}:          (*Bus).releaseName,
	{BusName, "GetNameOwner"}:         (*Bus).getNameOwner,
	{BusName, "ListNames"}:            (*Bus).listNames,
	{BusName, "ListActivatableNames"}: (*Bus).listActivatableNames,
	{BusName, "NameHasOwner"}:         (*Bus).nameHasOwner,
	{BusName, "ListQueuedOwners"}:     (*Bus).listQueuedOwners,
	{BusName, "AddMatch"}:             (*Bus).addMatch,
	{BusName, "RemoveMatch"}:          (*Bus).removeMatch,
	{BusName, "GetId"}:                (*Bus).getID,

	{"org.freedesktop.DBus.Introspectable", "Introspect"}: (*Bus).introspect,
	{"org.freedesktop.DBus.Peer", "Ping"}:                 (*Bus).ping,
	{"org.freedesktop.DBus.Peer", "GetMachineId"}:         (*Bus).getMachineID,
	{"org.freedesktop.DBus.Properties", "Get"}:            (*Bus).propGet,
	{"org.freedesktop.DBus.Properties", "GetAll"}:         (*Bus).propGetAll,
}

// ifaceSearchOrder is used when a call omits the interface header
// field, which D-Bus permits.
var ifaceSearchOrder = []string{
	BusName,
	"org.freedesktop.DBus.Introspectable",
	"org.freedesktop.DBus.Peer",
	"org.freedesktop.DBus.Properties",
}

// HandleCall dispatches one method call addressed to the bus and
// returns the reply message, or nil if the caller asked for no reply.
// The reply's Serial is left zero; the router stamps it with a
// bus-issued serial on delivery.
func (b *Bus) HandleCall(c Caller, m *wire.Message) *wire.Message {
	body, derr := b.dispatch(c, m)
	if m.Flags&wire.FlagNoReplyExpected != 0 {
		return nil
	}
	if derr != nil {
		return b.errorReply(c, m, derr)
	}
	return &wire.Message{
		Type:        wire.MethodReturn,
		ReplySerial: m.Serial,
		Destination: c.UniqueName(),
		Sender:      BusName,
		Body:        body,
	}
}

func (b *Bus) errorReply(c Caller, m *wire.Message, derr *Error) *wire.Message {
	return &wire.Message{
		Type:        wire.MsgError,
		ErrorName:   derr.Name,
		ReplySerial: m.Serial,
		Destination: c.UniqueName(),
		Sender:      BusName,
		Body:        []wire.Value{wire.String(derr.Message)},
	}
}

func (b *Bus) dispatch(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	if m.Interface != "" {
		h, ok := methods[methodKey{m.Interface, m.Member}]
		if !ok {
			if !knownInterface(m.Interface) {
				return nil, errf(ErrUnknownInterface, "unknown interface %q", m.Interface)
			}
			return nil, errf(ErrUnknownMethod, "no method %q on interface %q", m.Member, m.Interface)
		}
		return h(b, c, m)
	}
	for _, iface := range ifaceSearchOrder {
		if h, ok := methods[methodKey{iface, m.Member}]; ok {
			return h(b, c, m)
		}
	}
	return nil, errf(ErrUnknownMethod, "no method %q", m.Member)
}

func knownInterface(iface string) bool {
	for _, known := range ifaceSearchOrder {
		if iface == known {
			return true
		}
	}
	return false
}

func (b *Bus) hello(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	if c.UniqueName() != "" {
		return nil, errf(ErrFailed, "Hello already called")
	}
	unique := b.reg.AssignUnique()
	c.SetUniqueName(unique)
	b.reg.RegisterUnique(unique)
	b.pol.InstallDefaults(unique, c.Credentials())
	if b.feed != nil {
		b.feed.Post(observer.PeerUp{Unique: unique, UID: c.Credentials().UID})
	}
	return []wire.Value{wire.String(unique)}, nil
}

func (b *Bus) requestName(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	name, err := argString(m, 0)
	if err != nil {
		return nil, err
	}
	flags, err := argUint32(m, 1)
	if err != nil {
		return nil, err
	}
	if verr := validWellKnownName(name); verr != nil {
		return nil, verr
	}
	if d := b.pol.CheckOwn(c.UniqueName(), name); !d.OK {
		return nil, errf(d.ErrorName, "%s", d.Reason)
	}
	code := b.reg.RequestName(name, registry.Flags(flags), c.UniqueName())
	return []wire.Value{wire.Uint32(uint32(code))}, nil
}

func (b *Bus) releaseName(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	name, err := argString(m, 0)
	if err != nil {
		return nil, err
	}
	if verr := validWellKnownName(name); verr != nil {
		return nil, verr
	}
	code := b.reg.ReleaseName(name, c.UniqueName())
	return []wire.Value{wire.Uint32(uint32(code))}, nil
}

func (b *Bus) getNameOwner(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	name, err := argString(m, 0)
	if err != nil {
		return nil, err
	}
	if name == BusName {
		return []wire.Value{wire.String(BusName)}, nil
	}
	owner, ok := b.reg.Resolve(name)
	if !ok {
		return nil, errf(ErrNameHasNoOwner, "name %q has no owner", name)
	}
	return []wire.Value{wire.String(owner)}, nil
}

func (b *Bus) listNames(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	names := append([]string{BusName}, b.reg.ListNames()...)
	return []wire.Value{stringArray(names)}, nil
}

func (b *Bus) listActivatableNames(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	// No service activation; only the bus itself is always reachable.
	return []wire.Value{stringArray([]string{BusName})}, nil
}

func (b *Bus) nameHasOwner(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	name, err := argString(m, 0)
	if err != nil {
		return nil, err
	}
	if name == BusName {
		return []wire.Value{wire.Bool(true)}, nil
	}
	_, ok := b.reg.Resolve(name)
	return []wire.Value{wire.Bool(ok)}, nil
}

func (b *Bus) listQueuedOwners(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	name, err := argString(m, 0)
	if err != nil {
		return nil, err
	}
	owners := b.reg.QueuedOwners(name)
	if owners == nil {
		return nil, errf(ErrNameHasNoOwner, "name %q has no owner", name)
	}
	return []wire.Value{stringArray(owners)}, nil
}

func (b *Bus) addMatch(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	raw, err := argString(m, 0)
	if err != nil {
		return nil, err
	}
	rule, perr := match.Parse(raw)
	if perr != nil {
		return nil, errf(ErrMatchRuleInvalid, "%v", perr)
	}
	if rule.Eavesdrop {
		if d := b.pol.CheckEavesdrop(c.UniqueName()); !d.OK {
			return nil, errf(d.ErrorName, "%s", d.Reason)
		}
	}
	b.eng.Add(c.UniqueName(), rule)
	return nil, nil
}

func (b *Bus) removeMatch(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	raw, err := argString(m, 0)
	if err != nil {
		return nil, err
	}
	if !b.eng.Remove(c.UniqueName(), raw) {
		return nil, errf(ErrMatchRuleNotFound, "no such match rule registered")
	}
	return nil, nil
}

func (b *Bus) getID(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	return []wire.Value{wire.String(b.id)}, nil
}

func (b *Bus) introspect(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	return []wire.Value{wire.String(introspectXML)}, nil
}

func (b *Bus) ping(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	return nil, nil
}

func (b *Bus) getMachineID(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	return []wire.Value{wire.String(b.machineID)}, nil
}

func (b *Bus) propGet(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	iface, err := argString(m, 0)
	if err != nil {
		return nil, err
	}
	prop, err := argString(m, 1)
	if err != nil {
		return nil, err
	}
	if iface != BusName {
		return nil, errf(ErrUnknownInterface, "no properties on interface %q", iface)
	}
	v, ok := b.properties()[prop]
	if !ok {
		return nil, errf(ErrUnknownProperty, "no property %q on %s", prop, BusName)
	}
	return []wire.Value{wire.VariantOf(v)}, nil
}

func (b *Bus) propGetAll(c Caller, m *wire.Message) ([]wire.Value, *Error) {
	iface, err := argString(m, 0)
	if err != nil {
		return nil, err
	}
	if iface != BusName {
		return nil, errf(ErrUnknownInterface, "no properties on interface %q", iface)
	}
	props := b.properties()
	entryType := wire.Type{
		Kind:  wire.KindDictEntry,
		Key:   &wire.Type{Kind: wire.KindString},
		Value: &wire.Type{Kind: wire.KindVariant},
	}
	entries := make([]wire.Value, 0, len(props))
	for _, name := range []string{"Features", "Interfaces"} {
		entries = append(entries, wire.DictEntry(wire.String(name), wire.VariantOf(props[name])))
	}
	return []wire.Value{wire.Slice(entryType, entries)}, nil
}

func (b *Bus) properties() map[string]wire.Value {
	return map[string]wire.Value{
		// No optional bus features are implemented.
		"Features": stringArray(nil),
		// Interfaces lists extra interfaces the bus implements beyond
		// the ones every implementation must have.
		"Interfaces": stringArray(nil),
	}
}

func stringArray(ss []string) wire.Value {
	items := make([]wire.Value, len(ss))
	for i, s := range ss {
		items[i] = wire.String(s)
	}
	return wire.Slice(wire.Type{Kind: wire.KindString}, items)
}

func argString(m *wire.Message, i int) (string, *Error) {
	if i >= len(m.Body) {
		return "", errf(ErrInvalidArgs, "missing argument %d", i)
	}
	v := m.Body[i]
	if v.Type.Kind != wire.KindString {
		return "", errf(ErrInvalidArgs, "argument %d has type %q, want string", i, v.Type)
	}
	return v.Str, nil
}

func argUint32(m *wire.Message, i int) (uint32, *Error) {
	if i >= len(m.Body) {
		return 0, errf(ErrInvalidArgs, "missing argument %d", i)
	}
	v := m.Body[i]
	if v.Type.Kind != wire.KindUint32 {
		return 0, errf(ErrInvalidArgs, "argument %d has type %q, want uint32", i, v.Type)
	}
	return v.U32, nil
}

// validWellKnownName checks the bus name grammar: at least two
// dot-separated elements of [A-Za-z0-9_-], not starting with a digit,
// at most 255 bytes, and not a unique name or the bus's reserved
// name.
func validWellKnownName(name string) *Error {
	if name == BusName {
		return errf(ErrInvalidArgs, "cannot manipulate the bus's own name")
	}
	if name == "" || len(name) > 255 {
		return errf(ErrInvalidArgs, "invalid bus name length")
	}
	if name[0] == ':' {
		return errf(ErrInvalidArgs, "cannot request a unique name")
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return errf(ErrInvalidArgs, "bus name %q must contain a dot", name)
	}
	for _, e := range elems {
		if e == "" {
			return errf(ErrInvalidArgs, "bus name %q has an empty element", name)
		}
		if e[0] >= '0' && e[0] <= '9' {
			return errf(ErrInvalidArgs, "bus name element %q starts with a digit", e)
		}
		for i := 0; i < len(e); i++ {
			c := e[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			default:
				return errf(ErrInvalidArgs, "bus name %q has an invalid character", name)
			}
		}
	}
	return nil
}
