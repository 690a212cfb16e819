// Package registry tracks ownership of bus names: the auto-assigned
// unique name every peer gets at Hello, and the well-known names
// peers claim with RequestName. It is one of the broker's singleton
// services; peers are identified by their unique name only, never by
// reference, so the registry can outlive any individual peer.
package registry

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Flags are the caller-supplied flags of a RequestName call.
type Flags uint32

const (
	// AllowReplacement permits a later RequestName with
	// ReplaceExisting to take the name from this owner.
	AllowReplacement Flags = 1 << 0
	// ReplaceExisting asks to displace the current owner, if that
	// owner set AllowReplacement.
	ReplaceExisting Flags = 1 << 1
	// DoNotQueue makes the request fail instead of waiting in the
	// name's ownership queue.
	DoNotQueue Flags = 1 << 2
)

// RequestReply is the result code of RequestName.
type RequestReply uint32

const (
	PrimaryOwner RequestReply = 1
	InQueue      RequestReply = 2
	Exists       RequestReply = 3
	AlreadyOwner RequestReply = 4
)

// ReleaseReply is the result code of ReleaseName.
type ReleaseReply uint32

const (
	Released    ReleaseReply = 1
	NonExistent ReleaseReply = 2
	NotOwner    ReleaseReply = 3
)

type waiter struct {
	unique string
	flags  Flags
}

type entry struct {
	owner waiter
	queue []waiter
}

// Registry is the name ownership table. All methods are safe for
// concurrent use.
type Registry struct {
	// counter produces unique name suffixes. It is shared with the
	// router's serial issuance: one process-wide monotonic counter
	// serves both.
	counter *atomic.Uint64

	// OnChange, if set, is called for every ownership transition with
	// the name and the old and new owning unique names ("" for
	// appearance/disappearance). It is called with the registry lock
	// held, before the call that caused the transition returns, so
	// that the resulting NameOwnerChanged signal is ordered before any
	// later GetNameOwner can observe the new state. OnChange must not
	// call back into the Registry.
	OnChange func(name, old, new string)

	mu        sync.Mutex
	wellKnown map[string]*entry
	unique    map[string]bool
	owned     map[string][]string // unique name -> well-known names owned
}

// New returns an empty Registry drawing unique name suffixes from
// counter.
func New(counter *atomic.Uint64) *Registry {
	return &Registry{
		counter:   counter,
		wellKnown: map[string]*entry{},
		unique:    map[string]bool{},
		owned:     map[string][]string{},
	}
}

func (r *Registry) emit(name, old, new string) {
	if r.OnChange != nil {
		r.OnChange(name, old, new)
	}
}

// AssignUnique returns a fresh unique name of the form ":1.N". The
// name is not yet registered; callers follow up with RegisterUnique
// once the peer is ready to be addressable.
func (r *Registry) AssignUnique() string {
	return fmt.Sprintf(":1.%d", r.counter.Add(1))
}

// RegisterUnique records unique as a connected, addressable peer and
// announces its appearance.
func (r *Registry) RegisterUnique(unique string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unique[unique] = true
	r.emit(unique, "", unique)
}

// RequestName processes a RequestName call from the peer with the
// given unique name.
func (r *Registry) RequestName(name string, flags Flags, unique string) RequestReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.wellKnown[name]
	if !ok {
		r.wellKnown[name] = &entry{owner: waiter{unique, flags}}
		r.owned[unique] = append(r.owned[unique], name)
		r.emit(name, "", unique)
		return PrimaryOwner
	}

	if e.owner.unique == unique {
		// Already the owner; refresh the flags so a later replacement
		// attempt sees the owner's current wishes.
		e.owner.flags = flags
		return AlreadyOwner
	}

	if flags&ReplaceExisting != 0 && e.owner.flags&AllowReplacement != 0 {
		old := e.owner.unique
		r.dropOwned(old, name)
		removeWaiter(e, unique)
		e.owner = waiter{unique, flags}
		r.owned[unique] = append(r.owned[unique], name)
		r.emit(name, old, unique)
		return PrimaryOwner
	}

	if flags&DoNotQueue != 0 {
		// An earlier queued request without DoNotQueue stays queued
		// only if the caller still wants it; a DoNotQueue request
		// withdraws it.
		removeWaiter(e, unique)
		return Exists
	}

	for i := range e.queue {
		if e.queue[i].unique == unique {
			e.queue[i].flags = flags
			return InQueue
		}
	}
	e.queue = append(e.queue, waiter{unique, flags})
	return InQueue
}

// ReleaseName processes a ReleaseName call from the peer with the
// given unique name. Releasing a name the caller only waits on
// removes it from the queue.
func (r *Registry) ReleaseName(name, unique string) ReleaseReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.wellKnown[name]
	if !ok {
		return NonExistent
	}
	if e.owner.unique != unique {
		if removeWaiter(e, unique) {
			return Released
		}
		return NotOwner
	}
	r.releaseLocked(name, e)
	return Released
}

// releaseLocked removes the current owner of name, promoting the
// queue head or deleting the entry.
func (r *Registry) releaseLocked(name string, e *entry) {
	old := e.owner.unique
	r.dropOwned(old, name)
	if len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.owner = next
		r.owned[next.unique] = append(r.owned[next.unique], name)
		r.emit(name, old, next.unique)
		return
	}
	delete(r.wellKnown, name)
	r.emit(name, old, "")
}

// Resolve returns the unique name owning name. Unique names resolve
// to themselves while their peer is registered.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(name) > 0 && name[0] == ':' {
		return name, r.unique[name]
	}
	e, ok := r.wellKnown[name]
	if !ok {
		return "", false
	}
	return e.owner.unique, true
}

// QueuedOwners returns the ownership queue of name: the current owner
// first, then the waiters in order. It returns nil if the name has no
// owner.
func (r *Registry) QueuedOwners(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.wellKnown[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, 1+len(e.queue))
	out = append(out, e.owner.unique)
	for _, w := range e.queue {
		out = append(out, w.unique)
	}
	return out
}

// ListNames returns every registered name, well-known and unique,
// sorted.
func (r *Registry) ListNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.wellKnown)+len(r.unique))
	for name := range r.wellKnown {
		out = append(out, name)
	}
	for name := range r.unique {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// PeerDisconnected releases every name held or waited on by unique
// and announces the disappearance of the unique name itself. After it
// returns, no registry state references unique.
func (r *Registry) PeerDisconnected(unique string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range slices.Clone(r.owned[unique]) {
		if e, ok := r.wellKnown[name]; ok && e.owner.unique == unique {
			r.releaseLocked(name, e)
		}
	}
	delete(r.owned, unique)

	for _, e := range r.wellKnown {
		removeWaiter(e, unique)
	}

	if r.unique[unique] {
		delete(r.unique, unique)
		r.emit(unique, unique, "")
	}
}

func (r *Registry) dropOwned(unique, name string) {
	names := r.owned[unique]
	if i := slices.Index(names, name); i >= 0 {
		r.owned[unique] = slices.Delete(names, i, i+1)
	}
	if len(r.owned[unique]) == 0 {
		delete(r.owned, unique)
	}
}

func removeWaiter(e *entry, unique string) bool {
	for i := range e.queue {
		if e.queue[i].unique == unique {
			e.queue = slices.Delete(e.queue, i, i+1)
			return true
		}
	}
	return false
}
