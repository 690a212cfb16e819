// Package observer broadcasts structured bus events to interested
// consumers, such as the debug dump in cmd/dbusd or an external
// dashboard. The feed is best-effort and lossy: a subscriber that
// does not drain its channel promptly loses events rather than
// stalling the broker.
package observer

import (
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
)

const maxSubscriberQueue = 64

// Event is one bus event. The concrete types below enumerate every
// kind of event the broker emits.
type Event interface {
	// Kind returns a short stable identifier for the event type.
	Kind() string
}

// PeerUp reports a peer that completed Hello and was assigned a
// unique name.
type PeerUp struct {
	Unique string
	// UID is the authenticated user id, or empty for anonymous
	// connections.
	UID string
}

func (PeerUp) Kind() string { return "peer_up" }

// PeerDown reports a peer disconnecting.
type PeerDown struct {
	Unique string
}

func (PeerDown) Kind() string { return "peer_down" }

// NameChanged reports an ownership transition of a bus name. Old or
// New is empty when the name appeared or disappeared.
type NameChanged struct {
	Name string
	Old  string
	New  string
}

func (NameChanged) Kind() string { return "name_changed" }

// MessageRouted summarizes one message as it enters the router. The
// body is deliberately not included; observers that need payloads can
// subscribe on the bus like any other client.
type MessageRouted struct {
	Type        string
	Serial      uint32
	Sender      string
	Destination string
	Path        string
	Interface   string
	Member      string
}

func (MessageRouted) Kind() string { return "message_routed" }

// PolicyDenied reports a policy decision that denied an action.
type PolicyDenied struct {
	// Action is "send", "own", or "eavesdrop".
	Action string
	// Unique is the peer the decision applied to.
	Unique string
	// Info describes what was denied, e.g. the destination and member
	// of a refused call or the name of a refused ownership request.
	Info string
}

func (PolicyDenied) Kind() string { return "policy_denied" }

// Feed fans events out to zero or more Subscribers.
type Feed struct {
	mu   sync.Mutex
	subs mapset.Set[*Subscriber]
}

// New returns a Feed with no subscribers.
func New() *Feed {
	return &Feed{subs: mapset.New[*Subscriber]()}
}

// Post delivers e to every current subscriber. It never blocks;
// subscribers whose queues are full lose the event.
func (f *Feed) Post(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		s.enqueue(e)
	}
}

// Subscribe registers a new subscriber. The caller must drain the
// subscriber's channel promptly and Close it when done.
func (f *Feed) Subscribe() *Subscriber {
	s := &Subscriber{
		feed:        f,
		events:      make(chan Event),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
	}
	go s.pump()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs.Add(s)
	return s
}

// A Subscriber receives a copy of every event posted to its Feed, up
// to its bounded queue capacity.
type Subscriber struct {
	feed     *Feed
	events   chan Event
	wakePump chan struct{}

	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu    sync.Mutex
	queue queue.Queue[Event]
	// lost counts events dropped because the queue was full.
	lost uint64
}

// Chan returns the channel on which events are delivered. It is
// closed when the Subscriber is closed.
func (s *Subscriber) Chan() <-chan Event {
	return s.events
}

// Lost returns the number of events dropped so far because the
// subscriber was not draining its channel fast enough.
func (s *Subscriber) Lost() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Close detaches the subscriber from its feed and stops delivery.
func (s *Subscriber) Close() {
	select {
	case <-s.pumpStopped:
		return
	default:
	}

	s.feed.mu.Lock()
	delete(s.feed.subs, s)
	s.feed.mu.Unlock()

	close(s.stopPump)
	close(s.wakePump)
	<-s.pumpStopped

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Clear()
}

func (s *Subscriber) enqueue(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.pumpStopped:
		return
	default:
	}

	if s.queue.Len() >= maxSubscriberQueue {
		s.lost++
		return
	}
	s.queue.Add(e)
	if s.queue.Len() == 1 {
		select {
		case s.wakePump <- struct{}{}:
		default:
		}
	}
}

func (s *Subscriber) pump() {
	defer close(s.pumpStopped)
	defer close(s.events)
	for {
		e, ok := func() (Event, bool) {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.queue.Pop()
		}()
		if !ok {
			select {
			case <-s.stopPump:
				return
			case <-s.wakePump:
				continue
			}
		}
		select {
		case s.events <- e:
		case <-s.stopPump:
			return
		}
	}
}
