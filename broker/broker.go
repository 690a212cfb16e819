// Package broker wires the singleton services together and runs the
// accept loop: transport listeners feed new connections to peers,
// peers feed messages to the router, and the router consults the
// registry, match engine, policy store, and bus object.
package broker

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kjx/dbusd/busobj"
	"github.com/kjx/dbusd/match"
	"github.com/kjx/dbusd/observer"
	"github.com/kjx/dbusd/peer"
	"github.com/kjx/dbusd/policy"
	"github.com/kjx/dbusd/registry"
	"github.com/kjx/dbusd/router"
	"github.com/kjx/dbusd/transport"
)

// Options configure a Broker.
type Options struct {
	// SocketPath is the Unix socket the broker listens on.
	SocketPath string
	// TCPAddr optionally adds a TCP listener for remote debugging.
	TCPAddr string
	// BusID is the bus id returned by GetId and embedded in the
	// handshake's OK line. A random id is generated when empty.
	BusID string
	// MachineID is returned by Peer.GetMachineId. Defaults to the
	// host's /etc/machine-id, falling back to the bus id.
	MachineID string
	// CompatBroadcast delivers signals to peers with no match rules.
	// See router.Options.
	CompatBroadcast bool
	// Forwarder is consulted for unknown destinations, for a
	// multi-node extension. May be nil.
	Forwarder router.Forwarder
}

// Broker is a running message bus.
type Broker struct {
	opts Options
	feed *observer.Feed
	reg  *registry.Registry
	eng  *match.Engine
	pol  *policy.Store
	rt   *router.Router

	nextID atomic.Uint64

	mu     sync.Mutex
	lns    []transport.Listener
	peers  map[uint64]*peer.Peer
	closed bool
	wg     sync.WaitGroup
}

// New assembles a Broker. It does not listen; call ListenAndServe.
func New(opts Options) *Broker {
	if opts.BusID == "" {
		opts.BusID = newBusID()
	}
	if opts.MachineID == "" {
		opts.MachineID = machineID(opts.BusID)
	}

	counter := new(atomic.Uint64)
	feed := observer.New()
	reg := registry.New(counter)
	eng := match.New()
	pol := policy.New(feed)
	bus := busobj.New(reg, eng, pol, feed, opts.BusID, opts.MachineID)
	rt := router.New(router.Options{
		Feed:            feed,
		Policy:          pol,
		Registry:        reg,
		Engine:          eng,
		Bus:             bus,
		Forwarder:       opts.Forwarder,
		CompatBroadcast: opts.CompatBroadcast,
		Counter:         counter,
	})
	reg.OnChange = func(name, old, new string) {
		feed.Post(observer.NameChanged{Name: name, Old: old, New: new})
		rt.NameOwnerChanged(name, old, new)
	}

	return &Broker{
		opts:  opts,
		feed:  feed,
		reg:   reg,
		eng:   eng,
		pol:   pol,
		rt:    rt,
		peers: map[uint64]*peer.Peer{},
	}
}

// Feed returns the broker's observer feed.
func (b *Broker) Feed() *observer.Feed { return b.feed }

// Policy returns the broker's capability store, so that static
// configuration grants can be installed before serving.
func (b *Broker) Policy() *policy.Store { return b.pol }

// BusID returns the bus id clients see from GetId.
func (b *Broker) BusID() string { return b.opts.BusID }

// ListenAndServe creates the configured listeners and serves until
// Close is called or a listener fails.
func (b *Broker) ListenAndServe() error {
	uln, err := transport.ListenUnix(b.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", b.opts.SocketPath, err)
	}
	lns := []transport.Listener{uln}
	if b.opts.TCPAddr != "" {
		tln, err := transport.ListenTCP(b.opts.TCPAddr)
		if err != nil {
			uln.Close()
			return fmt.Errorf("listening on %s: %w", b.opts.TCPAddr, err)
		}
		lns = append(lns, tln)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		for _, ln := range lns {
			ln.Close()
		}
		return errors.New("broker is closed")
	}
	b.lns = lns
	b.mu.Unlock()

	errc := make(chan error, len(lns))
	for _, ln := range lns {
		go func() { errc <- b.Serve(ln) }()
	}
	var first error
	for range lns {
		if err := <-errc; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Serve accepts connections from ln until it closes. It can be used
// directly with a caller-provided listener, e.g. in tests.
func (b *Broker) Serve(ln transport.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		id := b.nextID.Add(1)
		p := peer.New(id, conn, b.rt, b.opts.BusID)

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return nil
		}
		b.peers[id] = p
		b.wg.Add(1)
		b.mu.Unlock()

		go func() {
			defer b.wg.Done()
			p.Run()
			b.mu.Lock()
			delete(b.peers, id)
			b.mu.Unlock()
		}()
	}
}

// Close stops the listeners, terminates every peer, and waits for
// their goroutines to finish.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	lns := b.lns
	peers := make([]*peer.Peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, ln := range lns {
		ln.Close()
	}
	for _, p := range peers {
		p.Kill("broker shutting down")
	}
	b.wg.Wait()
	return nil
}

func newBusID() string {
	var bs [16]byte
	if _, err := rand.Read(bs[:]); err != nil {
		log.Printf("generating bus id: %v", err)
	}
	return hex.EncodeToString(bs[:])
}

func machineID(fallback string) string {
	bs, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return fallback
	}
	return strings.TrimSpace(string(bs))
}
