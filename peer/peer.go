// Package peer owns one accepted connection: it drives the SASL
// handshake, then demultiplexes the binary stream into messages,
// attaches received file descriptors to the message that declared
// them, and serializes outbound writes. Each peer runs two
// goroutines, a read loop and a write loop; everything else reaches
// the peer only through its bounded outbound queue.
package peer

import (
	"errors"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/kjx/dbusd/handshake"
	"github.com/kjx/dbusd/router"
	"github.com/kjx/dbusd/transport"
	"github.com/kjx/dbusd/wire"
	"github.com/kjx/dbusd/wire/fragments"
)

const (
	// maxOutboundQueue bounds the per-peer outbound message queue. A
	// peer that falls this far behind is dropped rather than allowed
	// to stall the router.
	maxOutboundQueue = 128
	// maxInboundBuffer bounds how many bytes of an incomplete message
	// the peer will hold before declaring the sender broken.
	maxInboundBuffer = 16 << 20
	// handshakeTimeout bounds how long a connection may stay in the
	// handshake before being dropped.
	handshakeTimeout = 30 * time.Second
)

// Peer is one connected client.
type Peer struct {
	id   uint64
	conn transport.Conn
	rt   *router.Router
	hs   *handshake.Machine

	mu        sync.Mutex
	unique    string
	creds     handshake.Credentials
	fdPassing bool
	outq      queue.Queue[*wire.Message]
	closed    bool

	wakeWrite chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Peer for an accepted connection. serverGUID is the
// bus id embedded in the handshake's OK reply. The peer does nothing
// until Run is called.
func New(id uint64, conn transport.Conn, rt *router.Router, serverGUID string) *Peer {
	return &Peer{
		id:        id,
		conn:      conn,
		rt:        rt,
		hs:        handshake.New(serverGUID),
		wakeWrite: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// ID returns the peer's connection identifier, valid before Hello.
func (p *Peer) ID() uint64 { return p.id }

// UniqueName returns the unique name assigned at Hello, or "".
func (p *Peer) UniqueName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unique
}

// SetUniqueName records the unique name the bus object assigned.
func (p *Peer) SetUniqueName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unique = name
}

// Credentials returns the identity the peer authenticated with.
func (p *Peer) Credentials() handshake.Credentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creds
}

// FDPassing reports whether the peer negotiated file descriptor
// passing.
func (p *Peer) FDPassing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fdPassing
}

// Done returns a channel closed when the peer has terminated.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Run registers the peer with the router and processes the
// connection until it closes or faults. It blocks; callers run it in
// its own goroutine.
func (p *Peer) Run() {
	p.rt.AddPeer(p)
	go p.writeLoop()

	hsDeadline := time.AfterFunc(handshakeTimeout, func() {
		if p.hs.State() != handshake.Active {
			p.Kill("handshake timed out")
		}
	})
	defer hsDeadline.Stop()

	var inbuf []byte
	buf := make([]byte, 64<<10)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			data := buf[:n]
			if p.hs.State() != handshake.Active {
				reply, binary, hsErr := p.hs.Feed(data)
				if len(reply) > 0 {
					if _, werr := p.conn.Write(reply); werr != nil {
						p.terminate(werr)
						return
					}
				}
				if hsErr != nil {
					log.Printf("peer %d: handshake: %v", p.id, hsErr)
					p.terminate(hsErr)
					return
				}
				if p.hs.State() == handshake.Active {
					p.finishHandshake()
				}
				data = binary
			}
			inbuf = append(inbuf, data...)
			if !p.drain(&inbuf) {
				return
			}
		}
		if err != nil {
			p.terminate(err)
			return
		}
	}
}

// finishHandshake latches the negotiated state. When a client
// asserted a uid via AUTH EXTERNAL and the transport can see the
// kernel's socket credentials, the kernel wins; a client that chose
// ANONYMOUS stays anonymous.
func (p *Peer) finishHandshake() {
	creds := p.hs.Credentials()
	if creds.Present {
		if uid, ok := p.conn.RemoteCredentials(); ok {
			creds.UID = strconv.FormatUint(uint64(uid), 10)
		}
	}
	p.mu.Lock()
	p.creds = creds
	p.fdPassing = p.hs.FDNegotiated()
	p.mu.Unlock()
}

// drain decodes complete messages off the front of *inbuf and routes
// them. Routing is synchronous, so a flood from this peer pauses its
// own reads rather than growing an unbounded queue. It reports false
// if the peer was terminated.
func (p *Peer) drain(inbuf *[]byte) bool {
	for {
		m, n, err := wire.DecodeMessage(*inbuf)
		if errors.Is(err, fragments.ErrShortBuffer) {
			if len(*inbuf) > maxInboundBuffer {
				p.Kill("inbound message too large")
				return false
			}
			return true
		}
		if err != nil {
			p.Kill("protocol error: " + err.Error())
			return false
		}
		*inbuf = (*inbuf)[n:]

		if m.NumFDs > 0 && p.FDPassing() {
			files, ferr := p.conn.GetFiles(int(m.NumFDs))
			if ferr != nil {
				p.Kill("message declared " + strconv.Itoa(int(m.NumFDs)) + " fds: " + ferr.Error())
				return false
			}
			m.FDs = make([]wire.FileDescriptor, len(files))
			for i, f := range files {
				m.FDs[i] = f
			}
		}

		m.Sender = p.UniqueName()
		p.rt.Route(p, m)
	}
}

// Enqueue implements router.Conn. It reports false if the peer is
// gone or its queue overflowed; either way it has disposed of m's
// descriptors.
func (p *Peer) Enqueue(m *wire.Message) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		m.CloseFDs()
		return false
	}
	if p.outq.Len() >= maxOutboundQueue {
		p.mu.Unlock()
		m.CloseFDs()
		// Async: overflow is detected on callers' goroutines, which
		// may hold singleton locks that teardown needs.
		go p.Kill("outbound queue overflow")
		return false
	}
	p.outq.Add(m)
	wake := p.outq.Len() == 1
	p.mu.Unlock()
	if wake {
		select {
		case p.wakeWrite <- struct{}{}:
		default:
		}
	}
	return true
}

func (p *Peer) writeLoop() {
	for {
		m, ok := p.pop()
		if !ok {
			select {
			case <-p.wakeWrite:
				continue
			case <-p.done:
				return
			}
		}
		if err := p.write(m); err != nil {
			m.CloseFDs()
			p.terminate(err)
			return
		}
	}
}

func (p *Peer) pop() (*wire.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outq.Pop()
}

// write serializes one message. Descriptors ride as ancillary data on
// the same write as the message bytes; if the peer never negotiated
// FD passing they are quietly closed instead, leaving the declared
// count in the header untouched.
func (p *Peer) write(m *wire.Message) error {
	bs, err := wire.EncodeMessage(fragments.LittleEndian, m)
	if err != nil {
		return err
	}

	var files []*os.File
	if p.FDPassing() {
		for _, f := range m.FDs {
			if file, ok := f.(*os.File); ok {
				files = append(files, file)
			}
		}
	}
	_, err = p.conn.WriteWithFiles(bs, files)
	// The kernel holds its own references once the write has
	// happened; our copies are closed regardless of negotiation.
	m.CloseFDs()
	return err
}

// Kill terminates the peer with a protocol error.
func (p *Peer) Kill(reason string) {
	log.Printf("peer %d (%s): killed: %s", p.id, p.UniqueName(), reason)
	p.terminate(errors.New(reason))
}

// terminate shuts the peer down exactly once: the socket closes, the
// outbound queue is dropped with its descriptors, and the router,
// registry, match engine, and policy store release everything keyed
// by this peer.
func (p *Peer) terminate(cause error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for {
			m, ok := p.outq.Pop()
			if !ok {
				break
			}
			m.CloseFDs()
		}
		p.mu.Unlock()

		close(p.done)
		p.conn.Close()
		p.rt.RemovePeer(p)
	})
}
