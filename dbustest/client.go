package dbustest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjx/dbusd/transport"
	"github.com/kjx/dbusd/wire"
	"github.com/kjx/dbusd/wire/fragments"
)

// readTimeout bounds every blocking receive a test Client performs.
const readTimeout = 10 * time.Second

// Client is a minimal raw-protocol bus client for tests. It speaks
// the handshake and binary framing directly through the wire package
// rather than through any client library, so tests observe exactly
// what is on the wire.
type Client struct {
	t      *testing.T
	conn   transport.Conn
	unique string
	serial atomic.Uint32

	buf []byte
	// inbox holds messages received while waiting for something else
	// (e.g. signals that arrive while waiting for a method reply).
	inbox []*wire.Message
}

// ClientOptions configure Connect.
type ClientOptions struct {
	// Anonymous authenticates with AUTH ANONYMOUS instead of
	// EXTERNAL.
	Anonymous bool
	// NegotiateFDs performs NEGOTIATE_UNIX_FD after authentication.
	NegotiateFDs bool
}

// Connect dials the bus and completes the handshake. It does not
// call Hello; use the Hello method.
func (b *Bus) Connect(t *testing.T, opts ClientOptions) *Client {
	t.Helper()
	conn, err := transport.DialUnix(b.sock)
	if err != nil {
		t.Fatalf("dialing test bus: %v", err)
	}
	c := &Client{t: t, conn: conn}
	t.Cleanup(c.Close)

	auth := "AUTH EXTERNAL " + hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
	if opts.Anonymous {
		auth = "AUTH ANONYMOUS"
	}
	c.send([]byte("\x00" + auth + "\r\n"))
	if line := c.readLine(); len(line) < 2 || line[:2] != "OK" {
		t.Fatalf("handshake: got %q, want OK", line)
	}
	if opts.NegotiateFDs {
		c.send([]byte("NEGOTIATE_UNIX_FD\r\n"))
		if line := c.readLine(); line != "AGREE_UNIX_FD" {
			t.Fatalf("handshake: got %q, want AGREE_UNIX_FD", line)
		}
	}
	c.send([]byte("BEGIN\r\n"))
	return c
}

// Close shuts the client's connection.
func (c *Client) Close() {
	c.conn.Close()
}

// UniqueName returns the name Hello assigned, or "".
func (c *Client) UniqueName() string { return c.unique }

// Hello performs the Hello call and records the assigned unique
// name.
func (c *Client) Hello() string {
	c.t.Helper()
	reply := c.Call("org.freedesktop.DBus", "/org/freedesktop/DBus",
		"org.freedesktop.DBus", "Hello")
	if reply.Type != wire.MethodReturn || len(reply.Body) != 1 {
		c.t.Fatalf("Hello reply = %+v, want one string", reply)
	}
	c.unique = reply.Body[0].Str
	return c.unique
}

// Call sends a method call and waits for its reply (a method return
// or an error). Signals received in the meantime are queued for
// later ReadMessage/WaitSignal calls.
func (c *Client) Call(dest, path, iface, member string, body ...wire.Value) *wire.Message {
	c.t.Helper()
	return c.CallWithFDs(dest, path, iface, member, nil, body...)
}

// CallWithFDs is Call with file descriptors attached as ancillary
// data.
func (c *Client) CallWithFDs(dest, path, iface, member string, files []*os.File, body ...wire.Value) *wire.Message {
	c.t.Helper()
	serial := c.serial.Add(1)
	c.SendMessage(&wire.Message{
		Type:        wire.MethodCall,
		Serial:      serial,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: dest,
		NumFDs:      uint32(len(files)),
		Body:        body,
	}, files)

	for {
		m := c.ReadMessage()
		if (m.Type == wire.MethodReturn || m.Type == wire.MsgError) && m.ReplySerial == serial {
			return m
		}
		c.inbox = append(c.inbox, m)
	}
}

// EmitSignal broadcasts a signal from this client.
func (c *Client) EmitSignal(path, iface, member string, body ...wire.Value) {
	c.t.Helper()
	c.SendMessage(&wire.Message{
		Type:      wire.Signal,
		Serial:    c.serial.Add(1),
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      body,
	}, nil)
}

// AddMatch registers a match rule, failing the test on error.
func (c *Client) AddMatch(rule string) {
	c.t.Helper()
	reply := c.Call("org.freedesktop.DBus", "/org/freedesktop/DBus",
		"org.freedesktop.DBus", "AddMatch", wire.String(rule))
	if reply.Type != wire.MethodReturn {
		c.t.Fatalf("AddMatch(%q) failed: %s", rule, reply.ErrorName)
	}
}

// SendMessage encodes and writes one message, with optional
// descriptors on the same write.
func (c *Client) SendMessage(m *wire.Message, files []*os.File) {
	c.t.Helper()
	bs, err := wire.EncodeMessage(fragments.LittleEndian, m)
	if err != nil {
		c.t.Fatalf("encoding message: %v", err)
	}
	if _, err := c.conn.WriteWithFiles(bs, files); err != nil {
		c.t.Fatalf("writing message: %v", err)
	}
}

// ReadMessage returns the next inbound message, starting with any
// queued by an earlier Call. Received descriptors are attached to
// the message they belong to.
func (c *Client) ReadMessage() *wire.Message {
	c.t.Helper()
	if len(c.inbox) > 0 {
		m := c.inbox[0]
		c.inbox = c.inbox[1:]
		return m
	}

	stop := c.watchdog()
	defer stop()
	for {
		m, n, err := wire.DecodeMessage(c.buf)
		if err == nil {
			c.buf = c.buf[n:]
			if m.NumFDs > 0 {
				files, ferr := c.conn.GetFiles(int(m.NumFDs))
				if ferr != nil {
					c.t.Fatalf("receiving %d fds: %v", m.NumFDs, ferr)
				}
				m.FDs = make([]wire.FileDescriptor, len(files))
				for i, f := range files {
					m.FDs[i] = f
				}
			}
			return m
		}
		if !errors.Is(err, fragments.ErrShortBuffer) {
			c.t.Fatalf("decoding message: %v", err)
		}
		buf := make([]byte, 64<<10)
		rn, rerr := c.conn.Read(buf)
		if rn > 0 {
			c.buf = append(c.buf, buf[:rn]...)
			continue
		}
		if rerr != nil {
			c.t.Fatalf("reading from bus: %v", rerr)
		}
	}
}

// WaitSignal reads messages until one satisfies pred, failing the
// test if none arrives in time. Non-matching messages are discarded.
func (c *Client) WaitSignal(pred func(*wire.Message) bool) *wire.Message {
	c.t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		m := c.ReadMessage()
		if m.Type == wire.Signal && pred(m) {
			return m
		}
	}
	c.t.Fatal("timed out waiting for signal")
	return nil
}

// send writes raw handshake bytes.
func (c *Client) send(bs []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(bs); err != nil {
		c.t.Fatalf("writing to bus: %v", err)
	}
}

// readLine reads one CRLF-terminated handshake line.
func (c *Client) readLine() string {
	c.t.Helper()
	stop := c.watchdog()
	defer stop()
	var line []byte
	one := make([]byte, 1)
	for {
		n, err := c.conn.Read(one)
		if err != nil && n == 0 {
			c.t.Fatalf("reading handshake line: %v", err)
		}
		line = append(line, one[0])
		if len(line) >= 2 && line[len(line)-2] == '\r' && line[len(line)-1] == '\n' {
			return string(line[:len(line)-2])
		}
		if len(line) > 4096 {
			c.t.Fatal("handshake line too long")
		}
	}
}

// watchdog closes the connection if a blocking read outlives
// readTimeout, so a misbehaving test fails instead of hanging.
func (c *Client) watchdog() (stop func()) {
	timer := time.AfterFunc(readTimeout, func() {
		fmt.Fprintf(os.Stderr, "dbustest: read timed out, closing connection\n")
		c.conn.Close()
	})
	return func() { timer.Stop() }
}
