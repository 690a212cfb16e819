// Package transport provides the listening endpoints a broker accepts
// connections on: a Unix domain socket carrying SCM_RIGHTS-passed
// file descriptors, and an optional plain TCP endpoint for remote
// debugging. Nothing at this layer speaks SASL; the handshake package
// does that, fed by raw bytes read from a Conn.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// Conn is one accepted connection. It behaves like an
// io.ReadWriteCloser, plus the ability to move file descriptors
// alongside the byte stream the way SCM_RIGHTS does on a Unix domain
// socket.
type Conn interface {
	io.ReadWriteCloser

	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data.
	GetFiles(n int) ([]*os.File, error)
	// WriteWithFiles is like Write, but additionally sends the given
	// files as ancillary data. Connections that cannot carry file
	// descriptors (e.g. TCP) return an error if fs is non-empty.
	WriteWithFiles(bs []byte, fs []*os.File) (int, error)

	// RemoteCredentials returns the peer credentials the kernel
	// attached to the socket, if the transport supports it.
	RemoteCredentials() (uid uint32, ok bool)
}

// Listener accepts incoming Conns.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}

// ListenUnix listens on a Unix domain socket at path, a configurable
// filesystem path. Any stale socket file left over from a previous,
// crashed run is unlinked before binding, matching the usual
// dbus-daemon convention of owning its listening path outright.
func ListenUnix(path string) (Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	addr := &net.UnixAddr{Net: "unix", Name: path}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	return &unixListener{ln: ln}, nil
}

// DialUnix connects to a broker socket at path. The returned Conn
// carries file descriptors like an accepted one; no handshake is
// performed, the caller speaks the SASL exchange itself.
func DialUnix(path string) (Conn, error) {
	addr := &net.UnixAddr{Net: "unix", Name: path}
	c, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, err
	}
	return &unixConn{conn: c, fds: queue.New[*os.File]()}, nil
}

type unixListener struct {
	ln *net.UnixListener
}

func (l *unixListener) Accept() (Conn, error) {
	c, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return &unixConn{conn: c, fds: queue.New[*os.File]()}, nil
}

func (l *unixListener) Close() error   { return l.ln.Close() }
func (l *unixListener) Addr() net.Addr { return l.ln.Addr() }

// unixConn is a Conn backed by a Unix domain socket, capable of
// carrying file descriptors as SCM_RIGHTS ancillary data.
type unixConn struct {
	conn *net.UnixConn
	oob  [512]byte
	fds  *queue.Queue[*os.File]
}

func (u *unixConn) Read(bs []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		return 0, errors.New("transport: control message truncated")
	}
	if oobn > 0 {
		if oobErr := u.parseFDs(u.oob[:oobn]); oobErr != nil {
			return 0, oobErr
		}
	}
	return n, err
}

func (u *unixConn) Write(bs []byte) (int, error) {
	return u.conn.Write(bs)
}

func (u *unixConn) Close() error {
	u.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	u.fds.Clear()
	return u.conn.Close()
}

func (u *unixConn) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) == 0 {
		return u.Write(bs)
	}
	fds := make([]int, 0, len(fs))
	for _, f := range fs {
		fds = append(fds, int(f.Fd()))
	}
	scm := unix.UnixRights(fds...)
	n, oobn, err := u.conn.WriteMsgUnix(bs, scm, nil)
	if err != nil {
		return n, err
	}
	if oobn != len(scm) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (u *unixConn) GetFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for range n {
		f, ok := u.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, errors.New("transport: requested file not available")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

func (u *unixConn) RemoteCredentials() (uint32, bool) {
	raw, err := u.conn.SyscallConn()
	if err != nil {
		return 0, false
	}
	var uid uint32
	var ok bool
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, gsErr := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if gsErr != nil {
			return
		}
		uid = ucred.Uid
		ok = true
	})
	if ctrlErr != nil {
		return 0, false
	}
	return uid, ok
}

func (u *unixConn) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	// Accumulate errors and keep parsing on errors, so that every
	// passed fd is still extracted and closeable even if one
	// control message in the batch is malformed.
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on socket", fd))
				continue
			}
			u.fds.Add(f)
		}
	}
	if len(errs) != 0 {
		return errors.Join(errs...)
	}
	return nil
}
