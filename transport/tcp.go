package transport

import (
	"errors"
	"net"
	"os"
)

// ListenTCP listens on a plain TCP endpoint for remote debugging
// clients. TCP connections cannot carry file descriptors, so Conns
// returned from a tcpListener reject any WriteWithFiles call that
// passes files and never receive any via GetFiles.
func ListenTCP(addr string) (Listener, error) {
	a, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", a)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

type tcpListener struct {
	ln *net.TCPListener
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	return &tcpConn{conn: c}, nil
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

type tcpConn struct {
	conn *net.TCPConn
}

func (c *tcpConn) Read(bs []byte) (int, error)  { return c.conn.Read(bs) }
func (c *tcpConn) Write(bs []byte) (int, error) { return c.conn.Write(bs) }
func (c *tcpConn) Close() error                 { return c.conn.Close() }

func (c *tcpConn) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, errors.New("transport: TCP connections cannot carry file descriptors")
}

func (c *tcpConn) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) != 0 {
		return 0, errors.New("transport: TCP connections cannot carry file descriptors")
	}
	return c.Write(bs)
}

func (c *tcpConn) RemoteCredentials() (uint32, bool) { return 0, false }
