package transport

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func dialUnixForTest(path string) (*net.UnixConn, error) {
	return net.DialUnix("unix", nil, &net.UnixAddr{Net: "unix", Name: path})
}

func TestListenUnixRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.sock")

	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}

	ln, err := ListenUnix(path)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	defer ln.Close()
}

func TestUnixConnRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.sock")

	ln, err := ListenUnix(path)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	defer ln.Close()

	accepted := make(chan Conn, 1)
	errc := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errc <- err
			return
		}
		accepted <- c
	}()

	cli, err := dialUnixForTest(path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	var srv Conn
	select {
	case srv = <-accepted:
	case err := <-errc:
		t.Fatalf("Accept: %v", err)
	}
	defer srv.Close()

	if _, err := cli.Write([]byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 5)
	n, err := srv.Read(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("read %q, want %q", buf[:n], "hello")
	}
}
