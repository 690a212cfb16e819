// Package dbustest provides a helper to run an isolated, in-process
// bus instance in tests, plus a minimal raw-protocol client for
// driving it.
package dbustest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/kjx/dbusd/broker"
	"github.com/kjx/dbusd/policy"
)

// Bus is an isolated bus instance for tests.
type Bus struct {
	broker *broker.Broker
	sock   string
}

// New launches a bus dedicated to the calling test, listening on a
// Unix socket under the test's temp directory. The uid the test runs
// as is granted unrestricted send and own capability, so tests
// behave the same regardless of which user runs them.
//
// If logEvents is true, the bus logs all observer events using
// t.Logf.
func New(t *testing.T, logEvents bool) *Bus {
	tmp := t.TempDir()
	ret := &Bus{sock: filepath.Join(tmp, "bus.sock")}

	ret.broker = broker.New(broker.Options{
		SocketPath: ret.sock,
		BusID:      "000102030405060708090a0b0c0d0e0f",
	})
	uid := strconv.Itoa(os.Getuid())
	ret.broker.Policy().AddForUID(uid, policy.OwnAny())
	ret.broker.Policy().AddForUID(uid, policy.SendAny())

	serveErr := make(chan error, 1)
	go func() { serveErr <- ret.broker.ListenAndServe() }()
	t.Cleanup(func() {
		ret.broker.Close()
		if err := <-serveErr; err != nil {
			t.Errorf("bus serve: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		if _, err := os.Stat(ret.sock); err == nil {
			break
		} else if errors.Is(err, fs.ErrNotExist) {
			time.Sleep(10 * time.Millisecond)
			continue
		} else {
			t.Fatalf("waiting for bus socket: %v", err)
		}
	}
	if err := ctx.Err(); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if logEvents {
		sub := ret.broker.Feed().Subscribe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for e := range sub.Chan() {
				t.Logf("bus event %s: %+v", e.Kind(), e)
			}
		}()
		t.Cleanup(func() {
			sub.Close()
			<-done
		})
	}

	return ret
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// Broker returns the underlying broker, for tests that need to reach
// its feed or policy store.
func (b *Bus) Broker() *broker.Broker {
	return b.broker
}
