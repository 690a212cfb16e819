package dbustest_test

import (
	"testing"

	"github.com/kjx/dbusd/dbustest"
	"github.com/kjx/dbusd/wire"
)

func TestBus(t *testing.T) {
	b := dbustest.New(t, true)
	c := b.Connect(t, dbustest.ClientOptions{})
	c.Hello()
	reply := c.Call("org.freedesktop.DBus", "/org/freedesktop/DBus",
		"org.freedesktop.DBus.Peer", "Ping")
	if reply.Type != wire.MethodReturn {
		t.Fatalf("failed to ping test bus: %s", reply.ErrorName)
	}
}
