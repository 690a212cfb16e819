// Command dbusd runs a D-Bus message broker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kjx/dbusd/broker"
	"github.com/kjx/dbusd/policy"
	"github.com/kr/pretty"
)

var globalArgs struct {
	Socket          string `flag:"socket,default=/run/dbusd/bus.sock,Path of the Unix listening socket"`
	TCP             string `flag:"tcp,Optional TCP listen address for remote debugging"`
	BusID           string `flag:"bus-id,Bus id reported by GetId (random if empty)"`
	CompatBroadcast bool   `flag:"compat-broadcast,Deliver signals to peers that registered no match rules"`
	Config          string `flag:"config,Path of a JSON file with static policy grants"`
	Debug           bool   `flag:"debug,Dump observer events to stderr"`
}

func main() {
	root := &command.C{
		Name:     "dbusd",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "run",
				Usage: "run",
				Help:  "Run the message broker until interrupted.",
				Run:   command.Adapt(runBroker),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runBroker(env *command.Env) error {
	b := broker.New(broker.Options{
		SocketPath:      globalArgs.Socket,
		TCPAddr:         globalArgs.TCP,
		BusID:           globalArgs.BusID,
		CompatBroadcast: globalArgs.CompatBroadcast,
	})

	if globalArgs.Config != "" {
		if err := loadGrants(globalArgs.Config, b.Policy()); err != nil {
			return fmt.Errorf("loading policy config: %w", err)
		}
	}

	if globalArgs.Debug {
		sub := b.Feed().Subscribe()
		defer sub.Close()
		go func() {
			for e := range sub.Chan() {
				fmt.Fprintf(os.Stderr, "%s: %# v\n", e.Kind(), pretty.Formatter(e))
			}
		}()
	}

	go func() {
		<-env.Context().Done()
		b.Close()
	}()

	fmt.Printf("dbusd listening on %s (bus id %s)\n", globalArgs.Socket, b.BusID())
	return b.ListenAndServe()
}

// grantConfig is the on-disk shape of a static policy grant. Kind is
// one of superuser, send_any, send_to, own_any, own, call,
// receive_from, or eavesdrop; the scoping fields apply per kind.
type grantConfig struct {
	UID    string `json:"uid"`
	Kind   string `json:"kind"`
	Dest   string `json:"dest,omitempty"`
	Name   string `json:"name,omitempty"`
	Iface  string `json:"iface,omitempty"`
	Member string `json:"member,omitempty"`
	Sender string `json:"sender,omitempty"`
}

func loadGrants(path string, pol *policy.Store) error {
	bs, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg struct {
		Grants []grantConfig `json:"grants"`
	}
	if err := json.Unmarshal(bs, &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	for i, gc := range cfg.Grants {
		g, err := grantFromConfig(gc)
		if err != nil {
			return fmt.Errorf("grant %d: %w", i, err)
		}
		pol.AddForUID(gc.UID, g)
	}
	return nil
}

func grantFromConfig(gc grantConfig) (policy.Grant, error) {
	switch gc.Kind {
	case "superuser":
		return policy.Superuser(), nil
	case "send_any":
		return policy.SendAny(), nil
	case "send_to":
		return policy.SendTo(gc.Dest), nil
	case "own_any":
		return policy.OwnAny(), nil
	case "own":
		return policy.Own(gc.Name), nil
	case "call":
		if gc.Member != "" {
			return policy.CallMember(gc.Dest, gc.Iface, gc.Member), nil
		}
		return policy.Call(gc.Dest, gc.Iface), nil
	case "receive_from":
		return policy.ReceiveFrom(gc.Sender), nil
	case "eavesdrop":
		return policy.Eavesdrop(), nil
	default:
		return policy.Grant{}, fmt.Errorf("unknown grant kind %q", gc.Kind)
	}
}
