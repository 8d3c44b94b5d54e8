// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

// Program parley is a command-line utility for running and exercising parley
// relays and peers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"go.uber.org/zap"

	"github.com/parleycast/parley"
	"github.com/parleycast/parley/group"
	"github.com/parleycast/parley/relay"
)

var flags struct {
	Address string `flag:"addr,default=localhost:29170,Relay server address"`
	Codec   string `flag:"codec,default=json,Frame codec (json or msgpack)"`
	Verbose bool   `flag:"v,Enable debug logging"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for running and exercising parley peers.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "relay",
				Help: "Run a relay server until interrupted.",
				Run:  command.Adapt(runRelay),
			},
			{
				Name:  "echo",
				Usage: "<name>",
				Help:  "Run a peer serving an echo handler until interrupted.",
				Run:   command.Adapt(runEcho),
			},
			{
				Name:  "call",
				Usage: "<peer> <descriptor> [json-args]",
				Help:  "Issue a single request through the relay and print the result.",
				Run:   command.Adapt(runCall),
			},
			{
				Name:  "group",
				Usage: "<name> <group-id>",
				Help: `Join a window group and report membership changes.

The peer connects to the relay, joins the named group, and prints the window
mapping every time it changes, until interrupted.`,
				Run: command.Adapt(runGroup),
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func logger() *zap.Logger {
	if flags.Verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	return zap.NewNop()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRelay(env *command.Env) error {
	lst, err := net.Listen("tcp", flags.Address)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Relay listening at %s\n", lst.Addr())

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		lst.Close()
	}()
	return relay.NewServer(&relay.ServerOptions{
		Codec:  relay.Codec(flags.Codec),
		Logger: logger(),
	}).Serve(lst)
}

// dialPeer connects a named peer to the relay with the global flags.
func dialPeer(ctx context.Context, name string) (*parley.Peer, *relay.Transport, error) {
	p := parley.NewPeer(name).ReconstituteErrors(true)
	t, err := relay.Dial(ctx, flags.Address, p, &relay.Options{
		Codec:  relay.Codec(flags.Codec),
		Logger: logger(),
	})
	if err != nil {
		return nil, nil, err
	}
	return p, t, nil
}

func runEcho(env *command.Env, name string) error {
	ctx, cancel := signalContext()
	defer cancel()

	p, t, err := dialPeer(ctx, name)
	if err != nil {
		return err
	}
	defer t.Close()
	defer p.Stop()

	p.Handle("echo", parley.Func(func(_ context.Context, req *parley.Envelope) (any, error) {
		return req.Args, nil
	}))
	p.SetReady()
	fmt.Fprintf(os.Stderr, "Peer %q serving echo; interrupt to exit\n", p.Name())

	select {
	case <-ctx.Done():
	case <-t.Done():
	}
	return nil
}

func runCall(env *command.Env, peerName, descrip string, rest ...string) error {
	ctx, cancel := signalContext()
	defer cancel()

	p, t, err := dialPeer(ctx, "")
	if err != nil {
		return err
	}
	defer t.Close()
	defer p.Stop()

	var args any
	if len(rest) > 0 {
		if err := json.Unmarshal([]byte(rest[0]), &args); err != nil {
			return fmt.Errorf("invalid args: %w", err)
		}
	}

	result, err := p.Call(ctx, peerName, descrip, args, &parley.CallOptions{
		ReadyCheck: true,
		Timeout:    time.Minute,
	})
	if err != nil {
		return err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runGroup(env *command.Env, name, groupID string) error {
	ctx, cancel := signalContext()
	defer cancel()

	p, t, err := dialPeer(ctx, name)
	if err != nil {
		return err
	}
	defer t.Close()
	defer p.Stop()

	g, err := group.Join(p, group.Config{GroupID: groupID, Logger: logger()})
	if err != nil {
		return err
	}
	defer g.Leave()
	g.OnUpdateMapping(func(m group.Mapping) {
		fmt.Printf("window %d of %d (leader: %s)\n", g.Number(), m.Len(), g.Leader())
	})
	p.SetReady()
	fmt.Fprintf(os.Stderr, "Peer %q joined group %q; interrupt to exit\n", p.Name(), groupID)

	select {
	case <-ctx.Done():
	case <-t.Done():
	}
	return nil
}
