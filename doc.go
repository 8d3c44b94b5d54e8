// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

// Package parley implements a transport-agnostic request/response layer for
// named peers.
//
// Peers exchange serializable envelopes over a pluggable [Transport] and
// conduct promise-style exchanges in which either side may initiate a
// request. Correlation is by per-peer sequence number, so responses may
// arrive in any order; each in-flight request settles exactly once, by its
// response, by its timeout, or by a transport failure, whichever comes
// first.
//
// # Peers
//
// The core type defined by this package is the [Peer]. Construct one with
// [NewPeer], register handlers, mark it ready, and bind it to a transport:
//
//	p := parley.NewPeer("alpha").
//		Handle("echo", parley.Func(func(ctx context.Context, req *parley.Envelope) (any, error) {
//			return req.Args, nil
//		})).
//		Bind(port)
//	p.SetReady()
//
// To issue a request and wait for its settlement:
//
//	result, err := p.Call(ctx, "beta", "echo", map[string]any{"x": 1}, nil)
//
// [Peer.Request] is the non-blocking variant; it returns a [PendingCall]
// whose Done channel closes when the call settles. [Peer.Broadcast] issues
// one request per known peer. [Peer.SendEvent] and [Peer.BroadcastEvent] are
// fire-and-forget: no pending entry is created and no completion exists.
//
// # Handlers
//
// Handlers are registered under string names and addressed by descriptor. A
// descriptor may be dotted: intermediate segments resolve through nested
// registries (see [Map]), the final segment must reach a [Handler]. The
// built-in "ready" handler name is reserved; registering over a reserved
// name panics.
//
// [Peer.Exec] invokes a local handler directly, bypassing the envelope
// machinery, for same-process shortcutting.
//
// # Readiness
//
// Each peer carries a one-shot readiness gate. [Peer.SetReady] opens it;
// a remote [Peer.CheckReady] blocks until it is open. This gives callers a
// simple distributed barrier: a request with the ReadyCheck option is not
// sent until the target has finished registering its own handlers.
//
// # Errors
//
// Failures cross the transport boundary as rejection reasons: opaque strings
// that may carry the JSON serialization of a structured [Error]. A peer
// configured with ReconstituteErrors(true) rebuilds known kinds on receipt;
// unknown or malformed payloads degrade to generic errors carrying the raw
// text. Handler errors never escape to the transport layer; they are always
// converted into rejection responses.
//
// # Transports
//
// The [Transport] interface is the only capability the correlator needs:
// best-effort delivery of an envelope to a named peer, plus an optional
// [PeerLister] used by broadcast. The mesh package provides an in-memory
// implementation; the relay package routes envelopes between processes
// through a socket relay.
//
// # Metrics
//
// Peers maintain expvar counters while running; use [Peer.Metrics] to obtain
// the map. Metrics are shared among all peers in a process.
package parley
