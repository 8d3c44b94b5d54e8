// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

// Package relay implements a socket relay for parley envelopes.
//
// A relay [Server] accepts TCP connections from clients, learns or assigns a
// peer name for each one on a hello exchange, pushes the full peer roster to
// every client whenever it changes, and routes envelope frames between
// clients by destination name. The client side, created with [Dial],
// implements the parley Transport and PeerLister capabilities, so peers in
// different processes converse exactly as they would over an in-memory mesh.
//
// Delivery is best effort: frames addressed to a name the relay does not
// currently know are dropped, and a broken connection surfaces to in-flight
// sends as a channel-closed error.
package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/parleycast/parley"
)

// A Codec selects the frame encoding used on a relay connection. Client and
// server must agree on it.
type Codec string

const (
	JSON    Codec = "json"    // stream of JSON frames, the default
	Msgpack Codec = "msgpack" // stream of msgpack frames
)

// frame kinds.
const (
	kindHello    = "hello"    // name negotiation, first frame in each direction
	kindPeers    = "peers"    // server push of the current roster
	kindEnvelope = "envelope" // a routed envelope
)

// A frame is the unit exchanged between a relay client and server.
type frame struct {
	Kind     string           `json:"kind" msgpack:"kind"`
	Name     string           `json:"name,omitempty" msgpack:"name,omitempty"`
	Peers    []string         `json:"peers,omitempty" msgpack:"peers,omitempty"`
	To       string           `json:"to,omitempty" msgpack:"to,omitempty"`
	Envelope *parley.Envelope `json:"envelope,omitempty" msgpack:"envelope,omitempty"`
}

type frameEncoder interface{ Encode(v any) error }
type frameDecoder interface{ Decode(v any) error }

// newCodec returns a connected encoder/decoder pair for c. Both JSON and
// msgpack values are self-delimiting, so no extra framing is needed.
func (c Codec) newCodec(rw io.ReadWriter) (frameEncoder, frameDecoder, error) {
	switch c {
	case "", JSON:
		return json.NewEncoder(rw), json.NewDecoder(rw), nil
	case Msgpack:
		return msgpack.NewEncoder(rw), msgpack.NewDecoder(rw), nil
	}
	return nil, nil, fmt.Errorf("unknown codec %q", c)
}

// closedError translates a connection-level failure into the channel-closed
// error kind, so the correlator's error machinery can recognize it.
func closedError(err error) *parley.Error {
	msg := "channel is closed"
	if err != nil && err != io.EOF && err != net.ErrClosed {
		msg = fmt.Sprintf("channel is closed: %v", err)
	}
	return &parley.Error{Kind: parley.KindChannelClosed, Message: msg}
}
