// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package relay

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/parleycast/parley"
)

// Options configure a relay client. A nil *Options is ready for use and
// provides JSON frames with no logging.
type Options struct {
	Codec  Codec
	Logger *zap.Logger
}

func (o *Options) codec() Codec {
	if o == nil {
		return JSON
	}
	return o.Codec
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// A Transport is a peer's connection to a relay server. It implements the
// parley Transport and PeerLister capabilities.
type Transport struct {
	conn net.Conn
	log  *zap.Logger
	peer *parley.Peer
	done chan struct{} // closed when the read loop exits

	sendMu sync.Mutex
	enc    frameEncoder

	μ      sync.Mutex
	peers  []string
	closed bool
}

// Dial connects p to the relay server at addr, negotiates its name, and
// binds the resulting transport to p. If p has no name, the server assigns
// one and Dial installs it. The transport delivers inbound envelopes to p
// until the connection closes.
func Dial(ctx context.Context, addr string, p *parley.Peer, opts *Options) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	enc, dec, err := opts.codec().newCodec(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := enc.Encode(&frame{Kind: kindHello, Name: p.Name()}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay handshake: %w", err)
	}
	var hello frame
	if err := dec.Decode(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay handshake: %w", err)
	} else if hello.Kind != kindHello || hello.Name == "" {
		conn.Close()
		return nil, fmt.Errorf("relay handshake: unexpected %q frame", hello.Kind)
	}
	p.SetName(hello.Name)

	t := &Transport{
		conn: conn,
		log:  opts.logger().With(zap.String("peer", hello.Name)),
		peer: p,
		done: make(chan struct{}),
		enc:  enc,
	}
	p.Bind(t)
	go t.readLoop(dec)
	return t, nil
}

// Send implements part of the [parley.Transport] interface. Envelopes are
// framed and written to the relay, which routes them by peer name.
func (t *Transport) Send(peerName string, env *parley.Envelope) error {
	t.μ.Lock()
	closed := t.closed
	t.μ.Unlock()
	if closed {
		return closedError(nil)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.enc.Encode(&frame{Kind: kindEnvelope, To: peerName, Envelope: env}); err != nil {
		return closedError(err)
	}
	return nil
}

// ListPeers implements the [parley.PeerLister] capability, reporting the
// most recent roster pushed by the server, excluding this transport's own
// peer. Names are returned in sorted order.
func (t *Transport) ListPeers() []string {
	self := t.peer.Name()
	t.μ.Lock()
	defer t.μ.Unlock()
	out := make([]string, 0, len(t.peers))
	for _, name := range t.peers {
		if name != self {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Close shuts down the connection and waits for the read loop to exit.
func (t *Transport) Close() error {
	t.μ.Lock()
	t.closed = true
	t.μ.Unlock()
	err := t.conn.Close()
	<-t.done
	return err
}

// Done returns a channel that closes when the connection has terminated,
// whether by Close or by a server-side disconnect.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) readLoop(dec frameDecoder) {
	defer close(t.done)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			t.μ.Lock()
			t.closed = true
			t.μ.Unlock()
			t.log.Debug("relay connection closed", zap.Error(err))
			return
		}
		switch f.Kind {
		case kindPeers:
			t.μ.Lock()
			t.peers = f.Peers
			t.μ.Unlock()
		case kindEnvelope:
			if f.Envelope == nil {
				continue
			}
			if err := t.peer.Deliver(f.Envelope); err != nil {
				t.log.Debug("deliver failed", zap.Error(err))
			}
		default:
			t.log.Debug("unexpected frame", zap.String("kind", f.Kind))
		}
	}
}
