// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

// Package mesh provides an in-memory parley transport connecting any number
// of named peers within one process. It is suitable for tests and for
// same-process peer pairs such as a relay bridging two transports.
package mesh

import (
	"fmt"
	"slices"
	"sync"

	"github.com/parleycast/parley"
)

// A Mesh connects named peers directly, without encoding. Envelopes sent
// through a mesh port are handed to the target peer's Deliver method on the
// sender's goroutine.
type Mesh struct {
	μ     sync.Mutex
	peers map[string]*parley.Peer
}

// New constructs an empty mesh.
func New() *Mesh {
	return &Mesh{peers: make(map[string]*parley.Peer)}
}

// Join attaches p to the mesh under its current name and binds a mesh port
// as its transport. The name must be non-empty and not already joined.
func (m *Mesh) Join(p *parley.Peer) (*Port, error) {
	name := p.Name()
	if name == "" {
		return nil, fmt.Errorf("join: peer has no name")
	}

	m.μ.Lock()
	defer m.μ.Unlock()
	if _, ok := m.peers[name]; ok {
		return nil, fmt.Errorf("join: name %q is already in use", name)
	}
	m.peers[name] = p

	port := &Port{mesh: m, name: name}
	p.Bind(port)
	return port, nil
}

// Leave detaches the named peer from the mesh. Envelopes addressed to it
// afterwards fail with an unknown-peer error.
func (m *Mesh) Leave(name string) {
	m.μ.Lock()
	defer m.μ.Unlock()
	delete(m.peers, name)
}

func (m *Mesh) lookup(name string) (*parley.Peer, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	p, ok := m.peers[name]
	return p, ok
}

func (m *Mesh) names(except string) []string {
	m.μ.Lock()
	defer m.μ.Unlock()
	out := make([]string, 0, len(m.peers))
	for name := range m.peers {
		if name != except {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// A Port is one peer's attachment to a mesh. It implements parley.Transport
// and parley.PeerLister.
type Port struct {
	mesh *Mesh
	name string
}

// Send implements part of the [parley.Transport] interface.
func (t *Port) Send(peerName string, env *parley.Envelope) error {
	target, ok := t.mesh.lookup(peerName)
	if !ok {
		return &parley.Error{Kind: parley.KindUnknownPeer, Message: "unknown peer", Name: peerName}
	}
	return target.Deliver(env)
}

// ListPeers implements the [parley.PeerLister] capability. The port's own
// peer is excluded; names are returned in sorted order.
func (t *Port) ListPeers() []string { return t.mesh.names(t.name) }
