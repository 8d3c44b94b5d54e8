// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// ServerOptions configure a relay server. A nil *ServerOptions is equivalent
// to the zero value: JSON frames and no logging.
type ServerOptions struct {
	Codec  Codec
	Logger *zap.Logger
}

// A Server routes envelope frames between connected clients by name.
type Server struct {
	codec Codec
	log   *zap.Logger

	μ      sync.Mutex
	conns  map[string]*srvConn
	nextID int
}

// srvConn is the server's handle on one client connection. The mutex
// serializes frame writes; reads belong to the connection's own goroutine.
type srvConn struct {
	μ    sync.Mutex
	enc  frameEncoder
	conn net.Conn
}

func (c *srvConn) send(f *frame) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.enc.Encode(f)
}

// NewServer constructs a relay server.
func NewServer(opts *ServerOptions) *Server {
	var o ServerOptions
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Server{codec: o.Codec, log: o.Logger, conns: make(map[string]*srvConn)}
}

// Serve accepts connections from lst and services each on its own goroutine
// until the listener closes. A closed listener is a clean shutdown; Serve
// waits for the per-connection goroutines to finish and reports nil.
func (s *Server) Serve(lst net.Listener) error {
	g := taskgroup.New(nil)
	for {
		conn, err := lst.Accept()
		if err != nil {
			s.closeAll()
			g.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		g.Go(func() error {
			s.serveConn(conn)
			return nil
		})
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	enc, dec, err := s.codec.newCodec(conn)
	if err != nil {
		s.log.Error("relay codec", zap.Error(err))
		return
	}

	var hello frame
	if err := dec.Decode(&hello); err != nil || hello.Kind != kindHello {
		s.log.Debug("relay handshake failed", zap.Error(err))
		return
	}

	c := &srvConn{enc: enc, conn: conn}
	name, err := s.register(hello.Name, c)
	if err != nil {
		// Duplicate name: tell the client nothing; it will see the close.
		s.log.Debug("relay register", zap.Error(err))
		return
	}
	defer s.unregister(name)

	// Echo the (possibly assigned) name back, then announce the roster.
	if err := c.send(&frame{Kind: kindHello, Name: name}); err != nil {
		return
	}
	s.broadcastPeers()
	s.log.Debug("relay client connected", zap.String("peer", name))

	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			s.log.Debug("relay client disconnected", zap.String("peer", name), zap.Error(err))
			return
		}
		if f.Kind != kindEnvelope || f.Envelope == nil {
			continue
		}

		s.μ.Lock()
		dst, ok := s.conns[f.To]
		s.μ.Unlock()
		if !ok {
			// No such peer right now: best effort, drop.
			s.log.Debug("relay drop", zap.String("to", f.To))
			continue
		}
		if err := dst.send(&frame{Kind: kindEnvelope, Envelope: f.Envelope}); err != nil {
			s.log.Debug("relay forward failed", zap.String("to", f.To), zap.Error(err))
		}
	}
}

// register adds the connection under name, assigning a fresh name if the
// client supplied none.
func (s *Server) register(name string, c *srvConn) (string, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if name == "" {
		s.nextID++
		name = fmt.Sprintf("peer-%d", s.nextID)
	} else if _, ok := s.conns[name]; ok {
		return "", fmt.Errorf("peer name %q is already connected", name)
	}
	s.conns[name] = c
	return name, nil
}

func (s *Server) unregister(name string) {
	s.μ.Lock()
	delete(s.conns, name)
	s.μ.Unlock()
	s.broadcastPeers()
}

// broadcastPeers pushes the current roster to every client. Clients use it
// both for broadcast enumeration and to notice departed peers.
func (s *Server) broadcastPeers() {
	s.μ.Lock()
	names := make([]string, 0, len(s.conns))
	for name := range s.conns {
		names = append(names, name)
	}
	conns := make([]*srvConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.μ.Unlock()

	for _, c := range conns {
		if err := c.send(&frame{Kind: kindPeers, Peers: names}); err != nil {
			// The reader for this connection will notice and unregister it.
			continue
		}
	}
}

func (s *Server) closeAll() {
	s.μ.Lock()
	defer s.μ.Unlock()
	for _, c := range s.conns {
		c.conn.Close()
	}
}
