// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// A Transport moves envelopes to named peers. Send is a best-effort delivery
// attempt; reconnection and dead-link cleanup are the transport's business,
// not the correlator's. A transport hands envelopes it receives to the peer
// by calling its Deliver method.
//
// The methods of an implementation must be safe for concurrent use.
type Transport interface {
	// Send the envelope to the named peer.
	Send(peerName string, env *Envelope) error
}

// A PeerLister is an optional capability of a Transport: enumerating the
// names of currently reachable peers, excluding the local one. It is used
// only by broadcast; a transport without it broadcasts to nothing.
type PeerLister interface {
	ListPeers() []string
}

// CallOptions configure a single request. A nil *CallOptions is equivalent
// to the zero value.
type CallOptions struct {
	// ReadyCheck performs a ready handshake with the target peer before the
	// request itself is sent, blocking the send until the remote peer has
	// signaled readiness.
	ReadyCheck bool

	// Timeout rejects the call with a request-timeout error if no response
	// arrives within the duration. Zero or negative waits indefinitely.
	Timeout time.Duration
}

// BroadcastOptions configure a broadcast. A nil *BroadcastOptions is
// equivalent to the zero value.
type BroadcastOptions struct {
	// Filter restricts the broadcast to peer names for which it reports
	// true. A nil filter admits every known peer.
	Filter func(peerName string) bool

	// SkipReadyChecks suppresses the per-peer ready handshake that broadcast
	// requests otherwise perform. The default is inverted relative to single
	// requests because broadcast targets are typically not pre-verified.
	SkipReadyChecks bool
}

// A Peer is a named endpoint that both issues and serves requests over a
// Transport. Construct one with NewPeer, register handlers with Handle, and
// attach a transport with Bind. All methods are safe for concurrent use.
//
// Configuration methods return the peer to permit chaining:
//
//	p := parley.NewPeer("a").Handle("echo", echoHandler).Bind(port)
type Peer struct {
	tasks  *taskgroup.Group
	base   context.Context // parent context for handler invocations
	cancel context.CancelFunc

	μ            sync.Mutex
	name         string
	transport    Transport
	handlers     Map
	reserved     map[string]bool
	nextSeq      uint64
	pending      map[uint64]*PendingCall
	listeners    map[string][]*listener
	errHook      func(error) error
	reconstitute bool

	readyOnce sync.Once
	ready     chan struct{}
}

// NewPeer constructs a new peer with the given name. The name may be empty
// if the transport assigns one later; see SetName.
func NewPeer(name string) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		tasks:     taskgroup.New(nil),
		base:      ctx,
		cancel:    cancel,
		name:      name,
		handlers:  Map{},
		reserved:  make(map[string]bool),
		pending:   make(map[uint64]*PendingCall),
		listeners: make(map[string][]*listener),
		ready:     make(chan struct{}),
	}
	p.HandleBuiltin("ready", Func(p.readyHandler))
	return p
}

// Name reports the peer's current name.
func (p *Peer) Name() string {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.name
}

// SetName assigns the peer's name. It is intended for transports that assign
// names on connection; application code normally names a peer at
// construction. SetName returns p to permit chaining.
func (p *Peer) SetName(name string) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.name = name
	return p
}

// Bind attaches the transport the peer sends envelopes through. It returns p
// to permit chaining.
func (p *Peer) Bind(t Transport) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.transport = t
	return p
}

// Metrics returns a metrics map for the peer. It is safe for the caller to
// add additional metrics to the map. Metrics are shared among all peers in
// the process.
func (p *Peer) Metrics() *expvar.Map { return peerMetrics.emap }

// Handle registers a handler under the given name. The value must be a
// Handler (or Func) to be directly callable, or a Registry (such as a Map)
// whose entries become resolvable in dotted form. Passing a nil value
// removes any handler for the name. Handle returns p to permit chaining.
//
// Handle panics with a reserved-name error if name collides with a built-in
// handler.
func (p *Peer) Handle(name string, v any) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.reserved[name] {
		panic(&Error{Kind: KindReservedName, Message: "handler name is reserved", Name: name})
	}
	if v == nil {
		delete(p.handlers, name)
	} else {
		p.handlers[name] = v
	}
	return p
}

// HandleBuiltin registers a handler under a reserved name. Reserved names
// cannot be replaced or removed through Handle. It is intended for protocol
// layers built on the peer; application handlers should use Handle.
func (p *Peer) HandleBuiltin(name string, h Handler) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.reserved[name] = true
	p.handlers[name] = h
	return p
}

// OnHandlerError registers a hook invoked with each error reported by a
// handler body before the rejection response is sent. A non-nil return value
// replaces the error; a nil return keeps the original. Transports use this
// to recognize terminal conditions of the underlying channel. Only one hook
// can be registered at a time; a nil f removes it.
func (p *Peer) OnHandlerError(f func(error) error) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.errHook = f
	return p
}

// ReconstituteErrors controls whether rejection reasons carrying a structured
// error serialization are rebuilt into *Error values with their original
// kind. When disabled (the default), rejections surface as generic errors
// carrying the raw reason text.
func (p *Peer) ReconstituteErrors(ok bool) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.reconstitute = ok
	return p
}

type listener struct{ fn func(any) }

// AddListener registers a callback for the named event, appended after any
// existing listeners for that event. The returned function removes the
// listener again.
func (p *Peer) AddListener(event string, fn func(any)) (remove func()) {
	l := &listener{fn: fn}
	p.μ.Lock()
	p.listeners[event] = append(p.listeners[event], l)
	p.μ.Unlock()

	return func() {
		p.μ.Lock()
		defer p.μ.Unlock()
		ls := p.listeners[event]
		for i, el := range ls {
			if el == l {
				p.listeners[event] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
	}
}

// Emit invokes the listeners registered for the named event, synchronously
// and in registration order.
func (p *Peer) Emit(event string, data any) {
	p.μ.Lock()
	ls := p.listeners[event]
	p.μ.Unlock()
	for _, l := range ls {
		l.fn(data)
	}
}

// SetReady irreversibly marks the peer as ready. Remote ready checks against
// this peer resolve only after SetReady has been called, which lets a
// requester block until this peer has finished registering its handlers.
func (p *Peer) SetReady() { p.readyOnce.Do(func() { close(p.ready) }) }

// WaitReady blocks until the local peer is marked ready or ctx ends.
func (p *Peer) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ready:
		return nil
	}
}

// CheckReady issues a ready-check request to the named peer and blocks until
// it reports ready or ctx ends.
func (p *Peer) CheckReady(ctx context.Context, peerName string) error {
	_, err := p.Call(ctx, peerName, "ready", nil, nil)
	return err
}

// readyHandler serves the built-in "ready" descriptor: it resolves once the
// local readiness gate opens.
func (p *Peer) readyHandler(ctx context.Context, _ *Envelope) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ready:
		return nil, nil
	}
}

// Request issues a request to the named peer and returns its settlement cell
// without waiting. The cell settles exactly once: with the remote result,
// with the remote rejection, with a request-timeout error, or with a
// transport failure, whichever comes first.
func (p *Peer) Request(peerName, descrip string, args any, opts *CallOptions) *PendingCall {
	var o CallOptions
	if opts != nil {
		o = *opts
	}

	p.μ.Lock()
	t := p.transport
	from := p.name
	p.nextSeq++
	seq := p.nextSeq
	c := newPendingCall(peerName, descrip, seq)
	if t == nil {
		p.μ.Unlock()
		c.settle(nil, errors.New("peer has no transport"))
		return c
	}
	if o.Timeout > 0 {
		c.timer = time.AfterFunc(o.Timeout, func() {
			if p.settlePending(seq, nil, &Error{Kind: KindRequestTimeout, Message: "request timed out", Name: descrip}) {
				peerMetrics.timeouts.Add(1)
			}
		})
	}
	p.pending[seq] = c
	p.μ.Unlock()

	peerMetrics.requestsOut.Add(1)
	peerMetrics.callsPending.Add(1)

	env := NewRequest(from, seq, descrip, args)
	if !o.ReadyCheck {
		// Send on the caller's goroutine; the cell is already published, so a
		// synchronous transport may settle it before Request returns.
		if err := t.Send(peerName, env); err != nil {
			p.settlePending(seq, nil, err)
		}
		return c
	}

	p.tasks.Go(func() error {
		rctx, cancel := context.WithCancel(p.base)
		defer cancel()
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			// Abandon the ready check as soon as the cell settles, e.g. when
			// the request timeout covers the handshake as well.
			select {
			case <-c.done:
				cancel()
			case <-stop:
			}
		}()

		if err := p.CheckReady(rctx, peerName); err != nil {
			p.settlePending(seq, nil, err)
			return nil
		}
		if err := t.Send(peerName, env); err != nil {
			p.settlePending(seq, nil, err)
		}
		return nil
	})
	return c
}

// Call issues a request to the named peer and blocks until it settles or ctx
// ends. If ctx ends first the call is abandoned; no cancellation is sent to
// the remote peer, and the eventual settlement is discarded.
func (p *Peer) Call(ctx context.Context, peerName, descrip string, args any, opts *CallOptions) (any, error) {
	return p.Request(peerName, descrip, args, opts).Wait(ctx)
}

// Broadcast issues one request per currently known peer name, subject to the
// filter, and returns the settlement cells in enumeration order. Each cell
// settles independently; no ordering or atomicity holds across the set.
// Unless SkipReadyChecks is set, every request performs a ready handshake
// with its target first.
//
// If the transport cannot enumerate peers, Broadcast returns nil.
func (p *Peer) Broadcast(descrip string, args any, opts *BroadcastOptions) []*PendingCall {
	var o BroadcastOptions
	if opts != nil {
		o = *opts
	}
	var calls []*PendingCall
	for _, name := range p.listPeers() {
		if o.Filter != nil && !o.Filter(name) {
			continue
		}
		calls = append(calls, p.Request(name, descrip, args, &CallOptions{ReadyCheck: !o.SkipReadyChecks}))
	}
	return calls
}

// SendEvent sends a fire-and-forget request to the named peer: a request
// envelope is sent with a fresh sequence number, but no pending entry is
// created and no completion signal exists. The response the remote peer
// dutifully returns is discarded by the unmatched-response rule.
func (p *Peer) SendEvent(peerName, descrip string, args any) error {
	p.μ.Lock()
	t := p.transport
	from := p.name
	p.nextSeq++
	seq := p.nextSeq
	p.μ.Unlock()
	if t == nil {
		return errors.New("peer has no transport")
	}
	peerMetrics.eventsOut.Add(1)
	return t.Send(peerName, NewRequest(from, seq, descrip, args))
}

// BroadcastEvent sends a fire-and-forget event to every currently known peer
// admitted by the filter. Individual send failures do not stop the fan-out;
// BroadcastEvent returns them joined.
func (p *Peer) BroadcastEvent(descrip string, args any, filter func(peerName string) bool) error {
	var errs []error
	for _, name := range p.listPeers() {
		if filter != nil && !filter(name) {
			continue
		}
		if err := p.SendEvent(name, descrip, args); err != nil {
			errs = append(errs, fmt.Errorf("event to %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Peer) listPeers() []string {
	p.μ.Lock()
	t := p.transport
	p.μ.Unlock()
	if pl, ok := t.(PeerLister); ok {
		return pl.ListPeers()
	}
	return nil
}

// Exec invokes the handler for descrip directly on the local peer, bypassing
// the envelope machinery entirely. Errors reported by the handler are
// returned as-is; lookup failures are returned as *Error values.
func (p *Peer) Exec(ctx context.Context, descrip string, args any) (any, error) {
	p.μ.Lock()
	h, err := lookupHandler(p.handlers, descrip)
	from := p.name
	p.μ.Unlock()
	if err != nil {
		return nil, err
	}
	req := &Envelope{Type: TypeRequest, From: from, HandlerDescrip: descrip, Args: args}
	return h.Handle(context.WithValue(ctx, peerContextKey{}, p), req)
}

// Deliver injects an envelope received from the transport. Requests are
// dispatched to their handler on a fresh goroutine and answered through the
// transport; responses settle their pending call, or are silently discarded
// if no entry matches (late or duplicate).
func (p *Peer) Deliver(env *Envelope) error {
	if err := env.Validate(); err != nil {
		peerMetrics.invalidIn.Add(1)
		return err
	}
	switch env.Type {
	case TypeRequest:
		p.dispatchRequest(env)
	case TypeResponse:
		p.dispatchResponse(env)
	}
	return nil
}

func (p *Peer) dispatchRequest(env *Envelope) {
	peerMetrics.requestsIn.Add(1)

	p.μ.Lock()
	h, err := lookupHandler(p.handlers, env.HandlerDescrip)
	p.μ.Unlock()
	if err != nil {
		peerMetrics.requestsInFailed.Add(1)
		p.sendResponse(env, nil, err)
		return
	}

	p.tasks.Go(func() error {
		hctx := context.WithValue(p.base, peerContextKey{}, p)
		result, herr := func() (_ any, err error) {
			// A panic out of the handler becomes a graceful rejection.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return h.Handle(hctx, env)
		}()
		if herr != nil {
			peerMetrics.requestsInFailed.Add(1)
		}
		p.sendResponse(env, result, herr)
		return nil
	})
}

// sendResponse answers the request in env through the transport. Handler
// errors pass through the error hook before serialization. The response is
// fire-and-forget; a send failure only counts against metrics.
func (p *Peer) sendResponse(req *Envelope, result any, herr error) {
	p.μ.Lock()
	t := p.transport
	from := p.name
	hook := p.errHook
	p.μ.Unlock()
	if t == nil {
		return
	}

	var rsp *Envelope
	if herr != nil {
		if hook != nil {
			if h2 := hook(herr); h2 != nil {
				herr = h2
			}
		}
		rsp = NewRejection(from, req.SeqNum, rejectionText(herr))
	} else {
		rsp = NewResult(from, req.SeqNum, result)
	}
	if err := t.Send(req.From, rsp); err != nil {
		peerMetrics.sendsFailed.Add(1)
	}
}

func (p *Peer) dispatchResponse(env *Envelope) {
	var settled bool
	if env.IsRejection() {
		p.μ.Lock()
		rec := p.reconstitute
		p.μ.Unlock()

		var err error
		if rec {
			err = DecodeError(env.RejectionReason)
		} else {
			err = &Error{Kind: KindGeneric, Message: env.RejectionReason}
		}
		settled = p.settlePending(env.SeqNum, nil, err)
	} else {
		settled = p.settlePending(env.SeqNum, env.Result, nil)
	}
	if !settled {
		// Already consumed by a timeout, or never ours: drop.
		peerMetrics.responsesDropped.Add(1)
	}
}

// settlePending consumes the pending entry for seq, if it still exists, and
// settles its cell. The entry is deleted before the cell settles, so the
// losing half of a timeout/response race finds nothing to act on.
func (p *Peer) settlePending(seq uint64, result any, err error) bool {
	p.μ.Lock()
	c, ok := p.pending[seq]
	if ok {
		delete(p.pending, seq)
	}
	p.μ.Unlock()
	if !ok {
		return false
	}
	peerMetrics.callsPending.Add(-1)
	return c.settle(result, err)
}

// Stop terminates the peer: every pending call settles with a channel-closed
// error, running handlers observe a cancelled context, and Stop blocks until
// they have exited. The transport itself is not closed; that belongs to its
// owner.
func (p *Peer) Stop() {
	p.cancel()

	p.μ.Lock()
	pend := p.pending
	p.pending = make(map[uint64]*PendingCall)
	p.μ.Unlock()
	for _, c := range pend {
		if c.settle(nil, &Error{Kind: KindChannelClosed, Message: "peer stopped"}) {
			peerMetrics.callsPending.Add(-1)
		}
	}

	p.tasks.Wait()
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil if
// none is defined. The context passed to a Handler has this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}
