// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import (
	"context"
	"strings"
)

// A Handler services a request delivered to the local peer. The request
// envelope carries the caller's name, the sequence number, and the decoded
// arguments. The value a handler returns is sent back to the caller in a
// response envelope; an error becomes a rejection.
//
// A handler may block; each inbound request runs on its own goroutine.
type Handler interface {
	Handle(ctx context.Context, req *Envelope) (any, error)
}

// Func adapts a function to the Handler interface.
type Func func(ctx context.Context, req *Envelope) (any, error)

// Handle satisfies the Handler interface.
func (f Func) Handle(ctx context.Context, req *Envelope) (any, error) { return f(ctx, req) }

// A Registry resolves one segment of a dotted handler descriptor to the next
// node of the handler tree. The resolved value is either another Registry,
// which consumes the next segment, or a Handler, which must be the final
// segment. Resolve must not block and must be safe for concurrent use.
type Registry interface {
	Resolve(name string) (any, bool)
}

// A Map is a registry node backed by an ordinary map. Registering a Map under
// a name makes its entries resolvable in dotted form, e.g. a Handler stored
// at m["bar"] with m registered as "obj" is addressed as "obj.bar".
type Map map[string]any

// Resolve satisfies the Registry interface.
func (m Map) Resolve(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// lookupHandler walks descrip segment by segment from root. Every segment but
// the last must resolve to a Registry; the last must resolve to a Handler.
// A handler resolved from a nested node keeps that node as its receiver, so
// invoking it behaves as a method call on the intermediate object.
func lookupHandler(root Registry, descrip string) (Handler, error) {
	var cur any = root
	for _, seg := range strings.Split(descrip, ".") {
		reg, ok := cur.(Registry)
		if !ok {
			return nil, &Error{Kind: KindUnknownHandler, Message: "unknown handler", Name: descrip}
		}
		next, ok := reg.Resolve(seg)
		if !ok {
			return nil, &Error{Kind: KindUnknownHandler, Message: "unknown handler", Name: descrip}
		}
		cur = next
	}
	h, ok := cur.(Handler)
	if !ok {
		return nil, &Error{Kind: KindNotCallable, Message: "descriptor is not callable", Name: descrip}
	}
	return h, nil
}
