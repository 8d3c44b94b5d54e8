// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import (
	"encoding/json"
	"fmt"
)

// An ErrorKind identifies one member of the closed set of structured error
// kinds that can round-trip across the transport boundary. The kind value is
// also the class-name tag used in the wire encoding.
type ErrorKind string

const (
	KindGeneric        ErrorKind = "Error"
	KindRequestTimeout ErrorKind = "RequestTimeoutError"
	KindUnknownHandler ErrorKind = "UnknownHandlerError"
	KindNotCallable    ErrorKind = "NotCallableError"
	KindReservedName   ErrorKind = "ReservedNameError"
	KindUnknownPeer    ErrorKind = "UnknownPeerError"
	KindNoGroup        ErrorKind = "NoGroupError"
	KindChannelClosed  ErrorKind = "ChannelClosedError"
)

// An Error is a structured failure carrying only plain-data fields, suitable
// for serialization into the rejection reason of a response envelope and
// reconstruction on the far side.
//
// Error values compare by kind under errors.Is, so a caller can match any
// timeout with errors.Is(err, &Error{Kind: KindRequestTimeout}) or use the
// sentinel values defined in this package.
type Error struct {
	Kind    ErrorKind // discriminant; KindGeneric if unset
	Message string    // human-readable failure text
	Name    string    // the handler, peer, or group name involved, if any
}

// Sentinel values for errors.Is matching. The peer constructs richer copies
// of these (with names and messages filled in) at failure sites.
var (
	ErrRequestTimeout = &Error{Kind: KindRequestTimeout, Message: "request timed out"}
	ErrUnknownHandler = &Error{Kind: KindUnknownHandler, Message: "unknown handler"}
	ErrNotCallable    = &Error{Kind: KindNotCallable, Message: "descriptor is not callable"}
	ErrReservedName   = &Error{Kind: KindReservedName, Message: "handler name is reserved"}
	ErrUnknownPeer    = &Error{Kind: KindUnknownPeer, Message: "unknown peer"}
	ErrNoGroup        = &Error{Kind: KindNoGroup, Message: "no group established"}
	ErrChannelClosed  = &Error{Kind: KindChannelClosed, Message: "channel is closed"}
)

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %q", e.Message, e.Name)
	}
	return e.Message
}

// Is reports whether target is an *Error of the same kind, regardless of its
// message or name. It supports errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.kind()
}

func (e *Error) kind() ErrorKind {
	if e.Kind == "" {
		return KindGeneric
	}
	return e.Kind
}

// wireError is the JSON shape of a structured rejection reason. Any string
// that does not parse to this shape is treated as an opaque message.
type wireError struct {
	ClassName string `json:"_error_class_name"`
	Message   string `json:"message,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Encode returns the string serialization of e, embeddable in the rejection
// reason field of a response envelope.
func (e *Error) Encode() string {
	data, err := json.Marshal(wireError{
		ClassName: string(e.kind()),
		Message:   e.Message,
		Name:      e.Name,
	})
	if err != nil {
		// All fields are plain strings, so this cannot happen.
		return e.Message
	}
	return string(data)
}

// DecodeError reconstructs a structured error from a rejection reason string.
// Unknown or malformed payloads fall back to a generic error carrying the raw
// text; DecodeError itself never fails.
func DecodeError(reason string) *Error {
	var w wireError
	if err := json.Unmarshal([]byte(reason), &w); err != nil || w.ClassName == "" {
		return &Error{Kind: KindGeneric, Message: reason}
	}
	switch ErrorKind(w.ClassName) {
	case KindRequestTimeout, KindUnknownHandler, KindNotCallable,
		KindReservedName, KindUnknownPeer, KindNoGroup, KindChannelClosed:
		return &Error{Kind: ErrorKind(w.ClassName), Message: w.Message, Name: w.Name}
	case KindGeneric:
		return &Error{Kind: KindGeneric, Message: w.Message, Name: w.Name}
	default:
		// A kind this peer does not know about: keep the raw text so nothing
		// is lost, but do not invent a kind for it.
		return &Error{Kind: KindGeneric, Message: reason}
	}
}

// rejectionText renders err for the rejection reason field. Structured errors
// serialize with their class tag so a reconstituting peer can rebuild them;
// anything else is reduced to its message text.
func rejectionText(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Encode()
	}
	return err.Error()
}
