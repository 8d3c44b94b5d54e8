// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import (
	"encoding/json"
	"fmt"
)

// An EnvelopeType discriminates the two wire message shapes exchanged between
// peers. All other values are invalid.
type EnvelopeType string

const (
	TypeRequest  EnvelopeType = "request"  // a call to a named handler
	TypeResponse EnvelopeType = "response" // the settlement of a request
)

// An Envelope is the serializable wire message exchanged between peers. It is
// a tagged union: a request carries a handler descriptor and arguments, a
// response carries at most one of a result or a rejection reason. An envelope
// must not contain live references; everything it carries crosses the
// transport boundary by value.
type Envelope struct {
	Type           EnvelopeType `msgpack:"type"`
	From           string       `msgpack:"from"`
	SeqNum         uint64       `msgpack:"seqNum"`
	HandlerDescrip string       `msgpack:"handlerDescrip,omitempty"` // requests only
	Args           any          `msgpack:"args,omitempty"`           // requests only

	// Responses carry at most one of the following. A response with neither
	// is a successful settlement with no value.
	Result          any    `msgpack:"result,omitempty"`
	RejectionReason string `msgpack:"rejection_reason,omitempty"`
}

// NewRequest constructs a request envelope from the named sender.
func NewRequest(from string, seqNum uint64, descrip string, args any) *Envelope {
	return &Envelope{Type: TypeRequest, From: from, SeqNum: seqNum, HandlerDescrip: descrip, Args: args}
}

// NewResult constructs a successful response envelope carrying result.
func NewResult(from string, seqNum uint64, result any) *Envelope {
	return &Envelope{Type: TypeResponse, From: from, SeqNum: seqNum, Result: result}
}

// NewRejection constructs a rejection response envelope carrying the text
// serialization of reason.
func NewRejection(from string, seqNum uint64, reason string) *Envelope {
	return &Envelope{Type: TypeResponse, From: from, SeqNum: seqNum, RejectionReason: reason}
}

// IsRejection reports whether e is a response carrying a rejection reason.
func (e *Envelope) IsRejection() bool {
	return e.Type == TypeResponse && e.RejectionReason != ""
}

// Validate checks the structural invariants of e: the type tag must be known,
// a request must name a handler, and a response must not carry both a result
// and a rejection reason.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeRequest:
		if e.HandlerDescrip == "" {
			return fmt.Errorf("request %d: empty handler descriptor", e.SeqNum)
		}
	case TypeResponse:
		if e.Result != nil && e.RejectionReason != "" {
			return fmt.Errorf("response %d: result and rejection are mutually exclusive", e.SeqNum)
		}
	default:
		return fmt.Errorf("invalid envelope type %q", e.Type)
	}
	return nil
}

// jsonRequest is the wire shape of a request envelope.
type jsonRequest struct {
	Type           EnvelopeType `json:"type"`
	From           string       `json:"from"`
	SeqNum         uint64       `json:"seqNum"`
	HandlerDescrip string       `json:"handlerDescrip"`
	Args           any          `json:"args,omitempty"`
}

// jsonResponse is the wire shape of a response envelope. Exactly one of
// Result and RejectionReason is emitted; a response with neither is a
// successful empty settlement.
type jsonResponse struct {
	Type            EnvelopeType `json:"type"`
	From            string       `json:"from"`
	SeqNum          uint64       `json:"seqNum"`
	Result          any          `json:"result,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
}

// MarshalJSON encodes e in wire format. It reports an error if e does not
// satisfy the envelope invariants.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.Type == TypeRequest {
		return json.Marshal(jsonRequest{
			Type: e.Type, From: e.From, SeqNum: e.SeqNum,
			HandlerDescrip: e.HandlerDescrip, Args: e.Args,
		})
	}
	return json.Marshal(jsonResponse{
		Type: e.Type, From: e.From, SeqNum: e.SeqNum,
		Result: e.Result, RejectionReason: e.RejectionReason,
	})
}

// UnmarshalJSON decodes data in wire format into e and validates the result.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var shadow struct {
		Type            EnvelopeType `json:"type"`
		From            string       `json:"from"`
		SeqNum          uint64       `json:"seqNum"`
		HandlerDescrip  string       `json:"handlerDescrip"`
		Args            any          `json:"args"`
		Result          any          `json:"result"`
		RejectionReason string       `json:"rejection_reason"`
	}
	if err := json.Unmarshal(data, &shadow); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	*e = Envelope{
		Type: shadow.Type, From: shadow.From, SeqNum: shadow.SeqNum,
		HandlerDescrip: shadow.HandlerDescrip, Args: shadow.Args,
		Result: shadow.Result, RejectionReason: shadow.RejectionReason,
	}
	return e.Validate()
}

// String returns a human-friendly rendering of the envelope.
func (e *Envelope) String() string {
	switch {
	case e.Type == TypeRequest:
		return fmt.Sprintf("Request(from=%s, seq=%d, %s)", e.From, e.SeqNum, e.HandlerDescrip)
	case e.IsRejection():
		return fmt.Sprintf("Rejection(from=%s, seq=%d, %q)", e.From, e.SeqNum, e.RejectionReason)
	case e.Type == TypeResponse:
		return fmt.Sprintf("Response(from=%s, seq=%d)", e.From, e.SeqNum)
	}
	return fmt.Sprintf("Envelope(type=%q, from=%s, seq=%d)", e.Type, e.From, e.SeqNum)
}
