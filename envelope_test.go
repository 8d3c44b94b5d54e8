// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/parleycast/parley"
)

func TestEnvelopeWireFormat(t *testing.T) {
	tests := []struct {
		name string
		env  *parley.Envelope
		want string
	}{
		{"Request",
			parley.NewRequest("alpha", 3, "obj.bar", map[string]any{"x": 1}),
			`{"type":"request","from":"alpha","seqNum":3,"handlerDescrip":"obj.bar","args":{"x":1}}`},
		{"RequestNoArgs",
			parley.NewRequest("alpha", 4, "ready", nil),
			`{"type":"request","from":"alpha","seqNum":4,"handlerDescrip":"ready"}`},
		{"Result",
			parley.NewResult("beta", 3, "ok"),
			`{"type":"response","from":"beta","seqNum":3,"result":"ok"}`},
		{"EmptyResult",
			parley.NewResult("beta", 5, nil),
			`{"type":"response","from":"beta","seqNum":5}`},
		{"Rejection",
			parley.NewRejection("beta", 6, "no such handler"),
			`{"type":"response","from":"beta","seqNum":6,"rejection_reason":"no such handler"}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := json.Marshal(test.env)
			if err != nil {
				t.Fatalf("Marshal: unexpected error: %v", err)
			}
			if got := string(data); got != test.want {
				t.Errorf("Marshal:\n got %s\nwant %s", got, test.want)
			}

			var dec parley.Envelope
			if err := json.Unmarshal(data, &dec); err != nil {
				t.Fatalf("Unmarshal: unexpected error: %v", err)
			}
			if dec.Type != test.env.Type || dec.From != test.env.From || dec.SeqNum != test.env.SeqNum {
				t.Errorf("Unmarshal: got %v, want %v", &dec, test.env)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := parley.NewRequest("alpha", 17, "window.focus", map[string]any{
		"n":    float64(2),
		"deep": map[string]any{"list": []any{"a", "b"}},
	})
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: unexpected error: %v", err)
	}
	var dec parley.Envelope
	if err := json.Unmarshal(data, &dec); err != nil {
		t.Fatalf("Unmarshal: unexpected error: %v", err)
	}
	if diff := cmp.Diff(env, &dec); diff != "" {
		t.Errorf("Round trip (-want, +got):\n%s", diff)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name string
		env  *parley.Envelope
		ok   bool
	}{
		{"Request", parley.NewRequest("a", 1, "x", nil), true},
		{"Result", parley.NewResult("a", 1, 25), true},
		{"EmptyResult", parley.NewResult("a", 1, nil), true},
		{"Rejection", parley.NewRejection("a", 1, "nope"), true},

		{"NoType", &parley.Envelope{From: "a", SeqNum: 1}, false},
		{"BadType", &parley.Envelope{Type: "gossip", From: "a", SeqNum: 1}, false},
		{"NoDescriptor", &parley.Envelope{Type: parley.TypeRequest, From: "a", SeqNum: 1}, false},
		{"BothOutcomes", &parley.Envelope{
			Type: parley.TypeResponse, From: "a", SeqNum: 1,
			Result: "ok", RejectionReason: "also failed",
		}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.env.Validate()
			if test.ok && err != nil {
				t.Errorf("Validate: unexpected error: %v", err)
			} else if !test.ok && err == nil {
				t.Errorf("Validate %v: got nil, want error", test.env)
			}
		})
	}
}
