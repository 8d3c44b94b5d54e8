// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

// Package pairing implements a presence and version handshake between two
// peers that share a transport but discover each other out of band, through
// a key-value store visible to both.
//
// The announcing side ([Announce]) writes a presence record under an agreed
// key and serves a built-in version handler. The pairing side ([Pair]) polls
// the key, ready-checks the announced peer, requests its version over the
// transport, and verifies the presence record is still intact afterward, so
// an uninstall or reinstall racing the handshake is detected rather than
// silently paired over.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/parleycast/parley"
)

// versionDescrip is the built-in handler the announcing peer serves.
const versionDescrip = "pairingVersion"

// A Store is the shared key-value medium presence records travel through.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get reports the value stored under key, and whether one is present.
	Get(key string) (string, bool)

	// Set stores value under key, replacing any existing value.
	Set(key, value string)

	// Clear removes the value stored under key, if any.
	Clear(key string)
}

// Errors reported by Pair.
var (
	ErrNotPresent      = errors.New("no presence record")
	ErrPresenceChanged = errors.New("presence record changed during pairing")
)

// A VersionMismatchError reports that the announced peer speaks a different
// protocol version than the pairing side requires.
type VersionMismatchError struct {
	Want, Got string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: want %q, got %q", e.Want, e.Got)
}

// A presence record as stored under the pairing key.
type presence struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Config settings shared by both sides of the handshake.
type Config struct {
	// Key is the store key presence records live under. Both sides must
	// agree on it.
	Key string

	// Version is the protocol version this side speaks.
	Version string

	// Logger, if set, receives handshake progress at debug level.
	Logger *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// An Announcer is the installed side of the handshake: it has published a
// presence record and answers version requests until withdrawn.
type Announcer struct {
	store Store
	key   string
	log   *zap.Logger
}

// Announce publishes p's presence record under cfg.Key and registers the
// version handler on p. The peer should be marked ready once the caller has
// finished its own registrations; pairing requests block on readiness.
func Announce(p *parley.Peer, store Store, cfg Config) *Announcer {
	p.HandleBuiltin(versionDescrip, parley.Func(
		func(context.Context, *parley.Envelope) (any, error) {
			return map[string]any{"version": cfg.Version}, nil
		}))

	rec, _ := json.Marshal(presence{Name: p.Name(), Version: cfg.Version})
	store.Set(cfg.Key, string(rec))

	log := cfg.logger()
	log.Debug("presence announced", zap.String("key", cfg.Key), zap.String("peer", p.Name()))
	return &Announcer{store: store, key: cfg.Key, log: log}
}

// Withdraw clears the presence record, signalling an uninstall. The version
// handler stays registered; a pairing in flight fails on the missing record.
func (a *Announcer) Withdraw() {
	a.store.Clear(a.key)
	a.log.Debug("presence withdrawn", zap.String("key", a.key))
}

// Pairing is the outcome of a successful handshake.
type Pairing struct {
	Peer    string // name of the announced peer
	Version string // version it reported over the transport
}

// Pair performs the handshake from p's side: it reads the presence record
// under cfg.Key, ready-checks the announced peer, requests its version, and
// re-reads the record to rule out an uninstall or reinstall racing the
// exchange. A version differing from cfg.Version fails the pairing with a
// *VersionMismatchError.
func Pair(ctx context.Context, p *parley.Peer, store Store, cfg Config) (*Pairing, error) {
	log := cfg.logger()

	raw, ok := store.Get(cfg.Key)
	if !ok {
		return nil, ErrNotPresent
	}
	var rec presence
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("invalid presence record: %w", err)
	}
	log.Debug("presence found", zap.String("peer", rec.Name), zap.String("version", rec.Version))

	if err := p.CheckReady(ctx, rec.Name); err != nil {
		return nil, fmt.Errorf("ready check %q: %w", rec.Name, err)
	}

	result, err := p.Call(ctx, rec.Name, versionDescrip, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("version request: %w", err)
	}
	got := decodeVersion(result)

	// An uninstall or reinstall between the first read and now means the
	// version answer may have come from a different installation.
	if cur, ok := store.Get(cfg.Key); !ok || cur != raw {
		return nil, ErrPresenceChanged
	}

	if got != cfg.Version {
		return nil, &VersionMismatchError{Want: cfg.Version, Got: got}
	}
	log.Debug("paired", zap.String("peer", rec.Name), zap.String("version", got))
	return &Pairing{Peer: rec.Name, Version: got}, nil
}

// decodeVersion digs the version string out of a handler result that may
// have crossed a serializing transport.
func decodeVersion(result any) string {
	m, ok := result.(map[string]any)
	if !ok {
		// Msgpack decodes maps with interface keys.
		im, ok := result.(map[any]any)
		if !ok {
			return ""
		}
		m = make(map[string]any, len(im))
		for k, v := range im {
			if s, ok := k.(string); ok {
				m[s] = v
			}
		}
	}
	v, _ := m["version"].(string)
	return v
}
