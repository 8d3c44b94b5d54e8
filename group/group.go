// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

// Package group implements a self-organizing membership protocol for an open
// set of peers, layered on the parley request/event primitives.
//
// Each member announces itself with a join event carrying a birthday token;
// every active member that observes the join records the newcomer and
// replies with a direct welcome carrying its own token. Departures are
// announced the same way. Every member independently sorts the member
// records it knows about by birthday and numbers them 1..N, so all members
// that have seen the same records compute the same mapping without any
// coordinator. The member numbered 1 is the leader.
//
// The protocol is best effort and assumes a lossless transport: a member
// that misses a join or welcome has an inconsistent view until it rejoins or
// calls Refresh.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleycast/parley"
)

// A Birthday is a join-time token used only to produce a deterministic total
// order among members; it is not a real timestamp. The random nonce makes
// ties between members joining in the same millisecond vanishingly unlikely.
type Birthday struct {
	Millis int64  `json:"millis"`
	Nonce  uint32 `json:"nonce"`
}

// NewBirthday generates a fresh token for the given wall-clock time.
func NewBirthday(t time.Time) Birthday {
	return Birthday{Millis: t.UnixMilli(), Nonce: rand.Uint32()}
}

// IsZero reports whether b is the zero token.
func (b Birthday) IsZero() bool { return b == Birthday{} }

// String returns a compact rendering of the token.
func (b Birthday) String() string { return fmt.Sprintf("%d.%08x", b.Millis, b.Nonce) }

// A Member pairs a peer name with its birthday token.
type Member struct {
	Name     string   `json:"name"`
	Birthday Birthday `json:"birthday"`
}

// compareMembers orders members by birthday ascending. The name tiebreak
// keeps the order total even if two tokens collide outright, so every member
// sorts the same record set identically.
func compareMembers(a, b Member) int {
	if a.Birthday.Millis != b.Birthday.Millis {
		if a.Birthday.Millis < b.Birthday.Millis {
			return -1
		}
		return 1
	}
	if a.Birthday.Nonce != b.Birthday.Nonce {
		if a.Birthday.Nonce < b.Birthday.Nonce {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Name, b.Name)
}

// A Mapping is the derived bijection between window numbers 1..N and the
// current member names: Members is in birthday order, and a member's window
// number is its index plus one. A Mapping is immutable once published.
type Mapping struct {
	Members []Member
}

// Len reports the number of members in the mapping.
func (m Mapping) Len() int { return len(m.Members) }

// NameOf returns the name holding the given window number.
func (m Mapping) NameOf(windowNum int) (string, bool) {
	if windowNum < 1 || windowNum > len(m.Members) {
		return "", false
	}
	return m.Members[windowNum-1].Name, true
}

// NumberOf returns the window number held by the named member.
func (m Mapping) NumberOf(name string) (int, bool) {
	for i, mem := range m.Members {
		if mem.Name == name {
			return i + 1, true
		}
	}
	return 0, false
}

// Leader returns the name holding window number 1, the member with the
// smallest birthday. It is a derived property, not separately elected.
func (m Mapping) Leader() (string, bool) { return m.NameOf(1) }

// Config configures group membership. The zero value is usable for a peer
// that learns its group identity from the first welcome it receives.
type Config struct {
	// GroupID is the shared identity of the group. If empty, it is learned
	// from the first join or welcome observed; until then groupcasts fail
	// with a no-group error.
	GroupID string

	// EventNamePrefix is applied to every protocol descriptor, so multiple
	// groups can share one transport without observing each other.
	EventNamePrefix string

	// Logger receives membership transitions. A nil logger is silent.
	Logger *zap.Logger
}

// A Group is one peer's view of its window group. All methods are safe for
// concurrent use.
type Group struct {
	peer   *parley.Peer
	log    *zap.Logger
	prefix string

	μ        sync.Mutex
	groupID  string
	self     Member
	members  map[string]Birthday
	mapping  Mapping
	left     bool
	watchers []*mappingWatcher
	events   map[string][]*eventListener
}

type mappingWatcher struct{ fn func(Mapping) }
type eventListener struct{ fn func(any) }

// Protocol descriptor suffixes, prefixed per Config.EventNamePrefix.
const (
	descripJoin    = "group.join"
	descripWelcome = "group.welcome"
	descripDepart  = "group.depart"
	descripEvent   = "group.event"
)

// UpdateMappingEvent is the peer listener event name (prefixed) raised after
// every recompute, carrying the new Mapping.
const UpdateMappingEvent = "updateMapping"

// joinArgs is the payload of join and welcome events.
type joinArgs struct {
	GroupID  string   `json:"groupId,omitempty"`
	Name     string   `json:"name"`
	Birthday Birthday `json:"birthday"`
}

// departArgs is the payload of depart events.
type departArgs struct {
	GroupID string `json:"groupId,omitempty"`
	Name    string `json:"name"`
}

// eventArgs is the payload of window and groupcast events.
type eventArgs struct {
	GroupID string `json:"groupId,omitempty"`
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
}

// Join enables group membership for p: it generates a birthday token,
// registers the protocol handlers under reserved names, seeds the mapping
// with the member itself, and announces the join to every currently known
// peer. The peer must already be named and bound to its transport.
func Join(p *parley.Peer, cfg Config) (*Group, error) {
	name := p.Name()
	if name == "" {
		return nil, fmt.Errorf("group: peer has no name")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	g := &Group{
		peer:    p,
		log:     log,
		prefix:  cfg.EventNamePrefix,
		groupID: cfg.GroupID,
		self:    Member{Name: name, Birthday: NewBirthday(time.Now())},
		members: make(map[string]Birthday),
		events:  make(map[string][]*eventListener),
	}
	g.members[g.self.Name] = g.self.Birthday
	g.mapping = Mapping{Members: []Member{g.self}}

	p.HandleBuiltin(g.prefix+descripJoin, parley.Func(g.handleJoin))
	p.HandleBuiltin(g.prefix+descripWelcome, parley.Func(g.handleWelcome))
	p.HandleBuiltin(g.prefix+descripDepart, parley.Func(g.handleDepart))
	p.HandleBuiltin(g.prefix+descripEvent, parley.Func(g.handleEvent))

	g.log.Debug("joining window group",
		zap.String("peer", name),
		zap.String("groupId", cfg.GroupID),
		zap.Stringer("birthday", g.self.Birthday))
	g.announce()
	return g, nil
}

// announce broadcasts the member's own join record. Send failures are the
// transport's business; they only get logged here.
func (g *Group) announce() {
	g.μ.Lock()
	args := joinArgs{GroupID: g.groupID, Name: g.self.Name, Birthday: g.self.Birthday}
	g.μ.Unlock()
	if err := g.peer.BroadcastEvent(g.prefix+descripJoin, args, nil); err != nil {
		g.log.Warn("join announcement incomplete", zap.Error(err))
	}
}

// Refresh re-announces the member's join record, prompting every member that
// observes it to reply with a fresh welcome. It is the recovery hook for
// views that went stale because a membership message was lost.
func (g *Group) Refresh() {
	g.announce()
}

// decodeArgs normalizes an event payload: depending on the transport the
// arguments arrive either as the original struct or as a generic map decoded
// from the wire, so they are round-tripped through JSON into v.
func decodeArgs(args, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid event payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid event payload: %w", err)
	}
	return nil
}

// sameGroup reports whether an event tagged with id belongs to this group,
// adopting id as the group identity if none is known yet.
func (g *Group) sameGroupLocked(id string) bool {
	if id == "" || g.groupID == id {
		return true
	}
	if g.groupID == "" {
		g.groupID = id
		return true
	}
	return false
}

func (g *Group) handleJoin(ctx context.Context, req *parley.Envelope) (any, error) {
	var args joinArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}

	g.μ.Lock()
	if g.left || !g.sameGroupLocked(args.GroupID) || args.Name == g.self.Name {
		g.μ.Unlock()
		return nil, nil
	}
	g.members[args.Name] = args.Birthday
	welcome := joinArgs{GroupID: g.groupID, Name: g.self.Name, Birthday: g.self.Birthday}
	m := g.recomputeLocked()
	g.μ.Unlock()

	g.log.Debug("member joined", zap.String("peer", args.Name), zap.Int("members", m.Len()))
	g.publish(m)

	// Welcome the joiner directly; broadcasting here would add nothing the
	// one-hop replies do not already provide.
	if err := g.peer.SendEvent(args.Name, g.prefix+descripWelcome, welcome); err != nil {
		g.log.Warn("welcome not sent", zap.String("peer", args.Name), zap.Error(err))
	}
	return nil, nil
}

func (g *Group) handleWelcome(ctx context.Context, req *parley.Envelope) (any, error) {
	var args joinArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}

	g.μ.Lock()
	if g.left || !g.sameGroupLocked(args.GroupID) || args.Name == g.self.Name {
		g.μ.Unlock()
		return nil, nil
	}
	g.members[args.Name] = args.Birthday
	m := g.recomputeLocked()
	g.μ.Unlock()

	g.log.Debug("member welcomed", zap.String("peer", args.Name), zap.Int("members", m.Len()))
	g.publish(m)
	return nil, nil
}

func (g *Group) handleDepart(ctx context.Context, req *parley.Envelope) (any, error) {
	var args departArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}

	g.μ.Lock()
	if g.left || !g.sameGroupLocked(args.GroupID) {
		g.μ.Unlock()
		return nil, nil
	}
	if _, ok := g.members[args.Name]; !ok {
		g.μ.Unlock()
		return nil, nil
	}
	delete(g.members, args.Name)
	m := g.recomputeLocked()
	g.μ.Unlock()

	g.log.Debug("member departed", zap.String("peer", args.Name), zap.Int("members", m.Len()))
	g.publish(m)
	return nil, nil
}

func (g *Group) handleEvent(ctx context.Context, req *parley.Envelope) (any, error) {
	var args eventArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, err
	}

	g.μ.Lock()
	ok := !g.left && g.sameGroupLocked(args.GroupID)
	g.μ.Unlock()
	if ok {
		g.dispatchEvent(args.Event, args.Data)
	}
	return nil, nil
}

// recomputeLocked rebuilds the mapping from the current member records. The
// sort is deterministic, so every member holding the same records computes
// the same mapping. Callers publish the returned mapping after unlocking.
func (g *Group) recomputeLocked() Mapping {
	members := make([]Member, 0, len(g.members))
	for name, bday := range g.members {
		members = append(members, Member{Name: name, Birthday: bday})
	}
	slices.SortFunc(members, compareMembers)
	g.mapping = Mapping{Members: members}
	return g.mapping
}

// publish raises the fully computed mapping to watchers and to the peer's
// listener stream. Listeners never observe a partially updated mapping.
func (g *Group) publish(m Mapping) {
	g.μ.Lock()
	ws := slices.Clone(g.watchers)
	g.μ.Unlock()
	for _, w := range ws {
		w.fn(m)
	}
	g.peer.Emit(g.prefix+UpdateMappingEvent, m)
}

func (g *Group) dispatchEvent(event string, data any) {
	g.μ.Lock()
	ls := slices.Clone(g.events[event])
	g.μ.Unlock()
	for _, l := range ls {
		l.fn(data)
	}
}

// GroupID reports the group identity, or "" if none has been established.
func (g *Group) GroupID() string {
	g.μ.Lock()
	defer g.μ.Unlock()
	return g.groupID
}

// Mapping returns the current window mapping.
func (g *Group) Mapping() Mapping {
	g.μ.Lock()
	defer g.μ.Unlock()
	return g.mapping
}

// Number reports this member's own window number. It is recomputed on every
// membership change; the value is always between 1 and the member count.
func (g *Group) Number() int {
	g.μ.Lock()
	defer g.μ.Unlock()
	n, _ := g.mapping.NumberOf(g.self.Name)
	return n
}

// Leader reports the name of the member currently holding window number 1.
func (g *Group) Leader() string {
	g.μ.Lock()
	defer g.μ.Unlock()
	leader, _ := g.mapping.Leader()
	return leader
}

// IsLeader reports whether this member currently holds window number 1.
func (g *Group) IsLeader() bool {
	g.μ.Lock()
	defer g.μ.Unlock()
	leader, _ := g.mapping.Leader()
	return leader == g.self.Name
}

// NameOf resolves a window number to the member name holding it. An unknown
// number fails with an unknown-peer error.
func (g *Group) NameOf(windowNum int) (string, error) {
	g.μ.Lock()
	defer g.μ.Unlock()
	name, ok := g.mapping.NameOf(windowNum)
	if !ok {
		return "", &parley.Error{
			Kind:    parley.KindUnknownPeer,
			Message: "unknown peer",
			Name:    fmt.Sprintf("window %d", windowNum),
		}
	}
	return name, nil
}

// OnUpdateMapping registers a callback invoked with the new mapping after
// every membership recompute. The returned function removes it.
func (g *Group) OnUpdateMapping(fn func(Mapping)) (remove func()) {
	w := &mappingWatcher{fn: fn}
	g.μ.Lock()
	g.watchers = append(g.watchers, w)
	g.μ.Unlock()

	return func() {
		g.μ.Lock()
		defer g.μ.Unlock()
		for i, el := range g.watchers {
			if el == w {
				g.watchers = append(g.watchers[:i:i], g.watchers[i+1:]...)
				break
			}
		}
	}
}

// OnEvent registers a callback for the named group event, as delivered by
// SendWindowEvent and GroupcastEvent. The returned function removes it.
func (g *Group) OnEvent(event string, fn func(data any)) (remove func()) {
	l := &eventListener{fn: fn}
	g.μ.Lock()
	g.events[event] = append(g.events[event], l)
	g.μ.Unlock()

	return func() {
		g.μ.Lock()
		defer g.μ.Unlock()
		ls := g.events[event]
		for i, el := range ls {
			if el == l {
				g.events[event] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
	}
}

// SendWindowEvent fires a typed event at the member holding the given window
// number. It is not a request: no reply is expected and no correlation entry
// is created.
func (g *Group) SendWindowEvent(windowNum int, event string, data any) error {
	name, err := g.NameOf(windowNum)
	if err != nil {
		return err
	}
	g.μ.Lock()
	args := eventArgs{GroupID: g.groupID, Event: event, Data: data}
	self := name == g.self.Name
	g.μ.Unlock()

	if self {
		g.dispatchEvent(event, data)
		return nil
	}
	return g.peer.SendEvent(name, g.prefix+descripEvent, args)
}

// GroupcastEvent fires a typed event at every current member. includeSelf
// controls whether this member's own listeners observe it too. It fails with
// a no-group error before a group identity has been established.
func (g *Group) GroupcastEvent(event string, data any, includeSelf bool) error {
	g.μ.Lock()
	if g.groupID == "" {
		g.μ.Unlock()
		return &parley.Error{Kind: parley.KindNoGroup, Message: "no group established"}
	}
	args := eventArgs{GroupID: g.groupID, Event: event, Data: data}
	names := make([]string, 0, len(g.members))
	for name := range g.members {
		if name != g.self.Name {
			names = append(names, name)
		}
	}
	g.μ.Unlock()

	var errs []error
	for _, name := range names {
		if err := g.peer.SendEvent(name, g.prefix+descripEvent, args); err != nil {
			errs = append(errs, fmt.Errorf("groupcast to %q: %w", name, err))
		}
	}
	if includeSelf {
		g.dispatchEvent(event, data)
	}
	return errors.Join(errs...)
}

// Leave announces departure to every other member and freezes this member's
// view; a departed member does not react to further membership traffic.
func (g *Group) Leave() error {
	g.μ.Lock()
	if g.left {
		g.μ.Unlock()
		return nil
	}
	g.left = true
	args := departArgs{GroupID: g.groupID, Name: g.self.Name}
	names := make([]string, 0, len(g.members))
	for name := range g.members {
		if name != g.self.Name {
			names = append(names, name)
		}
	}
	g.μ.Unlock()

	var errs []error
	for _, name := range names {
		if err := g.peer.SendEvent(name, g.prefix+descripDepart, args); err != nil {
			errs = append(errs, fmt.Errorf("depart to %q: %w", name, err))
		}
	}
	g.log.Debug("left window group", zap.String("peer", g.self.Name))
	return errors.Join(errs...)
}
