// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package group_test

import (
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleycast/parley"
	"github.com/parleycast/parley/group"
	"github.com/parleycast/parley/mesh"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

// newMember creates a named peer on m and joins it to the test group. Joins
// are separated by a short sleep so birthday tokens land in distinct
// milliseconds and the membership order matches the join order.
func newMember(t *testing.T, m *mesh.Mesh, name string) (*parley.Peer, *group.Group) {
	t.Helper()
	p := parley.NewPeer(name)
	_, err := m.Join(p)
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	time.Sleep(2 * time.Millisecond)
	g, err := group.Join(p, group.Config{GroupID: "test-group"})
	require.NoError(t, err)
	p.SetReady()
	return p, g
}

// converged reports whether every group has the same member set of size n.
func converged(n int, groups ...*group.Group) func() bool {
	return func() bool {
		for _, g := range groups {
			if g.Mapping().Len() != n {
				return false
			}
		}
		want := groups[0].Mapping()
		for _, g := range groups[1:] {
			m := g.Mapping()
			for i, mem := range want.Members {
				if m.Members[i] != mem {
					return false
				}
			}
		}
		return true
	}
}

func TestMembership(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	m := mesh.New()
	_, ga := newMember(t, m, "able")
	_, gb := newMember(t, m, "baker")
	_, gc := newMember(t, m, "charlie")

	require.Eventually(t, converged(3, ga, gb, gc), waitFor, tick,
		"members did not converge on a common mapping")

	// Window numbers follow join order, since the birthdays do.
	assert.Equal(t, 1, ga.Number())
	assert.Equal(t, 2, gb.Number())
	assert.Equal(t, 3, gc.Number())

	// Every member agrees the earliest joiner leads.
	for _, g := range []*group.Group{ga, gb, gc} {
		assert.Equal(t, "able", g.Leader())
	}
	assert.True(t, ga.IsLeader())
	assert.False(t, gc.IsLeader())

	name, err := gb.NameOf(3)
	require.NoError(t, err)
	assert.Equal(t, "charlie", name)

	_, err = gb.NameOf(7)
	assert.ErrorIs(t, err, parley.ErrUnknownPeer)
}

func TestDeparture(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	m := mesh.New()
	_, ga := newMember(t, m, "able")
	_, gb := newMember(t, m, "baker")
	_, gc := newMember(t, m, "charlie")
	require.Eventually(t, converged(3, ga, gb, gc), waitFor, tick)

	// The middle member leaving closes the numbering gap.
	require.NoError(t, gb.Leave())
	require.Eventually(t, converged(2, ga, gc), waitFor, tick,
		"remaining members did not renumber")

	assert.Equal(t, 1, ga.Number())
	assert.Equal(t, 2, gc.Number())
	assert.Equal(t, "able", gc.Leader())

	// Leaving twice is a no-op.
	require.NoError(t, gb.Leave())
}

func TestLeaderDeparture(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	m := mesh.New()
	_, ga := newMember(t, m, "able")
	_, gb := newMember(t, m, "baker")
	require.Eventually(t, converged(2, ga, gb), waitFor, tick)
	require.Equal(t, "able", gb.Leader())

	require.NoError(t, ga.Leave())
	require.Eventually(t, func() bool { return gb.IsLeader() }, waitFor, tick,
		"survivor did not take over the leader window")
	assert.Equal(t, 1, gb.Number())
}

func TestLateJoinerConverges(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	// The welcome replies carry the existing members' records, so a joiner
	// that missed every earlier join still assembles the full mapping.
	m := mesh.New()
	_, ga := newMember(t, m, "able")
	_, gb := newMember(t, m, "baker")
	require.Eventually(t, converged(2, ga, gb), waitFor, tick)

	_, gc := newMember(t, m, "charlie")
	require.Eventually(t, converged(3, ga, gb, gc), waitFor, tick,
		"late joiner did not learn the existing members")
	assert.Equal(t, 3, gc.Number())
}

func TestWindowEvents(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	m := mesh.New()
	_, ga := newMember(t, m, "able")
	_, gb := newMember(t, m, "baker")
	require.Eventually(t, converged(2, ga, gb), waitFor, tick)

	got := make(chan any, 1)
	gb.OnEvent("ping", func(data any) { got <- data })

	require.NoError(t, ga.SendWindowEvent(2, "ping", "hi"))
	select {
	case data := <-got:
		assert.Equal(t, "hi", data)
	case <-time.After(waitFor):
		t.Fatal("window event not delivered")
	}

	// Self-addressed window events dispatch locally.
	own := make(chan any, 1)
	ga.OnEvent("self", func(data any) { own <- data })
	require.NoError(t, ga.SendWindowEvent(1, "self", "me"))
	select {
	case data := <-own:
		assert.Equal(t, "me", data)
	case <-time.After(waitFor):
		t.Fatal("self event not delivered")
	}

	err := ga.SendWindowEvent(9, "ping", nil)
	assert.ErrorIs(t, err, parley.ErrUnknownPeer)
}

func TestGroupcast(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	m := mesh.New()
	_, ga := newMember(t, m, "able")
	_, gb := newMember(t, m, "baker")
	_, gc := newMember(t, m, "charlie")
	require.Eventually(t, converged(3, ga, gb, gc), waitFor, tick)

	got := make(chan string, 3)
	ga.OnEvent("shout", func(any) { got <- "able" })
	gb.OnEvent("shout", func(any) { got <- "baker" })
	gc.OnEvent("shout", func(any) { got <- "charlie" })

	require.NoError(t, ga.GroupcastEvent("shout", nil, false))
	heard := map[string]bool{<-got: true, <-got: true}
	assert.Equal(t, map[string]bool{"baker": true, "charlie": true}, heard)

	require.NoError(t, ga.GroupcastEvent("shout", nil, true))
	heard = map[string]bool{<-got: true, <-got: true, <-got: true}
	assert.Len(t, heard, 3)
}

func TestNoGroupEstablished(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	m := mesh.New()
	p := parley.NewPeer("loner")
	_, err := m.Join(p)
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	// No GroupID configured and nobody to learn one from.
	g, err := group.Join(p, group.Config{})
	require.NoError(t, err)

	err = g.GroupcastEvent("shout", nil, false)
	assert.ErrorIs(t, err, parley.ErrNoGroup)
	var perr *parley.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, parley.KindNoGroup, perr.Kind)
}

func TestEventNamePrefix(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	// Two groups sharing one mesh stay isolated when their descriptors are
	// namespaced apart.
	m := mesh.New()

	join := func(name, prefix string) *group.Group {
		p := parley.NewPeer(name)
		_, err := m.Join(p)
		require.NoError(t, err)
		t.Cleanup(p.Stop)
		time.Sleep(2 * time.Millisecond)
		g, err := group.Join(p, group.Config{GroupID: "g-" + prefix, EventNamePrefix: prefix})
		require.NoError(t, err)
		p.SetReady()
		return g
	}

	red1 := join("red1", "red.")
	blue1 := join("blue1", "blue.")
	red2 := join("red2", "red.")

	require.Eventually(t, converged(2, red1, red2), waitFor, tick,
		"prefixed group did not converge")
	assert.Equal(t, 1, blue1.Mapping().Len(), "foreign join leaked across the prefix")
}

func TestBirthdayOrdering(t *testing.T) {
	early := group.Member{Name: "x", Birthday: group.Birthday{Millis: 100, Nonce: 9}}
	late := group.Member{Name: "y", Birthday: group.Birthday{Millis: 200, Nonce: 1}}
	tie := group.Member{Name: "z", Birthday: group.Birthday{Millis: 100, Nonce: 9}}

	mapping := group.Mapping{Members: []group.Member{early, tie, late}}
	n, ok := mapping.NumberOf("y")
	require.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = mapping.NameOf(0)
	assert.False(t, ok)
	_, ok = mapping.NameOf(4)
	assert.False(t, ok)
	leader, ok := mapping.Leader()
	require.True(t, ok)
	assert.Equal(t, "x", leader)
}
