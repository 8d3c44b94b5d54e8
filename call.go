// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import (
	"context"
	"sync"
	"time"
)

// A PendingCall is the settlement cell for one in-flight request. It settles
// exactly once, by the matching response, by the request timeout, or by a
// transport failure, whichever happens first; the losers of that race are
// silent no-ops. A zero PendingCall is not valid; cells are created by the
// peer when a request is issued.
type PendingCall struct {
	peerName string
	descrip  string
	seqNum   uint64

	timer *time.Timer // armed before the cell is published, nil if no timeout

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newPendingCall(peerName, descrip string, seqNum uint64) *PendingCall {
	return &PendingCall{
		peerName: peerName,
		descrip:  descrip,
		seqNum:   seqNum,
		done:     make(chan struct{}),
	}
}

// Peer reports the name of the peer the request was addressed to.
func (c *PendingCall) Peer() string { return c.peerName }

// SeqNum reports the sequence number allocated to the request.
func (c *PendingCall) SeqNum() uint64 { return c.seqNum }

// Done returns a channel that is closed when the call has settled.
func (c *PendingCall) Done() <-chan struct{} { return c.done }

// Result returns the settled outcome of the call. It must not be called
// before the Done channel is closed.
func (c *PendingCall) Result() (any, error) { return c.result, c.err }

// Wait blocks until the call settles or ctx ends, and returns the outcome.
// If ctx ends first the call is abandoned, not cancelled: the pending entry
// remains until its response or timeout settles it, at which point the
// settlement is discarded.
func (c *PendingCall) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.result, c.err
	}
}

// settle records the outcome and wakes waiters. The first writer wins;
// settle reports whether this call was the winner.
func (c *PendingCall) settle(result any, err error) bool {
	var won bool
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.result, c.err = result, err
		close(c.done)
		won = true
	})
	return won
}
