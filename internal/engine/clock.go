package engine

import "github.com/roach88/canvassync/internal/ir"

// Clock holds the causal stamp of one session.
//
// Locally emitted operations are stamped with Next, which bumps only the
// local participant's counter by exactly one. Remote stamps are folded in
// with Observe so later local stamps record what this replica had seen.
// Observe never reorders anything; application order is arrival order.
//
// Thread-safety: Clock is not safe for concurrent use. The Engine only
// touches it while holding its lock.
type Clock struct {
	stamp ir.CausalStamp
}

// NewClock creates a clock with every counter at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming from a stamp.
// Used when a session is restored from a snapshot.
func NewClockAt(start ir.CausalStamp) *Clock {
	return &Clock{stamp: start.Clone()}
}

// Next increments the counter for local and returns a copy of the stamp.
func (c *Clock) Next(local string) ir.CausalStamp {
	c.stamp.Increment(local)
	return c.stamp.Clone()
}

// Observe merges a remote stamp (pointwise max).
func (c *Clock) Observe(remote ir.CausalStamp) {
	c.stamp.Merge(remote)
}

// Current returns a copy of the stamp without incrementing.
func (c *Clock) Current() ir.CausalStamp {
	return c.stamp.Clone()
}
