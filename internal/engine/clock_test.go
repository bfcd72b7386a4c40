package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/canvassync/internal/ir"
)

func TestClock_NewClock(t *testing.T) {
	c := NewClock()
	assert.Empty(t, c.Current().Entries(), "new clock should be empty")
}

func TestClock_NewClockAt(t *testing.T) {
	start := ir.NewCausalStamp(ir.ClockEntry{ParticipantID: "alice", Counter: 100})
	c := NewClockAt(start)
	want := []ir.ClockEntry{{ParticipantID: "alice", Counter: 100}}
	assert.Equal(t, want, c.Current().Entries(), "clock should resume from the given stamp")

	start.Increment("alice")
	assert.Equal(t, want, c.Current().Entries(), "clock must not alias its start stamp")
}

func TestClock_Next_IncrementsOnlyLocal(t *testing.T) {
	c := NewClockAt(ir.NewCausalStamp(ir.ClockEntry{ParticipantID: "bob", Counter: 7}))

	c.Next("alice")
	c.Next("alice")
	s := c.Next("alice")
	assert.Equal(t, []ir.ClockEntry{
		{ParticipantID: "alice", Counter: 3},
		{ParticipantID: "bob", Counter: 7},
	}, s.Entries(), "remote entries are untouched")
}

func TestClock_Next_ReturnsCopy(t *testing.T) {
	c := NewClock()
	s := c.Next("alice")
	s.Increment("alice")

	assert.Equal(t, []ir.ClockEntry{{ParticipantID: "alice", Counter: 1}}, c.Current().Entries())
}

func TestClock_Observe(t *testing.T) {
	c := NewClock()
	c.Next("alice")

	c.Observe(ir.NewCausalStamp(
		ir.ClockEntry{ParticipantID: "alice", Counter: 0},
		ir.ClockEntry{ParticipantID: "bob", Counter: 4},
	))

	cur := c.Current()
	assert.Equal(t, []ir.ClockEntry{
		{ParticipantID: "alice", Counter: 1},
		{ParticipantID: "bob", Counter: 4},
	}, cur.Entries())

	// Current should not change the value
	assert.Equal(t, cur, c.Current())
}
