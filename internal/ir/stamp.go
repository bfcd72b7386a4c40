package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// ClockEntry is one (participant, counter) pair of a CausalStamp.
type ClockEntry struct {
	ParticipantID string
	Counter       int64
}

// CausalStamp is a vector clock: participant id -> non-decreasing counter.
//
// Entries are kept sorted by participant id so iteration, equality and
// serialization are deterministic. A missing entry counts as zero.
//
// The zero value is an empty stamp ready to use. CausalStamp is not safe for
// concurrent mutation; the engine guards stamps with its session lock.
type CausalStamp struct {
	entries []ClockEntry
}

// NewCausalStamp builds a stamp from entries in any order.
// Duplicate participant ids keep the highest counter.
func NewCausalStamp(entries ...ClockEntry) CausalStamp {
	var s CausalStamp
	for _, e := range entries {
		s.Observe(e.ParticipantID, e.Counter)
	}
	return s
}

func (s *CausalStamp) find(id string) (int, bool) {
	return slices.BinarySearchFunc(s.entries, id, func(e ClockEntry, target string) int {
		return strings.Compare(e.ParticipantID, target)
	})
}

// Increment bumps the counter for id by exactly one and returns the new value.
func (s *CausalStamp) Increment(id string) int64 {
	i, ok := s.find(id)
	if ok {
		s.entries[i].Counter++
		return s.entries[i].Counter
	}
	s.entries = slices.Insert(s.entries, i, ClockEntry{ParticipantID: id, Counter: 1})
	return 1
}

// Observe raises the counter for id to n if n is larger. Counters never decrease.
func (s *CausalStamp) Observe(id string, n int64) {
	if n <= 0 {
		return
	}
	i, ok := s.find(id)
	if ok {
		if n > s.entries[i].Counter {
			s.entries[i].Counter = n
		}
		return
	}
	s.entries = slices.Insert(s.entries, i, ClockEntry{ParticipantID: id, Counter: n})
}

// Merge takes the pointwise maximum with other.
func (s *CausalStamp) Merge(other CausalStamp) {
	for _, e := range other.entries {
		s.Observe(e.ParticipantID, e.Counter)
	}
}

// Clone returns an independent copy.
func (s CausalStamp) Clone() CausalStamp {
	return CausalStamp{entries: slices.Clone(s.entries)}
}

// Entries returns the pairs sorted by participant id.
func (s CausalStamp) Entries() []ClockEntry {
	return slices.Clone(s.entries)
}

// MarshalJSON encodes the stamp as [["participant", counter], ...].
func (s CausalStamp) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range s.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		id, err := json.Marshal(e.ParticipantID)
		if err != nil {
			return nil, err
		}
		buf.WriteByte('[')
		buf.Write(id)
		fmt.Fprintf(&buf, ",%d]", e.Counter)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the pair-list form. null decodes to an empty stamp.
func (s *CausalStamp) UnmarshalJSON(data []byte) error {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("causal stamp: %w", err)
	}
	out := CausalStamp{}
	for i, p := range pairs {
		var id string
		var n int64
		if err := json.Unmarshal(p[0], &id); err != nil {
			return fmt.Errorf("causal stamp [%d] participant: %w", i, err)
		}
		if err := json.Unmarshal(p[1], &n); err != nil {
			return fmt.Errorf("causal stamp [%d] counter: %w", i, err)
		}
		if n < 0 {
			return fmt.Errorf("causal stamp [%d]: negative counter %d", i, n)
		}
		out.Observe(id, n)
	}
	*s = out
	return nil
}
