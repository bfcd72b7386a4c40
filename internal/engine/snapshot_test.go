package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canvassync/internal/ir"
)

func TestSnapshot_HelloWorldScenario(t *testing.T) {
	e := newTestEngine(t)
	s := e.CreateSession("doc1", "Hello")

	_, err := e.ApplyLocalUpdate(s.ID, ir.Update{Kind: ir.OpInsert, Position: 5, Text: " World"})
	require.NoError(t, err)
	content, _ := e.DocumentContent(s.ID)
	require.Equal(t, "Hello World", content)

	blob, err := e.SerializeState(s.ID)
	require.NoError(t, err)

	fresh := newTestEngine(t)
	id, err := fresh.DeserializeState(blob)
	require.NoError(t, err)

	restored, ok := fresh.DocumentContent(id)
	require.True(t, ok)
	assert.Equal(t, "Hello World", restored)

	session, ok := fresh.Session(id)
	require.True(t, ok)
	assert.Equal(t, "doc1", session.DocumentID)
}

func TestSnapshot_RestoredReplicaIgnoresRedelivery(t *testing.T) {
	e := newTestEngine(t)
	s := e.CreateSession("doc1", "Hello")
	op, err := e.ApplyLocalUpdate(s.ID, ir.Update{Kind: ir.OpInsert, Position: 5, Text: " World"})
	require.NoError(t, err)

	blob, err := e.SerializeState(s.ID)
	require.NoError(t, err)
	fresh := newTestEngine(t)
	id, err := fresh.DeserializeState(blob)
	require.NoError(t, err)

	// The op that produced the snapshot can still arrive after it.
	assert.False(t, fresh.ApplyRemoteUpdate(id, op), "op already in the snapshot")
	content, _ := fresh.DocumentContent(id)
	assert.Equal(t, "Hello World", content)

	snap, err := fresh.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, []string{op.ID}, snap.Applied, "ids survive a second round trip")
}

func TestSnapshot_PreservesSessionAndClock(t *testing.T) {
	e := newTestEngine(t)
	s := e.CreateSession("doc", "abc")
	require.NoError(t, e.JoinSession(s.ID, ir.Participant{ID: "bob", Name: "Bob", Color: "#00f"}))
	e.UpdateCursor(s.ID, "bob", ir.Cursor{Line: 2, Column: 1})
	_, err := e.ApplyLocalUpdate(s.ID, ir.Update{Kind: ir.OpDelete, Position: 0, Length: 1})
	require.NoError(t, err)

	blob, err := e.SerializeState(s.ID)
	require.NoError(t, err)

	fresh := newTestEngine(t)
	id, err := fresh.DeserializeState(blob)
	require.NoError(t, err)
	assert.Equal(t, s.ID, id, "restored session keeps its id")

	want, _ := e.Session(s.ID)
	got, _ := fresh.Session(id)
	assert.Equal(t, want, got)

	// Counters resume rather than restart, so ids of later ops stay causal.
	op, err := fresh.ApplyLocalUpdate(id, ir.Update{Kind: ir.OpInsert, Text: "z"})
	require.NoError(t, err)
	assert.Equal(t, []ir.ClockEntry{{ParticipantID: "alice", Counter: 2}}, op.Clock.Entries())
}

func TestSnapshot_DeserializeReplacesExisting(t *testing.T) {
	e := newTestEngine(t)
	s := e.CreateSession("doc", "stale")
	blob, err := e.SerializeState(s.ID)
	require.NoError(t, err)

	_, err = e.ApplyLocalUpdate(s.ID, ir.Update{Kind: ir.OpInsert, Position: 5, Text: " local"})
	require.NoError(t, err)

	var events []ChangeEvent
	e.Subscribe(s.ID, func(ev ChangeEvent) { events = append(events, ev) })

	id, err := e.DeserializeState(blob)
	require.NoError(t, err)
	assert.Equal(t, s.ID, id)

	content, _ := e.DocumentContent(id)
	assert.Equal(t, "stale", content)
	require.Len(t, events, 1)
	assert.Equal(t, ChangeContent, events[0].Kind)
	assert.Nil(t, events[0].Operation, "full replacement has no operation")
}

func TestSnapshot_SerializeMissingSession(t *testing.T) {
	e := newTestEngine(t)

	blob, err := e.SerializeState("nope")
	assert.Nil(t, blob)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSnapshot_DeserializeMalformed(t *testing.T) {
	inputs := map[string]string{
		"empty":           ``,
		"not json":        `hello`,
		"null":            `null`,
		"missing id":      `{"session":{"documentId":"d"},"document":"x"}`,
		"future version":  `{"version":99,"session":{"id":"s"},"document":""}`,
		"bad clock":       `{"session":{"id":"s"},"document":"","clock":{"a":1}}`,
		"dup participant": `{"session":{"id":"s","participants":[{"id":"a"},{"id":"a"}]},"document":""}`,
		"trailing":        `{"session":{"id":"s"},"document":""} {}`,
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t)
			id, err := e.DeserializeState([]byte(in))
			assert.Empty(t, id)
			assert.True(t, IsDeserialization(err), "got %v", err)
			assert.Empty(t, e.Sessions(), "engine state must be untouched")
		})
	}
}

func TestSnapshot_AcceptsVersionlessBlob(t *testing.T) {
	e := newTestEngine(t)
	blob := `{"session":{"id":"s-9","documentId":"doc","ownerId":"zoe","permissions":{"canEdit":true}},"document":"hi"}`

	id, err := e.DeserializeState([]byte(blob))
	require.NoError(t, err)
	assert.Equal(t, "s-9", id)

	s, _ := e.Session(id)
	assert.NotNil(t, s.Participants, "participants normalised to an empty list")
	assert.Equal(t, "zoe", s.OwnerID)
}

func TestSnapshot_WireShape(t *testing.T) {
	e := newTestEngine(t, WithSessionIDs(NewFixedGenerator("s-1")))
	s := e.CreateSession("doc1", "Hi")

	blob, err := e.SerializeState(s.ID)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &raw))
	assert.Contains(t, raw, "session")
	assert.Contains(t, raw, "document")
	assert.Contains(t, raw, "clock")
	assert.JSONEq(t, `"Hi"`, string(raw["document"]))
	assert.JSONEq(t, `1`, string(raw["version"]))
}
