package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canvassync/internal/ir"
)

// applyUpdates replays updates on a rune buffer the way the engine does.
func applyUpdates(t *testing.T, content string, updates []ir.Update) string {
	t.Helper()
	doc := newDocument(content, NewClock(), 0)
	for _, u := range updates {
		doc.apply(ir.Operation{Kind: u.Kind, Position: u.Position, Text: u.Text, Length: u.Length})
	}
	return doc.content()
}

func TestDiffUpdates(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
	}{
		{"append", "Hello", "Hello World"},
		{"prepend", "World", "Hello World"},
		{"delete middle", "Hello cruel World", "Hello World"},
		{"replace", "The cat sat", "The dog sat"},
		{"clear", "something", ""},
		{"from empty", "", "fresh"},
		{"multibyte", "naïve café", "naive cafe!"},
		{"multiline", "a\nb\nc", "a\nB\nc\nd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updates := DiffUpdates(tt.from, tt.to)
			assert.Equal(t, tt.to, applyUpdates(t, tt.from, updates))
		})
	}
}

func TestDiffUpdates_Identical(t *testing.T) {
	assert.Nil(t, DiffUpdates("same", "same"))
}

func TestDiffUpdates_Append(t *testing.T) {
	updates := DiffUpdates("Hello", "Hello World")
	assert.Equal(t, []ir.Update{{Kind: ir.OpInsert, Position: 5, Text: " World"}}, updates)
}

func TestEngine_ApplyLocalText(t *testing.T) {
	e := newTestEngine(t)
	s := e.CreateSession("doc", "The cat sat")

	var events []ChangeEvent
	e.Subscribe(s.ID, func(ev ChangeEvent) { events = append(events, ev) })

	ops, err := e.ApplyLocalText(s.ID, "The dog sat down")
	require.NoError(t, err)
	require.NotEmpty(t, ops)

	content, _ := e.DocumentContent(s.ID)
	assert.Equal(t, "The dog sat down", content)
	assert.Len(t, events, len(ops), "one content event per operation")

	for i, op := range ops {
		assert.Equal(t, []ir.ClockEntry{{ParticipantID: "alice", Counter: int64(i + 1)}}, op.Clock.Entries())
	}

	// A peer replaying the ops converges.
	peer := newTestEngine(t)
	blob := `{"session":{"id":"` + s.ID + `"},"document":"The cat sat"}`
	_, err = peer.DeserializeState([]byte(blob))
	require.NoError(t, err)
	for _, op := range ops {
		peer.ApplyRemoteUpdate(s.ID, op)
	}
	got, _ := peer.DocumentContent(s.ID)
	assert.Equal(t, "The dog sat down", got)
}

func TestEngine_ApplyLocalText_MissingSession(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ApplyLocalText("nope", "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
