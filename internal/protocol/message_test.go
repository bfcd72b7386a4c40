package protocol

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canvassync/internal/ir"
)

var sentAt = time.UnixMilli(1700000000123)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func mustEncode(t *testing.T, m Message, err error) []byte {
	t.Helper()
	require.NoError(t, err)
	frame, err := Encode(m)
	require.NoError(t, err)
	return frame
}

func TestEncode_Golden(t *testing.T) {
	alice := ir.Participant{ID: "alice", Name: "Alice", Color: "#3b82f6", IsOnline: true, LastActive: 1700000000000}

	tests := []struct {
		name  string
		frame func(t *testing.T) []byte
	}{
		{
			name: "operation_insert",
			frame: func(t *testing.T) []byte {
				op := ir.Operation{
					ID: "op-1", Kind: ir.OpInsert, Position: 5, Text: " World",
					ParticipantID: "alice", Timestamp: 1700000000000,
					Clock: ir.NewCausalStamp(ir.ClockEntry{ParticipantID: "alice", Counter: 1}),
				}
				m, err := NewOperation("s-1", "alice", op, sentAt)
				return mustEncode(t, m, err)
			},
		},
		{
			name: "operation_delete",
			frame: func(t *testing.T) []byte {
				op := ir.Operation{
					ID: "op-2", Kind: ir.OpDelete, Position: 0, Length: 3,
					ParticipantID: "bob", Timestamp: 1700000000000,
					Clock: ir.NewCausalStamp(
						ir.ClockEntry{ParticipantID: "bob", Counter: 2},
						ir.ClockEntry{ParticipantID: "alice", Counter: 1},
					),
				}
				m, err := NewOperation("s-1", "bob", op, sentAt)
				return mustEncode(t, m, err)
			},
		},
		{
			name: "presence_join",
			frame: func(t *testing.T) []byte {
				m, err := NewPresence("s-1", "alice", PresenceJoin, &alice, sentAt)
				return mustEncode(t, m, err)
			},
		},
		{
			name: "sync_request",
			frame: func(t *testing.T) []byte {
				m, err := NewSyncRequest("s-1", "alice", sentAt)
				return mustEncode(t, m, err)
			},
		},
		{
			name: "cursor",
			frame: func(t *testing.T) []byte {
				m, err := NewCursor("s-1", "alice", ir.Cursor{Line: 2, Column: 7}, sentAt)
				return mustEncode(t, m, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			newGoldie(t).Assert(t, tt.name, tt.frame(t))
		})
	}
}

func TestDecode_OperationRebuildsStamp(t *testing.T) {
	frame := []byte(`{"type":"operation","sessionId":"s-1","participantId":"bob","data":{"id":"op-2","type":"delete","position":0,"length":3,"participantId":"bob","timestamp":1,"vectorClock":[["bob",2],["alice",1]]},"timestamp":2}`)

	m, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeOperation, m.Type)
	assert.Equal(t, "s-1", m.SessionID)
	assert.Equal(t, int64(2), m.Timestamp)

	op, err := m.Operation()
	require.NoError(t, err)
	assert.Equal(t, ir.OpDelete, op.Kind)
	assert.Equal(t, 3, op.Length)
	assert.Equal(t, []ir.ClockEntry{{ParticipantID: "alice", Counter: 1}, {ParticipantID: "bob", Counter: 2}}, op.Clock.Entries())
}

func TestDecode_RoundTripPayloads(t *testing.T) {
	sel, err := NewSelection("s-1", "bob", ir.Selection{StartLine: 1, EndLine: 4}, sentAt)
	require.NoError(t, err)
	m, err := Decode(mustEncode(t, sel, nil))
	require.NoError(t, err)
	got, err := m.Selection()
	require.NoError(t, err)
	assert.Equal(t, ir.Selection{StartLine: 1, EndLine: 4}, got)

	hb, err := NewPresence("s-1", "bob", PresenceHeartbeat, nil, sentAt)
	require.NoError(t, err)
	m, err = Decode(mustEncode(t, hb, nil))
	require.NoError(t, err)
	p, err := m.Presence()
	require.NoError(t, err)
	assert.Equal(t, PresenceHeartbeat, p.Action)
	assert.Nil(t, p.Participant)

	state := []byte(`{"version":1,"session":{"id":"s-1"},"document":"hi","clock":[]}`)
	resp, err := NewSyncResponse("s-1", RelayParticipantID, state, sentAt)
	require.NoError(t, err)
	m, err = Decode(mustEncode(t, resp, nil))
	require.NoError(t, err)
	s, err := m.Sync()
	require.NoError(t, err)
	assert.Equal(t, SyncResponse, s.Action)
	assert.JSONEq(t, string(state), string(s.State))

	e, err := NewError("s-1", RelayParticipantID, "SESSION_NOT_FOUND", "no such session", sentAt)
	require.NoError(t, err)
	m, err = Decode(mustEncode(t, e, nil))
	require.NoError(t, err)
	ed, err := m.Error()
	require.NoError(t, err)
	assert.Equal(t, ErrorData{Code: "SESSION_NOT_FOUND", Message: "no such session"}, ed)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"array", `[1,2]`},
		{"unknown type", `{"type":"shout","sessionId":"s","participantId":"a","data":{},"timestamp":0}`},
		{"missing session", `{"type":"cursor","participantId":"a","data":{"line":1,"column":1},"timestamp":0}`},
		{"missing data", `{"type":"cursor","sessionId":"s","participantId":"a","timestamp":0}`},
		{"null data", `{"type":"cursor","sessionId":"s","participantId":"a","data":null,"timestamp":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestMessage_PayloadErrors(t *testing.T) {
	m := Message{Type: TypeCursor, SessionID: "s", Data: []byte(`{"line":1,"column":1}`)}
	_, err := m.Operation()
	assert.ErrorIs(t, err, ErrMalformed, "payload accessor must match the message type")

	bad := Message{Type: TypeOperation, SessionID: "s", Data: []byte(`{"id":"x","type":"replace","position":0}`)}
	_, err = bad.Operation()
	assert.ErrorIs(t, err, ErrMalformed)

	noID := Message{Type: TypeOperation, SessionID: "s", Data: []byte(`{"type":"insert","position":0,"content":"a"}`)}
	_, err = noID.Operation()
	assert.ErrorIs(t, err, ErrMalformed)

	presence := Message{Type: TypePresence, SessionID: "s", Data: []byte(`{"action":"wave"}`)}
	_, err = presence.Presence()
	assert.ErrorIs(t, err, ErrMalformed)

	emptySync := Message{Type: TypeSync, SessionID: "s", Data: []byte(`{"action":"response"}`)}
	_, err = emptySync.Sync()
	assert.ErrorIs(t, err, ErrMalformed)

	negative := Message{Type: TypeOperation, SessionID: "s", Data: []byte(`{"id":"x","type":"insert","position":0,"vectorClock":[["a",-1]]}`)}
	_, err = negative.Operation()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode_RejectsUnknownType(t *testing.T) {
	_, err := Encode(Message{Type: "shout", SessionID: "s", Data: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = NewSyncResponse("s", "a", []byte("{not json"), sentAt)
	assert.ErrorIs(t, err, ErrMalformed)
}
