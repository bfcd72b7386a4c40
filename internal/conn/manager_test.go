package conn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canvassync/internal/engine"
	"github.com/roach88/canvassync/internal/ir"
	"github.com/roach88/canvassync/internal/protocol"
	"github.com/roach88/canvassync/internal/testutil"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

var (
	alice   = ir.Participant{ID: "alice", Name: "Alice", Color: "#3b82f6"}
	bob     = ir.Participant{ID: "bob", Name: "Bob", Color: "#ef4444"}
	quiet   = slog.New(slog.NewTextHandler(io.Discard, nil))
	sentAt  = time.UnixMilli(1700000000000)
	refused = errors.New("connection refused")
)

// recorder collects manager events by type.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(m *Manager, types ...EventType) *recorder {
	r := &recorder{}
	for _, t := range types {
		m.On(t, func(ev Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
		})
	}
	return r
}

func (r *recorder) of(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(t EventType) int {
	return len(r.of(t))
}

type fixture struct {
	eng     *engine.Engine
	dialer  *testutil.ScriptedDialer
	manager *Manager
	session ir.Session
}

func testSettings() *Settings {
	return &Settings{
		URL:                  "ws://relay.test/",
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ReconnectStrategy:    StrategyFixed,
		DialTimeout:          time.Second,
	}
}

func newFixture(t *testing.T, settings *Settings) *fixture {
	t.Helper()
	eng := engine.New(
		engine.WithSessionIDs(engine.NewFixedGenerator("s-1")),
		engine.WithLogger(quiet),
	)
	s := eng.CreateSession("doc", "Hello")
	d := testutil.NewScriptedDialer()
	m := New(eng, d, settings, WithLogger(quiet), WithClock(func() time.Time { return sentAt }))
	t.Cleanup(m.Disconnect)
	return &fixture{eng: eng, dialer: d, manager: m, session: s}
}

func encode(t *testing.T, m protocol.Message, err error) []byte {
	t.Helper()
	require.NoError(t, err)
	frame, err := protocol.Encode(m)
	require.NoError(t, err)
	return frame
}

func remoteInsert(t *testing.T, from, id string, pos int, text string) []byte {
	op := ir.Operation{
		ID: id, Kind: ir.OpInsert, Position: pos, Text: text, ParticipantID: from,
		Timestamp: 1, Clock: ir.NewCausalStamp(ir.ClockEntry{ParticipantID: from, Counter: 1}),
	}
	msg, err := protocol.NewOperation("s-1", from, op, sentAt)
	return encode(t, msg, err)
}

func TestManager_ConnectAnnouncesParticipant(t *testing.T) {
	f := newFixture(t, testSettings())
	ch := testutil.NewFakeChannel()
	f.dialer.Accept(ch)
	rec := record(f.manager, EventConnected)

	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))

	assert.Equal(t, StateConnected, f.manager.State())
	assert.Equal(t, []string{"ws://relay.test/sessions/s-1/ws?participant=alice"}, f.dialer.Targets())
	assert.Equal(t, "alice", f.eng.LocalParticipantID())
	assert.Equal(t, 1, rec.count(EventConnected))

	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypePresence, msgs[0].Type)
	pd, err := msgs[0].Presence()
	require.NoError(t, err)
	assert.Equal(t, protocol.PresenceJoin, pd.Action)
	require.NotNil(t, pd.Participant)
	assert.Equal(t, "Alice", pd.Participant.Name)

	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))
	assert.Equal(t, 1, f.dialer.Calls(), "connecting twice to the same session is a no-op")
}

func TestManager_ConnectFailure(t *testing.T) {
	f := newFixture(t, testSettings())
	f.dialer.Refuse(refused)
	rec := record(f.manager, EventError, EventDisconnected)

	err := f.manager.Connect(context.Background(), f.session.ID, alice)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dial", terr.Op)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, StateError, f.manager.State())
	assert.Equal(t, 1, rec.count(EventError))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.Calls(), "a failed Connect is not retried")
	assert.Equal(t, 0, rec.count(EventDisconnected))
}

func TestManager_BroadcastBeforeConnect(t *testing.T) {
	f := newFixture(t, testSettings())
	assert.ErrorIs(t, f.manager.BroadcastCursor(ir.Cursor{Line: 1}), ErrNoSession)
}

func TestManager_QueueFlushedInOrderExactlyOnce(t *testing.T) {
	f := newFixture(t, testSettings())
	f.dialer.Refuse(refused)
	require.Error(t, f.manager.Connect(context.Background(), f.session.ID, alice))

	var sent []string
	for _, text := range []string{" a", " b", " c"} {
		op, err := f.eng.ApplyLocalUpdate(f.session.ID, ir.Update{Kind: ir.OpInsert, Position: 5, Text: text})
		require.NoError(t, err)
		require.NoError(t, f.manager.BroadcastOperation(op))
		sent = append(sent, op.ID)
	}
	assert.Equal(t, 3, f.manager.Pending())

	ch := testutil.NewFakeChannel()
	f.dialer.Accept(ch)
	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))

	msgs := ch.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, protocol.TypePresence, msgs[3].Type, "join follows the flushed queue")
	var got []string
	for _, m := range msgs[:3] {
		op, err := m.Operation()
		require.NoError(t, err)
		got = append(got, op.ID)
	}
	assert.Equal(t, sent, got)
	assert.Equal(t, 0, f.manager.Pending())

	require.NoError(t, f.manager.BroadcastCursor(ir.Cursor{Line: 2}))
	assert.Len(t, ch.Written(), 5, "open channel writes immediately")
}

func TestManager_ReconnectExhaustion(t *testing.T) {
	settings := testSettings()
	settings.MaxReconnectAttempts = 2
	settings.ReconnectInterval = 100 * time.Millisecond
	f := newFixture(t, settings)

	ch := testutil.NewFakeChannel()
	f.dialer.Accept(ch) // every later dial fails
	rec := record(f.manager, EventDisconnected, EventError, EventConnected)

	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))
	ch.Close()

	require.Eventually(t, func() bool { return rec.count(EventDisconnected) == 1 }, waitFor, tick)
	assert.Equal(t, StateDisconnected, f.manager.State())

	disc := rec.of(EventDisconnected)[0]
	assert.ErrorIs(t, disc.Err, ErrReconnectExhausted)
	assert.Equal(t, 3, f.dialer.Calls(), "one connect plus exactly two retries")
	assert.Equal(t, 2, rec.count(EventError))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 3, f.dialer.Calls())
	assert.Equal(t, 1, rec.count(EventDisconnected))
	assert.Equal(t, 1, rec.count(EventConnected))
}

func TestManager_ReconnectResumes(t *testing.T) {
	f := newFixture(t, testSettings())
	first := testutil.NewFakeChannel()
	second := testutil.NewFakeChannel()
	f.dialer.Refuse(refused)
	f.dialer.Accept(first)
	f.dialer.Refuse(refused)
	f.dialer.Accept(second)
	rec := record(f.manager, EventConnected, EventDisconnected)

	// The first Connect fails; a second succeeds and then loses the channel.
	require.Error(t, f.manager.Connect(context.Background(), f.session.ID, alice))
	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))
	first.Close()

	require.Eventually(t, func() bool { return rec.count(EventConnected) == 2 }, waitFor, tick)
	assert.Equal(t, StateConnected, f.manager.State())
	assert.Equal(t, 4, f.dialer.Calls())
	assert.Equal(t, 0, rec.count(EventDisconnected))
	assert.True(t, second.WaitWritten(1, waitFor), "join is re-sent after reconnect")
}

func TestManager_ExponentialStrategy(t *testing.T) {
	settings := testSettings()
	settings.ReconnectStrategy = StrategyExponential
	settings.ReconnectInterval = 10 * time.Millisecond
	settings.MaxReconnectInterval = 40 * time.Millisecond
	settings.MaxReconnectAttempts = 4
	f := newFixture(t, settings)

	ch := testutil.NewFakeChannel()
	f.dialer.Accept(ch)
	rec := record(f.manager, EventDisconnected)
	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))
	ch.Close()

	require.Eventually(t, func() bool { return rec.count(EventDisconnected) == 1 }, waitFor, tick)
	assert.Equal(t, 5, f.dialer.Calls())
}

func TestManager_WriteFailureRequeues(t *testing.T) {
	f := newFixture(t, testSettings())
	first := testutil.NewFakeChannel()
	second := testutil.NewFakeChannel()
	f.dialer.Accept(first).Accept(second)
	rec := record(f.manager, EventError, EventConnected)

	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))
	first.FailWrites(errors.New("broken pipe"))

	op, err := f.eng.ApplyLocalUpdate(f.session.ID, ir.Update{Kind: ir.OpInsert, Position: 0, Text: ">"})
	require.NoError(t, err)
	require.NoError(t, f.manager.BroadcastOperation(op))

	require.Eventually(t, func() bool { return rec.count(EventError) == 1 }, waitFor, tick)
	var terr *TransportError
	require.ErrorAs(t, rec.of(EventError)[0].Err, &terr)
	assert.Equal(t, "write", terr.Op)

	// The broken channel is closed, the manager reconnects and flushes.
	require.True(t, second.WaitWritten(2, waitFor))
	msgs := second.Messages()
	flushed, err := msgs[0].Operation()
	require.NoError(t, err)
	assert.Equal(t, op.ID, flushed.ID)
	assert.Equal(t, protocol.TypePresence, msgs[1].Type)
	assert.Equal(t, 2, rec.count(EventConnected))
}

func TestManager_Disconnect(t *testing.T) {
	f := newFixture(t, testSettings())
	ch := testutil.NewFakeChannel()
	f.dialer.Accept(ch)
	rec := record(f.manager, EventDisconnected)

	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))
	f.manager.Disconnect()
	f.manager.Disconnect()

	assert.Equal(t, StateDisconnected, f.manager.State())
	assert.True(t, ch.Closed())
	assert.Equal(t, 1, rec.count(EventDisconnected))
	assert.NoError(t, rec.of(EventDisconnected)[0].Err)

	msgs := ch.Messages()
	require.Len(t, msgs, 2)
	pd, err := msgs[1].Presence()
	require.NoError(t, err)
	assert.Equal(t, protocol.PresenceLeave, pd.Action)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.Calls(), "explicit disconnect never reconnects")

	require.NoError(t, f.manager.BroadcastCursor(ir.Cursor{Line: 3}))
	assert.Equal(t, 1, f.manager.Pending())
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	settings := testSettings()
	settings.ReconnectInterval = 50 * time.Millisecond
	f := newFixture(t, settings)
	ch := testutil.NewFakeChannel()
	f.dialer.Accept(ch)

	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))
	ch.Close()
	require.Eventually(t, func() bool { return f.manager.State() == StateReconnecting }, waitFor, tick)

	f.manager.Disconnect()
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.Calls())
	assert.Equal(t, StateDisconnected, f.manager.State())
}

func TestManager_Heartbeat(t *testing.T) {
	settings := testSettings()
	settings.HeartbeatInterval = 10 * time.Millisecond
	f := newFixture(t, settings)
	ch := testutil.NewFakeChannel()
	f.dialer.Accept(ch)

	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))
	require.True(t, ch.WaitWritten(3, waitFor))

	beats := 0
	for _, m := range ch.Messages()[1:] {
		pd, err := m.Presence()
		require.NoError(t, err)
		if pd.Action == protocol.PresenceHeartbeat {
			beats++
		}
	}
	assert.GreaterOrEqual(t, beats, 2)
}

func TestManager_InboundOperation(t *testing.T) {
	f := newFixture(t, testSettings())
	ch := testutil.NewFakeChannel()
	f.dialer.Accept(ch)
	rec := record(f.manager, EventContentUpdated)
	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))

	require.True(t, ch.Deliver([]byte("not json")))
	require.True(t, ch.Deliver(remoteInsert(t, "alice", "echo", 0, "!")))
	require.True(t, ch.Deliver(remoteInsert(t, "bob", "op-b", 5, " World")))
	require.True(t, ch.Deliver(remoteInsert(t, "bob", "op-b", 5, " World")))

	require.Eventually(t, func() bool { return rec.count(EventContentUpdated) == 1 }, waitFor, tick)
	content, _ := f.eng.DocumentContent(f.session.ID)
	assert.Equal(t, "Hello World", content, "echo and duplicate are discarded")

	ev := rec.of(EventContentUpdated)[0]
	assert.Equal(t, "bob", ev.ParticipantID)
	require.NotNil(t, ev.Operation)
	assert.Equal(t, "op-b", ev.Operation.ID)

	stamp, _ := f.eng.CausalStamp(f.session.ID)
	assert.Contains(t, stamp.Entries(), ir.ClockEntry{ParticipantID: "bob", Counter: 1})
}

func TestManager_InboundPresence(t *testing.T) {
	f := newFixture(t, testSettings())
	ch := testutil.NewFakeChannel()
	f.dialer.Accept(ch)
	rec := record(f.manager, EventParticipantJoined, EventParticipantLeft, EventCursorMoved, EventSelectionChanged)
	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))

	join, err := protocol.NewPresence("s-1", "bob", protocol.PresenceJoin, &bob, sentAt)
	require.True(t, ch.Deliver(encode(t, join, err)))
	cur, err := protocol.NewCursor("s-1", "bob", ir.Cursor{Line: 1, Column: 4}, sentAt)
	require.True(t, ch.Deliver(encode(t, cur, err)))
	sel, err := protocol.NewSelection("s-1", "bob", ir.Selection{StartLine: 1, EndLine: 2}, sentAt)
	require.True(t, ch.Deliver(encode(t, sel, err)))
	leave, err := protocol.NewPresence("s-1", "bob", protocol.PresenceLeave, nil, sentAt)
	require.True(t, ch.Deliver(encode(t, leave, err)))

	require.Eventually(t, func() bool { return rec.count(EventParticipantLeft) == 1 }, waitFor, tick)

	require.Equal(t, 1, rec.count(EventParticipantJoined))
	joined := rec.of(EventParticipantJoined)[0]
	assert.Equal(t, "Bob", joined.Participant.Name)
	assert.True(t, joined.Participant.IsOnline)

	require.Equal(t, 1, rec.count(EventCursorMoved))
	assert.Equal(t, ir.Cursor{Line: 1, Column: 4}, *rec.of(EventCursorMoved)[0].Cursor)
	require.Equal(t, 1, rec.count(EventSelectionChanged))
	assert.Equal(t, ir.Selection{StartLine: 1, EndLine: 2}, *rec.of(EventSelectionChanged)[0].Selection)

	s, _ := f.eng.Session(f.session.ID)
	p, ok := s.Participant("bob")
	require.True(t, ok)
	assert.False(t, p.IsOnline)
	require.NotNil(t, p.Cursor)
	assert.Equal(t, 4, p.Cursor.Column)
}

func TestManager_InboundSync(t *testing.T) {
	peer := engine.New(
		engine.WithSessionIDs(engine.NewFixedGenerator("s-1")),
		engine.WithLocalParticipant("bob"),
		engine.WithLogger(quiet),
	)
	remote := peer.CreateSession("doc", "Hello")
	_, err := peer.ApplyLocalUpdate(remote.ID, ir.Update{Kind: ir.OpInsert, Position: 5, Text: " World"})
	require.NoError(t, err)
	blob, err := peer.SerializeState(remote.ID)
	require.NoError(t, err)

	f := newFixture(t, testSettings())
	ch := testutil.NewFakeChannel()
	f.dialer.Accept(ch)
	rec := record(f.manager, EventContentUpdated)
	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))
	require.NoError(t, f.manager.RequestSync())

	sent := ch.Messages()
	require.Len(t, sent, 2)
	sd, err := sent[1].Sync()
	require.NoError(t, err)
	assert.Equal(t, protocol.SyncRequest, sd.Action)

	req, err := protocol.NewSyncRequest("s-1", "bob", sentAt)
	require.True(t, ch.Deliver(encode(t, req, err)))
	resp, err := protocol.NewSyncResponse("s-1", protocol.RelayParticipantID, blob, sentAt)
	require.True(t, ch.Deliver(encode(t, resp, err)))

	require.Eventually(t, func() bool { return rec.count(EventContentUpdated) == 1 }, waitFor, tick)
	content, _ := f.eng.DocumentContent("s-1")
	assert.Equal(t, "Hello World", content)
	assert.Nil(t, rec.of(EventContentUpdated)[0].Operation)
	assert.Len(t, ch.Written(), 2, "sync requests from peers are not answered")
}

func TestManager_InboundRemoteError(t *testing.T) {
	f := newFixture(t, testSettings())
	ch := testutil.NewFakeChannel()
	f.dialer.Accept(ch)
	rec := record(f.manager, EventError)
	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))

	msg, err := protocol.NewError("s-1", protocol.RelayParticipantID, "SESSION_NOT_FOUND", "gone", sentAt)
	require.True(t, ch.Deliver(encode(t, msg, err)))

	require.Eventually(t, func() bool { return rec.count(EventError) == 1 }, waitFor, tick)
	var remoteErr *RemoteError
	require.ErrorAs(t, rec.of(EventError)[0].Err, &remoteErr)
	assert.Equal(t, "SESSION_NOT_FOUND", remoteErr.Code)
	assert.Equal(t, StateConnected, f.manager.State())
}

func TestManager_OnDispose(t *testing.T) {
	f := newFixture(t, testSettings())
	f.dialer.Accept(testutil.NewFakeChannel())

	calls := 0
	off := f.manager.On(EventConnected, func(Event) { calls++ })
	off()
	off()

	require.NoError(t, f.manager.Connect(context.Background(), f.session.ID, alice))
	assert.Equal(t, 0, calls)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}
