package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/canvassync/internal/engine"
	"github.com/roach88/canvassync/internal/ir"
	"github.com/roach88/canvassync/internal/protocol"
	"github.com/roach88/canvassync/internal/store"
)

// Error codes sent to peers in protocol error messages.
const (
	CodeMalformed       = "MALFORMED"
	CodeSessionMismatch = "SESSION_MISMATCH"
)

// SnapshotStore persists replica sessions. *store.Store implements it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap store.Snapshot) (int64, error)
	LoadSnapshot(ctx context.Context, sessionID string) (store.Snapshot, error)
}

// Hub routes frames between the peers of each session and keeps an
// authoritative replica of every session it serves.
//
// Inbound operations, cursors, selections and presence go through the
// Broker; on delivery the hub applies them to its replica and forwards them
// to its local peers, skipping the connection they came from. Sync requests
// are answered from the replica when it holds the session. Sync responses seed a replica the hub does
// not have and are never forwarded.
type Hub struct {
	id       string
	broker   Broker
	store    SnapshotStore
	replica  *engine.Engine
	settings *Settings
	logger   *slog.Logger
	now      func() time.Time

	ctx context.Context

	// route is held across a replica change and the fan-out of its frame,
	// and across a sync snapshot and its enqueue, so each peer sees state
	// and operations in one order.
	route sync.Mutex

	mu    sync.Mutex
	rooms map[string]*room
}

// room is the local view of one session.
type room struct {
	peers     map[string]*peer
	sinceSave int
	opCount   int64
}

// Option allows configuration of hub parameters.
type Option func(*Hub)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// WithInstanceID fixes the hub's broker identity (default a new ULID).
func WithInstanceID(id string) Option {
	return func(h *Hub) {
		h.id = id
	}
}

// NewHub creates a hub. st may be nil, in which case replicas live only in
// memory. Nil settings use DefaultSettings.
func NewHub(broker Broker, st SnapshotStore, settings *Settings, opts ...Option) *Hub {
	if settings == nil {
		settings = DefaultSettings()
	}
	h := &Hub{
		id:       ulid.Make().String(),
		broker:   broker,
		store:    st,
		settings: settings,
		now:      time.Now,
		ctx:      context.Background(),
		rooms:    make(map[string]*room),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.replica = engine.New(
		engine.WithLocalParticipant(protocol.RelayParticipantID),
		engine.WithHistoryLimit(settings.ReplicaHistory),
		engine.WithClock(h.now),
		engine.WithLogger(h.logger.With("component", "replica")),
	)
	return h
}

// Start subscribes the hub to its broker. ctx bounds the subscription and
// every publish the hub makes afterwards.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx = ctx
	if err := h.broker.Subscribe(ctx, h.deliver); err != nil {
		return err
	}
	h.logger.Info("hub started", "instance", h.id)
	return nil
}

// Close persists every replica session and drops all peers.
func (h *Hub) Close() error {
	h.mu.Lock()
	var peers []*peer
	for _, r := range h.rooms {
		for _, p := range r.peers {
			peers = append(peers, p)
		}
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	var errs []error
	for _, id := range h.replica.Sessions() {
		errs = append(errs, h.persist(id))
	}
	errs = append(errs, h.broker.Close())
	return errors.Join(errs...)
}

// Replica returns the hub's authoritative engine.
func (h *Hub) Replica() *engine.Engine {
	return h.replica
}

// Peers returns how many local connections a session has.
func (h *Hub) Peers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[sessionID]; ok {
		return len(r.peers)
	}
	return 0
}

// Sessions returns the ids of sessions with local peers, sorted.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// join registers a peer and loads the session replica from the store when
// the hub does not hold it yet.
func (h *Hub) join(p *peer) {
	h.mu.Lock()
	r, ok := h.rooms[p.sessionID]
	if !ok {
		r = &room{peers: make(map[string]*peer)}
		h.rooms[p.sessionID] = r
	}
	r.peers[p.id] = p
	count := len(r.peers)
	h.mu.Unlock()

	h.logger.Info("peer joined", "session", p.sessionID, "participant", p.participantID, "peer", p.id, "peers", count)
	h.loadReplica(p.sessionID)
}

func (h *Hub) loadReplica(sessionID string) {
	if h.store == nil {
		return
	}
	if _, ok := h.replica.Session(sessionID); ok {
		return
	}
	snap, err := h.store.LoadSnapshot(h.ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		h.logger.Error("loading snapshot", "session", sessionID, "error", err)
		return
	}
	h.route.Lock()
	if _, ok := h.replica.Session(sessionID); ok {
		h.route.Unlock()
		return
	}
	_, err = h.replica.DeserializeState(snap.State)
	h.route.Unlock()
	if err != nil {
		h.logger.Error("restoring snapshot", "session", sessionID, "revision", snap.Revision, "error", err)
		return
	}
	h.mu.Lock()
	if r, ok := h.rooms[sessionID]; ok {
		r.opCount = snap.OpCount
	}
	h.mu.Unlock()
	h.logger.Info("replica loaded", "session", sessionID, "revision", snap.Revision)
}

// leave unregisters a peer. A peer that vanished without a presence leave
// is announced as left. The replica is persisted when its last local peer
// goes, and dropped from memory if a store holds it.
func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	r, ok := h.rooms[p.sessionID]
	if !ok || r.peers[p.id] != p {
		h.mu.Unlock()
		return
	}
	delete(r.peers, p.id)
	empty := len(r.peers) == 0
	h.mu.Unlock()

	h.logger.Info("peer left", "session", p.sessionID, "participant", p.participantID, "peer", p.id)
	if !p.announcedLeave() {
		h.publishLeave(p)
	}
	if !empty {
		return
	}
	saved := true
	if err := h.persist(p.sessionID); err != nil {
		h.logger.Error("persisting session", "session", p.sessionID, "error", err)
		saved = false
	}

	h.mu.Lock()
	if cur, ok := h.rooms[p.sessionID]; ok && cur == r && len(r.peers) == 0 {
		delete(h.rooms, p.sessionID)
		// Unsaved replicas stay in memory so a later join still sees them.
		if h.store != nil && saved {
			h.replica.CloseSession(p.sessionID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) publishLeave(p *peer) {
	msg, err := protocol.NewPresence(p.sessionID, p.participantID, protocol.PresenceLeave, nil, h.now())
	if err != nil {
		return
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	if err := h.broker.Publish(h.ctx, p.sessionID, Envelope{Origin: h.id, PeerID: p.id, Frame: frame}); err != nil {
		h.logger.Warn("publishing leave", "session", p.sessionID, "participant", p.participantID, "error", err)
	}
}

// persist saves the replica of a session. No-op without a store or when
// the hub has no replica for the session.
func (h *Hub) persist(sessionID string) error {
	if h.store == nil {
		return nil
	}
	snap, err := h.replica.Snapshot(sessionID)
	if engine.IsSessionNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	blob, err := h.replica.SerializeState(sessionID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	var ops int64
	if r, ok := h.rooms[sessionID]; ok {
		ops = r.opCount
		r.sinceSave = 0
	}
	h.mu.Unlock()

	rev, err := h.store.SaveSnapshot(h.ctx, store.Snapshot{
		SessionID:  sessionID,
		DocumentID: snap.Session.DocumentID,
		OpCount:    ops,
		State:      blob,
		UpdatedAt:  ir.Millis(h.now()),
	})
	if err != nil {
		return err
	}
	h.logger.Debug("session persisted", "session", sessionID, "revision", rev, "ops", ops)
	return nil
}

// handleFrame processes one frame read from a local peer.
func (h *Hub) handleFrame(p *peer, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		h.logger.Warn("dropping malformed frame", "session", p.sessionID, "peer", p.id, "error", err)
		h.sendError(p, CodeMalformed, err.Error())
		return
	}
	if msg.SessionID != p.sessionID || msg.ParticipantID != p.participantID {
		h.sendError(p, CodeSessionMismatch, "message does not match the connection's session or participant")
		return
	}

	switch msg.Type {
	case protocol.TypeSync:
		h.handleSync(p, msg)
	case protocol.TypeError:
		h.logger.Warn("peer reported error", "session", p.sessionID, "participant", p.participantID)
	default:
		if msg.Type == protocol.TypePresence {
			if pd, err := msg.Presence(); err == nil && pd.Action == protocol.PresenceLeave {
				p.markLeft()
			}
		}
		env := Envelope{Origin: h.id, PeerID: p.id, Frame: frame}
		if err := h.broker.Publish(h.ctx, p.sessionID, env); err != nil {
			h.logger.Error("publishing frame", "session", p.sessionID, "type", msg.Type, "error", err)
		}
	}
}

func (h *Hub) handleSync(p *peer, msg protocol.Message) {
	sd, err := msg.Sync()
	if err != nil {
		h.sendError(p, CodeMalformed, err.Error())
		return
	}

	if sd.Action == protocol.SyncResponse {
		if _, ok := h.replica.Session(p.sessionID); ok {
			h.logger.Debug("ignoring sync response; replica present", "session", p.sessionID, "from", p.participantID)
			return
		}
		snap, err := engine.DecodeSnapshot(sd.State)
		if err != nil {
			h.sendError(p, CodeMalformed, err.Error())
			return
		}
		if snap.Session.ID != p.sessionID {
			h.sendError(p, CodeSessionMismatch, "snapshot is for another session")
			return
		}
		h.route.Lock()
		if _, ok := h.replica.Session(p.sessionID); !ok {
			h.replica.Restore(snap)
		}
		h.route.Unlock()
		h.logger.Info("replica seeded", "session", p.sessionID, "from", p.participantID)
		return
	}

	h.route.Lock()
	defer h.route.Unlock()
	blob, err := h.replica.SerializeState(p.sessionID)
	if err != nil {
		h.logger.Debug("sync request for unknown session", "session", p.sessionID, "from", p.participantID, "reason", "session_unknown")
		return
	}
	resp, err := protocol.NewSyncResponse(p.sessionID, protocol.RelayParticipantID, blob, h.now())
	if err != nil {
		return
	}
	if frame, err := protocol.Encode(resp); err == nil {
		p.enqueue(frame)
	}
}

func (h *Hub) sendError(p *peer, code, message string) {
	msg, err := protocol.NewError(p.sessionID, protocol.RelayParticipantID, code, message, h.now())
	if err != nil {
		return
	}
	if frame, err := protocol.Encode(msg); err == nil {
		p.enqueue(frame)
	}
}

// deliver is the broker handler: apply to the replica, then fan out.
func (h *Hub) deliver(sessionID string, env Envelope) {
	msg, err := protocol.Decode(env.Frame)
	if err != nil {
		h.logger.Warn("dropping undecodable broker frame", "session", sessionID, "origin", env.Origin, "error", err)
		return
	}

	h.route.Lock()
	applied := h.applyToReplica(msg)

	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	var targets []*peer
	save := false
	if ok {
		if applied {
			r.opCount++
			r.sinceSave++
			if h.settings.SnapshotEvery > 0 && r.sinceSave >= h.settings.SnapshotEvery {
				save = true
			}
		}
		for _, p := range r.peers {
			if env.Origin == h.id && env.PeerID == p.id {
				continue
			}
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, p := range targets {
		p.enqueue(env.Frame)
	}
	h.route.Unlock()

	if save {
		if err := h.persist(sessionID); err != nil {
			h.logger.Error("persisting session", "session", sessionID, "error", err)
		}
	}
}

// applyToReplica mirrors a routed message into the replica and reports
// whether it was a newly applied operation.
func (h *Hub) applyToReplica(msg protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeOperation:
		op, err := msg.Operation()
		if err != nil {
			return false
		}
		return h.replica.ApplyRemoteUpdate(msg.SessionID, op)

	case protocol.TypeCursor:
		if c, err := msg.Cursor(); err == nil {
			h.replica.UpdateCursor(msg.SessionID, msg.ParticipantID, c)
		}

	case protocol.TypePresence:
		pd, err := msg.Presence()
		if err != nil {
			return false
		}
		switch pd.Action {
		case protocol.PresenceJoin:
			p := ir.Participant{ID: msg.ParticipantID}
			if pd.Participant != nil {
				p = pd.Participant.Clone()
				p.ID = msg.ParticipantID
			}
			if err := h.replica.JoinSession(msg.SessionID, p); err != nil {
				h.logger.Debug("presence join before replica exists", "session", msg.SessionID, "participant", p.ID)
			}
		case protocol.PresenceLeave:
			h.replica.LeaveSession(msg.SessionID, msg.ParticipantID)
		case protocol.PresenceHeartbeat:
			h.replica.MarkActive(msg.SessionID, msg.ParticipantID)
		}
	}
	return false
}
