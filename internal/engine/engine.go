package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/canvassync/internal/ir"
)

// Engine is the per-process sync store: sessions, their document buffers
// and causal clocks, and the subscribers watching them.
//
// Construct one Engine at startup and pass it by reference to the transport
// and UI layers. There is no package-level state.
//
// Thread-safety model:
//   - Every exported method is safe from any goroutine
//   - Mutations of one Engine are serialized by a single lock
//   - Listeners run after the lock is released, in the calling goroutine
//
// INVARIANTS:
//   - Operation positions are clamped into [0, len] before application
//   - Operations are applied in the order the engine receives them
//   - A session and its document buffer are created and destroyed together
type Engine struct {
	mu        sync.Mutex
	localID   string
	registry  *registry
	docs      map[string]*document
	listeners *listenerTable

	sessionIDs   IDGenerator
	operationIDs IDGenerator
	now          func() time.Time
	historyLimit int
	logger       *slog.Logger
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithSessionIDs overrides the session id generator (default UUIDv7Generator).
func WithSessionIDs(gen IDGenerator) Option {
	return func(e *Engine) {
		e.sessionIDs = gen
	}
}

// WithOperationIDs overrides the operation id generator (default ULIDGenerator).
func WithOperationIDs(gen IDGenerator) Option {
	return func(e *Engine) {
		e.operationIDs = gen
	}
}

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithHistoryLimit sets how many applied operations each session keeps.
//
// Default: 1000 (DefaultHistoryLimit)
func WithHistoryLimit(n int) Option {
	return func(e *Engine) {
		e.historyLimit = n
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithLocalParticipant sets the local identity at construction.
func WithLocalParticipant(id string) Option {
	return func(e *Engine) {
		e.localID = id
	}
}

// New creates an Engine with no sessions.
func New(opts ...Option) *Engine {
	e := &Engine{
		registry:     newRegistry(),
		docs:         make(map[string]*document),
		listeners:    newListenerTable(),
		sessionIDs:   UUIDv7Generator{},
		operationIDs: ULIDGenerator{},
		now:          time.Now,
		historyLimit: DefaultHistoryLimit,
	}

	// Apply options
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	return e
}

// SetLocalParticipantID sets the identity used as owner of new sessions and
// as origin of local operations.
func (e *Engine) SetLocalParticipantID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localID = id
}

// LocalParticipantID returns the configured local identity.
func (e *Engine) LocalParticipantID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localID
}

// CreateSession allocates a new session seeded with initialContent.
// Always succeeds.
func (e *Engine) CreateSession(documentID, initialContent string) ir.Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &ir.Session{
		ID:           e.sessionIDs.Generate(),
		DocumentID:   documentID,
		OwnerID:      e.localID,
		Participants: []ir.Participant{},
		Permissions:  ir.FullPermissions(),
		IsActive:     true,
		CreatedAt:    ir.Millis(e.now()),
	}
	e.registry.put(s)
	e.docs[s.ID] = newDocument(initialContent, NewClock(), e.historyLimit)

	e.logger.Debug("session created", "session", s.ID, "document", documentID)
	return s.Clone()
}

// JoinSession inserts or updates a participant. Re-joining with the same id
// updates the entry in place; the list never holds duplicates.
//
// Returns ErrSessionNotFound if the session does not exist.
func (e *Engine) JoinSession(sessionID string, p ir.Participant) error {
	e.mu.Lock()
	s := e.registry.get(sessionID)
	if s == nil {
		e.mu.Unlock()
		return newSessionNotFound(sessionID)
	}
	p = p.Clone()
	p.IsOnline = true
	p.LastActive = ir.Millis(e.now())
	stored := e.registry.upsertParticipant(s, p)
	e.mu.Unlock()

	e.notifyParticipant(sessionID, stored)
	return nil
}

// LeaveSession marks a participant offline. The entry is kept.
// No-op if the session or participant is missing.
func (e *Engine) LeaveSession(sessionID, participantID string) {
	e.touchParticipant(sessionID, participantID, "leave", func(p *ir.Participant) {
		p.IsOnline = false
	})
}

// MarkActive refreshes a participant's liveness after a heartbeat.
// No-op if the session or participant is missing.
func (e *Engine) MarkActive(sessionID, participantID string) {
	e.touchParticipant(sessionID, participantID, "heartbeat", func(p *ir.Participant) {
		p.IsOnline = true
	})
}

// UpdateCursor records a participant's caret position.
// No-op if the session or participant is missing.
func (e *Engine) UpdateCursor(sessionID, participantID string, pos ir.Cursor) {
	e.touchParticipant(sessionID, participantID, "cursor", func(p *ir.Participant) {
		c := pos
		p.Cursor = &c
	})
}

func (e *Engine) touchParticipant(sessionID, participantID, action string, mutate func(*ir.Participant)) {
	e.mu.Lock()
	s := e.registry.get(sessionID)
	if s == nil {
		e.logMissing(sessionID, action)
		e.mu.Unlock()
		return
	}
	p := e.registry.participant(s, participantID)
	if p == nil {
		e.mu.Unlock()
		e.logger.Debug("participant not in session", "session", sessionID, "participant", participantID, "action", action)
		return
	}
	mutate(p)
	p.LastActive = ir.Millis(e.now())
	stored := p.Clone()
	e.mu.Unlock()

	e.notifyParticipant(sessionID, stored)
}

// ApplyLocalUpdate stamps an update with the next local causal counter,
// splices it into the buffer, notifies subscribers and returns the
// operation for broadcasting.
//
// Returns ErrSessionNotFound if the session does not exist, or
// ErrInvalidUpdate if the update has an unknown kind or negative length.
func (e *Engine) ApplyLocalUpdate(sessionID string, u ir.Update) (ir.Operation, error) {
	if err := u.Validate(); err != nil {
		return ir.Operation{}, newInvalidUpdate(sessionID, err)
	}

	e.mu.Lock()
	doc, ok := e.docs[sessionID]
	if !ok {
		e.mu.Unlock()
		return ir.Operation{}, newSessionNotFound(sessionID)
	}
	applied := e.applyLocalLocked(doc, u)
	content := doc.content()
	e.mu.Unlock()

	e.listeners.notify([]ChangeEvent{contentEvent(sessionID, content, applied)})
	applied.Clock = applied.Clock.Clone()
	return applied, nil
}

// applyLocalLocked stamps and applies one update. Caller holds e.mu.
func (e *Engine) applyLocalLocked(doc *document, u ir.Update) ir.Operation {
	op := ir.Operation{
		ID:            e.operationIDs.Generate(),
		Kind:          u.Kind,
		Position:      u.Position,
		ParticipantID: e.localID,
		Timestamp:     ir.Millis(e.now()),
		Clock:         doc.clock.Next(e.localID),
	}
	switch u.Kind {
	case ir.OpInsert:
		op.Text = u.Text
	case ir.OpDelete:
		op.Length = u.Length
	}
	return doc.apply(op)
}

// ApplyRemoteUpdate applies an operation stamped by a peer and notifies
// subscribers. The operation's causal stamp is stored unmodified and merged
// into the session clock; it does not affect application order.
//
// Reports false, changing nothing, if the session is missing, if the
// operation was already applied, or if its kind is unknown.
func (e *Engine) ApplyRemoteUpdate(sessionID string, op ir.Operation) bool {
	e.mu.Lock()
	doc, ok := e.docs[sessionID]
	if !ok {
		e.logMissing(sessionID, "remote_update")
		e.mu.Unlock()
		return false
	}
	if !op.Kind.Valid() {
		e.mu.Unlock()
		e.logger.Warn("dropping remote operation with unknown kind", "session", sessionID, "op", op.ID, "kind", op.Kind)
		return false
	}
	if op.ID != "" && doc.seen(op.ID) {
		e.mu.Unlock()
		e.logger.Debug("duplicate remote operation ignored", "session", sessionID, "op", op.ID)
		return false
	}
	op.Clock = op.Clock.Clone()
	doc.clock.Observe(op.Clock)
	applied := doc.apply(op)
	content := doc.content()
	e.mu.Unlock()

	e.listeners.notify([]ChangeEvent{contentEvent(sessionID, content, applied)})
	return true
}

// DocumentContent returns the current text of a session.
func (e *Engine) DocumentContent(sessionID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, ok := e.docs[sessionID]
	if !ok {
		return "", false
	}
	return doc.content(), true
}

// Session returns a copy of a session.
func (e *Engine) Session(sessionID string) (ir.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.registry.get(sessionID)
	if s == nil {
		return ir.Session{}, false
	}
	return s.Clone(), true
}

// Sessions returns the ids of live sessions, sorted.
func (e *Engine) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.ids()
}

// Operations returns the applied operation log of a session, oldest first.
// Nil if the session is missing.
func (e *Engine) Operations(sessionID string) []ir.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, ok := e.docs[sessionID]
	if !ok {
		return nil
	}
	return doc.operations()
}

// CausalStamp returns the session's current clock.
func (e *Engine) CausalStamp(sessionID string) (ir.CausalStamp, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, ok := e.docs[sessionID]
	if !ok {
		return ir.CausalStamp{}, false
	}
	return doc.clock.Current(), true
}

// Subscribe registers a listener for content and participant changes of a
// session. The returned function unsubscribes; calling it twice is harmless.
// Listeners may be registered before the session exists.
func (e *Engine) Subscribe(sessionID string, fn Listener) (unsubscribe func()) {
	return e.listeners.add(sessionID, fn)
}

// CloseSession removes a session, its document buffer and its listeners
// together. Idempotent.
func (e *Engine) CloseSession(sessionID string) {
	e.mu.Lock()
	removed := e.registry.remove(sessionID)
	delete(e.docs, sessionID)
	e.mu.Unlock()

	if removed {
		e.listeners.drop(sessionID)
		e.logger.Debug("session closed", "session", sessionID)
	}
}

func (e *Engine) notifyParticipant(sessionID string, p ir.Participant) {
	e.listeners.notify([]ChangeEvent{{
		Kind:        ChangeParticipant,
		SessionID:   sessionID,
		Participant: &p,
	}})
}

// logMissing records an absorbed SessionNotFound with enough context to tell
// a teardown race from a session this engine never had. Caller holds e.mu.
func (e *Engine) logMissing(sessionID, action string) {
	reason := "session_unknown"
	if e.registry.recentlyClosed(sessionID) {
		reason = "session_closed"
	}
	e.logger.Debug("ignoring update for missing session",
		"session", sessionID,
		"action", action,
		"reason", reason,
	)
}

func contentEvent(sessionID, content string, op ir.Operation) ChangeEvent {
	op.Clock = op.Clock.Clone()
	return ChangeEvent{
		Kind:      ChangeContent,
		SessionID: sessionID,
		Content:   content,
		Operation: &op,
	}
}
