package conn

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/roach88/canvassync/internal/engine"
	"github.com/roach88/canvassync/internal/ir"
	"github.com/roach88/canvassync/internal/protocol"
)

// Manager owns the channel between one local participant and a relay for
// one session at a time. It turns engine operations into frames, routes
// inbound frames into the engine, and keeps the channel alive.
//
// Lifecycle:
//
//	disconnected -> connecting -> connected
//	connected -> reconnecting (channel lost) -> connected | disconnected
//	connecting -> error (caller's Connect failed)
//
// Frames sent while the channel is not open are queued and flushed, in
// order, right after the next successful open. Handlers registered with On
// run outside the manager lock.
type Manager struct {
	engine   *engine.Engine
	dialer   protocol.Dialer
	settings *Settings
	logger   *slog.Logger
	now      func() time.Time
	events   *eventBus
	queue    *frameQueue
	policy   backoff.BackOff

	mu          sync.Mutex
	state       State
	sessionID   string
	participant ir.Participant
	ch          protocol.Channel
	broken      bool   // last write on ch failed; waiting for the read loop to notice
	gen         uint64 // bumped by Connect and Disconnect; stale callbacks compare it
	attempts    int
	retryTimer  *time.Timer
	stopBeat    chan struct{}
}

// Option allows configuration of manager parameters.
type Option func(*Manager)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock overrides the wall clock used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a disconnected manager. Nil settings use DefaultSettings.
func New(eng *engine.Engine, dialer protocol.Dialer, settings *Settings, opts ...Option) *Manager {
	if settings == nil {
		settings = DefaultSettings()
	}
	m := &Manager{
		engine:   eng,
		dialer:   dialer,
		settings: settings,
		now:      time.Now,
		events:   newEventBus(),
		queue:    newFrameQueue(),
		policy:   newReconnectPolicy(settings),
		state:    StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// On registers a handler for one event type. The returned function
// unregisters it; calling it twice is harmless.
func (m *Manager) On(t EventType, h Handler) (off func()) {
	return m.events.on(t, h)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the session of the last Connect.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Pending returns how many frames wait for an open channel.
func (m *Manager) Pending() int {
	return m.queue.Len()
}

// Connect opens a channel to the relay for sessionID as participant p,
// flushes queued frames and then announces p with a presence join. Any
// previous channel is closed first.
// Connecting again to the same session while connected is a no-op.
//
// On failure the manager enters StateError, emits an error event and
// returns a *TransportError. Automatic retries only follow the loss of a
// channel that was open.
func (m *Manager) Connect(ctx context.Context, sessionID string, p ir.Participant) error {
	m.mu.Lock()
	if m.state == StateConnected && m.sessionID == sessionID && m.participant.ID == p.ID {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	old := m.teardownLocked()
	m.sessionID = sessionID
	m.participant = p.Clone()
	m.attempts = 0
	m.policy.Reset()
	m.state = StateConnecting
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.engine.SetLocalParticipantID(p.ID)
	return m.open(ctx, gen, false)
}

// Disconnect sends a best-effort presence leave, closes the channel and
// cancels pending reconnects. Queued frames are kept for the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	wasDisconnected := m.state == StateDisconnected
	var leave []byte
	if m.state == StateConnected && m.ch != nil && !m.broken {
		leave, _ = m.presenceFrameLocked(protocol.PresenceLeave, nil)
	}
	ch := m.teardownLocked()
	m.state = StateDisconnected
	m.attempts = 0
	sessionID := m.sessionID
	m.mu.Unlock()

	if ch != nil {
		if leave != nil {
			if err := ch.Write(leave); err != nil {
				m.logger.Debug("presence leave not delivered", "session", sessionID, "error", err)
			}
		}
		ch.Close()
	}
	if !wasDisconnected {
		m.logger.Info("disconnected", "session", sessionID)
		m.events.emit(Event{Type: EventDisconnected, SessionID: sessionID})
	}
}

// BroadcastOperation sends an operation returned by the engine.
func (m *Manager) BroadcastOperation(op ir.Operation) error {
	return m.broadcast(func(sessionID, participantID string, now time.Time) (protocol.Message, error) {
		return protocol.NewOperation(sessionID, participantID, op, now)
	})
}

// BroadcastCursor sends the local caret position.
func (m *Manager) BroadcastCursor(c ir.Cursor) error {
	return m.broadcast(func(sessionID, participantID string, now time.Time) (protocol.Message, error) {
		return protocol.NewCursor(sessionID, participantID, c, now)
	})
}

// BroadcastSelection sends the local selection range.
func (m *Manager) BroadcastSelection(s ir.Selection) error {
	return m.broadcast(func(sessionID, participantID string, now time.Time) (protocol.Message, error) {
		return protocol.NewSelection(sessionID, participantID, s, now)
	})
}

// RequestSync asks the relay for the current session snapshot.
func (m *Manager) RequestSync() error {
	return m.broadcast(func(sessionID, participantID string, now time.Time) (protocol.Message, error) {
		return protocol.NewSyncRequest(sessionID, participantID, now)
	})
}

// ShareState sends the local snapshot of the session as a sync response, so
// a relay without a copy of the session can seed one. Relays that already
// hold the session ignore it.
func (m *Manager) ShareState() error {
	sessionID := m.SessionID()
	if sessionID == "" {
		return ErrNoSession
	}
	blob, err := m.engine.SerializeState(sessionID)
	if err != nil {
		return err
	}
	return m.broadcast(func(sessionID, participantID string, now time.Time) (protocol.Message, error) {
		return protocol.NewSyncResponse(sessionID, participantID, blob, now)
	})
}

type buildFunc func(sessionID, participantID string, now time.Time) (protocol.Message, error)

func (m *Manager) broadcast(build buildFunc) error {
	m.mu.Lock()
	if m.sessionID == "" {
		m.mu.Unlock()
		return ErrNoSession
	}
	msg, err := build(m.sessionID, m.participant.ID, m.now())
	if err != nil {
		m.mu.Unlock()
		return err
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	events := m.sendLocked(frame, true)
	m.mu.Unlock()

	m.events.emit(events...)
	return nil
}

func (m *Manager) open(ctx context.Context, gen uint64, retry bool) error {
	m.mu.Lock()
	target := m.targetLocked()
	attempt := m.attempts
	m.mu.Unlock()

	ch, err := m.dialer.Dial(ctx, target)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		events := []Event{{Type: EventError, SessionID: m.sessionID, Err: terr}}
		if retry {
			events = append(events, m.scheduleReconnectLocked(gen)...)
		} else {
			m.state = StateError
		}
		sessionID := m.sessionID
		m.mu.Unlock()

		m.logger.Warn("dial failed", "session", sessionID, "attempt", attempt, "error", err)
		m.events.emit(events...)
		return terr
	}

	m.ch = ch
	m.broken = false
	m.state = StateConnected
	m.attempts = 0
	m.policy.Reset()
	sessionID := m.sessionID
	events := []Event{{Type: EventConnected, SessionID: sessionID, ParticipantID: m.participant.ID}}
	events = append(events, m.flushLocked()...)
	p := m.participant.Clone()
	if join, err := m.presenceFrameLocked(protocol.PresenceJoin, &p); err == nil {
		events = append(events, m.sendLocked(join, false)...)
	}
	m.startHeartbeatLocked(gen, ch)
	m.mu.Unlock()

	go m.readLoop(gen, ch)

	m.logger.Info("connected", "session", sessionID, "target", target, "retry", retry)
	m.events.emit(events...)
	return nil
}

// sendLocked writes frame on the open channel. When the channel is not
// usable the frame is queued if keep is set, and dropped otherwise.
// Caller holds m.mu.
func (m *Manager) sendLocked(frame []byte, keep bool) []Event {
	if m.state != StateConnected || m.ch == nil || m.broken {
		if keep {
			m.queue.Enqueue(frame)
		}
		return nil
	}
	if err := m.ch.Write(frame); err != nil {
		if keep {
			m.queue.Enqueue(frame)
		}
		return m.breakLocked(&TransportError{Op: "write", Err: err})
	}
	return nil
}

// flushLocked writes queued frames oldest first. On a write failure the
// unsent remainder goes back to the front of the queue.
func (m *Manager) flushLocked() []Event {
	if m.broken {
		return nil
	}
	pending := m.queue.Drain()
	for i, frame := range pending {
		if err := m.ch.Write(frame); err != nil {
			m.queue.Requeue(pending[i:])
			return m.breakLocked(&TransportError{Op: "write", Err: err})
		}
	}
	if len(pending) > 0 {
		m.logger.Debug("flushed queued frames", "session", m.sessionID, "count", len(pending))
	}
	return nil
}

// breakLocked marks the channel unusable and closes it so the read loop
// exits and schedules a reconnect.
func (m *Manager) breakLocked(err error) []Event {
	m.broken = true
	go m.ch.Close()
	return []Event{{Type: EventError, SessionID: m.sessionID, Err: err}}
}

func (m *Manager) readLoop(gen uint64, ch protocol.Channel) {
	for {
		frame, err := ch.Read()
		if err != nil {
			m.channelClosed(gen, ch, err)
			return
		}
		m.route(gen, ch, frame)
	}
}

func (m *Manager) channelClosed(gen uint64, ch protocol.Channel, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.ch != ch {
		m.mu.Unlock()
		return
	}
	m.stopHeartbeatLocked()
	m.ch = nil
	m.broken = false
	sessionID := m.sessionID
	events := m.scheduleReconnectLocked(gen)
	m.mu.Unlock()

	ch.Close()
	m.logger.Info("channel closed", "session", sessionID, "error", cause)
	m.events.emit(events...)
}

// scheduleReconnectLocked arms the next retry, or gives up and returns the
// terminal disconnected event once the attempt budget is spent.
func (m *Manager) scheduleReconnectLocked(gen uint64) []Event {
	if m.attempts >= m.settings.MaxReconnectAttempts {
		m.state = StateDisconnected
		m.logger.Warn("giving up reconnect", "session", m.sessionID, "attempts", m.attempts)
		return []Event{{Type: EventDisconnected, SessionID: m.sessionID, Err: ErrReconnectExhausted}}
	}
	delay := m.policy.NextBackOff()
	if delay == backoff.Stop {
		delay = m.settings.ReconnectInterval
	}
	m.attempts++
	m.state = StateReconnecting
	m.retryTimer = time.AfterFunc(delay, func() { m.retry(gen) })
	m.logger.Info("reconnect scheduled", "session", m.sessionID, "attempt", m.attempts, "delay", delay)
	return nil
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	ctx, cancel := m.dialContext()
	defer cancel()
	m.open(ctx, gen, true)
}

func (m *Manager) dialContext() (context.Context, context.CancelFunc) {
	if m.settings.DialTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), m.settings.DialTimeout)
}

func (m *Manager) startHeartbeatLocked(gen uint64, ch protocol.Channel) {
	if m.settings.HeartbeatInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	m.stopBeat = stop
	interval := m.settings.HeartbeatInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.heartbeat(gen, ch)
			}
		}
	}()
}

func (m *Manager) heartbeat(gen uint64, ch protocol.Channel) {
	m.mu.Lock()
	if gen != m.gen || m.ch != ch {
		m.mu.Unlock()
		return
	}
	var events []Event
	if frame, err := m.presenceFrameLocked(protocol.PresenceHeartbeat, nil); err == nil {
		events = m.sendLocked(frame, false)
	}
	m.mu.Unlock()
	m.events.emit(events...)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
}

// teardownLocked stops timers and detaches the channel, which the caller
// must close after releasing the lock.
func (m *Manager) teardownLocked() protocol.Channel {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopHeartbeatLocked()
	ch := m.ch
	m.ch = nil
	m.broken = false
	return ch
}

func (m *Manager) presenceFrameLocked(action protocol.PresenceAction, p *ir.Participant) ([]byte, error) {
	msg, err := protocol.NewPresence(m.sessionID, m.participant.ID, action, p, m.now())
	if err != nil {
		return nil, err
	}
	return protocol.Encode(msg)
}

func (m *Manager) targetLocked() string {
	base := strings.TrimRight(m.settings.URL, "/")
	q := url.Values{"participant": {m.participant.ID}}
	return base + "/sessions/" + url.PathEscape(m.sessionID) + "/ws?" + q.Encode()
}
