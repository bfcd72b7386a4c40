package conn

import (
	"github.com/roach88/canvassync/internal/ir"
	"github.com/roach88/canvassync/internal/protocol"
)

// route decodes one inbound frame, applies it to the engine and emits the
// matching event. Frames from a superseded channel, malformed frames and
// echoes of the local participant's own messages are dropped.
func (m *Manager) route(gen uint64, ch protocol.Channel, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	m.mu.Lock()
	live := gen == m.gen && m.ch == ch
	local := m.participant.ID
	m.mu.Unlock()
	if !live {
		return
	}
	if msg.ParticipantID == local {
		m.logger.Debug("ignoring echo", "session", msg.SessionID, "type", msg.Type)
		return
	}

	var events []Event
	switch msg.Type {
	case protocol.TypeOperation:
		events, err = m.onOperation(msg)
	case protocol.TypeCursor:
		events, err = m.onCursor(msg)
	case protocol.TypeSelection:
		events, err = m.onSelection(msg)
	case protocol.TypePresence:
		events, err = m.onPresence(msg)
	case protocol.TypeSync:
		events, err = m.onSync(msg)
	case protocol.TypeError:
		events, err = m.onError(msg)
	}
	if err != nil {
		m.logger.Warn("dropping invalid message", "session", msg.SessionID, "type", msg.Type, "from", msg.ParticipantID, "error", err)
		return
	}
	m.events.emit(events...)
}

func (m *Manager) onOperation(msg protocol.Message) ([]Event, error) {
	op, err := msg.Operation()
	if err != nil {
		return nil, err
	}
	if !m.engine.ApplyRemoteUpdate(msg.SessionID, op) {
		return nil, nil
	}
	return []Event{{
		Type:          EventContentUpdated,
		SessionID:     msg.SessionID,
		ParticipantID: msg.ParticipantID,
		Operation:     &op,
	}}, nil
}

func (m *Manager) onCursor(msg protocol.Message) ([]Event, error) {
	c, err := msg.Cursor()
	if err != nil {
		return nil, err
	}
	m.engine.UpdateCursor(msg.SessionID, msg.ParticipantID, c)
	return []Event{{
		Type:          EventCursorMoved,
		SessionID:     msg.SessionID,
		ParticipantID: msg.ParticipantID,
		Cursor:        &c,
	}}, nil
}

func (m *Manager) onSelection(msg protocol.Message) ([]Event, error) {
	s, err := msg.Selection()
	if err != nil {
		return nil, err
	}
	return []Event{{
		Type:          EventSelectionChanged,
		SessionID:     msg.SessionID,
		ParticipantID: msg.ParticipantID,
		Selection:     &s,
	}}, nil
}

func (m *Manager) onPresence(msg protocol.Message) ([]Event, error) {
	pd, err := msg.Presence()
	if err != nil {
		return nil, err
	}

	switch pd.Action {
	case protocol.PresenceJoin:
		p := ir.Participant{ID: msg.ParticipantID}
		if pd.Participant != nil {
			p = pd.Participant.Clone()
		}
		if p.ID == "" {
			p.ID = msg.ParticipantID
		}
		if err := m.engine.JoinSession(msg.SessionID, p); err != nil {
			m.logger.Debug("presence join for unknown session", "session", msg.SessionID, "participant", p.ID)
		}
		if stored, ok := m.storedParticipant(msg.SessionID, p.ID); ok {
			p = stored
		}
		return []Event{{
			Type:          EventParticipantJoined,
			SessionID:     msg.SessionID,
			ParticipantID: p.ID,
			Participant:   &p,
		}}, nil

	case protocol.PresenceLeave:
		m.engine.LeaveSession(msg.SessionID, msg.ParticipantID)
		return []Event{{
			Type:          EventParticipantLeft,
			SessionID:     msg.SessionID,
			ParticipantID: msg.ParticipantID,
		}}, nil

	default:
		m.engine.MarkActive(msg.SessionID, msg.ParticipantID)
		return nil, nil
	}
}

func (m *Manager) storedParticipant(sessionID, participantID string) (ir.Participant, bool) {
	s, ok := m.engine.Session(sessionID)
	if !ok {
		return ir.Participant{}, false
	}
	return s.Participant(participantID)
}

func (m *Manager) onSync(msg protocol.Message) ([]Event, error) {
	sd, err := msg.Sync()
	if err != nil {
		return nil, err
	}
	if sd.Action == protocol.SyncRequest {
		m.logger.Debug("ignoring sync request", "session", msg.SessionID, "from", msg.ParticipantID)
		return nil, nil
	}

	sessionID, err := m.engine.DeserializeState(sd.State)
	if err != nil {
		return nil, err
	}
	return []Event{{
		Type:          EventContentUpdated,
		SessionID:     sessionID,
		ParticipantID: msg.ParticipantID,
	}}, nil
}

func (m *Manager) onError(msg protocol.Message) ([]Event, error) {
	ed, err := msg.Error()
	if err != nil {
		return nil, err
	}
	return []Event{{
		Type:          EventError,
		SessionID:     msg.SessionID,
		ParticipantID: msg.ParticipantID,
		Err:           &RemoteError{Code: ed.Code, Message: ed.Message},
	}}, nil
}
