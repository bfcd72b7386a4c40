package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/canvassync/internal/ir"
)

// ErrMalformed is returned for frames that are not a valid message.
var ErrMalformed = errors.New("malformed message")

// RelayParticipantID is the origin used by messages the relay itself sends.
const RelayParticipantID = "relay"

// MessageType selects the shape of Message.Data.
type MessageType string

const (
	TypeOperation MessageType = "operation"
	TypeCursor    MessageType = "cursor"
	TypeSelection MessageType = "selection"
	TypePresence  MessageType = "presence"
	TypeSync      MessageType = "sync"
	TypeError     MessageType = "error"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeOperation, TypeCursor, TypeSelection, TypePresence, TypeSync, TypeError:
		return true
	}
	return false
}

// PresenceAction is the action of a presence message.
type PresenceAction string

const (
	PresenceJoin      PresenceAction = "join"
	PresenceLeave     PresenceAction = "leave"
	PresenceHeartbeat PresenceAction = "heartbeat"
)

// SyncAction is the action of a sync message.
type SyncAction string

const (
	SyncRequest  SyncAction = "request"
	SyncResponse SyncAction = "response"
)

// Message is the envelope of every frame: one self-describing record.
type Message struct {
	Type          MessageType     `json:"type"`
	SessionID     string          `json:"sessionId"`
	ParticipantID string          `json:"participantId"`
	Data          json.RawMessage `json:"data"`
	Timestamp     int64           `json:"timestamp"` // Unix milliseconds
}

// PresenceData is the payload of TypePresence.
type PresenceData struct {
	Action      PresenceAction  `json:"action"`
	Participant *ir.Participant `json:"participant,omitempty"`
}

// SyncData is the payload of TypeSync. State carries a session snapshot on
// responses.
type SyncData struct {
	Action SyncAction      `json:"action"`
	State  json.RawMessage `json:"state,omitempty"`
}

// ErrorData is the payload of TypeError.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newMessage(t MessageType, sessionID, participantID string, data any, now time.Time) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{
		Type:          t,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Data:          raw,
		Timestamp:     ir.Millis(now),
	}, nil
}

// NewOperation wraps an operation.
func NewOperation(sessionID, participantID string, op ir.Operation, now time.Time) (Message, error) {
	return newMessage(TypeOperation, sessionID, participantID, op, now)
}

// NewCursor wraps a cursor position.
func NewCursor(sessionID, participantID string, c ir.Cursor, now time.Time) (Message, error) {
	return newMessage(TypeCursor, sessionID, participantID, c, now)
}

// NewSelection wraps a selection range.
func NewSelection(sessionID, participantID string, s ir.Selection, now time.Time) (Message, error) {
	return newMessage(TypeSelection, sessionID, participantID, s, now)
}

// NewPresence wraps a presence action. p may be nil for heartbeats.
func NewPresence(sessionID, participantID string, action PresenceAction, p *ir.Participant, now time.Time) (Message, error) {
	return newMessage(TypePresence, sessionID, participantID, PresenceData{Action: action, Participant: p}, now)
}

// NewSyncRequest asks an authoritative peer for the session snapshot.
func NewSyncRequest(sessionID, participantID string, now time.Time) (Message, error) {
	return newMessage(TypeSync, sessionID, participantID, SyncData{Action: SyncRequest}, now)
}

// NewSyncResponse carries a snapshot blob produced by engine.SerializeState.
func NewSyncResponse(sessionID, participantID string, state []byte, now time.Time) (Message, error) {
	if !json.Valid(state) {
		return Message{}, fmt.Errorf("%w: sync state is not JSON", ErrMalformed)
	}
	return newMessage(TypeSync, sessionID, participantID, SyncData{Action: SyncResponse, State: state}, now)
}

// NewError reports a failure to a peer.
func NewError(sessionID, participantID, code, message string, now time.Time) (Message, error) {
	return newMessage(TypeError, sessionID, participantID, ErrorData{Code: code, Message: message}, now)
}

// Encode serializes a message into one frame.
func Encode(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return json.Marshal(m)
}

// Decode parses one frame. Frames with an unknown type, no session id or
// no data are rejected with ErrMalformed.
func Decode(frame []byte) (Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(frame))
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	if m.SessionID == "" {
		return Message{}, fmt.Errorf("%w: missing sessionId", ErrMalformed)
	}
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return Message{}, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	return m, nil
}

func (m Message) decodeData(want MessageType, out any) error {
	if m.Type != want {
		return fmt.Errorf("%w: expected %s payload, message is %s", ErrMalformed, want, m.Type)
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, want, err)
	}
	return nil
}

// Operation decodes the payload of an operation message.
// The causal stamp is rebuilt from its pair-list form.
func (m Message) Operation() (ir.Operation, error) {
	var op ir.Operation
	if err := m.decodeData(TypeOperation, &op); err != nil {
		return ir.Operation{}, err
	}
	if !op.Kind.Valid() {
		return ir.Operation{}, fmt.Errorf("%w: unknown operation type %q", ErrMalformed, op.Kind)
	}
	if op.ID == "" {
		return ir.Operation{}, fmt.Errorf("%w: operation id is required", ErrMalformed)
	}
	return op, nil
}

// Cursor decodes the payload of a cursor message.
func (m Message) Cursor() (ir.Cursor, error) {
	var c ir.Cursor
	err := m.decodeData(TypeCursor, &c)
	return c, err
}

// Selection decodes the payload of a selection message.
func (m Message) Selection() (ir.Selection, error) {
	var s ir.Selection
	err := m.decodeData(TypeSelection, &s)
	return s, err
}

// Presence decodes the payload of a presence message.
func (m Message) Presence() (PresenceData, error) {
	var p PresenceData
	if err := m.decodeData(TypePresence, &p); err != nil {
		return PresenceData{}, err
	}
	switch p.Action {
	case PresenceJoin, PresenceLeave, PresenceHeartbeat:
		return p, nil
	}
	return PresenceData{}, fmt.Errorf("%w: unknown presence action %q", ErrMalformed, p.Action)
}

// Sync decodes the payload of a sync message.
func (m Message) Sync() (SyncData, error) {
	var s SyncData
	if err := m.decodeData(TypeSync, &s); err != nil {
		return SyncData{}, err
	}
	switch s.Action {
	case SyncRequest:
		return s, nil
	case SyncResponse:
		if len(s.State) == 0 {
			return SyncData{}, fmt.Errorf("%w: sync response without state", ErrMalformed)
		}
		return s, nil
	}
	return SyncData{}, fmt.Errorf("%w: unknown sync action %q", ErrMalformed, s.Action)
}

// Error decodes the payload of an error message.
func (m Message) Error() (ErrorData, error) {
	var e ErrorData
	err := m.decodeData(TypeError, &e)
	return e, err
}
