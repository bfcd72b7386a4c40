package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/canvassync/internal/ir"
)

// Snapshot is the serialized form of one session. It is enough to rebuild
// the participant list, permissions, document buffer and causal clock in a
// fresh engine. Applied carries the ids of recently applied operations so
// a restored replica still ignores their redelivery.
//
// Version 0 is accepted for blobs written by peers that omit the field.
type Snapshot struct {
	Version  int            `json:"version"`
	Session  ir.Session     `json:"session"`
	Document string         `json:"document"`
	Clock    ir.CausalStamp `json:"clock"`
	Applied  []string       `json:"applied,omitempty"`
}

// SerializeState encodes a session snapshot.
//
// Returns ErrSessionNotFound if the session does not exist.
func (e *Engine) SerializeState(sessionID string) ([]byte, error) {
	snap, err := e.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("serialize session %s: %w", sessionID, err)
	}
	return data, nil
}

// Snapshot returns the snapshot of a session without encoding it.
func (e *Engine) Snapshot(sessionID string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.registry.get(sessionID)
	doc, ok := e.docs[sessionID]
	if s == nil || !ok {
		return Snapshot{}, newSessionNotFound(sessionID)
	}
	return Snapshot{
		Version:  ir.SnapshotVersion,
		Session:  s.Clone(),
		Document: doc.content(),
		Clock:    doc.clock.Current(),
		Applied:  doc.appliedIDs(),
	}, nil
}

// DecodeSnapshot parses and validates a snapshot blob.
func DecodeSnapshot(blob []byte) (Snapshot, error) {
	var snap Snapshot
	dec := json.NewDecoder(bytes.NewReader(blob))
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, newDeserializationError(err)
	}
	if dec.More() {
		return Snapshot{}, newDeserializationError(errors.New("trailing data after snapshot"))
	}
	if err := snap.validate(); err != nil {
		return Snapshot{}, newDeserializationError(err)
	}
	return snap, nil
}

func (s *Snapshot) validate() error {
	if s.Version < 0 || s.Version > ir.SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	if s.Session.ID == "" {
		return errors.New("session.id is required")
	}
	seen := make(map[string]bool, len(s.Session.Participants))
	for i, p := range s.Session.Participants {
		if p.ID == "" {
			return fmt.Errorf("session.participants[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("session.participants[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// DeserializeState restores a session from a snapshot blob and returns its
// id. The session keeps the id recorded in the snapshot; a live session with
// that id is replaced, which is how late joiners catch up.
//
// Returns ErrDeserialization on malformed input; engine state is untouched.
func (e *Engine) DeserializeState(blob []byte) (string, error) {
	snap, err := DecodeSnapshot(blob)
	if err != nil {
		e.logger.Warn("rejecting malformed snapshot", "error", err)
		return "", err
	}
	return e.Restore(snap), nil
}

// Restore installs a decoded snapshot and returns the session id.
func (e *Engine) Restore(snap Snapshot) string {
	s := snap.Session.Clone()
	if s.Participants == nil {
		s.Participants = []ir.Participant{}
	}

	e.mu.Lock()
	_, replaced := e.docs[s.ID]
	e.registry.put(&s)
	doc := newDocument(snap.Document, NewClockAt(snap.Clock), e.historyLimit)
	for _, id := range snap.Applied {
		doc.remember(id)
	}
	e.docs[s.ID] = doc
	e.mu.Unlock()

	e.logger.Debug("session restored", "session", s.ID, "document", s.DocumentID, "replaced", replaced)
	e.listeners.notify([]ChangeEvent{{
		Kind:      ChangeContent,
		SessionID: s.ID,
		Content:   snap.Document,
	}})
	return s.ID
}
