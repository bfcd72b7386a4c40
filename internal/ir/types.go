package ir

import (
	"fmt"
	"time"
)

// OpKind distinguishes text operations.
type OpKind string

const (
	// OpInsert splices Text into the buffer at Position.
	OpInsert OpKind = "insert"
	// OpDelete removes Length runes starting at Position.
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	return k == OpInsert || k == OpDelete
}

// Operation is an atomic insert or delete with causal metadata.
// ID is unique within a session.
type Operation struct {
	ID            string      `json:"id"`
	Kind          OpKind      `json:"type"`
	Position      int         `json:"position"`
	Text          string      `json:"content,omitempty"` // insert only
	Length        int         `json:"length,omitempty"`  // delete only
	ParticipantID string      `json:"participantId"`
	Timestamp     int64       `json:"timestamp"`   // Unix milliseconds
	Clock         CausalStamp `json:"vectorClock"` // stamp at emission
}

// Update is a local content mutation requested by an editor.
// It becomes an Operation once the engine stamps it.
type Update struct {
	Kind     OpKind `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"content,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// ValidationError represents a validation error with field path and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks that the update can be applied.
// Out-of-range positions are not an error; they are clamped on application.
func (u Update) Validate() error {
	if !u.Kind.Valid() {
		return ValidationError{Field: "type", Message: fmt.Sprintf("unknown operation type %q", u.Kind)}
	}
	if u.Kind == OpDelete && u.Length < 0 {
		return ValidationError{Field: "length", Message: "must not be negative"}
	}
	return nil
}

// Cursor is a line/column caret position.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a line range.
type Selection struct {
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}

// Participant is one collaborator in a session.
// Identity fields (ID, Name, Color) come from an external identity component.
type Participant struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Color      string  `json:"color"`
	Cursor     *Cursor `json:"cursor,omitempty"`
	IsOnline   bool    `json:"isOnline"`
	LastActive int64   `json:"lastActive"` // Unix milliseconds
}

// Permissions are the capability flags of a session.
type Permissions struct {
	CanEdit    bool `json:"canEdit"`
	CanComment bool `json:"canComment"`
	CanShare   bool `json:"canShare"`
	CanExport  bool `json:"canExport"`
}

// FullPermissions returns the permission set granted on session creation.
func FullPermissions() Permissions {
	return Permissions{CanEdit: true, CanComment: true, CanShare: true, CanExport: true}
}

// Session is one shared editable document plus its participants.
// Participants are ordered by first join and unique by ID.
type Session struct {
	ID           string        `json:"id"`
	DocumentID   string        `json:"documentId"`
	OwnerID      string        `json:"ownerId"`
	Participants []Participant `json:"participants"`
	Permissions  Permissions   `json:"permissions"`
	IsActive     bool          `json:"isActive"`
	CreatedAt    int64         `json:"createdAt"` // Unix milliseconds
}

// Participant returns the participant with the given id.
func (s Session) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Clone returns a deep copy so callers cannot alias engine state.
func (s Session) Clone() Session {
	out := s
	out.Participants = make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		out.Participants[i] = p.Clone()
	}
	return out
}

// Clone returns a deep copy of the participant.
func (p Participant) Clone() Participant {
	if p.Cursor != nil {
		c := *p.Cursor
		p.Cursor = &c
	}
	return p
}

// Millis converts t to the Unix millisecond form used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
