package engine

import (
	"slices"

	"github.com/roach88/canvassync/internal/ir"
)

// closedHistory bounds how many closed session ids the registry remembers
// for diagnostics.
const closedHistory = 256

// registry is the session/participant bookkeeping of the engine.
//
// It never produces errors: the Engine consults it before every mutation
// and decides whether a missing session is a failure or a silent no-op.
// Not safe for concurrent use; guarded by the Engine lock.
type registry struct {
	sessions map[string]*ir.Session
	closed   []string // recently closed ids, oldest first
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*ir.Session)}
}

// get returns the live session or nil.
func (r *registry) get(id string) *ir.Session {
	return r.sessions[id]
}

// put registers (or replaces) a session.
func (r *registry) put(s *ir.Session) {
	r.sessions[s.ID] = s
	if i := slices.Index(r.closed, s.ID); i >= 0 {
		r.closed = slices.Delete(r.closed, i, i+1)
	}
}

// remove drops the session and records it as recently closed.
// Returns false if there was nothing to remove.
func (r *registry) remove(id string) bool {
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	r.closed = append(r.closed, id)
	if len(r.closed) > closedHistory {
		r.closed = slices.Delete(r.closed, 0, len(r.closed)-closedHistory)
	}
	return true
}

// recentlyClosed distinguishes "just closed" from "never existed".
func (r *registry) recentlyClosed(id string) bool {
	return slices.Contains(r.closed, id)
}

// ids returns live session ids, sorted.
func (r *registry) ids() []string {
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// upsertParticipant inserts p or updates the existing entry in place,
// keeping its position in the list. Returns the stored participant.
func (r *registry) upsertParticipant(s *ir.Session, p ir.Participant) ir.Participant {
	for i := range s.Participants {
		if s.Participants[i].ID == p.ID {
			s.Participants[i] = p
			return p
		}
	}
	s.Participants = append(s.Participants, p)
	return p
}

// participant returns a pointer to the stored entry, or nil.
func (r *registry) participant(s *ir.Session, id string) *ir.Participant {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return &s.Participants[i]
		}
	}
	return nil
}
