package engine

import (
	"sync"

	"github.com/roach88/canvassync/internal/ir"
)

// ChangeKind is the closed set of change notifications.
type ChangeKind string

const (
	// ChangeContent fires after the document buffer changed.
	ChangeContent ChangeKind = "content"
	// ChangeParticipant fires after a participant joined, left or moved.
	ChangeParticipant ChangeKind = "participant"
)

// ChangeEvent is delivered to subscribers of a session.
type ChangeEvent struct {
	Kind      ChangeKind
	SessionID string

	// Content is the document text after the change (ChangeContent).
	Content string

	// Operation is the applied operation. Nil when the whole buffer was
	// replaced from a snapshot.
	Operation *ir.Operation

	// Participant is the entry after the change (ChangeParticipant).
	Participant *ir.Participant
}

// Listener receives change events. It is invoked synchronously, outside the
// engine lock, so it may call back into the engine.
type Listener func(ChangeEvent)

type listenerEntry struct {
	id uint64
	fn Listener
}

// listenerTable maps session id -> listeners in registration order.
// Safe for concurrent use.
type listenerTable struct {
	mu     sync.Mutex
	nextID uint64
	bySess map[string][]listenerEntry
}

func newListenerTable() *listenerTable {
	return &listenerTable{bySess: make(map[string][]listenerEntry)}
}

// add registers fn and returns its disposer. Calling the disposer more than
// once is a no-op.
func (t *listenerTable) add(sessionID string, fn Listener) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.bySess[sessionID] = append(t.bySess[sessionID], listenerEntry{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(sessionID, id) })
	}
}

func (t *listenerTable) remove(sessionID string, id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.bySess[sessionID]
	for i, e := range entries {
		if e.id == id {
			// Build a new slice so a concurrent notify keeps its snapshot intact.
			next := make([]listenerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(t.bySess, sessionID)
			} else {
				t.bySess[sessionID] = next
			}
			return
		}
	}
}

// drop removes every listener of a session.
func (t *listenerTable) drop(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bySess, sessionID)
}

// notify delivers events in order. Listeners added during delivery see only
// later events.
func (t *listenerTable) notify(events []ChangeEvent) {
	for _, ev := range events {
		t.mu.Lock()
		entries := t.bySess[ev.SessionID]
		t.mu.Unlock()

		for _, e := range entries {
			e.fn(ev)
		}
	}
}
