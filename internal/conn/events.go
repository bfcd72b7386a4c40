package conn

import (
	"sync"

	"github.com/roach88/canvassync/internal/ir"
)

// EventType names a manager event.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventDisconnected      EventType = "disconnected"
	EventError             EventType = "error"
	EventContentUpdated    EventType = "content-updated"
	EventCursorMoved       EventType = "cursor-moved"
	EventSelectionChanged  EventType = "selection-changed"
	EventParticipantJoined EventType = "participant-joined"
	EventParticipantLeft   EventType = "participant-left"
)

// Event is delivered to handlers registered with Manager.On. Only the
// fields relevant to Type are set.
type Event struct {
	Type          EventType
	SessionID     string
	ParticipantID string

	Operation   *ir.Operation   // content-updated; nil after a sync restore
	Cursor      *ir.Cursor      // cursor-moved
	Selection   *ir.Selection   // selection-changed
	Participant *ir.Participant // participant-joined

	// Err is set on error events, and on the terminal disconnected event
	// after reconnects run out (ErrReconnectExhausted).
	Err error
}

// Handler receives manager events.
type Handler func(Event)

type handlerEntry struct {
	id int
	fn Handler
}

// eventBus is a typed observer table.
type eventBus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[EventType][]handlerEntry
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[EventType][]handlerEntry)}
}

func (b *eventBus) on(t EventType, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], handlerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.off(t, id) })
	}
}

func (b *eventBus) off(t EventType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[t]
	out := make([]handlerEntry, 0, len(entries))
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		delete(b.handlers, t)
		return
	}
	b.handlers[t] = out
}

// emit calls the handlers registered for each event's type, in
// registration order. Must not be called with the manager lock held.
func (b *eventBus) emit(events ...Event) {
	for _, ev := range events {
		b.mu.Lock()
		entries := b.handlers[ev.Type]
		b.mu.Unlock()
		for _, e := range entries {
			e.fn(ev)
		}
	}
}
