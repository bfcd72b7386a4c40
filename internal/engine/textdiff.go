package engine

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/roach88/canvassync/internal/ir"
)

// DiffUpdates returns the insert/delete updates that turn from into to,
// in the order they must be applied. Positions account for earlier updates
// in the list.
func DiffUpdates(from, to string) []ir.Update {
	if from == to {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(from, to, false))

	var updates []ir.Update
	pos := 0
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffInsert:
			updates = append(updates, ir.Update{Kind: ir.OpInsert, Position: pos, Text: d.Text})
			pos += n
		case diffmatchpatch.DiffDelete:
			updates = append(updates, ir.Update{Kind: ir.OpDelete, Position: pos, Length: n})
		}
	}
	return updates
}

// ApplyLocalText replaces a session's content with newContent by emitting
// the local operations DiffUpdates computes against the current buffer.
// Each operation is stamped and broadcastable like ApplyLocalUpdate's.
//
// Returns ErrSessionNotFound if the session does not exist.
func (e *Engine) ApplyLocalText(sessionID, newContent string) ([]ir.Operation, error) {
	e.mu.Lock()
	doc, ok := e.docs[sessionID]
	if !ok {
		e.mu.Unlock()
		return nil, newSessionNotFound(sessionID)
	}

	updates := DiffUpdates(doc.content(), newContent)
	ops := make([]ir.Operation, 0, len(updates))
	events := make([]ChangeEvent, 0, len(updates))
	for _, u := range updates {
		op := e.applyLocalLocked(doc, u)
		ops = append(ops, op)
		events = append(events, contentEvent(sessionID, doc.content(), op))
	}
	e.mu.Unlock()

	e.listeners.notify(events)
	for i := range ops {
		ops[i].Clock = ops[i].Clock.Clone()
	}
	return ops, nil
}
