package engine

import (
	"slices"

	"github.com/roach88/canvassync/internal/ir"
)

// DefaultHistoryLimit is the default number of applied operations kept per session.
const DefaultHistoryLimit = 1000

// document is the DocumentState of one session: the text buffer, the
// operation log in application order, and the session's causal clock.
//
// Operations are applied strictly in arrival order. There is no causal
// reordering or transformation; two replicas that apply overlapping
// concurrent operations in different orders will diverge.
type document struct {
	text    []rune
	log     []ir.Operation
	applied map[string]struct{} // ids in known
	known   []string            // applied ids, oldest first
	clock   *Clock
	limit   int
}

func newDocument(content string, clock *Clock, limit int) *document {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &document{
		text:    []rune(content),
		applied: make(map[string]struct{}),
		clock:   clock,
		limit:   limit,
	}
}

// content returns the buffer as a string.
func (d *document) content() string {
	return string(d.text)
}

// remember marks an id as applied, forgetting the oldest past the limit.
func (d *document) remember(id string) {
	if id == "" {
		return
	}
	if _, ok := d.applied[id]; ok {
		return
	}
	d.applied[id] = struct{}{}
	d.known = append(d.known, id)
	if over := len(d.known) - d.limit; over > 0 {
		for _, old := range d.known[:over] {
			delete(d.applied, old)
		}
		d.known = append([]string(nil), d.known[over:]...)
	}
}

// appliedIDs returns the remembered ids, oldest first.
func (d *document) appliedIDs() []string {
	return slices.Clone(d.known)
}

// seen reports whether an operation with this id was applied recently.
func (d *document) seen(id string) bool {
	_, ok := d.applied[id]
	return ok
}

// clamp normalizes an operation against the current buffer: position into
// [0, len] and delete length into [0, len-position].
func (d *document) clamp(op ir.Operation) ir.Operation {
	n := len(d.text)
	if op.Position < 0 {
		op.Position = 0
	}
	if op.Position > n {
		op.Position = n
	}
	if op.Kind == ir.OpDelete {
		if op.Length < 0 {
			op.Length = 0
		}
		if op.Length > n-op.Position {
			op.Length = n - op.Position
		}
	}
	return op
}

// apply clamps op, splices it into the buffer and appends it to the log.
// Returns the operation as applied.
func (d *document) apply(op ir.Operation) ir.Operation {
	op = d.clamp(op)

	switch op.Kind {
	case ir.OpInsert:
		ins := []rune(op.Text)
		out := make([]rune, 0, len(d.text)+len(ins))
		out = append(out, d.text[:op.Position]...)
		out = append(out, ins...)
		out = append(out, d.text[op.Position:]...)
		d.text = out
	case ir.OpDelete:
		d.text = append(d.text[:op.Position], d.text[op.Position+op.Length:]...)
	}

	d.record(op)
	return op
}

// record appends to the log, evicting the oldest entries past the limit.
func (d *document) record(op ir.Operation) {
	d.log = append(d.log, op)
	d.remember(op.ID)
	if over := len(d.log) - d.limit; over > 0 {
		// Copy so the evicted prefix can be collected.
		d.log = append([]ir.Operation(nil), d.log[over:]...)
	}
}

// operations returns a copy of the log.
func (d *document) operations() []ir.Operation {
	out := make([]ir.Operation, len(d.log))
	for i, op := range d.log {
		op.Clock = op.Clock.Clone()
		out[i] = op
	}
	return out
}
