package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canvassync/internal/ir"
)

func TestDocument_Apply(t *testing.T) {
	tests := []struct {
		name    string
		content string
		op      ir.Operation
		want    string
	}{
		{"insert start", "abc", ir.Operation{Kind: ir.OpInsert, Position: 0, Text: "X"}, "Xabc"},
		{"insert end", "abc", ir.Operation{Kind: ir.OpInsert, Position: 3, Text: "X"}, "abcX"},
		{"insert past end clamps", "abc", ir.Operation{Kind: ir.OpInsert, Position: 10, Text: "X"}, "abcX"},
		{"insert negative clamps", "abc", ir.Operation{Kind: ir.OpInsert, Position: -1, Text: "X"}, "Xabc"},
		{"delete middle", "abcdef", ir.Operation{Kind: ir.OpDelete, Position: 2, Length: 2}, "abef"},
		{"delete past end clamps", "abc", ir.Operation{Kind: ir.OpDelete, Position: 1, Length: 10}, "a"},
		{"delete at end is no-op", "abc", ir.Operation{Kind: ir.OpDelete, Position: 3, Length: 1}, "abc"},
		{"delete negative length", "abc", ir.Operation{Kind: ir.OpDelete, Position: 1, Length: -2}, "abc"},
		{"runes not bytes", "héllo", ir.Operation{Kind: ir.OpDelete, Position: 1, Length: 1}, "hllo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newDocument(tt.content, NewClock(), 0)
			doc.apply(tt.op)
			assert.Equal(t, tt.want, doc.content())
		})
	}
}

func TestDocument_HistoryLimit(t *testing.T) {
	doc := newDocument("", NewClock(), 3)

	for i := 0; i < 5; i++ {
		doc.apply(ir.Operation{ID: fmt.Sprintf("op-%d", i), Kind: ir.OpInsert, Text: "x"})
	}

	ops := doc.operations()
	require.Len(t, ops, 3)
	assert.Equal(t, "op-2", ops[0].ID)
	assert.Equal(t, "op-4", ops[2].ID)
	assert.False(t, doc.seen("op-0"), "evicted ids are forgotten")
	assert.True(t, doc.seen("op-4"))
	assert.Equal(t, "xxxxx", doc.content(), "eviction never touches the buffer")
}

func TestDocument_RememberIsBounded(t *testing.T) {
	doc := newDocument("", NewClock(), 2)
	doc.remember("a")
	doc.remember("b")
	doc.remember("a")
	doc.remember("")
	assert.Equal(t, []string{"a", "b"}, doc.appliedIDs())

	doc.apply(ir.Operation{ID: "c", Kind: ir.OpInsert, Text: "x"})
	assert.Equal(t, []string{"b", "c"}, doc.appliedIDs())
	assert.False(t, doc.seen("a"))
	assert.Len(t, doc.operations(), 1, "remembered ids have no log entry")
}
