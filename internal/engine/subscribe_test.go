package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenerTable_OrderAndDispose(t *testing.T) {
	tbl := newListenerTable()
	var calls []string

	tbl.add("s", func(ChangeEvent) { calls = append(calls, "first") })
	dispose := tbl.add("s", func(ChangeEvent) { calls = append(calls, "second") })
	tbl.add("s", func(ChangeEvent) { calls = append(calls, "third") })

	tbl.notify([]ChangeEvent{{SessionID: "s"}})
	assert.Equal(t, []string{"first", "second", "third"}, calls)

	calls = nil
	dispose()
	dispose()
	tbl.notify([]ChangeEvent{{SessionID: "s"}})
	assert.Equal(t, []string{"first", "third"}, calls)
}

func TestListenerTable_DisposeDuringNotify(t *testing.T) {
	tbl := newListenerTable()
	count := 0

	var dispose func()
	dispose = tbl.add("s", func(ChangeEvent) {
		count++
		dispose()
	})
	tbl.add("s", func(ChangeEvent) { count++ })

	tbl.notify([]ChangeEvent{{SessionID: "s"}, {SessionID: "s"}})
	assert.Equal(t, 3, count, "self-disposing listener sees only the first event")
}

func TestListenerTable_Drop(t *testing.T) {
	tbl := newListenerTable()
	count := 0
	tbl.add("s", func(ChangeEvent) { count++ })

	tbl.drop("s")
	tbl.notify([]ChangeEvent{{SessionID: "s"}})
	assert.Equal(t, 0, count)
}
