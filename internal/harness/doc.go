// Package harness runs scripted engine scenarios.
//
// A scenario is a YAML file of steps executed against a fresh engine with
// deterministic session ids, operation ids and time, followed by
// expectations on the final state:
//
//	name: late_join_catch_up
//	description: "What this scenario demonstrates"
//	local: alice
//	steps:
//	  - action: create
//	    session: doc
//	    content: Hello
//	  - action: insert
//	    session: doc
//	    position: 5
//	    text: " world"
//	  - action: remote
//	    session: doc
//	    participant: bob
//	    id: r-1
//	    kind: delete
//	    length: 1
//	expect:
//	  - session: doc
//	    content: "ello world"
//	    participants: [alice]
//	    online: [alice]
//	    operations: 2
//
// Session is a label; the create step binds it to the engine id. Actions
// are create, join, leave, insert, delete, text, remote, cursor, close,
// serialize and restore. A step with an error field must fail with that
// engine error code.
//
// # Golden Files
//
// Each run produces a trace with one event per step. RunWithGolden compares
// it against testdata/golden/{name}.golden using goldie; regenerate with
//
//	go test ./internal/harness -update
package harness
