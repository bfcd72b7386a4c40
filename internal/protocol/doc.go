// Package protocol defines the wire envelope exchanged between peers and
// relays, and the framed channel abstraction that carries it.
//
// Every frame is one JSON object:
//
//	{"type":"operation","sessionId":"...","participantId":"...","data":{...},"timestamp":1700000000000}
//
// data depends on type: an operation, a cursor, a selection, a presence
// action, a sync request/response, or an error report. Causal stamps inside
// operations travel as a sorted list of [participantId, counter] pairs.
package protocol
