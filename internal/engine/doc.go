// Package engine implements the canvas sync engine.
//
// The engine owns every session's document buffer, participant list and
// causal clock. Editors call it directly for local mutations; the
// connection manager feeds it operations received from peers.
//
// ARCHITECTURE:
//
// Session Registry:
// Pure bookkeeping of which sessions and participants exist. Consulted
// before every mutation; never returns errors itself.
//
// Operation Log:
// Each session's document applies insert/delete operations to a rune
// buffer in arrival order, clamping positions into [0, len]. Applied
// operations are kept (bounded) for audit and duplicate suppression.
//
// Causal Stamps:
// Every local operation carries a vector clock in which only the local
// participant's counter moved, by exactly one. Remote stamps are stored as
// received and merged into the session clock. They never reorder application:
// concurrent edits to overlapping ranges can diverge across replicas.
//
// Event Processing Flow:
// 1. Editor calls ApplyLocalUpdate -> operation stamped, applied, returned
// 2. Caller hands the operation to the connection manager for broadcast
// 3. Peers call ApplyRemoteUpdate with it
// 4. Subscribers receive a content event after each application
//
// ERROR POLICY:
// Synchronous user-intentional calls (JoinSession, ApplyLocalUpdate) fail
// with ErrSessionNotFound. Remote and presence paths (ApplyRemoteUpdate,
// LeaveSession, UpdateCursor, CloseSession) absorb a missing session,
// because they can race a teardown initiated elsewhere.
package engine
