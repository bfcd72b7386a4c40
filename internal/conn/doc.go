// Package conn keeps a local engine in sync with a relay over a framed
// channel.
//
// A Manager dials the relay, announces the local participant, forwards
// local operations and presence, routes inbound frames into the engine, and
// re-emits them as typed events. Lost channels are retried on a fixed or
// exponential schedule up to a configured attempt budget; frames sent while
// offline wait in a FIFO queue.
//
// Usage:
//
//	eng := engine.New()
//	m := conn.New(eng, conn.NewWebsocketDialer(nil), conn.DefaultSettings())
//	off := m.On(conn.EventContentUpdated, func(ev conn.Event) { ... })
//	defer off()
//	if err := m.Connect(ctx, sessionID, me); err != nil { ... }
//	op, _ := eng.ApplyLocalUpdate(sessionID, update)
//	m.BroadcastOperation(op)
package conn
