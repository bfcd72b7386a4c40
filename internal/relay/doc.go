// Package relay implements the authoritative peer that canvas clients
// connect to.
//
// A Hub accepts websocket connections per session, routes frames between
// them through a Broker, and keeps a replica engine of every session it
// serves so late joiners can catch up with a sync request even when no other
// client is online. Replicas are persisted to a SnapshotStore.
//
// LocalBroker serves a single instance. RedisBroker lets several relay
// instances share sessions over Redis pub/sub.
package relay
