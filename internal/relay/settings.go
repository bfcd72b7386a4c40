package relay

import "time"

// Settings tunes a Hub and its peers.
type Settings struct {
	// SnapshotEvery persists a session after this many applied operations.
	// Zero persists only when the last peer leaves.
	SnapshotEvery int

	SendBuffer   int           // frames buffered per peer before it is dropped
	WriteTimeout time.Duration // per-frame write deadline
	PongTimeout  time.Duration // read deadline, extended by any inbound frame or pong
	PingInterval time.Duration // must be shorter than PongTimeout
	ReadLimit    int64

	// ReplicaHistory bounds the operation log of each replica session.
	ReplicaHistory int
}

// DefaultSettings returns the stock relay settings.
func DefaultSettings() *Settings {
	return &Settings{
		SnapshotEvery:  50,
		SendBuffer:     256,
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   54 * time.Second,
		ReadLimit:      1 << 20,
		ReplicaHistory: 1000,
	}
}
