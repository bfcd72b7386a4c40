package ir

// Version constants for the wire protocol and snapshot format.
const (
	// ProtocolVersion is the wire message schema version.
	ProtocolVersion = "1"

	// SnapshotVersion is the session snapshot format version.
	SnapshotVersion = 1

	// EngineVersion is the canvassync version.
	EngineVersion = "0.1.0"
)
