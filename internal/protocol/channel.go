package protocol

import "context"

// Channel is a bidirectional, message-framed connection to a relay.
// One frame is one encoded Message.
//
// Read blocks until a frame arrives or the channel closes; after Close it
// returns an error. Write and Close may be called concurrently with Read.
type Channel interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	Close() error
}

// Dialer opens channels. target is a fully-qualified relay URL.
type Dialer interface {
	Dial(ctx context.Context, target string) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target string) (Channel, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, target string) (Channel, error) {
	return f(ctx, target)
}
