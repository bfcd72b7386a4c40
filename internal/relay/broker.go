package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrBrokerClosed is returned by Publish after Close.
var ErrBrokerClosed = errors.New("broker closed")

// Envelope is one frame in flight between relay instances.
type Envelope struct {
	Origin string          `json:"origin"` // hub instance that accepted the frame
	PeerID string          `json:"peer"`   // connection on the origin hub; skipped on fan-out
	Frame  json.RawMessage `json:"frame"`
}

// Handler receives envelopes published for a session.
type Handler func(sessionID string, env Envelope)

// Broker fans frames out to every hub serving a session, including the
// publisher. Delivery for one session preserves publish order.
type Broker interface {
	Publish(ctx context.Context, sessionID string, env Envelope) error
	Subscribe(ctx context.Context, fn Handler) error
	Close() error
}

// LocalBroker delivers in-process, synchronously, in publish order. It
// serves a single relay instance.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

// NewLocalBroker creates an in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

// Publish calls every subscribed handler before returning.
func (b *LocalBroker) Publish(ctx context.Context, sessionID string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	handlers := b.handlers
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(sessionID, env)
	}
	return nil
}

// Subscribe registers fn for every session.
func (b *LocalBroker) Subscribe(ctx context.Context, fn Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.handlers = append(b.handlers, fn)
	return nil
}

// Close stops delivery. Idempotent.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
