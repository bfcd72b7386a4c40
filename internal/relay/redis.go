package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker fans frames out through Redis pub/sub, one channel per
// session named prefix+sessionID, so several relay instances can serve the
// same session.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisBroker wraps a connected client. A nil logger uses slog.Default().
func NewRedisBroker(client *redis.Client, prefix string, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, prefix: prefix, logger: logger}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return client, nil
}

// Channel returns the pub/sub channel of a session.
func (b *RedisBroker) Channel(sessionID string) string {
	return b.prefix + sessionID
}

// Publish sends env on the session channel.
func (b *RedisBroker) Publish(ctx context.Context, sessionID string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(sessionID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.Channel(sessionID), err)
	}
	return nil
}

// Subscribe pattern-subscribes to every session channel and delivers
// envelopes to fn from a single goroutine until Close.
func (b *RedisBroker) Subscribe(ctx context.Context, fn Handler) error {
	ps := b.client.PSubscribe(ctx, b.prefix+"*")
	// Wait for confirmation so publishes after Subscribe returns are seen.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("psubscribe %s*: %w", b.prefix, err)
	}

	b.mu.Lock()
	b.pubsub = ps
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping undecodable envelope", "channel", msg.Channel, "error", err)
				continue
			}
			fn(strings.TrimPrefix(msg.Channel, b.prefix), env)
		}
	}()
	return nil
}

// Close ends the subscription. The client stays open.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	b.pubsub = nil
	return err
}
