package relay

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBroker_DeliversInOrderToEverySubscriber(t *testing.T) {
	b := NewLocalBroker()
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	for _, name := range []string{"a", "b"} {
		name := name
		require.NoError(t, b.Subscribe(ctx, func(sessionID string, env Envelope) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+sessionID+":"+string(env.Frame))
		}))
	}

	require.NoError(t, b.Publish(ctx, "s-1", Envelope{Origin: "h", Frame: json.RawMessage(`1`)}))
	require.NoError(t, b.Publish(ctx, "s-2", Envelope{Origin: "h", Frame: json.RawMessage(`2`)}))

	assert.Equal(t, []string{"a:s-1:1", "b:s-1:1", "a:s-2:2", "b:s-2:2"}, got)
}

func TestLocalBroker_Closed(t *testing.T) {
	b := NewLocalBroker()
	ctx := context.Background()
	calls := 0
	require.NoError(t, b.Subscribe(ctx, func(string, Envelope) { calls++ }))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "Close is idempotent")

	assert.ErrorIs(t, b.Publish(ctx, "s-1", Envelope{}), ErrBrokerClosed)
	assert.ErrorIs(t, b.Subscribe(ctx, func(string, Envelope) {}), ErrBrokerClosed)
	assert.Zero(t, calls)
}

func TestLocalBroker_CancelledContext(t *testing.T) {
	b := NewLocalBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Publish(ctx, "s-1", Envelope{}), context.Canceled)
}

func TestEnvelope_JSON(t *testing.T) {
	env := Envelope{Origin: "hub-1", PeerID: "p-1", Frame: json.RawMessage(`{"type":"cursor"}`)}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"origin":"hub-1","peer":"p-1","frame":{"type":"cursor"}}`, string(data))
}

// TestRedisBroker_RoundTrip needs a live server; set REDIS_ADDR to run it.
func TestRedisBroker_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := DialRedis(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	b := NewRedisBroker(client, "canvas-test:", quiet)
	t.Cleanup(func() { b.Close() })
	assert.Equal(t, "canvas-test:s-1", b.Channel("s-1"))

	type delivery struct {
		sessionID string
		env       Envelope
	}
	got := make(chan delivery, 1)
	require.NoError(t, b.Subscribe(ctx, func(sessionID string, env Envelope) {
		got <- delivery{sessionID, env}
	}))

	sent := Envelope{Origin: "hub-1", PeerID: "p-1", Frame: json.RawMessage(`{"type":"cursor"}`)}
	require.NoError(t, b.Publish(ctx, "s-1", sent))

	select {
	case d := <-got:
		assert.Equal(t, "s-1", d.sessionID)
		assert.Equal(t, sent.Origin, d.env.Origin)
		assert.Equal(t, sent.PeerID, d.env.PeerID)
		assert.JSONEq(t, string(sent.Frame), string(d.env.Frame))
	case <-time.After(waitFor):
		t.Fatal("no delivery from redis")
	}
}
