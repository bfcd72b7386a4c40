package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/roach88/canvassync/internal/protocol"
)

// ErrChannelClosed is returned by writes to a closed FakeChannel.
var ErrChannelClosed = errors.New("fake channel closed")

// FakeChannel is an in-memory protocol.Channel. The test plays the relay:
// Deliver injects inbound frames, Written returns what the client sent,
// and Close simulates the relay dropping the connection.
//
// Thread-safety: All methods are safe for concurrent use.
type FakeChannel struct {
	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	notify   chan struct{}
}

// NewFakeChannel creates an open channel.
func NewFakeChannel() *FakeChannel {
	return &FakeChannel{
		inbound: make(chan []byte),
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Read blocks until Deliver supplies a frame or the channel closes.
func (c *FakeChannel) Read() ([]byte, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.done:
		return nil, io.EOF
	}
}

// Write records the frame, or fails if the channel is closed or FailWrites
// was set.
func (c *FakeChannel) Write(frame []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), frame...))
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close closes the channel. Pending and future Reads return io.EOF.
// Idempotent.
func (c *FakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Closed reports whether Close was called.
func (c *FakeChannel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Deliver hands one inbound frame to the reader. It blocks until the frame
// is read and returns false if the channel closed first.
func (c *FakeChannel) Deliver(frame []byte) bool {
	select {
	case c.inbound <- frame:
		return true
	case <-c.done:
		return false
	}
}

// FailWrites makes every later Write return err. Nil restores writes.
func (c *FakeChannel) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Written returns a copy of every frame written so far, in order.
func (c *FakeChannel) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Messages decodes Written. Frames that fail to decode are skipped.
func (c *FakeChannel) Messages() []protocol.Message {
	var out []protocol.Message
	for _, f := range c.Written() {
		if m, err := protocol.Decode(f); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// WaitWritten blocks until at least n frames were written or timeout elapses.
func (c *FakeChannel) WaitWritten(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		got := len(c.written)
		c.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-c.notify:
		case <-deadline:
			return false
		}
	}
}

// ScriptedDialer is a protocol.Dialer whose results are queued upfront.
// Each Dial consumes the next result; once the script is empty every Dial
// fails with ErrScriptExhausted.
type ScriptedDialer struct {
	mu      sync.Mutex
	script  []dialResult
	targets []string
}

type dialResult struct {
	ch  *FakeChannel
	err error
}

// ErrScriptExhausted is returned once every scripted result was consumed.
var ErrScriptExhausted = errors.New("no scripted dial result")

// NewScriptedDialer creates a dialer with an empty script.
func NewScriptedDialer() *ScriptedDialer {
	return &ScriptedDialer{}
}

// Accept queues a successful dial returning ch.
func (d *ScriptedDialer) Accept(ch *FakeChannel) *ScriptedDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, dialResult{ch: ch})
	return d
}

// Refuse queues a failed dial.
func (d *ScriptedDialer) Refuse(err error) *ScriptedDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, dialResult{err: err})
	return d
}

// Dial implements protocol.Dialer.
func (d *ScriptedDialer) Dial(ctx context.Context, target string) (protocol.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if len(d.script) == 0 {
		return nil, ErrScriptExhausted
	}
	r := d.script[0]
	d.script = d.script[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.ch, nil
}

// Calls returns how many times Dial was invoked.
func (d *ScriptedDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

// Targets returns the dialed URLs in order.
func (d *ScriptedDialer) Targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}
