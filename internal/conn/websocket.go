package conn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/canvassync/internal/protocol"
)

// WebsocketSettings tunes WebsocketDialer.
type WebsocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	Header           http.Header
}

// DefaultWebsocketSettings returns the stock dialer settings.
func DefaultWebsocketSettings() *WebsocketSettings {
	return &WebsocketSettings{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// WebsocketDialer opens protocol channels over gorilla websockets, one
// text message per frame.
type WebsocketDialer struct {
	settings *WebsocketSettings
	dialer   *websocket.Dialer
}

// NewWebsocketDialer creates a dialer. Nil settings use the defaults.
func NewWebsocketDialer(settings *WebsocketSettings) *WebsocketDialer {
	if settings == nil {
		settings = DefaultWebsocketSettings()
	}
	return &WebsocketDialer{
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
	}
}

// Dial implements protocol.Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, target string) (protocol.Channel, error) {
	ws, _, err := d.dialer.DialContext(ctx, target, d.settings.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewWebsocketChannel(ws, d.settings.WriteTimeout, d.settings.ReadLimit), nil
}

// WebsocketChannel adapts a websocket connection to protocol.Channel.
// The relay uses it for accepted connections too.
type WebsocketChannel struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebsocketChannel wraps an open connection. readLimit <= 0 keeps the
// gorilla default.
func NewWebsocketChannel(ws *websocket.Conn, writeTimeout time.Duration, readLimit int64) *WebsocketChannel {
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	return &WebsocketChannel{ws: ws, writeTimeout: writeTimeout}
}

// Read returns the next data message.
func (c *WebsocketChannel) Read() ([]byte, error) {
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// Write sends one frame as a text message.
func (c *WebsocketChannel) Write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(c.deadline())
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Ping sends a websocket ping control frame.
func (c *WebsocketChannel) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, c.deadline())
}

// deadline is zero, meaning no timeout, when writeTimeout is unset.
func (c *WebsocketChannel) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

// SetReadDeadline bounds the next Read.
func (c *WebsocketChannel) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetPongHandler installs a handler for pong control frames.
func (c *WebsocketChannel) SetPongHandler(h func(string) error) {
	c.ws.SetPongHandler(h)
}

// Close sends a normal close frame and closes the connection. Idempotent.
func (c *WebsocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
