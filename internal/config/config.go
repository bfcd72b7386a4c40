// Package config loads canvassync settings from YAML.
//
// Every field has a default, so an empty or partial file is valid. Unknown
// keys are rejected to catch typos like "heartbeat_intreval:".
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/canvassync/internal/conn"
)

// Config is the root of a canvassync config file.
type Config struct {
	Client Client `yaml:"client"`
	Relay  Relay  `yaml:"relay"`
	Log    Log    `yaml:"log"`
}

// Client configures the connection manager used by `canvassync peer`.
type Client struct {
	URL                  string        `yaml:"url"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectStrategy    string        `yaml:"reconnect_strategy"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
}

// Relay configures `canvassync serve`.
type Relay struct {
	Addr          string `yaml:"addr"`
	Database      string `yaml:"database"`
	RedisAddr     string `yaml:"redis_addr"` // empty = in-process broker
	ChannelPrefix string `yaml:"channel_prefix"`
	SnapshotEvery int    `yaml:"snapshot_every"`
	Revisions     int    `yaml:"revisions"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration.
func Default() *Config {
	cs := conn.DefaultSettings()
	return &Config{
		Client: Client{
			URL:                  cs.URL,
			HeartbeatInterval:    cs.HeartbeatInterval,
			ReconnectInterval:    cs.ReconnectInterval,
			MaxReconnectAttempts: cs.MaxReconnectAttempts,
			ReconnectStrategy:    cs.ReconnectStrategy,
			MaxReconnectInterval: cs.MaxReconnectInterval,
			WriteTimeout:         5 * time.Second,
			DialTimeout:          cs.DialTimeout,
		},
		Relay: Relay{
			Addr:          ":8090",
			Database:      "canvassync.db",
			ChannelPrefix: "canvas:",
			SnapshotEvery: 50,
			Revisions:     20,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Client.URL == "" {
		errs = append(errs, errors.New("client.url is required"))
	} else if !strings.HasPrefix(c.Client.URL, "ws://") && !strings.HasPrefix(c.Client.URL, "wss://") {
		errs = append(errs, fmt.Errorf("client.url %q must use ws:// or wss://", c.Client.URL))
	}
	if c.Client.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("client.heartbeat_interval must not be negative"))
	}
	if c.Client.ReconnectInterval <= 0 {
		errs = append(errs, errors.New("client.reconnect_interval must be positive"))
	}
	if c.Client.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("client.max_reconnect_attempts must not be negative"))
	}
	switch c.Client.ReconnectStrategy {
	case conn.StrategyFixed, conn.StrategyExponential:
	default:
		errs = append(errs, fmt.Errorf("client.reconnect_strategy %q: want fixed or exponential", c.Client.ReconnectStrategy))
	}
	if c.Relay.Addr == "" {
		errs = append(errs, errors.New("relay.addr is required"))
	}
	if c.Relay.SnapshotEvery < 0 {
		errs = append(errs, errors.New("relay.snapshot_every must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ConnSettings converts the client section for conn.New.
func (c *Config) ConnSettings() *conn.Settings {
	return &conn.Settings{
		URL:                  c.Client.URL,
		HeartbeatInterval:    c.Client.HeartbeatInterval,
		ReconnectInterval:    c.Client.ReconnectInterval,
		MaxReconnectAttempts: c.Client.MaxReconnectAttempts,
		ReconnectStrategy:    c.Client.ReconnectStrategy,
		MaxReconnectInterval: c.Client.MaxReconnectInterval,
		DialTimeout:          c.Client.DialTimeout,
	}
}

// WebsocketSettings converts the client section for conn.NewWebsocketDialer.
func (c *Config) WebsocketSettings() *conn.WebsocketSettings {
	ws := conn.DefaultWebsocketSettings()
	ws.WriteTimeout = c.Client.WriteTimeout
	if c.Client.DialTimeout > 0 {
		ws.HandshakeTimeout = c.Client.DialTimeout
	}
	return ws
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q: want debug, info, warn or error", name)
}

// NewLogger builds the process logger writing to w.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(l.Level)
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
