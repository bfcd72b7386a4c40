package conn

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Reconnect strategies.
const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
)

// Settings configures a Manager.
type Settings struct {
	// URL is the relay base, e.g. ws://localhost:8090. The manager dials
	// URL/sessions/{sessionID}/ws?participant={participantID}.
	URL string

	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	// ReconnectStrategy is StrategyFixed or StrategyExponential. Exponential
	// starts at ReconnectInterval and is capped by MaxReconnectInterval.
	ReconnectStrategy    string
	MaxReconnectInterval time.Duration

	DialTimeout time.Duration
}

// DefaultSettings returns the stock client settings.
func DefaultSettings() *Settings {
	return &Settings{
		URL:                  "ws://localhost:8090",
		HeartbeatInterval:    30 * time.Second,
		ReconnectInterval:    1 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectStrategy:    StrategyFixed,
		MaxReconnectInterval: 30 * time.Second,
		DialTimeout:          10 * time.Second,
	}
}

// newReconnectPolicy builds the delay source for reconnect attempts. The
// attempt budget is enforced by the manager, not the policy.
func newReconnectPolicy(s *Settings) backoff.BackOff {
	if s.ReconnectStrategy == StrategyExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.ReconnectInterval
		if s.MaxReconnectInterval > 0 {
			b.MaxInterval = s.MaxReconnectInterval
		}
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(s.ReconnectInterval)
}
