package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrReconnectExhausted is carried by the terminal disconnected event
	// after MaxReconnectAttempts failed retries.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrNoSession is returned by broadcasts before Connect was called.
	ErrNoSession = errors.New("no session: call Connect first")

	// ErrSuperseded is returned by Connect when a later Connect or a
	// Disconnect won the race.
	ErrSuperseded = errors.New("connect superseded")
)

// TransportError wraps a channel failure with the step that failed.
type TransportError struct {
	Op  string // dial, write, read
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is an error message reported by the relay.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}
