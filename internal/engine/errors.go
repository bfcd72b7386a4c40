package engine

import (
	"errors"
	"fmt"
)

// Error represents a failure surfaced by the sync engine.
//
// Only synchronous, user-intentional calls return errors:
//   - Session not found: JoinSession, ApplyLocalUpdate, ApplyLocalText, SerializeState
//   - Invalid update: ApplyLocalUpdate with an unknown kind or negative length
//   - Deserialization: DeserializeState with a malformed snapshot
//
// Remote reconciliation paths never return errors; they log and no-op.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// SessionID identifies the affected session, if any.
	SessionID string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeSessionNotFound indicates the session does not exist.
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// ErrCodeInvalidUpdate indicates a local update could not be stamped.
	ErrCodeInvalidUpdate ErrorCode = "INVALID_UPDATE"

	// ErrCodeDeserialization indicates a snapshot could not be restored.
	ErrCodeDeserialization ErrorCode = "DESERIALIZATION_FAILED"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrSessionNotFound = &Error{Code: ErrCodeSessionNotFound, Message: "session not found"}
	ErrInvalidUpdate   = &Error{Code: ErrCodeInvalidUpdate, Message: "invalid update"}
	ErrDeserialization = &Error{Code: ErrCodeDeserialization, Message: "malformed snapshot"}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session=%s)", msg, e.SessionID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code so wrapped errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// IsSessionNotFound returns true if the error is a session-not-found error.
// Uses errors.Is to handle wrapped errors.
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsDeserialization returns true if the error is a snapshot decoding error.
func IsDeserialization(err error) bool {
	return errors.Is(err, ErrDeserialization)
}

func newSessionNotFound(sessionID string) *Error {
	return &Error{
		Code:      ErrCodeSessionNotFound,
		Message:   "session not found",
		SessionID: sessionID,
	}
}

func newInvalidUpdate(sessionID string, err error) *Error {
	return &Error{
		Code:      ErrCodeInvalidUpdate,
		Message:   "invalid update",
		SessionID: sessionID,
		Err:       err,
	}
}

func newDeserializationError(err error) *Error {
	return &Error{
		Code:    ErrCodeDeserialization,
		Message: "malformed snapshot",
		Err:     err,
	}
}
