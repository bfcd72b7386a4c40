package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := newSessionNotFound("s-1")
	assert.Equal(t, "SESSION_NOT_FOUND: session not found (session=s-1)", err.Error())

	err = newDeserializationError(errors.New("unexpected EOF"))
	assert.Equal(t, "DESERIALIZATION_FAILED: malformed snapshot: unexpected EOF", err.Error())
}

func TestError_IsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("join: %w", newSessionNotFound("s-1"))

	assert.True(t, errors.Is(wrapped, ErrSessionNotFound))
	assert.True(t, IsSessionNotFound(wrapped))
	assert.False(t, errors.Is(wrapped, ErrDeserialization))
	assert.False(t, IsSessionNotFound(errors.New("other")))
	assert.False(t, IsSessionNotFound(nil))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := newInvalidUpdate("s", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrInvalidUpdate)
}
