package models

import (
	"errors"
	"fmt"
)

// Errors used across the orchestration layer. A ValidationError rejects a
// request before any message is created and is never retried. A
// TransportError is a mid-stream provider or network failure; the partial
// assistant message is discarded and the turn can be retried. A
// ServerRequestError is a rejection from the remote backend and carries the
// server's message when it sent one. A user-initiated stop is not an error:
// the turn ends in the stopped state and never shows error UI.

// ValidationError rejects a request before any message is appended.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// NewValidationError creates a ValidationError with a user-facing reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransportError wraps a mid-stream provider or network failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ServerRequestError is a rejection from the remote backend.
type ServerRequestError struct {
	StatusCode int
	Message    string
}

func (e *ServerRequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server request failed (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server request failed (%d)", e.StatusCode)
}

// IsServerRequest reports whether err is a ServerRequestError.
func IsServerRequest(err error) bool {
	var se *ServerRequestError
	return errors.As(err, &se)
}
