// Package chaterrors defines the error taxonomy shared by the connection manager,
// the REST collaborators and the engine.
//
// Every typed error carries the operation that failed and the wrapped cause, so
// callers can use errors.As to classify and errors.Cause / Unwrap to inspect.
package chaterrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConnectionError is a transient duplex-channel failure. The connection manager
// retries these up to its attempt bound before surfacing them.
type ConnectionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s: connection failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: connection failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError is never retried; the user has to log in again.
type AuthenticationError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: authentication rejected (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: authentication rejected: %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// NetworkError is a transient REST failure (transport error, timeout, 5xx).
// Repeating the operation is the expected recovery.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: network error (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// FormatError means the collaborator answered with an unexpected shape.
type FormatError struct {
	Op  string
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: unexpected response format: %v", e.Op, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// StreamError is an agent-side failure in the middle of a reply.
type StreamError struct {
	Reason string
}

func (e *StreamError) Error() string {
	return "agent reply failed: " + e.Reason
}

// IsRetryable reports whether repeating the failed operation may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		connErr *ConnectionError
		netErr  *NetworkError
	)
	return errors.As(err, &connErr) || errors.As(err, &netErr)
}

// IsAuthentication reports whether err (or its chain) is an AuthenticationError.
func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// Message renders err as the single human-readable line shown in the error slot.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var (
		connErr   *ConnectionError
		authErr   *AuthenticationError
		netErr    *NetworkError
		fmtErr    *FormatError
		streamErr *StreamError
	)
	switch {
	case errors.As(err, &authErr):
		return "Authentication failed, please log in again."
	case errors.As(err, &connErr):
		return "Connection error: " + causeText(connErr.Err)
	case errors.As(err, &netErr):
		return "Could not load messages (network problem), try again."
	case errors.As(err, &fmtErr):
		return "Received an unexpected response from the server."
	case errors.As(err, &streamErr):
		return "The agent failed to reply: " + streamErr.Reason
	default:
		return err.Error()
	}
}

func causeText(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
