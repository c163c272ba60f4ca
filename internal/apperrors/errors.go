// Package apperrors provides structured error handling for the control plane,
// mapping the error taxonomy onto HTTP status codes for rejected upgrades and
// WebSocket close codes for established connections.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Kind represents the category of error for close-code mapping and metrics.
type Kind string

const (
	// KindAuth indicates a missing, invalid or expired credential. The
	// upgrade is rejected (401) or the connection closed with 1008; the
	// request never proceeds further.
	KindAuth Kind = "auth"
	// KindProtocol indicates a malformed envelope, an unknown message type
	// or missing required headers (400 / close 1008).
	KindProtocol Kind = "protocol"
	// KindSessionNotFound indicates a message referencing a disposed or
	// unknown session (404 / close 1008 after a typed error message).
	KindSessionNotFound Kind = "session_not_found"
	// KindInternal indicates an unexpected fault (500 / close 1011).
	KindInternal Kind = "internal"
	// KindBridge indicates a media bridge fault. Always non-fatal: logged,
	// never closes the control connection.
	KindBridge Kind = "bridge"
)

// Error is a structured error with a kind, a machine-readable code and a
// human-readable message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status used when rejecting an upgrade request.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindProtocol:
		return http.StatusBadRequest
	case KindSessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// CloseCode returns the WebSocket close code for an established connection.
// Bridge errors return 0: they never terminate the control connection.
func (e *Error) CloseCode() int {
	switch e.Kind {
	case KindAuth, KindProtocol, KindSessionNotFound:
		return websocket.ClosePolicyViolation
	case KindInternal:
		return websocket.CloseInternalServerErr
	case KindBridge:
		return 0
	default:
		return websocket.CloseInternalServerErr
	}
}

// Auth creates an authentication error with a machine-readable code.
func Auth(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message}
}

// Protocol creates a protocol violation error.
func Protocol(code, message string) *Error {
	return &Error{Kind: KindProtocol, Code: code, Message: message}
}

// SessionNotFound creates an unknown/disposed-session error.
func SessionNotFound(message string) *Error {
	return &Error{Kind: KindSessionNotFound, Code: "session_not_found", Message: message}
}

// Internal wraps an unexpected fault.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: message, Cause: cause}
}

// Bridge wraps a media bridge fault. Bridge errors are always non-fatal.
func Bridge(message string, cause error) *Error {
	return &Error{Kind: KindBridge, Code: "bridge_error", Message: message, Cause: cause}
}

// KindOf extracts the kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the machine-readable code from any error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}
