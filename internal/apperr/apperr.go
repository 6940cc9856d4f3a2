// Package apperr provides a standardized error shape for the session
// coordination engine, distinguishing the error kinds the protocol needs
// to route correctly: some close the connection, some just reply with an
// Error frame, some are silently idempotent.
package apperr

import (
	"fmt"
	"net/http"
)

// Kind classifies an error for the purpose of connection-handling policy.
type Kind string

const (
	// KindTransient is a transient transport/store failure — retry with backoff.
	KindTransient Kind = "TRANSIENT"
	// KindProtocol is a malformed frame or out-of-order variant — send Error, close socket, keep session.
	KindProtocol Kind = "PROTOCOL"
	// KindAuth is an auth failure on Register — RegisterAck{success:false}, close, no session mutation.
	KindAuth Kind = "AUTH"
	// KindAuthz is an authorization failure (role) — Error + close the offending connection only.
	KindAuthz Kind = "AUTHZ"
	// KindNotFound names a missing session/resource.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict names a uniqueness violation (e.g. duplicate SessionMember).
	KindConflict Kind = "CONFLICT"
	// KindInternal is an unexpected internal failure.
	KindInternal Kind = "INTERNAL"
)

// Error is the standard error type returned across the store, router, and
// WebSocket layers. It carries enough context for the caller to decide
// between "re-ack and return", "Error frame and close", or "close and let
// the client reconnect" without string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps a Kind to the HTTP status used by the REST surface.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindProtocol:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindAuthz:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

func NotFound(resource string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func AuthFailed(message string) *Error {
	return New(KindAuth, message)
}

func Forbidden(message string) *Error {
	return New(KindAuthz, message)
}

func Protocol(message string) *Error {
	return New(KindProtocol, message)
}

func Transient(message string, err error) *Error {
	return Wrap(KindTransient, message, err)
}

func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	return ok && ae.Kind == kind
}
