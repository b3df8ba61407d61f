package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound     = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden    = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrValidation   = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal     = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// Token lifecycle outcomes. These are first-class results the caller branches
// on, not faults: TOKEN_ALREADY_USED on a refresh token is a replay signal and
// must stay distinguishable from ordinary expiry.
var (
	ErrMalformedToken = New("MALFORMED_TOKEN", http.StatusBadRequest, "malformed token")
	ErrWrongPurpose   = New("WRONG_PURPOSE", http.StatusBadRequest, "token purpose mismatch")
	ErrTokenRevoked   = New("TOKEN_REVOKED", http.StatusUnauthorized, "token has been revoked")
	ErrTokenUsed      = New("TOKEN_ALREADY_USED", http.StatusUnauthorized, "token has already been used")
	ErrTokenExpired   = New("TOKEN_EXPIRED", http.StatusUnauthorized, "token has expired")
	ErrSecretMismatch = New("SECRET_MISMATCH", http.StatusUnauthorized, "token secret mismatch")
	ErrInvalidSession = New("INVALID_SESSION", http.StatusUnauthorized, "session is not valid")

	// ErrUnknownKey means a token names a signing key this deployment has
	// never persisted. That is a credential problem, unlike KEY_UNAVAILABLE
	// which is a key we own but cannot currently open.
	ErrUnknownKey = New("UNKNOWN_KEY", http.StatusUnauthorized, "unknown signing key")
)

// Infrastructure failures. Retryable; never surfaced to end users as
// credential problems.
var (
	ErrKeyUnavailable   = New("KEY_UNAVAILABLE", http.StatusServiceUnavailable, "signing key unavailable")
	ErrStoreUnavailable = New("STORE_UNAVAILABLE", http.StatusServiceUnavailable, "persistence unavailable")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// Is reports whether err carries the same code as target. Lifecycle outcomes
// are compared by code so wrapped and cloned instances still match.
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == target.Code
}
