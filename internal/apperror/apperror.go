// Package apperror defines the error taxonomy shared by every component and
// the mapping from taxonomy kind to HTTP status, so handlers never hand-pick
// a status code inline.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the canonical error categories.
type Kind string

const (
	KindMalformedInput     Kind = "malformed_input"
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindPayloadTooLarge    Kind = "payload_too_large"
	KindUnsupportedMedia   Kind = "unsupported_media_type"
	KindRateLimited        Kind = "rate_limited"
	KindUpstreamFailure    Kind = "upstream_failure"
	KindInternal           Kind = "internal"
	// KindForbiddenTierTooHigh is malformed-input in the taxonomy except it
	// maps to 403 rather than 400, per spec's explicit carve-out.
	KindForbiddenTierTooHigh Kind = "forbidden_tier_too_high"
)

// Error is an application error carrying a taxonomy Kind plus a message safe
// to return to the client.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// MalformedInput is a convenience constructor for the common 400 case.
func MalformedInput(format string, args ...any) *Error {
	return New(KindMalformedInput, fmt.Sprintf(format, args...))
}

// Unauthenticated is a convenience constructor for the common 401 case.
func Unauthenticated(message string) *Error {
	return New(KindUnauthenticated, message)
}

// Forbidden is a convenience constructor for the common 403 case.
func Forbidden(message string) *Error {
	return New(KindForbidden, message)
}

// NotFound is a convenience constructor for the common 404 case.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Conflict is a convenience constructor for the common 409 case.
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// RateLimited is a convenience constructor for the common 429 case.
func RateLimited(message string) *Error {
	return New(KindRateLimited, message)
}

// UpstreamFailure is a convenience constructor for the common 502 case.
func UpstreamFailure(message string, err error) *Error {
	return Wrap(KindUpstreamFailure, message, err)
}

// Internal is a convenience constructor for the common 500 case.
func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}

// HTTPStatus maps a Kind to its canonical HTTP status code per the error
// taxonomy table.
func HTTPStatus(k Kind) int {
	switch k {
	case KindMalformedInput:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindForbiddenTierTooHigh:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamFailure:
		return http.StatusBadGateway
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusFor returns the HTTP status for any error: the taxonomy status if err
// wraps an *Error, else 500.
func StatusFor(err error) int {
	if e, ok := As(err); ok {
		return HTTPStatus(e.Kind)
	}
	return http.StatusInternalServerError
}
