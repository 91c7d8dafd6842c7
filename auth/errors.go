package auth

import (
	"errors"
	"net/http"
)

// ErrorKind classifies authentication failures.
type ErrorKind int

const (
	ErrorMissingAPIKey ErrorKind = iota + 1
	ErrorMissingHeader
	ErrorMalformedAuth
	ErrorAuthenticationFailed
	ErrorInvalidRequest
	ErrorEngine
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorMissingAPIKey:
		return "missing_api_key"
	case ErrorMissingHeader:
		return "missing_header"
	case ErrorMalformedAuth:
		return "malformed_auth"
	case ErrorAuthenticationFailed:
		return "authentication_failed"
	case ErrorInvalidRequest:
		return "invalid_request"
	case ErrorEngine:
		return "engine_error"
	default:
		return "unknown"
	}
}

// Error is an authentication failure. Message is safe to send to the peer; Err is only logged.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode is the HTTP status the failure is answered with.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case ErrorInvalidRequest:
		return http.StatusBadRequest
	case ErrorEngine:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// NewError returns an *Error of kind with a peer-safe message.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ErrForbidden is returned by policies that deny a method.
var ErrForbidden = errors.New("forbidden")

// asError classifies err, treating anything unexpected as an engine failure.
func asError(err error) *Error {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}
	return NewError(ErrorEngine, "authentication unavailable", err)
}
