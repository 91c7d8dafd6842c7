package oauth2

import (
	"fmt"
	"strings"
)

// ErrorKind classifies OAuth2 failures.
type ErrorKind int

const (
	ErrorTokenValidation ErrorKind = iota + 1
	ErrorExpiredSignature
	ErrorImmatureSignature
	ErrorInvalidAudience
	ErrorInvalidIssuer
	ErrorInvalidSignature
	ErrorBase64
	ErrorJSON
	ErrorUnknownKey
	ErrorJWKSFetch
	ErrorJWKSParse
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorTokenValidation:
		return "token_validation"
	case ErrorExpiredSignature:
		return "expired_signature"
	case ErrorImmatureSignature:
		return "immature_signature"
	case ErrorInvalidAudience:
		return "invalid_audience"
	case ErrorInvalidIssuer:
		return "invalid_issuer"
	case ErrorInvalidSignature:
		return "invalid_signature"
	case ErrorBase64:
		return "base64"
	case ErrorJSON:
		return "json"
	case ErrorUnknownKey:
		return "unknown_key"
	case ErrorJWKSFetch:
		return "jwks_fetch"
	case ErrorJWKSParse:
		return "jwks_parse"
	default:
		return "unknown"
	}
}

// Error is an OAuth2 failure.
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

// Retriable reports whether the failure lies with the key server rather than the token.
func (e *Error) Retriable() bool {
	return e.Kind == ErrorJWKSFetch || e.Kind == ErrorJWKSParse
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// InsufficientScopeError reports a method called without its required scope.
type InsufficientScopeError struct {
	Method   string
	Required string
	Provided []string
}

func (e *InsufficientScopeError) Error() string {
	return fmt.Sprintf("insufficient scope for %s: requires %s, have [%s]",
		e.Method, e.Required, strings.Join(e.Provided, " "))
}
