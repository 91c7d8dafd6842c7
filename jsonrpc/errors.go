package jsonrpc

import (
	"errors"
	"fmt"
)

// Reserved JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MCP application error codes.
const (
	// CodeServerError is the generic server-side failure, used for provider errors and timeouts.
	CodeServerError = -32000
	// CodeAuthenticationRequired is returned when a call needs credentials the peer did not present.
	CodeAuthenticationRequired = -32001
	// CodeNotInitialized doubles as "authorization denied": both mean the session may not run the method yet.
	CodeNotInitialized      = -32002
	CodeAuthorizationDenied = -32002
)

// Error is the JSON-RPC error object. It implements error so protocol failures can travel
// through ordinary error returns and be recovered with errors.As.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError returns an error object with the given code and message.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// ErrParse reports malformed JSON.
func ErrParse(detail string) *Error {
	return &Error{Code: CodeParseError, Message: "Parse error", Data: detailData(detail)}
}

// ErrInvalidRequest reports a structurally invalid JSON-RPC message.
func ErrInvalidRequest(detail string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Invalid request", Data: detailData(detail)}
}

// ErrMethodNotFound reports an unknown or unadvertised method.
func ErrMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Method not found", Data: map[string]any{"method": method}}
}

// ErrInvalidParams reports params that failed to decode or validate.
func ErrInvalidParams(detail string) *Error {
	return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: detailData(detail)}
}

// ErrInternal reports an unexpected failure. It never carries the underlying cause.
func ErrInternal() *Error {
	return &Error{Code: CodeInternalError, Message: "Internal error"}
}

// ErrServer reports a classified server-side failure with a safe description.
func ErrServer(message string, data any) *Error {
	return &Error{Code: CodeServerError, Message: message, Data: data}
}

func detailData(detail string) any {
	if detail == "" {
		return nil
	}
	return map[string]any{"detail": detail}
}

// AsError extracts a *Error from err, falling back to an internal error.
func AsError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return ErrInternal()
}
