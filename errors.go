package mcp

import (
	"errors"
	"fmt"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

var (
	// ErrTransportClosed is returned by every operation on a closed transport.
	ErrTransportClosed = &TransportError{Kind: TransportErrorClosed, Message: "transport closed"}

	// ErrNotConnected is returned by client calls made before Connect succeeded or after Close.
	ErrNotConnected = errors.New("client is not connected")
	// ErrUnsupportedProtocolVersion is returned by Connect when the server answers with a
	// version this client does not know.
	ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")
	// ErrCapabilityNotSupported is returned by client calls outside the server's advertised capabilities.
	ErrCapabilityNotSupported = errors.New("capability not supported by server")
)

// TransportErrorKind classifies transport failures.
type TransportErrorKind int

const (
	TransportErrorOther TransportErrorKind = iota
	TransportErrorIO
	TransportErrorClosed
	TransportErrorTimeout
	TransportErrorFormat
)

func (k TransportErrorKind) String() string {
	switch k {
	case TransportErrorIO:
		return "io"
	case TransportErrorClosed:
		return "closed"
	case TransportErrorTimeout:
		return "timeout"
	case TransportErrorFormat:
		return "format"
	default:
		return "other"
	}
}

// TransportError is returned by Transport implementations.
type TransportError struct {
	Kind    TransportErrorKind
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s error: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("transport %s error: %s", e.Kind, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches any TransportError of the same kind, so errors.Is(err, ErrTransportClosed) holds
// for every closed-transport error.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	return ok && t.Kind == e.Kind && t.Message == e.Message
}

func transportError(kind TransportErrorKind, msg string, err error) *TransportError {
	return &TransportError{Kind: kind, Message: msg, Err: err}
}

// ToolError is a failure reported by a tool. The server answers tools/call successfully with
// isError set and Message as text content, so clients can show it without treating the session
// as broken.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string { return e.Message }

// NewToolError returns a ToolError with a formatted message.
func NewToolError(format string, args ...any) *ToolError {
	return &ToolError{Message: fmt.Sprintf(format, args...)}
}

// ProviderErrorKind classifies provider failures for the peer.
type ProviderErrorKind string

const (
	ProviderErrorNotFound         ProviderErrorKind = "not_found"
	ProviderErrorInvalidInput     ProviderErrorKind = "invalid_input"
	ProviderErrorPermissionDenied ProviderErrorKind = "permission_denied"
	ProviderErrorUnavailable      ProviderErrorKind = "unavailable"
	ProviderErrorInternal         ProviderErrorKind = "internal"
)

// ProviderError is a domain failure with a message that is safe to show to the peer. It is
// answered with -32000 and {"kind": Kind} as data. Err is logged but never sent.
type ProviderError struct {
	Kind    ProviderErrorKind
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError returns a ProviderError.
func NewProviderError(kind ProviderErrorKind, message string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Message: message, Err: err}
}

// providerRPCError converts a provider failure into the error object sent to the peer.
// Protocol errors pass through; anything unclassified becomes a generic server error.
func providerRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var pErr *ProviderError
	if errors.As(err, &pErr) {
		return jsonrpc.ErrServer(pErr.Message, map[string]any{"kind": string(pErr.Kind)})
	}
	return jsonrpc.ErrServer("Server error", map[string]any{"kind": string(ProviderErrorInternal)})
}
