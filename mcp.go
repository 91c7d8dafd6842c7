package mcp

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// JSONRPCMessage is the wire envelope exchanged by sessions and transports.
type JSONRPCMessage = jsonrpc.Message

// Transport is a framed, message-oriented duplex channel. Each frame carries exactly one
// JSON-RPC message. Implementations must allow Send and Receive to be called concurrently
// with each other, and Close to be called from any goroutine.
type Transport interface {
	// Send writes one frame.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until a frame is available, the context is done, or the transport closes.
	Receive(ctx context.Context) ([]byte, error)
	// Close releases the transport. Later calls to Send and Receive return ErrTransportClosed.
	Close() error
}

// Session represents a bidirectional communication channel between server and client, as seen
// by the server. Streaming transports expose their connections as sessions and the server
// drives them with Serve.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the peer.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the peer.
	// The iteration ends when the session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller is guaranteed to call it once.
	Stop()
}

// Sender delivers server-initiated messages (notifications and requests) to a peer.
// Every Session is a Sender.
type Sender interface {
	Send(ctx context.Context, msg JSONRPCMessage) error
}

// Server interfaces

// ResourceProvider exposes readable resources. Implementations must be safe for concurrent use
// by multiple sessions.
type ResourceProvider interface {
	ListResources(ctx context.Context) ([]Resource, error)
	ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error)
	// ReadResource returns the contents of the resource identified by uri.
	ReadResource(ctx context.Context, uri string) ([]ResourceContents, error)
	Subscribe(ctx context.Context, uri string) error
	Unsubscribe(ctx context.Context, uri string) error
}

// ToolProvider exposes callable tools. A failure the tool itself wants to report to the caller
// is returned as a *ToolError; any other error is treated as a server-side failure.
type ToolProvider interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) ([]Content, error)
}

// PromptProvider exposes prompt templates.
type PromptProvider interface {
	ListPrompts(ctx context.Context) ([]Prompt, error)
	// GetPrompt renders the prompt and returns its description and messages.
	GetPrompt(ctx context.Context, name string, arguments map[string]string) (string, []PromptMessage, error)
}

// LoggingHandler receives logging configuration from clients. It reports whether the
// configuration was applied.
type LoggingHandler interface {
	SetLogging(ctx context.Context, cfg LoggingConfig) (bool, error)
}

// CompletionProvider suggests values for prompt or resource template arguments.
type CompletionProvider interface {
	Complete(ctx context.Context, ref CompletionRef, arg CompletionArgument) (Completion, error)
}

// ToolListUpdater emits a value whenever the tool list changes. The server turns each value
// into a notifications/tools/list_changed broadcast.
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// ResourceListUpdater emits a value whenever the resource list changes.
type ResourceListUpdater interface {
	ResourceListUpdates() iter.Seq[struct{}]
}

// ResourceUpdater emits the URI of every subscribed resource that changed.
type ResourceUpdater interface {
	ResourceUpdates() iter.Seq[string]
}

// PromptListUpdater emits a value whenever the prompt list changes.
type PromptListUpdater interface {
	PromptListUpdates() iter.Seq[struct{}]
}

// LogStreamer emits log messages to forward to clients as notifications/message. Each session
// only receives messages at or above the level it asked for.
type LogStreamer interface {
	LogStreams() iter.Seq[LogParams]
}

// RootsListWatcher is notified when a client reports that its roots changed.
type RootsListWatcher interface {
	OnRootsListChanged(sessionID string)
}

// Client interfaces

// RootsListHandler answers roots/list requests from the server.
type RootsListHandler interface {
	RootsList(ctx context.Context) (RootList, error)
}

// SamplingHandler answers sampling/createMessage requests from the server.
type SamplingHandler interface {
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// NotificationHandler receives server notifications the client does not handle itself, such as
// list changes, resource updates, progress and log messages.
type NotificationHandler interface {
	OnNotification(ctx context.Context, method string, params json.RawMessage)
}

// NotificationHandlerFunc adapts a function to NotificationHandler.
type NotificationHandlerFunc func(ctx context.Context, method string, params json.RawMessage)

// OnNotification calls f.
func (f NotificationHandlerFunc) OnNotification(ctx context.Context, method string, params json.RawMessage) {
	f(ctx, method, params)
}

// Authorizer decides whether the caller behind ctx may invoke method. A denial is answered
// with -32002; returning a *jsonrpc.Error sends that error instead.
type Authorizer interface {
	Authorize(ctx context.Context, method string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, method string) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, method string) error {
	return f(ctx, method)
}
