package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/tmaxmax/go-sse"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// HeaderSessionID carries the session identifier between HTTP client and server.
const HeaderSessionID = "X-Session-ID"

// HTTPClientTransport is the client side of the streamable HTTP transport. Every Send is one
// POST to the endpoint; the reply is either a single JSON body or an SSE stream of messages, and
// both are surfaced through Receive. The session ID assigned by the server is remembered and
// sent with every later request. Listen opens a GET stream for server-initiated messages.
type HTTPClientTransport struct {
	endpoint     string
	httpClient   *http.Client
	header       http.Header
	logger       *slog.Logger
	maxEventSize int

	mu        sync.RWMutex
	sessionID string

	incoming  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// HTTPClientOption configures an HTTPClientTransport.
type HTTPClientOption func(*HTTPClientTransport)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPClientOption {
	return func(t *HTTPClientTransport) {
		t.httpClient = client
	}
}

// WithHTTPHeader adds a header to every request, for example Authorization.
func WithHTTPHeader(key, value string) HTTPClientOption {
	return func(t *HTTPClientTransport) {
		t.header.Add(key, value)
	}
}

// WithHTTPClientLogger sets the logger.
func WithHTTPClientLogger(logger *slog.Logger) HTTPClientOption {
	return func(t *HTTPClientTransport) {
		t.logger = logger.With(slog.String("component", "http-client"))
	}
}

// WithHTTPClientMaxEventSize bounds a single SSE event. If an event exceeds it, the stream is
// dropped.
func WithHTTPClientMaxEventSize(size int) HTTPClientOption {
	return func(t *HTTPClientTransport) {
		t.maxEventSize = size
	}
}

// NewHTTPClientTransport creates a transport that talks to the MCP endpoint, for example
// "http://localhost:8080/mcp".
func NewHTTPClientTransport(endpoint string, opts ...HTTPClientOption) *HTTPClientTransport {
	t := &HTTPClientTransport{
		endpoint:     endpoint,
		httpClient:   http.DefaultClient,
		header:       make(http.Header),
		logger:       slog.Default(),
		maxEventSize: jsonrpc.DefaultMaxMessageSize,
		incoming:     make(chan []byte, 64),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionID returns the session assigned by the server, or "" before the first reply.
func (t *HTTPClientTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Send implements Transport.
func (t *HTTPClientTransport) Send(ctx context.Context, frame []byte) error {
	if t.closed() {
		return ErrTransportClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(frame))
	if err != nil {
		return transportError(TransportErrorOther, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.decorate(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctxTransportError(ctx.Err())
		}
		return transportError(TransportErrorIO, "failed to send request", err)
	}
	t.rememberSession(resp)

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" && resp.StatusCode == http.StatusOK {
		go t.readStream(resp.Body)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxEventSize)+1))
	if err != nil {
		return transportError(TransportErrorIO, "failed to read response", err)
	}
	if len(body) > t.maxEventSize {
		return transportError(TransportErrorFormat, "response exceeds maximum size",
			&jsonrpc.BufferOverflowError{MaxSize: t.maxEventSize})
	}

	// Error statuses may still carry a JSON-RPC error object for the request.
	if len(bytes.TrimSpace(body)) > 0 && mediaType == "application/json" {
		if _, perr := jsonrpc.Parse(body); perr == nil {
			t.push(body)
			return nil
		}
	}
	switch {
	case resp.StatusCode == http.StatusAccepted, resp.StatusCode == http.StatusOK && len(body) == 0:
		return nil
	case resp.StatusCode >= 400:
		return transportError(TransportErrorIO, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	default:
		return transportError(TransportErrorFormat, "response is not a json-rpc message", nil)
	}
}

// Receive implements Transport.
func (t *HTTPClientTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctxTransportError(ctx.Err())
	case frame := <-t.incoming:
		return frame, nil
	}
}

// Listen opens the server-to-client SSE stream and feeds its messages to Receive until ctx is
// done, the server ends the stream, or the transport closes. lastEventID resumes after an event
// already seen; pass "" for a fresh stream.
func (t *HTTPClientTransport) Listen(ctx context.Context, lastEventID string) error {
	if t.closed() {
		return ErrTransportClosed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return transportError(TransportErrorOther, "failed to create request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	t.decorate(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return transportError(TransportErrorIO, "failed to open event stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return transportError(TransportErrorIO, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	t.rememberSession(resp)

	go t.readStream(resp.Body)
	return nil
}

// Close implements Transport. Open streams are abandoned; their bodies close when the server
// ends them or the request context is cancelled.
func (t *HTTPClientTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

func (t *HTTPClientTransport) readStream(body io.ReadCloser) {
	defer body.Close()

	cfg := &sse.ReadConfig{MaxEventSize: t.maxEventSize}
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.logger.Warn("failed to read event stream", slog.String("err", err.Error()))
			}
			return
		}
		switch ev.Type {
		case "heartbeat":
			continue
		case "", "message", "notification", "error":
			if ev.Data == "" {
				continue
			}
			if !t.push([]byte(ev.Data)) {
				return
			}
		default:
			t.logger.Debug("ignoring event", slog.String("type", ev.Type))
		}
	}
}

func (t *HTTPClientTransport) push(frame []byte) bool {
	select {
	case <-t.done:
		return false
	case t.incoming <- frame:
		return true
	}
}

func (t *HTTPClientTransport) decorate(req *http.Request) {
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if id := t.SessionID(); id != "" {
		req.Header.Set(HeaderSessionID, id)
	}
}

func (t *HTTPClientTransport) rememberSession(resp *http.Response) {
	id := resp.Header.Get(HeaderSessionID)
	if id == "" {
		return
	}
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

func (t *HTTPClientTransport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
