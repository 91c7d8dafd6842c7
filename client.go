package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/airsstack/airsstack-sub002/correlation"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the client side of MCP over any Transport. It performs the initialize
// handshake, correlates requests with responses, answers server-initiated requests (ping, roots
// and sampling) and hands other notifications to a NotificationHandler.
//
// A Client must be created using NewClient and requires Connect before any other call. Close
// releases the transport; calls still waiting for a response fail with correlation.ErrShutdown.
type Client struct {
	info            Info
	capabilities    ClientCapabilities
	protocolVersion string
	transport       Transport
	logger          *slog.Logger

	requestTimeout       time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int
	maxPendingRequests   int

	rootsListHandler    RootsListHandler
	samplingHandler     SamplingHandler
	notificationHandler NotificationHandler

	requests *correlation.Manager

	mu                 sync.RWMutex
	state              SessionState
	serverInfo         Info
	serverCapabilities ServerCapabilities
	negotiatedVersion  string
	instructions       string

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var (
	defaultClientRequestTimeout = 30 * time.Second
	defaultClientPingInterval   = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithRootsListHandler sets the roots list handler for the client and advertises the roots
// capability.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.rootsListHandler = handler
	}
}

// WithSamplingHandler sets the sampling handler for the client and advertises sampling.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithNotificationHandler sets the receiver of server notifications.
func WithNotificationHandler(handler NotificationHandler) ClientOption {
	return func(c *Client) {
		c.notificationHandler = handler
	}
}

// WithClientRequestTimeout bounds requests whose context has no deadline.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientPingInterval sets how often the client pings the server. Zero or less disables it.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping failures reaches the threshold, the client closes itself.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientMaxPendingRequests bounds the number of requests awaiting a response.
func WithClientMaxPendingRequests(n int) ClientOption {
	return func(c *Client) {
		c.maxPendingRequests = n
	}
}

// WithProtocolVersion sets the protocol version requested during initialize.
func WithProtocolVersion(version string) ClientOption {
	return func(c *Client) {
		c.protocolVersion = version
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "airs-mcp"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a client identified by info that talks through transport. The client is
// not connected until Connect is called.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		info:                 info,
		protocolVersion:      ProtocolVersion20250618,
		transport:            transport,
		logger:               slog.Default(),
		requestTimeout:       defaultClientRequestTimeout,
		pingInterval:         defaultClientPingInterval,
		pingTimeoutThreshold: defaultClientPingTimeoutThreshold,
		state:                StateNew,
		done:                 make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	cfg := correlation.DefaultConfig()
	cfg.DefaultTimeout = c.requestTimeout
	if c.maxPendingRequests > 0 {
		cfg.MaxPendingRequests = c.maxPendingRequests
	}
	c.requests = correlation.NewManager(cfg, correlation.WithLogger(c.logger))

	if c.rootsListHandler != nil {
		c.capabilities.Roots = &RootsCapability{ListChanged: true}
	}
	if c.samplingHandler != nil {
		c.capabilities.Sampling = &SamplingCapability{}
	}
	return c
}

// Connect starts reading from the transport and performs the initialize handshake. On success
// the client is operating. A server that answers with a protocol version the client does not
// support fails the handshake with ErrUnsupportedProtocolVersion.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNew {
		c.mu.Unlock()
		return fmt.Errorf("failed to connect: client is %s", c.state)
	}
	c.state = StateInitializing
	c.mu.Unlock()

	go c.readLoop()

	var result InitializeResult
	err := c.request(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: c.protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}, &result)
	if err == nil && !IsSupportedProtocolVersion(result.ProtocolVersion) {
		err = fmt.Errorf("%w: %q", ErrUnsupportedProtocolVersion, result.ProtocolVersion)
	}
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("failed to initialize: %w", err)
	}

	c.mu.Lock()
	c.state = StateReady
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.negotiatedVersion = result.ProtocolVersion
	c.instructions = result.Instructions
	c.mu.Unlock()

	if err := c.notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	c.setState(StateOperating)

	c.logger.Info("connected",
		slog.String("server", result.ServerInfo.Name),
		slog.String("protocolVersion", result.ProtocolVersion))

	if c.pingInterval > 0 {
		go c.pings()
	}
	return nil
}

// State returns the client's lifecycle state.
func (c *Client) State() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ServerInfo returns the identity the server sent during initialize.
func (c *Client) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.negotiatedVersion
}

// Instructions returns the server's usage instructions, if any.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// Ping checks that the server is alive. It is allowed in every state after Connect starts.
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, MethodPing, nil, nil)
}

// ListTools retrieves the tools the server offers.
func (c *Client) ListTools(ctx context.Context, params PaginatedParams) (ListToolsResult, error) {
	if err := c.require("tools", c.ServerCapabilities().Tools != nil); err != nil {
		return ListToolsResult{}, err
	}
	var result ListToolsResult
	if err := c.request(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool invokes a tool. A tool-reported failure is a successful call with IsError set; only
// protocol failures are returned as errors.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (CallToolResult, error) {
	if err := c.require("tools", c.ServerCapabilities().Tools != nil); err != nil {
		return CallToolResult{}, err
	}
	params := CallToolParams{Name: name}
	if arguments != nil {
		raw, err := json.Marshal(arguments)
		if err != nil {
			return CallToolResult{}, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		params.Arguments = raw
	}
	var result CallToolResult
	if err := c.request(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// ListResources retrieves the resources the server offers.
func (c *Client) ListResources(ctx context.Context, params PaginatedParams) (ListResourcesResult, error) {
	if err := c.require("resources", c.ServerCapabilities().Resources != nil); err != nil {
		return ListResourcesResult{}, err
	}
	var result ListResourcesResult
	if err := c.request(ctx, MethodResourcesList, params, &result); err != nil {
		return ListResourcesResult{}, err
	}
	return result, nil
}

// ListResourceTemplates retrieves the resource templates the server offers.
func (c *Client) ListResourceTemplates(ctx context.Context, params PaginatedParams) (ListResourceTemplatesResult, error) {
	if err := c.require("resources", c.ServerCapabilities().Resources != nil); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	var result ListResourceTemplatesResult
	if err := c.request(ctx, MethodResourcesTemplatesList, params, &result); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	return result, nil
}

// ReadResource retrieves the contents of the resource at uri.
func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	if err := c.require("resources", c.ServerCapabilities().Resources != nil); err != nil {
		return ReadResourceResult{}, err
	}
	var result ReadResourceResult
	if err := c.request(ctx, MethodResourcesRead, ReadResourceParams{URI: uri}, &result); err != nil {
		return ReadResourceResult{}, err
	}
	return result, nil
}

// SubscribeResource asks for notifications/resources/updated when the resource at uri changes.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	caps := c.ServerCapabilities().Resources
	if err := c.require("resources.subscribe", caps != nil && caps.Subscribe); err != nil {
		return err
	}
	return c.request(ctx, MethodResourcesSubscribe, SubscribeResourceParams{URI: uri}, nil)
}

// UnsubscribeResource cancels a subscription made with SubscribeResource.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	caps := c.ServerCapabilities().Resources
	if err := c.require("resources.subscribe", caps != nil && caps.Subscribe); err != nil {
		return err
	}
	return c.request(ctx, MethodResourcesUnsubscribe, SubscribeResourceParams{URI: uri}, nil)
}

// ListPrompts retrieves the prompts the server offers.
func (c *Client) ListPrompts(ctx context.Context, params PaginatedParams) (ListPromptsResult, error) {
	if err := c.require("prompts", c.ServerCapabilities().Prompts != nil); err != nil {
		return ListPromptsResult{}, err
	}
	var result ListPromptsResult
	if err := c.request(ctx, MethodPromptsList, params, &result); err != nil {
		return ListPromptsResult{}, err
	}
	return result, nil
}

// GetPrompt renders the named prompt with arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (GetPromptResult, error) {
	if err := c.require("prompts", c.ServerCapabilities().Prompts != nil); err != nil {
		return GetPromptResult{}, err
	}
	var result GetPromptResult
	if err := c.request(ctx, MethodPromptsGet, GetPromptParams{Name: name, Arguments: arguments}, &result); err != nil {
		return GetPromptResult{}, err
	}
	return result, nil
}

// Complete asks the server for completion values of a prompt or resource template argument.
func (c *Client) Complete(ctx context.Context, ref CompletionRef, arg CompletionArgument) (Completion, error) {
	if err := c.require("completions", c.ServerCapabilities().Completions != nil); err != nil {
		return Completion{}, err
	}
	var result CompleteResult
	if err := c.request(ctx, MethodCompletionComplete, CompleteParams{Ref: ref, Argument: arg}, &result); err != nil {
		return Completion{}, err
	}
	return result.Completion, nil
}

// SetLogLevel sets the minimum severity of log notifications the server sends to this client.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if err := c.require("logging", c.ServerCapabilities().Logging != nil); err != nil {
		return err
	}
	return c.request(ctx, MethodLoggingSetLevel, LoggingConfig{Level: level}, nil)
}

// Call sends an arbitrary request once the client is operating and decodes its result into
// result, which may be nil. It is the escape hatch for methods without a typed wrapper.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	if err := c.require(method, true); err != nil {
		return err
	}
	return c.request(ctx, method, params, result)
}

// NotifyRootsListChanged tells the server the client's roots changed.
func (c *Client) NotifyRootsListChanged(ctx context.Context) error {
	if c.State() != StateOperating {
		return ErrNotConnected
	}
	return c.notify(ctx, MethodNotificationsRootsListChanged, nil)
}

// Close shuts the client down. Calls still waiting for a response fail with
// correlation.ErrShutdown. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		_ = c.requests.Shutdown(context.Background())
		if err := c.transport.Close(); err != nil {
			c.closeErr = fmt.Errorf("failed to close transport: %w", err)
		}
	})
	return c.closeErr
}

// Done is closed when the client closes, including when the transport ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) require(capability string, advertised bool) error {
	switch c.State() {
	case StateOperating:
	case StateClosed:
		return ErrTransportClosed
	default:
		return ErrNotConnected
	}
	if !advertised {
		return fmt.Errorf("%w: %s", ErrCapabilityNotSupported, capability)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	res, err := roundTrip(ctx, c.requests, c.send, method, params)
	if err != nil {
		return err
	}
	return decodeResult(res, result)
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", method, err)
	}
	return c.send(ctx, msg)
}

func (c *Client) send(ctx context.Context, msg JSONRPCMessage) error {
	frame, err := jsonrpc.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.transport.Send(ctx, frame)
}

func (c *Client) setState(state SessionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		frame, err := c.transport.Receive(ctx)
		if err != nil {
			var tErr *TransportError
			if errors.As(err, &tErr) && tErr.Kind == TransportErrorFormat {
				c.logger.Warn("dropping malformed frame", slog.String("err", err.Error()))
				continue
			}
			if !errors.Is(err, ErrTransportClosed) && ctx.Err() == nil {
				c.logger.Error("failed to receive message", slog.String("err", err.Error()))
			}
			return
		}

		msg, err := jsonrpc.Parse(frame)
		if err != nil {
			c.logger.Warn("dropping invalid message", slog.String("err", err.Error()))
			continue
		}

		switch msg.Kind() {
		case jsonrpc.KindResponse:
			if err := c.requests.Correlate(msg); err != nil {
				c.logger.Debug("dropping response", slog.String("err", err.Error()))
			}
		case jsonrpc.KindRequest:
			go c.handleRequest(ctx, msg)
		case jsonrpc.KindNotification:
			if c.notificationHandler != nil {
				c.notificationHandler.OnNotification(ctx, msg.Method, msg.Params)
			}
		}
	}
}

func (c *Client) handleRequest(ctx context.Context, msg JSONRPCMessage) {
	var (
		result any
		err    error
	)
	switch {
	case msg.Method == MethodPing:
		result = struct{}{}
	case msg.Method == MethodRootsList && c.rootsListHandler != nil:
		result, err = c.rootsListHandler.RootsList(ctx)
	case msg.Method == MethodSamplingCreateMessage && c.samplingHandler != nil:
		var params SamplingParams
		if err = decodeParams(msg.Params, &params); err == nil {
			result, err = c.samplingHandler.CreateSampleMessage(ctx, params)
		}
	default:
		err = jsonrpc.ErrMethodNotFound(msg.Method)
	}

	var resp JSONRPCMessage
	if err != nil {
		c.logger.Warn("failed to handle server request",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		resp = jsonrpc.NewErrorResponse(msg.ID, providerRPCError(err))
	} else if resp, err = jsonrpc.NewResult(msg.ID, result); err != nil {
		resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrInternal())
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	if err := c.send(sendCtx, resp); err != nil {
		c.logger.Error("failed to answer server request", slog.String("err", err.Error()))
	}
}

// pings checks the server periodically and closes the client after pingTimeoutThreshold
// consecutive failures.
func (c *Client) pings() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.pingInterval)
		err := c.Ping(ctx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		c.logger.Warn("ping failed",
			slog.Int("failures", failures),
			slog.String("err", err.Error()))
		if failures >= c.pingTimeoutThreshold {
			c.logger.Error("server unresponsive, closing client")
			_ = c.Close()
			return
		}
	}
}
