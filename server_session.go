package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/airsstack/airsstack-sub002/correlation"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// ServerSession is the server's view of one client conversation. It enforces the lifecycle
// (only ping and initialize before the handshake completes), dispatches requests to providers
// and tracks in-flight requests so notifications/cancelled can stop them.
type ServerSession struct {
	id     string
	server *Server
	out    Sender
	logger *slog.Logger

	// requests correlates server-to-client requests such as roots/list.
	requests *correlation.Manager

	mu              sync.RWMutex
	state           SessionState
	protocolVersion string
	clientInfo      Info
	clientCaps      ClientCapabilities
	logLevel        LogLevel
	subscriptions   map[string]struct{}
	inflight        map[jsonrpc.ID]context.CancelFunc
	cancelled       map[jsonrpc.ID]struct{}

	timedOut  atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
}

func newServerSession(s *Server, id string, out Sender) *ServerSession {
	logger := s.logger.With(slog.String("sessionID", id))
	return &ServerSession{
		id:            id,
		server:        s,
		out:           out,
		logger:        logger,
		requests:      correlation.NewManager(correlation.DefaultConfig(), correlation.WithLogger(logger)),
		state:         StateNew,
		logLevel:      LogLevelDebug,
		subscriptions: make(map[string]struct{}),
		inflight:      make(map[jsonrpc.ID]context.CancelFunc),
		cancelled:     make(map[jsonrpc.ID]struct{}),
		closed:        make(chan struct{}),
	}
}

// ID returns the session ID.
func (ss *ServerSession) ID() string { return ss.id }

// State returns the lifecycle state.
func (ss *ServerSession) State() SessionState {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.state
}

// ProtocolVersion returns the negotiated protocol version, or "" before initialize.
func (ss *ServerSession) ProtocolVersion() string {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.protocolVersion
}

// ClientInfo returns the identity the client sent with initialize.
func (ss *ServerSession) ClientInfo() Info {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.clientInfo
}

// TimedOutRequests returns how many requests of this session exceeded the request timeout.
func (ss *ServerSession) TimedOutRequests() int64 { return ss.timedOut.Load() }

// Close ends the session: in-flight requests are cancelled, pending server-to-client requests
// resolve with correlation.ErrShutdown and the session leaves the server. It is idempotent.
func (ss *ServerSession) Close() {
	ss.closeOnce.Do(func() {
		ss.mu.Lock()
		ss.state = StateClosed
		for _, cancel := range ss.inflight {
			cancel()
		}
		ss.mu.Unlock()

		_ = ss.requests.Shutdown(context.Background())
		close(ss.closed)
		ss.server.removeSession(ss.id)
	})
}

// Done is closed when the session closes.
func (ss *ServerSession) Done() <-chan struct{} { return ss.closed }

// HandleMessage processes one inbound message and returns the response to send, or nil when
// there is nothing to answer (notifications, responses, and requests the client cancelled).
func (ss *ServerSession) HandleMessage(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	switch msg.Kind() {
	case jsonrpc.KindResponse:
		if err := ss.requests.Correlate(msg); err != nil {
			ss.logger.Debug("dropping response", slog.String("err", err.Error()))
		}
		return nil
	case jsonrpc.KindNotification:
		ss.handleNotification(ctx, msg)
		return nil
	case jsonrpc.KindRequest:
		return ss.handleRequest(ctx, msg)
	default:
		resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrInvalidRequest(""))
		return &resp
	}
}

func (ss *ServerSession) handleNotification(_ context.Context, msg JSONRPCMessage) {
	switch msg.Method {
	case MethodNotificationsInitialized:
		ss.mu.Lock()
		ready := ss.state == StateReady
		if ready {
			ss.state = StateOperating
		}
		info := ss.clientInfo
		ss.mu.Unlock()
		if !ready {
			ss.logger.Warn("unexpected initialized notification", slog.String("state", ss.State().String()))
			return
		}
		ss.logger.Info("session operating",
			slog.String("client", info.Name),
			slog.String("protocolVersion", ss.ProtocolVersion()))
		if ss.server.onClientConnected != nil {
			ss.server.onClientConnected(ss.id, info)
		}
	case MethodNotificationsCancelled:
		var params CancelledParams
		if err := decodeParams(msg.Params, &params); err != nil {
			ss.logger.Warn("invalid cancellation", slog.String("err", err.Error()))
			return
		}
		ss.mu.Lock()
		cancel, ok := ss.inflight[params.RequestID]
		if ok {
			ss.cancelled[params.RequestID] = struct{}{}
		}
		ss.mu.Unlock()
		if ok {
			ss.logger.Debug("request cancelled by client",
				slog.String("id", params.RequestID.String()),
				slog.String("reason", params.Reason))
			cancel()
		}
	case MethodNotificationsRootsListChanged:
		if ss.server.rootsListWatcher != nil && ss.State() == StateOperating {
			ss.server.rootsListWatcher.OnRootsListChanged(ss.id)
		}
	default:
		ss.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (ss *ServerSession) handleRequest(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	if msg.Method == MethodPing {
		resp, _ := jsonrpc.NewResult(msg.ID, nil)
		return &resp
	}
	if msg.Method == MethodInitialize {
		return ss.handleInitialize(ctx, msg)
	}

	switch ss.State() {
	case StateOperating:
	case StateClosed, StateFailed:
		resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrInvalidRequest("session is closed"))
		return &resp
	default:
		resp := jsonrpc.NewErrorResponse(msg.ID,
			jsonrpc.NewError(jsonrpc.CodeNotInitialized, "Server not initialized", nil))
		return &resp
	}

	call, rpcErr := ss.route(msg)
	if rpcErr != nil {
		resp := jsonrpc.NewErrorResponse(msg.ID, rpcErr)
		return &resp
	}
	return ss.run(ctx, msg, call)
}

// run executes call under the request timeout with panic recovery, and turns its outcome into
// a response.
func (ss *ServerSession) run(ctx context.Context, msg JSONRPCMessage, call handlerFunc) *JSONRPCMessage {
	reqCtx, cancel := context.WithTimeout(ctx, ss.server.requestTimeout)
	defer cancel()
	reqCtx = withSession(reqCtx, ss)
	reqCtx = withProgress(reqCtx, ss, progressToken(msg.Params))

	ss.mu.Lock()
	ss.inflight[msg.ID] = cancel
	ss.mu.Unlock()
	defer func() {
		ss.mu.Lock()
		delete(ss.inflight, msg.ID)
		delete(ss.cancelled, msg.ID)
		ss.mu.Unlock()
	}()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ss.logger.Error("handler panicked",
					slog.String("method", msg.Method),
					slog.String("panic", fmt.Sprint(r)))
				done <- outcome{err: jsonrpc.ErrInternal()}
			}
		}()
		result, err := call(reqCtx, msg.Params)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-reqCtx.Done():
		out = outcome{err: reqCtx.Err()}
	}

	if out.err != nil && reqCtx.Err() != nil {
		switch {
		case ss.wasCancelled(msg.ID):
			return nil
		case errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			ss.timedOut.Add(1)
			ss.logger.Warn("request timed out",
				slog.String("method", msg.Method),
				slog.Duration("timeout", ss.server.requestTimeout))
			resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrServer("Request timed out", map[string]any{"kind": "timeout"}))
			return &resp
		case ctx.Err() != nil:
			return nil
		}
	}

	if out.err != nil {
		rpcErr := providerRPCError(out.err)
		if rpcErr.Code == jsonrpc.CodeServerError {
			ss.logger.Error("provider failed", slog.String("method", msg.Method), slog.String("err", out.err.Error()))
		}
		resp := jsonrpc.NewErrorResponse(msg.ID, rpcErr)
		return &resp
	}

	resp, err := jsonrpc.NewResult(msg.ID, out.result)
	if err != nil {
		ss.logger.Error("failed to encode result", slog.String("method", msg.Method), slog.String("err", err.Error()))
		resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrInternal())
	}
	return &resp
}

func (ss *ServerSession) handleInitialize(_ context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	ss.mu.Lock()
	if ss.state != StateNew {
		ss.mu.Unlock()
		resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrInvalidRequest("session already initialized"))
		return &resp
	}
	ss.state = StateInitializing
	ss.mu.Unlock()

	var params InitializeParams
	err := decodeParams(msg.Params, &params)
	if err == nil {
		err = requireField("protocolVersion", params.ProtocolVersion)
	}
	if err != nil {
		ss.mu.Lock()
		ss.state = StateFailed
		ss.mu.Unlock()
		ss.logger.Info("invalid initialize request", slog.String("err", err.Error()))
		resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.AsError(err))
		return &resp
	}

	version := params.ProtocolVersion
	if !IsSupportedProtocolVersion(version) {
		ss.logger.Info("client requested unsupported protocol version",
			slog.String("requested", version),
			slog.String("answered", DefaultProtocolVersion))
		version = DefaultProtocolVersion
	}

	result := InitializeResult{
		ProtocolVersion: version,
		Capabilities:    ss.server.capabilities,
		ServerInfo:      ss.server.info,
		Instructions:    ss.server.instructions,
	}
	resp, err := jsonrpc.NewResult(msg.ID, result)
	if err != nil {
		ss.mu.Lock()
		ss.state = StateFailed
		ss.mu.Unlock()
		resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrInternal())
		return &resp
	}

	ss.mu.Lock()
	ss.state = StateReady
	ss.protocolVersion = version
	ss.clientInfo = params.ClientInfo
	ss.clientCaps = params.Capabilities
	ss.mu.Unlock()
	return &resp
}

func (ss *ServerSession) wasCancelled(id jsonrpc.ID) bool {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	_, ok := ss.cancelled[id]
	return ok
}

func (ss *ServerSession) subscribe(uri string) {
	ss.mu.Lock()
	ss.subscriptions[uri] = struct{}{}
	ss.mu.Unlock()
}

func (ss *ServerSession) unsubscribe(uri string) {
	ss.mu.Lock()
	delete(ss.subscriptions, uri)
	ss.mu.Unlock()
}

func (ss *ServerSession) subscribed(uri string) bool {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	_, ok := ss.subscriptions[uri]
	return ok
}

func (ss *ServerSession) setLogLevel(level LogLevel) {
	ss.mu.Lock()
	ss.logLevel = level
	ss.mu.Unlock()
}

func (ss *ServerSession) wantsLog(level LogLevel) bool {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return level.Severity() >= ss.logLevel.Severity()
}

// Notify sends a notification to this session's client.
func (ss *ServerSession) Notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return ss.out.Send(ctx, msg)
}

// Ping sends a ping to the client and waits for the answer.
func (ss *ServerSession) Ping(ctx context.Context) error {
	return ss.request(ctx, MethodPing, nil, nil)
}

// ListRoots asks the client for its roots. The client must have advertised the roots capability.
func (ss *ServerSession) ListRoots(ctx context.Context) (RootList, error) {
	ss.mu.RLock()
	supported := ss.clientCaps.Roots != nil
	ss.mu.RUnlock()
	if !supported {
		return RootList{}, fmt.Errorf("%w: roots", ErrCapabilityNotSupported)
	}
	var roots RootList
	if err := ss.request(ctx, MethodRootsList, nil, &roots); err != nil {
		return RootList{}, err
	}
	return roots, nil
}

// CreateMessage asks the client to sample a model. The client must have advertised sampling.
func (ss *ServerSession) CreateMessage(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	ss.mu.RLock()
	supported := ss.clientCaps.Sampling != nil
	ss.mu.RUnlock()
	if !supported {
		return SamplingResult{}, fmt.Errorf("%w: sampling", ErrCapabilityNotSupported)
	}
	var result SamplingResult
	if err := ss.request(ctx, MethodSamplingCreateMessage, params, &result); err != nil {
		return SamplingResult{}, err
	}
	return result, nil
}

func (ss *ServerSession) request(ctx context.Context, method string, params, result any) error {
	res, err := roundTrip(ctx, ss.requests, ss.out.Send, method, params)
	if err != nil {
		return err
	}
	return decodeResult(res, result)
}
