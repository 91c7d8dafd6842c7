package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements the server side of MCP. It owns the provider slots, advertises a capability
// for each filled slot, and keeps one ServerSession per connected client. Server-initiated
// notifications coming from updaters are broadcast to every operating session.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	logger       *slog.Logger

	requestTimeout time.Duration
	sendTimeout    time.Duration

	resourceProvider   ResourceProvider
	toolProvider       ToolProvider
	promptProvider     PromptProvider
	loggingHandler     LoggingHandler
	completionProvider CompletionProvider

	toolListUpdater     ToolListUpdater
	resourceListUpdater ResourceListUpdater
	resourceUpdater     ResourceUpdater
	promptListUpdater   PromptListUpdater
	logStreamer         LogStreamer
	rootsListWatcher    RootsListWatcher
	authorizer          Authorizer

	onClientConnected    func(sessionID string, info Info)
	onClientDisconnected func(sessionID string)

	mu       sync.RWMutex
	sessions map[string]*ServerSession

	listenOnce sync.Once
	listeners  sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
}

var (
	defaultRequestTimeout = 30 * time.Second
	defaultSendTimeout    = 30 * time.Second
)

// NewServer creates a server identified by info. Providers and updaters are attached with
// options; a provider that also implements an updater interface is used as that updater unless
// one is set explicitly.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:           info,
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
		sendTimeout:    defaultSendTimeout,
		sessions:       make(map[string]*ServerSession),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.toolListUpdater == nil {
		s.toolListUpdater, _ = s.toolProvider.(ToolListUpdater)
	}
	if s.resourceListUpdater == nil {
		s.resourceListUpdater, _ = s.resourceProvider.(ResourceListUpdater)
	}
	if s.resourceUpdater == nil {
		s.resourceUpdater, _ = s.resourceProvider.(ResourceUpdater)
	}
	if s.promptListUpdater == nil {
		s.promptListUpdater, _ = s.promptProvider.(PromptListUpdater)
	}
	if s.logStreamer == nil {
		s.logStreamer, _ = s.loggingHandler.(LogStreamer)
	}

	if s.promptProvider != nil {
		s.capabilities.Prompts = &PromptsCapability{ListChanged: s.promptListUpdater != nil}
	}
	if s.resourceProvider != nil {
		s.capabilities.Resources = &ResourcesCapability{
			Subscribe:   true,
			ListChanged: s.resourceListUpdater != nil,
		}
	}
	if s.toolProvider != nil {
		s.capabilities.Tools = &ToolsCapability{ListChanged: s.toolListUpdater != nil}
	}
	if s.loggingHandler != nil {
		s.capabilities.Logging = &LoggingCapability{}
	}
	if s.completionProvider != nil {
		s.capabilities.Completions = &CompletionsCapability{}
	}

	return s
}

// WithResourceProvider configures the resource provider.
func WithResourceProvider(p ResourceProvider) ServerOption {
	return func(s *Server) {
		s.resourceProvider = p
	}
}

// WithToolProvider configures the tool provider.
func WithToolProvider(p ToolProvider) ServerOption {
	return func(s *Server) {
		s.toolProvider = p
	}
}

// WithPromptProvider configures the prompt provider.
func WithPromptProvider(p PromptProvider) ServerOption {
	return func(s *Server) {
		s.promptProvider = p
	}
}

// WithLoggingHandler configures the logging handler.
func WithLoggingHandler(h LoggingHandler) ServerOption {
	return func(s *Server) {
		s.loggingHandler = h
	}
}

// WithCompletionProvider configures argument completion.
func WithCompletionProvider(p CompletionProvider) ServerOption {
	return func(s *Server) {
		s.completionProvider = p
	}
}

// WithToolListUpdater configures the source of tool list change notifications.
func WithToolListUpdater(u ToolListUpdater) ServerOption {
	return func(s *Server) {
		s.toolListUpdater = u
	}
}

// WithResourceListUpdater configures the source of resource list change notifications.
func WithResourceListUpdater(u ResourceListUpdater) ServerOption {
	return func(s *Server) {
		s.resourceListUpdater = u
	}
}

// WithResourceUpdater configures the source of subscribed resource updates.
func WithResourceUpdater(u ResourceUpdater) ServerOption {
	return func(s *Server) {
		s.resourceUpdater = u
	}
}

// WithPromptListUpdater configures the source of prompt list change notifications.
func WithPromptListUpdater(u PromptListUpdater) ServerOption {
	return func(s *Server) {
		s.promptListUpdater = u
	}
}

// WithLogStreamer configures the source of log notifications.
func WithLogStreamer(l LogStreamer) ServerOption {
	return func(s *Server) {
		s.logStreamer = l
	}
}

// WithRootsListWatcher configures the roots list watcher.
func WithRootsListWatcher(w RootsListWatcher) ServerOption {
	return func(s *Server) {
		s.rootsListWatcher = w
	}
}

// WithAuthorizer sets the policy consulted before every operating-state request.
func WithAuthorizer(a Authorizer) ServerOption {
	return func(s *Server) {
		s.authorizer = a
	}
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithRequestTimeout bounds each request. A request that exceeds it is answered with -32000
// and the session stays open.
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// WithServerSendTimeout bounds each server-initiated send.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets a callback run when a session reaches the operating state.
func WithServerOnClientConnected(f func(sessionID string, info Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = f
	}
}

// WithServerOnClientDisconnected sets a callback run when a session closes.
func WithServerOnClientDisconnected(f func(sessionID string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = f
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "airs-mcp"),
			slog.String("component", "server"),
		)
	}
}

// Info returns the server identity.
func (s *Server) Info() Info { return s.info }

// Capabilities returns the capabilities derived from the configured providers.
func (s *Server) Capabilities() ServerCapabilities { return s.capabilities }

// NewSession registers a session whose server-initiated messages are delivered through out.
// The caller feeds inbound messages to HandleMessage and calls Close when the peer goes away.
func (s *Server) NewSession(id string, out Sender) *ServerSession {
	s.listenOnce.Do(s.startListeners)

	ss := newServerSession(s, id, out)
	s.mu.Lock()
	s.sessions[id] = ss
	s.mu.Unlock()
	return ss
}

// Session returns the live session with the given ID.
func (s *Server) Session(id string) (*ServerSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.sessions[id]
	return ss, ok
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Serve drives a streaming session until the peer disconnects, initialization fails, or ctx is
// done. Requests are handled concurrently; notifications and responses are handled in receive
// order.
func (s *Server) Serve(ctx context.Context, sess Session) error {
	ss := s.NewSession(sess.ID(), sess)

	var stopOnce sync.Once
	stop := func() { stopOnce.Do(sess.Stop) }
	defer stop()
	defer ss.Close()

	go func() {
		select {
		case <-ctx.Done():
		case <-ss.closed:
		}
		stop()
	}()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for msg := range sess.Messages() {
		if msg.IsRequest() && msg.Method != MethodInitialize {
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				s.reply(ctx, ss, sess, ss.HandleMessage(ctx, msg))
			}()
			continue
		}

		s.reply(ctx, ss, sess, ss.HandleMessage(ctx, msg))
		if ss.State() == StateFailed {
			ss.logger.Info("initialization failed, closing session")
			break
		}
	}
	return ctx.Err()
}

func (s *Server) reply(ctx context.Context, ss *ServerSession, out Sender, resp *JSONRPCMessage) {
	if resp == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sendTimeout)
	defer cancel()
	if err := out.Send(sendCtx, *resp); err != nil {
		ss.logger.Error("failed to send response", slog.String("id", resp.ID.String()), slog.String("err", err.Error()))
	}
}

// Shutdown closes every session and waits for the updater listeners to stop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.RLock()
	sessions := make([]*ServerSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	s.mu.RUnlock()
	for _, ss := range sessions {
		ss.Close()
	}

	waited := make(chan struct{})
	go func() {
		s.listeners.Wait()
		close(waited)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to stop update listeners: %w", ctx.Err())
	case <-waited:
	}
	return nil
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	if s.onClientDisconnected != nil {
		s.onClientDisconnected(id)
	}
}

func (s *Server) startListeners() {
	if s.toolListUpdater != nil {
		s.listen(MethodNotificationsToolsListChanged, s.toolListUpdater.ToolListUpdates())
	}
	if s.resourceListUpdater != nil {
		s.listen(MethodNotificationsResourcesListChanged, s.resourceListUpdater.ResourceListUpdates())
	}
	if s.promptListUpdater != nil {
		s.listen(MethodNotificationsPromptsListChanged, s.promptListUpdater.PromptListUpdates())
	}
	if s.resourceUpdater != nil {
		s.listeners.Add(1)
		go s.listenResourceUpdates()
	}
	if s.logStreamer != nil {
		s.listeners.Add(1)
		go s.listenLogs()
	}
}

func (s *Server) listen(method string, updates iter.Seq[struct{}]) {
	s.listeners.Add(1)
	go func() {
		defer s.listeners.Done()

		for range updates {
			if s.stopped() {
				return
			}
			msg, _ := jsonrpc.NewNotification(method, nil)
			s.broadcast(msg, nil)
		}
	}()
}

func (s *Server) listenResourceUpdates() {
	defer s.listeners.Done()

	for uri := range s.resourceUpdater.ResourceUpdates() {
		if s.stopped() {
			return
		}
		msg, err := jsonrpc.NewNotification(MethodNotificationsResourcesUpdated, ResourceUpdatedParams{URI: uri})
		if err != nil {
			s.logger.Error("failed to build resource update", slog.String("err", err.Error()))
			continue
		}
		s.broadcast(msg, func(ss *ServerSession) bool { return ss.subscribed(uri) })
	}
}

func (s *Server) listenLogs() {
	defer s.listeners.Done()

	for params := range s.logStreamer.LogStreams() {
		if s.stopped() {
			return
		}
		msg, err := jsonrpc.NewNotification(MethodNotificationsMessage, params)
		if err != nil {
			s.logger.Error("failed to build log notification", slog.String("err", err.Error()))
			continue
		}
		s.broadcast(msg, func(ss *ServerSession) bool { return ss.wantsLog(params.Level) })
	}
}

// broadcast sends msg to every operating session accepted by filter.
func (s *Server) broadcast(msg JSONRPCMessage, filter func(*ServerSession) bool) {
	s.mu.RLock()
	targets := make([]*ServerSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		if ss.State() == StateOperating && (filter == nil || filter(ss)) {
			targets = append(targets, ss)
		}
	}
	s.mu.RUnlock()

	for _, ss := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		if err := ss.out.Send(ctx, msg); err != nil {
			ss.logger.Warn("failed to send notification",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
		}
		cancel()
	}
}

func (s *Server) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// decodeParams unmarshals raw into v. Absent params leave v untouched.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return jsonrpc.ErrInvalidParams(fmt.Sprintf("%s: expected %s", typeErr.Field, typeErr.Type))
		}
		return jsonrpc.ErrInvalidParams(err.Error())
	}
	return nil
}

func requireField(name, value string) error {
	if value == "" {
		return jsonrpc.ErrInvalidParams(name + ": required")
	}
	return nil
}
