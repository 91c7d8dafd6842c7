package httpengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/airsstack/airsstack-sub002"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// Engine routes HTTP traffic to an mcp.Server.
type Engine struct {
	cfg    Config
	server *mcp.Server
	logger *slog.Logger
	now    func() time.Time

	conns       *ConnectionManager
	sessions    *SessionManager
	broadcaster *Broadcaster
	processor   *jsonrpc.Processor
	parser      *jsonrpc.StreamParser
	upgrader    websocket.Upgrader

	authenticate func(http.Handler) http.Handler
	routes       []func(*http.ServeMux)
	checkOrigin  func(*http.Request) bool

	handler    http.Handler
	started    time.Time
	lastHealth atomic.Pointer[HealthReport]

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With(
			slog.String("package", "airs-mcp"),
			slog.String("component", "http-engine"),
		)
	}
}

// WithAuthentication wraps the MCP endpoints, for example with auth.Middleware.Handler. The
// operational endpoints and extra routes are not wrapped.
func WithAuthentication(mw func(http.Handler) http.Handler) Option {
	return func(e *Engine) {
		e.authenticate = mw
	}
}

// WithRoutes registers additional handlers on the engine's mux, such as an authorization
// server.
func WithRoutes(register func(*http.ServeMux)) Option {
	return func(e *Engine) {
		e.routes = append(e.routes, register)
	}
}

// WithCheckOrigin sets the WebSocket origin check. The default rejects cross-origin upgrades.
func WithCheckOrigin(check func(*http.Request) bool) Option {
	return func(e *Engine) {
		e.checkOrigin = check
	}
}

// WithClock replaces time.Now for activity tracking and expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine for server and starts its dispatch workers. Call Run or Serve to accept
// connections, or mount Handler on an existing server and call Close when done.
func New(cfg Config, server *mcp.Server, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid http engine config: %w", err)
	}
	if server == nil {
		return nil, errors.New("server is required")
	}

	e := &Engine{
		cfg:    cfg,
		server: server,
		now:    time.Now,
	}
	WithLogger(slog.Default())(e)
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.started = e.now()

	e.conns = NewConnectionManager(cfg, e.logger, e.now)
	e.broadcaster = NewBroadcaster(cfg.SSE, e.logger, e.now)
	e.sessions = NewSessionManager(server, e.broadcaster, cfg.SessionTimeout, e.logger, e.now)
	e.parser = jsonrpc.NewStreamParser(jsonrpc.StreamConfig{MaxMessageSize: cfg.MaxMessageSize})
	e.processor = jsonrpc.NewProcessor(jsonrpc.ProcessorConfig{
		Workers:           cfg.Workers,
		QueueCapacity:     cfg.QueueCapacity,
		ProcessingTimeout: cfg.ProcessingTimeout,
	}, jsonrpc.HandlerFunc(e.dispatch), jsonrpc.WithProcessorLogger(e.logger))
	if err := e.processor.Start(); err != nil {
		return nil, fmt.Errorf("failed to start processor: %w", err)
	}
	e.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     e.checkOrigin,
	}
	e.handler = e.routesHandler()
	return e, nil
}

// Handler returns the engine's router.
func (e *Engine) Handler() http.Handler { return e.handler }

// Connections returns the connection manager.
func (e *Engine) Connections() *ConnectionManager { return e.conns }

// Sessions returns the session manager.
func (e *Engine) Sessions() *SessionManager { return e.sessions }

// Broadcaster returns the SSE broadcaster.
func (e *Engine) Broadcaster() *Broadcaster { return e.broadcaster }

// Run listens on the configured bind address and serves until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.cfg.BindAddress, err)
	}
	return e.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down gracefully within
// ShutdownTimeout and closes the engine.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           e.handler,
		ConnState:         e.conns.Track,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(e.logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.logger.Info("http engine listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		e.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
		defer cancel()

		// Event streams never finish on their own, so end them before waiting on handlers.
		e.cancel()
		srvErr := srv.Shutdown(shutdownCtx)
		if srvErr != nil {
			srvErr = fmt.Errorf("failed to shut down http server: %w", srvErr)
		}
		return errors.Join(srvErr, e.Close(shutdownCtx))
	})
	return g.Wait()
}

// Close ends every stream and session and drains the dispatch workers. It is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.broadcaster.Close()
		e.sessions.CloseAll()
		e.closeErr = e.processor.Shutdown(ctx)
	})
	return e.closeErr
}

// Sweep runs one cleanup pass over connections and sessions.
func (e *Engine) Sweep() {
	report := e.conns.Sweep()
	e.lastHealth.Store(&report)
	if n := e.sessions.Sweep(); n > 0 {
		e.logger.Info("expired sessions", slog.Int("count", n))
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

type sessionKey struct{}

// dispatch is the processor handler: it hands msg to the protocol session bound to ctx.
func (e *Engine) dispatch(ctx context.Context, msg jsonrpc.Message) (*jsonrpc.Message, error) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	if !ok {
		return nil, errors.New("no session bound to request")
	}
	return sess.mcp.HandleMessage(ctx, msg), nil
}
