// Package everything is a demonstration server that exercises most of the protocol surface:
// math and utility tools, code prompts with argument completion, a logging handler that
// streams its records to clients, and static resources served from any fs.FS.
//
// It is a reference implementation and test fixture, not a production server.
package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/airsstack/airsstack-sub002"
)

// DefaultLogBuffer is the number of log records kept for RecentLogs.
const DefaultLogBuffer = 1000

// Server implements mcp.ToolProvider, mcp.PromptProvider, mcp.CompletionProvider,
// mcp.LoggingHandler and mcp.LogStreamer. Resources are served by StaticResources, which
// Complete consults for resource template completion when one is attached with WithResources.
//
// Callers must call Close when finished to end the log stream.
type Server struct {
	logger    *slog.Logger
	resources *StaticResources

	mu      sync.Mutex
	level   mcp.LogLevel
	recent  []mcp.LogParams
	next    int
	wrapped bool

	logs      chan mcp.LogParams
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithResources attaches the static resources used for resource template completion.
func WithResources(r *StaticResources) Option {
	return func(s *Server) {
		s.resources = r
	}
}

// WithLogBuffer sets how many log records RecentLogs keeps.
func WithLogBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.recent = make([]mcp.LogParams, n)
		}
	}
}

// NewServer creates the demonstration server. Logging starts at info level.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger: slog.Default(),
		level:  mcp.LogLevelInfo,
		recent: make([]mcp.LogParams, DefaultLogBuffer),
		logs:   make(chan mcp.LogParams, 64),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("package", "airs-mcp"), slog.String("component", "everything"))
	return s
}

// Close ends the log stream.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// call decodes arguments into A and runs fn.
func call[A any](ctx context.Context, arguments json.RawMessage, fn func(context.Context, A) ([]mcp.Content, error)) ([]mcp.Content, error) {
	var args A
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, mcp.NewProviderError(mcp.ProviderErrorInvalidInput, "invalid tool arguments", err)
		}
	}
	return fn(ctx, args)
}

func notFound(kind, name string) error {
	return mcp.NewProviderError(mcp.ProviderErrorNotFound, fmt.Sprintf("%s not found: %s", kind, name), nil)
}
