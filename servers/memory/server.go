// Package memory serves a knowledge graph of entities, observations and relations through MCP
// tools. The graph lives in memory and, when a file is configured, is written back to it as
// JSON lines after every change.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/airsstack/airsstack-sub002"
)

// Server is a knowledge graph store. It implements mcp.ToolProvider and is safe for concurrent
// use.
type Server struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	graph Graph
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer loads the graph stored at path. An empty path keeps the graph in memory only, and
// a missing file starts an empty graph.
func NewServer(path string, opts ...Option) (*Server, error) {
	s := &Server{
		path:   path,
		logger: slog.Default(),
		graph:  emptyGraph(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("package", "airs-mcp"), slog.String("component", "memory"))

	if path != "" {
		g, err := loadGraph(path)
		if err != nil {
			return nil, err
		}
		s.graph = g
	}
	return s, nil
}

// Graph returns a copy of the current graph.
func (s *Server) Graph() Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.clone()
}

// update applies fn to a copy of the graph and, when fn succeeds, persists and publishes it.
func (s *Server) update(fn func(*Graph) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.graph.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if s.path != "" {
		if err := saveGraph(s.path, next); err != nil {
			s.logger.Error("failed to persist graph", slog.String("path", s.path), slog.String("err", err.Error()))
			return mcp.NewProviderError(mcp.ProviderErrorUnavailable, "cannot persist knowledge graph", err)
		}
	}
	s.graph = next
	return nil
}

// ListTools implements mcp.ToolProvider.
func (s *Server) ListTools(context.Context) ([]mcp.Tool, error) {
	return toolList, nil
}

// CallTool implements mcp.ToolProvider.
func (s *Server) CallTool(ctx context.Context, name string, arguments json.RawMessage) ([]mcp.Content, error) {
	s.logger.Debug("call tool", slog.String("tool", name))

	switch name {
	case "create_entities":
		return call(ctx, arguments, s.createEntities)
	case "create_relations":
		return call(ctx, arguments, s.createRelations)
	case "add_observations":
		return call(ctx, arguments, s.addObservations)
	case "delete_entities":
		return call(ctx, arguments, s.deleteEntities)
	case "delete_observations":
		return call(ctx, arguments, s.deleteObservations)
	case "delete_relations":
		return call(ctx, arguments, s.deleteRelations)
	case "read_graph":
		return call(ctx, arguments, s.readGraph)
	case "search_nodes":
		return call(ctx, arguments, s.searchNodes)
	case "open_nodes":
		return call(ctx, arguments, s.openNodes)
	default:
		return nil, mcp.NewProviderError(mcp.ProviderErrorNotFound, fmt.Sprintf("tool not found: %s", name), nil)
	}
}

func call[A any](ctx context.Context, arguments json.RawMessage, fn func(context.Context, A) ([]mcp.Content, error)) ([]mcp.Content, error) {
	var args A
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, mcp.NewProviderError(mcp.ProviderErrorInvalidInput, "invalid tool arguments", err)
		}
	}
	return fn(ctx, args)
}
