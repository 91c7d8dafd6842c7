// Package filesystem serves files under a set of allowed root directories. Files are exposed as
// file:// resources and through tools for reading, writing, editing and searching them. Every
// path is resolved, symlinks included, and rejected when it falls outside the roots.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/airsstack/airsstack-sub002"
)

// DefaultMaxResources bounds the files returned by ListResources.
const DefaultMaxResources = 1000

// Server provides filesystem tools and resources confined to its roots. It implements
// mcp.ToolProvider, mcp.ResourceProvider, mcp.ResourceUpdater and mcp.ResourceListUpdater.
type Server struct {
	roots        []string
	logger       *slog.Logger
	maxResources int

	mu         sync.Mutex
	subscribed map[string]struct{}

	updates     chan string
	listChanged chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMaxResources bounds the files listed as resources.
func WithMaxResources(n int) Option {
	return func(s *Server) {
		s.maxResources = n
	}
}

// NewServer returns a server confined to roots. Each root must be an existing directory; roots
// are stored as absolute paths with symlinks resolved.
func NewServer(roots []string, opts ...Option) (*Server, error) {
	if len(roots) == 0 {
		return nil, errors.New("at least one root directory is required")
	}

	resolved := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(filepath.Clean(root))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
		}
		realRoot, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to stat root directory: %w", err)
		}
		info, err := os.Stat(realRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to stat root directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root directory is not a directory: %s", root)
		}
		resolved = append(resolved, realRoot)
	}

	s := &Server{
		roots:        resolved,
		logger:       slog.Default(),
		maxResources: DefaultMaxResources,
		subscribed:   make(map[string]struct{}),
		updates:      make(chan string, 64),
		listChanged:  make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("package", "airs-mcp"), slog.String("component", "filesystem"))
	return s, nil
}

// Roots returns the allowed directories.
func (s *Server) Roots() []string { return s.roots }

// Close ends the update streams.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ListTools implements mcp.ToolProvider.
func (s *Server) ListTools(context.Context) ([]mcp.Tool, error) {
	return toolList, nil
}

// CallTool implements mcp.ToolProvider. Filesystem failures are reported as tool errors so the
// caller can read them; malformed arguments and unknown tools are protocol errors.
func (s *Server) CallTool(_ context.Context, name string, arguments json.RawMessage) ([]mcp.Content, error) {
	s.logger.Debug("call tool", slog.String("tool", name))

	switch name {
	case "read_file":
		return call(arguments, s.readFile)
	case "read_multiple_files":
		return call(arguments, s.readMultipleFiles)
	case "write_file":
		return call(arguments, s.writeFile)
	case "edit_file":
		return call(arguments, s.editFile)
	case "create_directory":
		return call(arguments, s.createDirectory)
	case "list_directory":
		return call(arguments, s.listDirectory)
	case "directory_tree":
		return call(arguments, s.directoryTree)
	case "move_file":
		return call(arguments, s.moveFile)
	case "search_files":
		return call(arguments, s.searchFiles)
	case "get_file_info":
		return call(arguments, s.getFileInfo)
	case "list_allowed_directories":
		return s.listAllowedDirectories(), nil
	default:
		return nil, mcp.NewProviderError(mcp.ProviderErrorNotFound, fmt.Sprintf("tool not found: %s", name), nil)
	}
}

// call decodes arguments into A and runs fn.
func call[A any](arguments json.RawMessage, fn func(A) ([]mcp.Content, error)) ([]mcp.Content, error) {
	var args A
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, mcp.NewProviderError(mcp.ProviderErrorInvalidInput, "invalid tool arguments", err)
		}
	}
	return fn(args)
}

// ResourceUpdates implements mcp.ResourceUpdater. It yields the URI of each subscribed file
// changed through the tools.
func (s *Server) ResourceUpdates() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			select {
			case <-s.done:
				return
			case uri := <-s.updates:
				if !yield(uri) {
					return
				}
			}
		}
	}
}

// ResourceListUpdates implements mcp.ResourceListUpdater. It yields when the tools create,
// move or remove a file.
func (s *Server) ResourceListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.listChanged:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

// changed records a modification of path made through the tools.
func (s *Server) changed(path string, listChanged bool) {
	uri := fileURI(path)

	s.mu.Lock()
	_, ok := s.subscribed[uri]
	s.mu.Unlock()

	if ok {
		select {
		case s.updates <- uri:
		default:
			s.logger.Warn("dropped resource update", slog.String("uri", uri))
		}
	}
	if listChanged {
		select {
		case s.listChanged <- struct{}{}:
		default:
		}
	}
}
