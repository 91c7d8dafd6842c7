package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
)

// Config configures a Middleware.
type Config struct {
	// SkipPaths bypass authentication entirely.
	SkipPaths []string
	// Realm is announced in WWW-Authenticate challenges.
	Realm string
	// IncludeErrorDetails adds the failure message to 401 bodies.
	IncludeErrorDetails bool
}

// DefaultConfig skips the operational endpoints.
func DefaultConfig() Config {
	return Config{
		SkipPaths:           []string{"/health", "/metrics", "/status"},
		Realm:               "mcp-server",
		IncludeErrorDetails: true,
	}
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*middlewareOptions)

type middlewareOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.logger = logger
	}
}

// Middleware authenticates requests with one strategy. It is generic over the adapter so each
// strategy gets its own instantiation.
type Middleware[A Adapter] struct {
	adapter A
	cfg     Config
	logger  *slog.Logger
}

// NewMiddleware creates a middleware around adapter.
func NewMiddleware[A Adapter](adapter A, cfg Config, opts ...MiddlewareOption) *Middleware[A] {
	o := middlewareOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Middleware[A]{
		adapter: adapter,
		cfg:     cfg,
		logger: o.logger.With(
			slog.String("package", "airs-mcp"),
			slog.String("component", "auth"),
			slog.String("method", adapter.Method()),
		),
	}
}

// Adapter returns the wrapped strategy.
func (m *Middleware[A]) Adapter() A { return m.adapter }

// Authenticate authenticates req. Skipped paths yield (nil, nil) whatever the headers say.
func (m *Middleware[A]) Authenticate(ctx context.Context, req HTTPAuthRequest) (*Context, error) {
	if slices.Contains(m.cfg.SkipPaths, req.Path) || m.adapter.SkipPath(req.Path) {
		return nil, nil
	}
	authCtx, err := m.adapter.Authenticate(ctx, req)
	if err != nil {
		return nil, asError(err)
	}
	return authCtx, nil
}

// Handler wraps next. Authenticated requests carry their Context; failures never reach next.
func (m *Middleware[A]) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := m.Authenticate(r.Context(), NewHTTPAuthRequest(r))
		if err != nil {
			m.reject(w, r, asError(err))
			return
		}
		if authCtx != nil {
			r = r.WithContext(WithContext(r.Context(), authCtx))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware[A]) reject(w http.ResponseWriter, r *http.Request, authErr *Error) {
	level := slog.LevelInfo
	if authErr.Kind == ErrorEngine {
		level = slog.LevelError
	}
	m.logger.Log(r.Context(), level, "authentication failed",
		slog.String("path", r.URL.Path),
		slog.String("remote", r.RemoteAddr),
		slog.String("err", authErr.Error()))

	body := map[string]string{"error": authErr.Kind.String()}
	if m.cfg.IncludeErrorDetails && authErr.Message != "" {
		body["error_description"] = authErr.Message
	}

	status := authErr.StatusCode()
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error=%q`, m.cfg.Realm, authErr.Kind.String()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
