// Package auth authenticates HTTP requests to the MCP engine and authorizes the JSON-RPC methods
// they carry.
//
// # Strategies
//
// An Adapter turns a normalized HTTPAuthRequest into a Context or an *Error. Two adapters ship:
//
//   - APIKeyStrategy: keys from "Authorization: Bearer", a header such as X-API-Key, or a query
//     parameter such as api_key, checked by an APIKeyValidator.
//   - oauth2.Strategy: bearer JWTs validated against a JWKS endpoint.
//
// # Middleware
//
// Middleware wraps one adapter. Paths in Config.SkipPaths are never authenticated. Failures are
// answered with 401 and a WWW-Authenticate challenge for Config.Realm; success attaches the
// Context to the request, where FromContext finds it.
//
// # Authorization
//
// A Policy decides per JSON-RPC method. NewAuthorizer adapts a policy to mcp.Authorizer so that
// denials reach the peer as -32002.
package auth

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"time"
)

// Context is the identity produced by a successful authentication.
type Context struct {
	// Method names the strategy that authenticated the request, such as "apikey" or "oauth2".
	Method     string
	Subject    string
	Scopes     []string
	ExpiresAt  time.Time
	Attributes map[string]string
}

// HasScope reports whether scope was granted verbatim.
func (c *Context) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Expired reports whether the credential expired before now. A zero ExpiresAt never expires.
func (c *Context) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// HTTPAuthRequest is the transport-neutral view of an HTTP request offered to adapters.
type HTTPAuthRequest struct {
	Headers    http.Header
	Path       string
	Query      url.Values
	ClientID   string
	RemoteAddr string
	Metadata   map[string]string
}

// HeaderClientID optionally names the calling client.
const HeaderClientID = "X-Client-ID"

// NewHTTPAuthRequest normalizes r.
func NewHTTPAuthRequest(r *http.Request) HTTPAuthRequest {
	return HTTPAuthRequest{
		Headers:    r.Header,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		ClientID:   r.Header.Get(HeaderClientID),
		RemoteAddr: r.RemoteAddr,
		Metadata:   map[string]string{"method": r.Method},
	}
}

// Adapter is an authentication strategy.
type Adapter interface {
	// Method names the strategy.
	Method() string
	// Authenticate returns the caller's identity or an *Error.
	Authenticate(ctx context.Context, req HTTPAuthRequest) (*Context, error)
	// SkipPath reports whether path needs no authentication under this strategy.
	SkipPath(path string) bool
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying authCtx.
func WithContext(ctx context.Context, authCtx *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, authCtx)
}

// FromContext retrieves the Context, returning nil if the request was not authenticated.
func FromContext(ctx context.Context) *Context {
	authCtx, _ := ctx.Value(contextKey{}).(*Context)
	return authCtx
}
