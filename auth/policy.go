package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airsstack/airsstack-sub002"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

var timeNow = time.Now

// AuthorizationRequest is what a Policy decides on.
type AuthorizationRequest struct {
	Method    string
	SessionID string
}

// Policy authorizes one JSON-RPC method for an authenticated caller. authCtx is nil when the
// request was not authenticated.
type Policy interface {
	Authorize(ctx context.Context, authCtx *Context, req AuthorizationRequest) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, authCtx *Context, req AuthorizationRequest) error

// Authorize calls f.
func (f PolicyFunc) Authorize(ctx context.Context, authCtx *Context, req AuthorizationRequest) error {
	return f(ctx, authCtx, req)
}

// AllowAll authorizes everything.
type AllowAll struct{}

// Authorize implements Policy.
func (AllowAll) Authorize(context.Context, *Context, AuthorizationRequest) error { return nil }

// RequireAuthenticated authorizes any authenticated, unexpired caller.
type RequireAuthenticated struct{}

// Authorize implements Policy.
func (RequireAuthenticated) Authorize(ctx context.Context, authCtx *Context, _ AuthorizationRequest) error {
	if authCtx == nil {
		return fmt.Errorf("%w: authentication required", ErrForbidden)
	}
	if authCtx.Expired(timeNow()) {
		return fmt.Errorf("%w: credential expired", ErrForbidden)
	}
	return nil
}

// NewAuthorizer adapts p to mcp.Authorizer. The caller's Context is taken from the request
// context, where Middleware put it. Denials become -32002 with the policy's message; a policy
// that returns a *jsonrpc.Error chooses the error itself.
func NewAuthorizer(p Policy) mcp.Authorizer {
	return mcp.AuthorizerFunc(func(ctx context.Context, method string) error {
		req := AuthorizationRequest{Method: method}
		if ss, ok := mcp.SessionFromContext(ctx); ok {
			req.SessionID = ss.ID()
		}
		err := p.Authorize(ctx, FromContext(ctx), req)
		if err == nil {
			return nil
		}
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return rpcErr
		}
		return jsonrpc.NewError(jsonrpc.CodeAuthorizationDenied, err.Error(), map[string]any{"method": method})
	})
}
