package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/airsstack/airsstack-sub002"
	"github.com/airsstack/airsstack-sub002/auth"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

func newKeyMiddleware(t *testing.T) *auth.Middleware[*auth.APIKeyStrategy] {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	require.NoError(t, err)

	validator := auth.NewStaticKeyValidator(
		auth.APIKey{Key: "plain-key", Subject: "alice", Scopes: []string{"mcp:tools:list"}},
		auth.APIKey{Key: string(hash), Subject: "bob"},
	)
	return auth.NewMiddleware(auth.NewAPIKeyStrategy(validator), auth.DefaultConfig())
}

func TestAPIKeySources(t *testing.T) {
	m := newKeyMiddleware(t)

	tests := []struct {
		name    string
		prepare func(r *http.Request)
		subject string
	}{
		{name: "bearer", prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer plain-key") }, subject: "alice"},
		{name: "header", prepare: func(r *http.Request) { r.Header.Set("X-API-Key", "hashed-key") }, subject: "bob"},
		{name: "query", prepare: func(r *http.Request) { r.URL.RawQuery = "api_key=plain-key" }, subject: "alice"},
		{
			name: "non-bearer authorization falls through to header",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
				r.Header.Set("X-API-Key", "plain-key")
			},
			subject: "alice",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			tc.prepare(r)

			authCtx, err := m.Authenticate(context.Background(), auth.NewHTTPAuthRequest(r))
			require.NoError(t, err)
			require.NotNil(t, authCtx)
			assert.Equal(t, tc.subject, authCtx.Subject)
			assert.Equal(t, "apikey", authCtx.Method)
		})
	}
}

func TestAPIKeyFailures(t *testing.T) {
	m := newKeyMiddleware(t)

	tests := []struct {
		name string
		auth string
		kind auth.ErrorKind
	}{
		{name: "missing", kind: auth.ErrorMissingAPIKey},
		{name: "unknown", auth: "Bearer nope", kind: auth.ErrorAuthenticationFailed},
		{name: "empty bearer", auth: "Bearer  ", kind: auth.ErrorMalformedAuth},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tc.auth != "" {
				r.Header.Set("Authorization", tc.auth)
			}
			_, err := m.Authenticate(context.Background(), auth.NewHTTPAuthRequest(r))

			var authErr *auth.Error
			require.True(t, errors.As(err, &authErr), "err = %v", err)
			assert.Equal(t, tc.kind, authErr.Kind)
			assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode())
		})
	}
}

func TestSkipPathsIgnoreCredentials(t *testing.T) {
	m := newKeyMiddleware(t)

	for _, path := range []string{"/health", "/metrics", "/status"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.Header.Set("Authorization", "Bearer nope")

		authCtx, err := m.Authenticate(context.Background(), auth.NewHTTPAuthRequest(r))
		assert.NoError(t, err, path)
		assert.Nil(t, authCtx, path)
	}
}

func TestMiddlewareHandler(t *testing.T) {
	m := newKeyMiddleware(t)

	var seen *auth.Context
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="mcp-server", error="missing_api_key"`, rec.Header().Get("WWW-Authenticate"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "missing_api_key", body["error"])
	assert.Nil(t, seen)

	r = httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set("X-API-Key", "plain-key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.Subject)
	assert.True(t, seen.HasScope("mcp:tools:list"))
}

type failingValidator struct{}

func (failingValidator) ValidateKey(context.Context, string) (*auth.Context, error) {
	return nil, errors.New("database down")
}

func TestValidatorFailureIsEngineError(t *testing.T) {
	m := auth.NewMiddleware(auth.NewAPIKeyStrategy(failingValidator{}), auth.DefaultConfig())

	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	m.Handler(http.NotFoundHandler()).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
	assert.NotContains(t, rec.Body.String(), "database down")
}

func TestContextExpiry(t *testing.T) {
	now := time.Now()
	assert.False(t, (&auth.Context{}).Expired(now))
	assert.True(t, (&auth.Context{ExpiresAt: now.Add(-time.Second)}).Expired(now))
	assert.False(t, (&auth.Context{ExpiresAt: now.Add(time.Minute)}).Expired(now))
}

func TestAuthorizerMapsDenialToJSONRPC(t *testing.T) {
	authz := auth.NewAuthorizer(auth.RequireAuthenticated{})

	err := authz.Authorize(context.Background(), mcp.MethodToolsCall)
	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, jsonrpc.CodeAuthorizationDenied, rpcErr.Code)

	ctx := auth.WithContext(context.Background(), &auth.Context{Subject: "alice"})
	assert.NoError(t, authz.Authorize(ctx, mcp.MethodToolsCall))

	expired := auth.WithContext(context.Background(), &auth.Context{Subject: "alice", ExpiresAt: time.Now().Add(-time.Minute)})
	assert.Error(t, authz.Authorize(expired, mcp.MethodToolsCall))

	assert.NoError(t, auth.NewAuthorizer(auth.AllowAll{}).Authorize(context.Background(), mcp.MethodToolsCall))
}
