package oauth2_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airsstack/airsstack-sub002/auth"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
	"github.com/airsstack/airsstack-sub002/oauth2"
)

const (
	testIssuer   = "https://issuer.example"
	testAudience = "mcp-server"
)

type keyServer struct {
	mu     sync.Mutex
	keys   map[string]*rsa.PrivateKey
	status int
	srv    *httptest.Server
}

func newKeyServer(t *testing.T) *keyServer {
	t.Helper()
	ks := &keyServer{keys: make(map[string]*rsa.PrivateKey), status: http.StatusOK}
	ks.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.mu.Lock()
		defer ks.mu.Unlock()
		if ks.status != http.StatusOK {
			w.WriteHeader(ks.status)
			return
		}
		var set []map[string]string
		for kid, k := range ks.keys {
			set = append(set, oauth2.EncodeJWK(kid, "RS256", &k.PublicKey))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": set})
	}))
	t.Cleanup(ks.srv.Close)
	return ks
}

func (ks *keyServer) add(t *testing.T, kid string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ks.mu.Lock()
	ks.keys[kid] = key
	ks.mu.Unlock()
	return key
}

func (ks *keyServer) url() string { return ks.srv.URL + "/.well-known/jwks.json" }

func newValidator(t *testing.T, ks *keyServer, opts ...oauth2.Option) *oauth2.Validator {
	t.Helper()
	cfg := oauth2.DefaultConfig()
	cfg.JWKSURL = ks.url()
	cfg.Audience = testAudience
	cfg.Issuer = testIssuer
	v, err := oauth2.NewValidator(cfg, opts...)
	require.NoError(t, err)
	return v
}

func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":   "alice",
		"iss":   testIssuer,
		"aud":   testAudience,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"jti":   "token-1",
		"scope": "mcp:tools:list mcp:tools:execute",
	}
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func requireKind(t *testing.T, err error, kind oauth2.ErrorKind) {
	t.Helper()
	var oauthErr *oauth2.Error
	require.True(t, errors.As(err, &oauthErr), "err = %v", err)
	assert.Equal(t, kind, oauthErr.Kind, "err = %v", err)
}

func TestValidateSuccess(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.add(t, "k1")
	v := newValidator(t, ks)

	claims, err := v.Validate(context.Background(), sign(t, key, "k1", validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, []string{testAudience}, claims.Audience)
	assert.Equal(t, "token-1", claims.ID)
	assert.Equal(t, []string{"mcp:tools:list", "mcp:tools:execute"}, claims.Scopes)
	assert.False(t, claims.ExpiresAt.IsZero())
}

func TestJWKSKidRotation(t *testing.T) {
	ks := newKeyServer(t)
	k1 := ks.add(t, "k1")
	v := newValidator(t, ks)
	ctx := context.Background()

	_, err := v.Validate(ctx, sign(t, k1, "k1", validClaims()))
	require.NoError(t, err)
	require.EqualValues(t, 1, v.JWKS().Fetches())

	k2 := ks.add(t, "k2")
	token := sign(t, k2, "k2", validClaims())

	_, err = v.Validate(ctx, token)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v.JWKS().Fetches())

	_, err = v.Validate(ctx, token)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v.JWKS().Fetches(), "cached key must not trigger a fetch")
	assert.Equal(t, 2, v.JWKS().Len())
}

func TestJWKSExpiry(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.add(t, "k1")

	now := time.Now()
	clock := func() time.Time { return now }
	v := newValidator(t, ks, oauth2.WithClock(clock))
	token := sign(t, key, "k1", validClaims())

	_, err := v.Validate(context.Background(), token)
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	claims := validClaims()
	claims["exp"] = now.Add(time.Hour).Unix()
	_, err = v.Validate(context.Background(), sign(t, key, "k1", claims))
	require.NoError(t, err)
	assert.EqualValues(t, 2, v.JWKS().Fetches())
}

func TestValidateClaimFailures(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.add(t, "k1")
	v := newValidator(t, ks)
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		kind   oauth2.ErrorKind
	}{
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = now.Add(-2 * time.Minute).Unix() }, kind: oauth2.ErrorExpiredSignature},
		{name: "not yet valid", mutate: func(c jwt.MapClaims) { c["nbf"] = now.Add(2 * time.Minute).Unix() }, kind: oauth2.ErrorImmatureSignature},
		{name: "wrong audience", mutate: func(c jwt.MapClaims) { c["aud"] = "someone-else" }, kind: oauth2.ErrorInvalidAudience},
		{name: "missing audience", mutate: func(c jwt.MapClaims) { delete(c, "aud") }, kind: oauth2.ErrorInvalidAudience},
		{name: "wrong issuer", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }, kind: oauth2.ErrorInvalidIssuer},
		{name: "missing exp", mutate: func(c jwt.MapClaims) { delete(c, "exp") }, kind: oauth2.ErrorTokenValidation},
		{name: "missing sub", mutate: func(c jwt.MapClaims) { delete(c, "sub") }, kind: oauth2.ErrorTokenValidation},
		{name: "empty sub", mutate: func(c jwt.MapClaims) { c["sub"] = "" }, kind: oauth2.ErrorTokenValidation},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := validClaims()
			tc.mutate(claims)
			_, err := v.Validate(context.Background(), sign(t, key, "k1", claims))
			requireKind(t, err, tc.kind)
		})
	}
}

func TestValidateLeeway(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.add(t, "k1")
	v := newValidator(t, ks)

	claims := validClaims()
	claims["exp"] = time.Now().Add(-30 * time.Second).Unix()
	claims["nbf"] = time.Now().Add(30 * time.Second).Unix()

	_, err := v.Validate(context.Background(), sign(t, key, "k1", claims))
	assert.NoError(t, err)
}

func TestValidateTokenFailures(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.add(t, "k1")
	v := newValidator(t, ks)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	hs.Header["kid"] = "k1"
	hsToken, err := hs.SignedString([]byte("secret"))
	require.NoError(t, err)

	enc := base64.RawURLEncoding.EncodeToString
	payload := enc([]byte(`{"sub":"alice"}`))

	tests := []struct {
		name  string
		token string
		kind  oauth2.ErrorKind
	}{
		{name: "two parts", token: "a.b", kind: oauth2.ErrorTokenValidation},
		{name: "empty signature", token: "a.b.", kind: oauth2.ErrorTokenValidation},
		{name: "bad header encoding", token: "!!!." + payload + ".sig", kind: oauth2.ErrorBase64},
		{name: "header not json", token: enc([]byte("nope")) + "." + payload + ".sig", kind: oauth2.ErrorJSON},
		{name: "alg none", token: enc([]byte(`{"alg":"none","kid":"k1"}`)) + "." + payload + ".sig", kind: oauth2.ErrorInvalidSignature},
		{name: "missing kid", token: sign(t, key, "", validClaims()), kind: oauth2.ErrorTokenValidation},
		{name: "hmac not allowed", token: hsToken, kind: oauth2.ErrorInvalidSignature},
		{name: "wrong key", token: sign(t, other, "k1", validClaims()), kind: oauth2.ErrorInvalidSignature},
		{name: "unknown kid", token: sign(t, key, "k9", validClaims()), kind: oauth2.ErrorUnknownKey},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tc.token)
			requireKind(t, err, tc.kind)
		})
	}
}

func TestJWKSFetchFailureIsRetriable(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.add(t, "k1")
	ks.status = http.StatusInternalServerError
	v := newValidator(t, ks)

	_, err := v.Validate(context.Background(), sign(t, key, "k1", validClaims()))
	requireKind(t, err, oauth2.ErrorJWKSFetch)
	var oauthErr *oauth2.Error
	require.True(t, errors.As(err, &oauthErr))
	assert.True(t, oauthErr.Retriable())
}

func TestExtractScopes(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, oauth2.ExtractScopes(jwt.MapClaims{"scope": " a  b "}))
	assert.Equal(t, []string{"a", "b"}, oauth2.ExtractScopes(jwt.MapClaims{"scopes": []any{"a", "b"}}))
	assert.Empty(t, oauth2.ExtractScopes(jwt.MapClaims{}))
}

func TestConfigValidate(t *testing.T) {
	base := oauth2.DefaultConfig()
	base.JWKSURL = "https://issuer.example/jwks"
	base.Audience = testAudience
	base.Issuer = testIssuer
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*oauth2.Config)
	}{
		{name: "no jwks url", mutate: func(c *oauth2.Config) { c.JWKSURL = "" }},
		{name: "relative jwks url", mutate: func(c *oauth2.Config) { c.JWKSURL = "/jwks" }},
		{name: "no audience", mutate: func(c *oauth2.Config) { c.Audience = "" }},
		{name: "no issuer", mutate: func(c *oauth2.Config) { c.Issuer = "" }},
		{name: "no algorithms", mutate: func(c *oauth2.Config) { c.Validation.Algorithms = nil }},
		{name: "none algorithm", mutate: func(c *oauth2.Config) { c.Validation.Algorithms = []string{"none"} }},
		{name: "hmac algorithm", mutate: func(c *oauth2.Config) { c.Validation.Algorithms = []string{"HS256"} }},
		{name: "empty mapping", mutate: func(c *oauth2.Config) { c.ScopeMappings = []oauth2.ScopeMapping{{Method: "tools/call"}} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.Validation.Algorithms = append([]string(nil), base.Validation.Algorithms...)
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestScopeValidator(t *testing.T) {
	v := oauth2.NewScopeValidator(nil)

	tests := []struct {
		name    string
		method  string
		granted []string
		ok      bool
	}{
		{name: "exact", method: "tools/call", granted: []string{"mcp:tools:execute"}, ok: true},
		{name: "namespace wildcard", method: "tools/call", granted: []string{"mcp:tools:*"}, ok: true},
		{name: "global wildcard", method: "resources/read", granted: []string{"mcp:*"}, ok: true},
		{name: "other namespace", method: "resources/read", granted: []string{"mcp:tools:*"}, ok: false},
		{name: "list is not execute", method: "tools/call", granted: []string{"mcp:tools:list"}, ok: false},
		{name: "none", method: "prompts/get", granted: nil, ok: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.method, tc.granted)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var scopeErr *oauth2.InsufficientScopeError
			require.True(t, errors.As(err, &scopeErr))
			assert.Equal(t, tc.granted, scopeErr.Provided)
		})
	}

	err := v.Validate("custom/thing", []string{"mcp:tools:*"})
	var scopeErr *oauth2.InsufficientScopeError
	require.True(t, errors.As(err, &scopeErr))
	assert.Equal(t, "mcp:custom:*", scopeErr.Required)

	v.AddMapping(oauth2.ScopeMapping{Method: "custom/thing", Scope: "mcp:custom:use", Optional: true})
	assert.NoError(t, v.Validate("custom/thing", nil))
	scope, ok := v.RequiredScope("custom/thing")
	assert.True(t, ok)
	assert.Equal(t, "mcp:custom:use", scope)

	_, ok = v.RemoveMapping("custom/thing")
	assert.True(t, ok)
	assert.Error(t, v.Validate("custom/thing", []string{"mcp:custom:use"}))
}

func TestScopePolicy(t *testing.T) {
	p := oauth2.NewScopePolicy(oauth2.NewScopeValidator(nil))
	ctx := context.Background()
	alice := &auth.Context{Subject: "alice", Scopes: []string{"mcp:tools:*"}}

	assert.NoError(t, p.Authorize(ctx, nil, auth.AuthorizationRequest{Method: "initialize"}))
	assert.NoError(t, p.Authorize(ctx, nil, auth.AuthorizationRequest{Method: "notifications/initialized"}))
	assert.NoError(t, p.Authorize(ctx, alice, auth.AuthorizationRequest{Method: "tools/call"}))
	assert.ErrorIs(t, p.Authorize(ctx, nil, auth.AuthorizationRequest{Method: "tools/call"}), auth.ErrForbidden)

	err := p.Authorize(ctx, alice, auth.AuthorizationRequest{Method: "resources/read"})
	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, jsonrpc.CodeAuthorizationDenied, rpcErr.Code)
	assert.Equal(t, map[string]any{"method": "resources/read", "required": "mcp:resources:read"}, rpcErr.Data)

	authz := auth.NewAuthorizer(p)
	err = authz.Authorize(auth.WithContext(ctx, alice), "resources/read")
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, jsonrpc.CodeAuthorizationDenied, rpcErr.Code)
}

func TestStrategyThroughMiddleware(t *testing.T) {
	ks := newKeyServer(t)
	key := ks.add(t, "k1")
	m := auth.NewMiddleware(oauth2.NewStrategy(newValidator(t, ks)), auth.DefaultConfig())

	newReq := func(authz string) auth.HTTPAuthRequest {
		r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		if authz != "" {
			r.Header.Set("Authorization", authz)
		}
		return auth.NewHTTPAuthRequest(r)
	}

	authCtx, err := m.Authenticate(context.Background(), newReq("Bearer "+sign(t, key, "k1", validClaims())))
	require.NoError(t, err)
	assert.Equal(t, "oauth2", authCtx.Method)
	assert.Equal(t, "alice", authCtx.Subject)
	assert.True(t, authCtx.HasScope("mcp:tools:execute"))
	assert.Equal(t, "token-1", authCtx.Attributes["jti"])

	tests := []struct {
		name   string
		header string
		kind   auth.ErrorKind
	}{
		{name: "missing", kind: auth.ErrorMissingHeader},
		{name: "basic", header: "Basic Zm9vOmJhcg==", kind: auth.ErrorMalformedAuth},
		{name: "garbage", header: "Bearer not-a-jwt", kind: auth.ErrorAuthenticationFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Authenticate(context.Background(), newReq(tc.header))
			var authErr *auth.Error
			require.True(t, errors.As(err, &authErr))
			assert.Equal(t, tc.kind, authErr.Kind)
		})
	}

	skipped, err := m.Authenticate(context.Background(), auth.HTTPAuthRequest{Path: "/.well-known/jwks.json"})
	assert.NoError(t, err)
	assert.Nil(t, skipped)
}
