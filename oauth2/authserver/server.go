// Package authserver is a minimal OAuth2 authorization server: authorization code grant with
// PKCE, RS256 access tokens, a JWKS document and RFC 8414 metadata. It lets an MCP deployment
// act as its own identity provider.
package authserver

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/airsstack/airsstack-sub002/oauth2"
)

// Endpoint paths.
const (
	PathAuthorize = "/authorize"
	PathToken     = "/token"
	PathJWKS      = "/.well-known/jwks.json"
	PathMetadata  = "/.well-known/oauth-authorization-server"
)

// Config configures a Server.
type Config struct {
	// Issuer is the public base URL; endpoint URLs in the metadata are derived from it.
	Issuer          string
	Audience        string
	KeyID           string
	TokenTTL        time.Duration
	CodeTTL         time.Duration
	CleanupInterval time.Duration
	Scopes          []string
}

// DefaultConfig returns one-hour tokens and ten-minute codes swept every minute.
func DefaultConfig() Config {
	return Config{
		Audience:        "mcp-server",
		KeyID:           "mcp-key-1",
		TokenTTL:        time.Hour,
		CodeTTL:         10 * time.Minute,
		CleanupInterval: time.Minute,
		Scopes: []string{
			"mcp:tools:list", "mcp:tools:execute",
			"mcp:resources:list", "mcp:resources:read", "mcp:resources:write",
			"mcp:prompts:list", "mcp:prompts:read",
		},
	}
}

// SubjectFunc identifies the resource owner approving an authorization request.
type SubjectFunc func(r *http.Request, client *Client) (string, error)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithSubjectFunc sets how the resource owner is identified. The default approves every request
// on behalf of the client itself.
func WithSubjectFunc(fn SubjectFunc) Option {
	return func(s *Server) {
		s.subject = fn
	}
}

// WithClients registers clients.
func WithClients(clients ...Client) Option {
	return func(s *Server) {
		for _, c := range clients {
			s.clients[c.ID] = c
		}
	}
}

// Server issues authorization codes and access tokens.
type Server struct {
	cfg     Config
	key     *rsa.PrivateKey
	logger  *slog.Logger
	now     func() time.Time
	subject SubjectFunc

	mu      sync.RWMutex
	clients map[string]Client
	codes   *codeStore
}

// New returns a server signing with key.
func New(cfg Config, key *rsa.PrivateKey, opts ...Option) (*Server, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	def := DefaultConfig()
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = def.CodeTTL
	}
	if cfg.KeyID == "" {
		cfg.KeyID = def.KeyID
	}
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")

	s := &Server{
		cfg:     cfg,
		key:     key,
		logger:  slog.Default(),
		now:     time.Now,
		clients: make(map[string]Client),
		subject: func(_ *http.Request, c *Client) (string, error) { return c.ID, nil },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.codes = newCodeStore(s.now)
	s.logger = s.logger.With(slog.String("package", "airs-mcp"), slog.String("component", "authserver"))
	return s, nil
}

// RegisterClient adds or replaces a client.
func (s *Server) RegisterClient(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
}

func (s *Server) client(id string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return &c, ok
}

// Register mounts the endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PathAuthorize, s.handleAuthorize)
	mux.HandleFunc("POST "+PathToken, s.handleToken)
	mux.HandleFunc("GET "+PathJWKS, s.handleJWKS)
	mux.HandleFunc("GET "+PathMetadata, s.handleMetadata)
}

// Handler returns the endpoints as a standalone handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Run sweeps expired codes until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.CleanupInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.codes.sweep(); n > 0 {
				s.logger.Debug("swept expired authorization codes", slog.Int("removed", n))
			}
		}
	}
}

// PendingCodes is the number of unredeemed authorization codes.
func (s *Server) PendingCodes() int { return s.codes.len() }

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	client, ok := s.client(q.Get("client_id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_client", "unknown client")
		return
	}
	redirectURI := q.Get("redirect_uri")
	if !client.allowsRedirect(redirectURI) {
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered")
		return
	}
	// From here on errors are reported to the client through the redirect.
	state := q.Get("state")

	if q.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, state, "unsupported_response_type", "response_type must be code")
		return
	}
	challenge := q.Get("code_challenge")
	if challenge == "" {
		redirectError(w, r, redirectURI, state, "invalid_request", "code_challenge is required")
		return
	}
	method := q.Get("code_challenge_method")
	if method == "" {
		method = MethodPlain
	}
	if method != MethodS256 && method != MethodPlain {
		redirectError(w, r, redirectURI, state, "invalid_request", "unsupported code_challenge_method")
		return
	}
	scopes := strings.Fields(q.Get("scope"))
	if !client.allowsScopes(scopes) {
		redirectError(w, r, redirectURI, state, "invalid_scope", "scope not allowed for client")
		return
	}
	subject, err := s.subject(r, client)
	if err != nil {
		redirectError(w, r, redirectURI, state, "access_denied", "authorization denied")
		return
	}

	code := uuid.NewString()
	s.codes.put(code, authorizationCode{
		clientID:            client.ID,
		redirectURI:         redirectURI,
		subject:             subject,
		scopes:              scopes,
		codeChallenge:       challenge,
		codeChallengeMethod: method,
		expiresAt:           s.now().Add(s.cfg.CodeTTL),
	})
	s.logger.InfoContext(r.Context(), "issued authorization code",
		slog.String("client", client.ID),
		slog.String("sub", subject))

	params := url.Values{"code": {code}}
	if state != "" {
		params.Set("state", state)
	}
	http.Redirect(w, r, withQuery(redirectURI, params), http.StatusFound)
}

// TokenResponse is the body of a successful token request.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "authorization_code" {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
		return
	}

	clientID, secret, hasBasic := r.BasicAuth()
	if !hasBasic {
		clientID = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	client, ok := s.client(clientID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if client.Secret != "" && subtle.ConstantTimeCompare([]byte(client.Secret), []byte(secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	ac, ok := s.codes.take(r.PostForm.Get("code"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or expired")
		return
	}
	if ac.clientID != client.ID || ac.redirectURI != r.PostForm.Get("redirect_uri") {
		writeError(w, http.StatusBadRequest, "invalid_grant", "authorization code was issued to another client")
		return
	}
	if !VerifyPKCE(ac.codeChallengeMethod, ac.codeChallenge, r.PostForm.Get("code_verifier")) {
		writeError(w, http.StatusBadRequest, "invalid_grant", "code verifier does not match")
		return
	}

	token, err := s.IssueToken(ac.subject, client.ID, ac.scopes)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to sign token", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "server_error", "token issuance failed")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.cfg.TokenTTL / time.Second),
		Scope:       strings.Join(ac.scopes, " "),
	})
}

// IssueToken signs an access token for subject.
func (s *Server) IssueToken(subject, clientID string, scopes []string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":       subject,
		"aud":       s.cfg.Audience,
		"iss":       s.cfg.Issuer,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(s.cfg.TokenTTL).Unix(),
		"jti":       uuid.NewString(),
		"client_id": clientID,
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.cfg.KeyID
	return tok.SignedString(s.key)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{oauth2.EncodeJWK(s.cfg.KeyID, "RS256", &s.key.PublicKey)},
	})
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.cfg.Issuer,
		"authorization_endpoint":                s.cfg.Issuer + PathAuthorize,
		"token_endpoint":                        s.cfg.Issuer + PathToken,
		"jwks_uri":                              s.cfg.Issuer + PathJWKS,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{MethodS256, MethodPlain},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post", "client_secret_basic"},
		"scopes_supported":                      s.cfg.Scopes,
	})
}

func withQuery(base string, params url.Values) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + params.Encode()
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, desc string) {
	params := url.Values{"error": {code}, "error_description": {desc}}
	if state != "" {
		params.Set("state", state)
	}
	http.Redirect(w, r, withQuery(redirectURI, params), http.StatusFound)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
