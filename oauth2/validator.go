package oauth2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Option configures a Validator or JWKSCache.
type Option func(*options)

type options struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
	jwks   *JWKSCache
}

func newOptions(opts []Option) options {
	o := options{
		client: http.DefaultClient,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(slog.String("package", "airs-mcp"))
	return o
}

// WithHTTPClient sets the client used for JWKS fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithJWKSCache shares an existing key cache.
func WithJWKSCache(c *JWKSCache) Option {
	return func(o *options) {
		o.jwks = c
	}
}

// Claims are the validated claims of an access token.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	ID        string
	ClientID  string
	Scopes    []string
	Raw       jwt.MapClaims
}

// Validator validates bearer JWTs.
type Validator struct {
	cfg    Config
	jwks   *JWKSCache
	parser *jwt.Parser
	logger *slog.Logger
	now    func() time.Time
}

// NewValidator validates cfg and returns a Validator backed by a JWKS cache for cfg.JWKSURL.
func NewValidator(cfg Config, opts ...Option) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid oauth2 config: %w", err)
	}
	o := newOptions(opts)
	jwks := o.jwks
	if jwks == nil {
		jwks = NewJWKSCache(cfg.JWKSURL, cfg.Cache, opts...)
	}
	return &Validator{
		cfg:  cfg,
		jwks: jwks,
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.Validation.Algorithms),
			jwt.WithoutClaimsValidation(),
		),
		logger: o.logger.With(slog.String("component", "oauth2")),
		now:    o.now,
	}, nil
}

// Config returns the validator's configuration.
func (v *Validator) Config() Config { return v.cfg }

// JWKS returns the key cache.
func (v *Validator) JWKS() *JWKSCache { return v.jwks }

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Validate verifies token's signature and claims.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	header, err := decodeHeader(token)
	if err != nil {
		return nil, err
	}
	if header.Kid == "" {
		return nil, newError(ErrorTokenValidation, "missing kid", nil)
	}
	if !slices.Contains(v.cfg.Validation.Algorithms, header.Alg) {
		return nil, newError(ErrorInvalidSignature, fmt.Sprintf("algorithm %q not allowed", header.Alg), nil)
	}

	var keyErr error
	parsed, err := v.parser.Parse(token, func(t *jwt.Token) (any, error) {
		key, alg, err := v.jwks.Key(ctx, header.Kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		if alg != "" && alg != header.Alg {
			keyErr = newError(ErrorInvalidSignature, fmt.Sprintf("key %q is for %s", header.Kid, alg), nil)
			return nil, keyErr
		}
		return key, nil
	})
	if keyErr != nil {
		return nil, keyErr
	}
	if err != nil {
		return nil, classify(err)
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, newError(ErrorTokenValidation, "unexpected claims type", nil)
	}
	claims, err := extractClaims(mc)
	if err != nil {
		return nil, err
	}
	if err := v.checkClaims(claims); err != nil {
		v.logger.DebugContext(ctx, "token rejected",
			slog.String("sub", claims.Subject),
			slog.String("err", err.Error()))
		return nil, err
	}
	return claims, nil
}

func (v *Validator) checkClaims(c *Claims) error {
	now := v.now()
	leeway := v.cfg.Validation.Leeway

	if c.ExpiresAt.IsZero() {
		if v.cfg.Validation.RequireExp {
			return newError(ErrorTokenValidation, "missing exp", nil)
		}
	} else if now.After(c.ExpiresAt.Add(leeway)) {
		return newError(ErrorExpiredSignature, "token expired", nil)
	}

	if v.cfg.Validation.ValidateNBF && !c.NotBefore.IsZero() && now.Add(leeway).Before(c.NotBefore) {
		return newError(ErrorImmatureSignature, "token not yet valid", nil)
	}

	if v.cfg.Validation.RequireAud && !slices.Contains(c.Audience, v.cfg.Audience) {
		return newError(ErrorInvalidAudience, fmt.Sprintf("audience %v", c.Audience), nil)
	}
	if v.cfg.Validation.RequireIss && c.Issuer != v.cfg.Issuer {
		return newError(ErrorInvalidIssuer, fmt.Sprintf("issuer %q", c.Issuer), nil)
	}
	return nil
}

func decodeHeader(token string) (tokenHeader, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return tokenHeader{}, newError(ErrorTokenValidation, "malformed token", nil)
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenHeader{}, newError(ErrorBase64, "header", err)
	}
	var h tokenHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return tokenHeader{}, newError(ErrorJSON, "header", err)
	}
	if h.Alg == "" || strings.EqualFold(h.Alg, "none") {
		return tokenHeader{}, newError(ErrorInvalidSignature, "unsigned token", nil)
	}
	return h, nil
}

func classify(err error) error {
	var (
		corrupt base64.CorruptInputError
		syntax  *json.SyntaxError
		typeErr *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return newError(ErrorInvalidSignature, "signature verification failed", err)
	case errors.As(err, &corrupt):
		return newError(ErrorBase64, "payload", err)
	case errors.As(err, &syntax), errors.As(err, &typeErr):
		return newError(ErrorJSON, "payload", err)
	default:
		return newError(ErrorTokenValidation, "invalid token", err)
	}
}

func extractClaims(mc jwt.MapClaims) (*Claims, error) {
	c := &Claims{Raw: mc}
	var err error
	if c.Subject, err = mc.GetSubject(); err != nil {
		return nil, newError(ErrorTokenValidation, "sub", err)
	}
	if c.Subject == "" {
		return nil, newError(ErrorTokenValidation, "missing sub", nil)
	}
	if c.Issuer, err = mc.GetIssuer(); err != nil {
		return nil, newError(ErrorTokenValidation, "iss", err)
	}
	aud, err := mc.GetAudience()
	if err != nil {
		return nil, newError(ErrorTokenValidation, "aud", err)
	}
	c.Audience = aud

	for _, claim := range []struct {
		name string
		get  func() (*jwt.NumericDate, error)
		dst  *time.Time
	}{
		{"exp", mc.GetExpirationTime, &c.ExpiresAt},
		{"nbf", mc.GetNotBefore, &c.NotBefore},
		{"iat", mc.GetIssuedAt, &c.IssuedAt},
	} {
		d, err := claim.get()
		if err != nil {
			return nil, newError(ErrorTokenValidation, claim.name, err)
		}
		if d != nil {
			*claim.dst = d.Time
		}
	}

	c.ID, _ = mc["jti"].(string)
	c.ClientID, _ = mc["client_id"].(string)
	if c.ClientID == "" {
		c.ClientID, _ = mc["azp"].(string)
	}
	c.Scopes = ExtractScopes(mc)
	return c, nil
}

// ExtractScopes reads the space-separated "scope" claim, falling back to a "scopes" array.
func ExtractScopes(mc jwt.MapClaims) []string {
	if s, ok := mc["scope"].(string); ok {
		return strings.Fields(s)
	}
	arr, ok := mc["scopes"].([]any)
	if !ok {
		return nil
	}
	scopes := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok && s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}
