package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// SourceKind is where an API key is looked for.
type SourceKind int

const (
	SourceBearer SourceKind = iota
	SourceHeader
	SourceQuery
)

// KeySource is one place to look for an API key.
type KeySource struct {
	Kind SourceKind
	// Name is the header or query parameter name. Unused for SourceBearer.
	Name string
}

// BearerSource reads "Authorization: Bearer <key>".
func BearerSource() KeySource { return KeySource{Kind: SourceBearer} }

// HeaderSource reads the named header.
func HeaderSource(name string) KeySource { return KeySource{Kind: SourceHeader, Name: name} }

// QuerySource reads the named query parameter.
func QuerySource(name string) KeySource { return KeySource{Kind: SourceQuery, Name: name} }

// DefaultKeySources is the lookup order used when none is given.
func DefaultKeySources() []KeySource {
	return []KeySource{BearerSource(), HeaderSource("X-API-Key"), QuerySource("api_key")}
}

// ErrUnknownKey is returned by validators for keys they do not know.
var ErrUnknownKey = errors.New("unknown api key")

// APIKeyValidator maps a key to an identity.
type APIKeyValidator interface {
	ValidateKey(ctx context.Context, key string) (*Context, error)
}

// APIKeyStrategy authenticates requests carrying an API key.
type APIKeyStrategy struct {
	validator APIKeyValidator
	sources   []KeySource
}

// NewAPIKeyStrategy looks for keys in sources, in order, falling back to DefaultKeySources.
func NewAPIKeyStrategy(validator APIKeyValidator, sources ...KeySource) *APIKeyStrategy {
	if len(sources) == 0 {
		sources = DefaultKeySources()
	}
	return &APIKeyStrategy{validator: validator, sources: sources}
}

// Method implements Adapter.
func (s *APIKeyStrategy) Method() string { return "apikey" }

// SkipPath implements Adapter.
func (s *APIKeyStrategy) SkipPath(string) bool { return false }

// Authenticate implements Adapter.
func (s *APIKeyStrategy) Authenticate(ctx context.Context, req HTTPAuthRequest) (*Context, error) {
	key, err := s.extract(req)
	if err != nil {
		return nil, err
	}

	authCtx, err := s.validator.ValidateKey(ctx, key)
	switch {
	case errors.Is(err, ErrUnknownKey):
		return nil, NewError(ErrorAuthenticationFailed, "invalid api key", nil)
	case err != nil:
		return nil, NewError(ErrorEngine, "api key validation unavailable", err)
	case authCtx == nil:
		return nil, NewError(ErrorAuthenticationFailed, "invalid api key", nil)
	}
	authCtx.Method = s.Method()
	return authCtx, nil
}

func (s *APIKeyStrategy) extract(req HTTPAuthRequest) (string, error) {
	for _, src := range s.sources {
		switch src.Kind {
		case SourceBearer:
			header := req.Headers.Get("Authorization")
			if header == "" {
				continue
			}
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				continue
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return "", NewError(ErrorMalformedAuth, "empty bearer token", nil)
			}
			return token, nil
		case SourceHeader:
			if v := strings.TrimSpace(req.Headers.Get(src.Name)); v != "" {
				return v, nil
			}
		case SourceQuery:
			if v := req.Query.Get(src.Name); v != "" {
				return v, nil
			}
		}
	}
	return "", NewError(ErrorMissingAPIKey, "api key required", nil)
}

// APIKey describes one accepted key. Key is either the plaintext key or its bcrypt hash.
type APIKey struct {
	Key     string   `yaml:"key" toml:"key"`
	Subject string   `yaml:"subject" toml:"subject"`
	Scopes  []string `yaml:"scopes" toml:"scopes"`
}

// StaticKeyValidator accepts a fixed set of keys.
type StaticKeyValidator struct {
	keys []APIKey
}

// NewStaticKeyValidator returns a validator for keys.
func NewStaticKeyValidator(keys ...APIKey) *StaticKeyValidator {
	return &StaticKeyValidator{keys: keys}
}

// ValidateKey implements APIKeyValidator. Every entry is checked so timing does not depend on
// which key matched.
func (v *StaticKeyValidator) ValidateKey(_ context.Context, key string) (*Context, error) {
	var match *APIKey
	for i := range v.keys {
		k := &v.keys[i]
		if matchKey(k.Key, key) && match == nil {
			match = k
		}
	}
	if match == nil {
		return nil, ErrUnknownKey
	}
	return &Context{
		Subject: match.Subject,
		Scopes:  slices.Clone(match.Scopes),
	}, nil
}

func matchKey(stored, presented string) bool {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
