// Package oauth2 authenticates bearer JWTs against a JWKS endpoint and maps MCP methods to the
// OAuth scopes they require.
package oauth2

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"
)

// Config configures a Validator and its JWKS cache.
type Config struct {
	JWKSURL          string
	Audience         string
	Issuer           string
	DocumentationURL string
	Cache            CacheConfig
	Validation       ValidationConfig
	ScopeMappings    []ScopeMapping
}

// CacheConfig bounds the key and token caches.
type CacheConfig struct {
	JWKSTTL          time.Duration
	JWKSMaxSize      int
	JWKSFetchTimeout time.Duration
	TokenTTL         time.Duration
	TokenMaxSize     int
}

// ValidationConfig selects which claims are checked.
type ValidationConfig struct {
	// Leeway tolerates clock skew on exp and nbf.
	Leeway      time.Duration
	RequireExp  bool
	RequireAud  bool
	RequireIss  bool
	ValidateNBF bool
	Algorithms  []string
}

// ScopeMapping names the scope a method requires. Optional mappings allow the call without the
// scope but log it.
type ScopeMapping struct {
	Method   string
	Scope    string
	Optional bool
}

// SupportedAlgorithms are the signing algorithms a Config may allow.
var SupportedAlgorithms = []string{"RS256", "RS384", "RS512"}

// DefaultConfig returns the defaults. JWKSURL, Audience and Issuer must still be set.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			JWKSTTL:          5 * time.Minute,
			JWKSMaxSize:      100,
			JWKSFetchTimeout: 10 * time.Second,
			TokenTTL:         5 * time.Minute,
			TokenMaxSize:     1000,
		},
		Validation: ValidationConfig{
			Leeway:      time.Minute,
			RequireExp:  true,
			RequireAud:  true,
			RequireIss:  true,
			ValidateNBF: true,
			Algorithms:  []string{"RS256"},
		},
		ScopeMappings: DefaultScopeMappings(),
	}
}

// DefaultScopeMappings covers every scoped MCP server method.
func DefaultScopeMappings() []ScopeMapping {
	return []ScopeMapping{
		{Method: "tools/list", Scope: "mcp:tools:list"},
		{Method: "tools/call", Scope: "mcp:tools:execute"},
		{Method: "resources/list", Scope: "mcp:resources:list"},
		{Method: "resources/templates/list", Scope: "mcp:resources:list"},
		{Method: "resources/read", Scope: "mcp:resources:read"},
		{Method: "resources/subscribe", Scope: "mcp:resources:write"},
		{Method: "resources/unsubscribe", Scope: "mcp:resources:write"},
		{Method: "prompts/list", Scope: "mcp:prompts:list"},
		{Method: "prompts/get", Scope: "mcp:prompts:read"},
		{Method: "logging/setLevel", Scope: "mcp:logging:configure"},
		{Method: "completion/complete", Scope: "mcp:completion:read"},
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.JWKSURL == "" {
		return errors.New("jwks url is required")
	}
	u, err := url.Parse(c.JWKSURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid jwks url %q", c.JWKSURL)
	}
	if c.Validation.RequireAud && c.Audience == "" {
		return errors.New("audience is required")
	}
	if c.Validation.RequireIss && c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.Validation.Algorithms) == 0 {
		return errors.New("at least one algorithm must be allowed")
	}
	for _, alg := range c.Validation.Algorithms {
		if !slices.Contains(SupportedAlgorithms, alg) {
			return fmt.Errorf("unsupported algorithm %q", alg)
		}
	}
	if c.Validation.Leeway < 0 {
		return errors.New("leeway must not be negative")
	}
	if c.Cache.JWKSTTL <= 0 {
		return errors.New("jwks cache ttl must be positive")
	}
	if c.Cache.JWKSMaxSize <= 0 {
		return errors.New("jwks cache max size must be positive")
	}
	for _, m := range c.ScopeMappings {
		if m.Method == "" || m.Scope == "" {
			return fmt.Errorf("scope mapping %q: method and scope are required", m.Method)
		}
	}
	return nil
}
