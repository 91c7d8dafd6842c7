package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/airsstack/airsstack-sub002/auth"
	"github.com/airsstack/airsstack-sub002/httpengine"
	"github.com/airsstack/airsstack-sub002/oauth2"
	"github.com/airsstack/airsstack-sub002/oauth2/authserver"
	"github.com/airsstack/airsstack-sub002/oauth2/lifecycle"
)

// SlogLevel maps Logging.Level to a slog level. Unknown levels map to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HTTPEngine returns the HTTP engine settings.
func (c *Config) HTTPEngine() httpengine.Config {
	s := c.Server
	return httpengine.Config{
		BindAddress:              s.BindAddress,
		MaxConnections:           s.MaxConnections,
		MaxIdleTime:              s.MaxIdleTime.Std(),
		MaxRequestsPerConnection: s.MaxRequestsPerConnection,
		RequestsPerSecond:        s.RequestsPerSecond,
		SessionTimeout:           s.SessionTimeout.Std(),
		CleanupInterval:          s.CleanupInterval.Std(),
		MaxMessageSize:           s.MaxMessageSize,
		ResponseMode:             httpengine.ResponseMode(s.ResponseMode),
		Workers:                  s.Workers,
		QueueCapacity:            s.QueueCapacity,
		ProcessingTimeout:        s.RequestTimeout.Std(),
		ShutdownTimeout:          s.ShutdownTimeout.Std(),
		SSE: httpengine.SSEConfig{
			HeartbeatInterval: s.SSEHeartbeat.Std(),
			SubscriberBuffer:  s.SSEBuffer,
			HistorySize:       s.SSEHistory,
		},
	}
}

// Middleware returns the authentication middleware settings.
func (c *Config) Middleware() auth.Config {
	mw := auth.DefaultConfig()
	if c.Auth.Realm != "" {
		mw.Realm = c.Auth.Realm
	}
	return mw
}

// APIKeySources lists where API keys are looked for: the bearer header, then the configured
// header and query parameter.
func (c *Config) APIKeySources() []auth.KeySource {
	sources := []auth.KeySource{auth.BearerSource()}
	if c.Auth.HeaderName != "" {
		sources = append(sources, auth.HeaderSource(c.Auth.HeaderName))
	}
	if c.Auth.QueryParam != "" {
		sources = append(sources, auth.QuerySource(c.Auth.QueryParam))
	}
	return sources
}

// OAuth2Validator returns the bearer-token validation settings. With the built-in authorization
// server enabled, unset issuer and JWKS URL point at it.
func (c *Config) OAuth2Validator() oauth2.Config {
	o := c.OAuth2
	cfg := oauth2.DefaultConfig()
	cfg.JWKSURL = o.JWKSURL
	cfg.Audience = o.Audience
	cfg.Issuer = o.Issuer
	cfg.DocumentationURL = o.DocumentationURL

	if c.AuthServer.Enabled {
		issuer := strings.TrimSuffix(c.AuthServer.Issuer, "/")
		if cfg.JWKSURL == "" && issuer != "" {
			cfg.JWKSURL = issuer + authserver.PathJWKS
		}
		if cfg.Issuer == "" {
			cfg.Issuer = issuer
		}
		if cfg.Audience == "" {
			cfg.Audience = authserver.DefaultConfig().Audience
		}
	}

	if len(o.Algorithms) > 0 {
		cfg.Validation.Algorithms = o.Algorithms
	}
	cfg.Validation.Leeway = o.Leeway.Std()
	cfg.Cache.JWKSTTL = o.JWKSCacheTTL.Std()
	cfg.Cache.JWKSMaxSize = o.JWKSCacheSize
	cfg.Cache.JWKSFetchTimeout = o.JWKSFetchTimeout.Std()
	cfg.Cache.TokenTTL = o.TokenCacheTTL.Std()
	cfg.Cache.TokenMaxSize = o.TokenCacheSize

	// Configured mappings replace the defaults method by method.
	for _, m := range o.ScopeMappings {
		mapping := oauth2.ScopeMapping{Method: m.Method, Scope: m.Scope, Optional: m.Optional}
		replaced := false
		for i := range cfg.ScopeMappings {
			if cfg.ScopeMappings[i].Method == m.Method {
				cfg.ScopeMappings[i] = mapping
				replaced = true
			}
		}
		if !replaced {
			cfg.ScopeMappings = append(cfg.ScopeMappings, mapping)
		}
	}
	return cfg
}

// AuthorizationServer returns the authorization server settings.
func (c *Config) AuthorizationServer() authserver.Config {
	cfg := authserver.DefaultConfig()
	cfg.Issuer = c.AuthServer.Issuer
	if c.AuthServer.KeyID != "" {
		cfg.KeyID = c.AuthServer.KeyID
	}
	cfg.TokenTTL = c.AuthServer.TokenTTL.Std()
	cfg.CodeTTL = c.AuthServer.CodeTTL.Std()
	if c.OAuth2.Audience != "" {
		cfg.Audience = c.OAuth2.Audience
	}
	return cfg
}

// AuthorizationServerClients returns the clients registered with the authorization server.
func (c *Config) AuthorizationServerClients() []authserver.Client {
	clients := make([]authserver.Client, 0, len(c.AuthServer.Clients))
	for _, cl := range c.AuthServer.Clients {
		clients = append(clients, authserver.Client{
			ID:           cl.ID,
			Secret:       cl.Secret,
			RedirectURIs: cl.RedirectURIs,
			Scopes:       cl.Scopes,
		})
	}
	return clients
}

// TokenCache returns the client-side token cache settings.
func (c *Config) TokenCache() lifecycle.CacheConfig {
	cfg := lifecycle.DefaultCacheConfig()
	if c.OAuth2.TokenCacheTTL > 0 {
		cfg.DefaultTTL = c.OAuth2.TokenCacheTTL.Std()
	}
	if c.OAuth2.TokenCacheSize > 0 {
		cfg.MaxSize = c.OAuth2.TokenCacheSize
	}
	return cfg
}

// RefreshConfig returns the refresh settings for the call subcommand. ok is false when no token
// endpoint is configured.
func (c *Config) RefreshConfig() (cfg lifecycle.RefreshConfig, ok bool) {
	cl := c.Client
	if cl.TokenURL == "" || cl.ClientID == "" {
		return lifecycle.RefreshConfig{}, false
	}
	cfg = lifecycle.DefaultRefreshConfig(cl.TokenURL, cl.ClientID)
	cfg.ClientSecret = cl.ClientSecret
	cfg.Scopes = cl.Scopes
	if cl.Timeout > 0 {
		cfg.RequestTimeout = cl.Timeout.Std()
	}
	return cfg, true
}

// ClientTimeout is the per-call timeout of the call subcommand.
func (c *Config) ClientTimeout() time.Duration {
	if c.Client.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Client.Timeout.Std()
}
