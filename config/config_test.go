package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airsstack/airsstack-sub002/config"
	"github.com/airsstack/airsstack-sub002/httpengine"
	"github.com/airsstack/airsstack-sub002/oauth2/authserver"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	cfg.Server.Transport = "http"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, httpengine.DefaultConfig().BindAddress, cfg.HTTPEngine().BindAddress)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_API_KEY", "from-env")
	path := writeFile(t, "airs.yaml", `
server:
  name: demo
  transport: http
  bind_address: 127.0.0.1:9000
  session_timeout: 10m
  response_mode: auto
  sse_history: 16
logging:
  level: debug
  format: json
auth:
  enabled: true
  method: apikey
  api_keys:
    - key: ${TEST_API_KEY}
      subject: alice
      scopes: ["mcp:tools:*"]
providers:
  everything: false
  filesystem_roots: [/srv/data]
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Server.Name)
	assert.Equal(t, 10*time.Minute, cfg.Server.SessionTimeout.Std())
	assert.Equal(t, "from-env", cfg.Auth.APIKeys[0].Key)
	assert.Equal(t, []string{"mcp:tools:*"}, cfg.Auth.APIKeys[0].Scopes)
	assert.False(t, cfg.Providers.Everything)
	assert.Equal(t, []string{"/srv/data"}, cfg.Providers.FilesystemRoots)

	engine := cfg.HTTPEngine()
	assert.Equal(t, "127.0.0.1:9000", engine.BindAddress)
	assert.Equal(t, httpengine.ResponseAuto, engine.ResponseMode)
	assert.Equal(t, 16, engine.SSE.HistorySize)
	assert.Equal(t, cfg.Server.RequestTimeout.Std(), engine.ProcessingTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "airs.toml", `
[server]
name = "demo"
request_timeout = "5s"

[oauth2]
jwks_url = "https://idp.example.com/jwks"
audience = "mcp"
issuer = "https://idp.example.com"
leeway = "30s"

[[oauth2.scope_mappings]]
method = "tools/call"
scope = "mcp:tools:run"

[[oauth2.scope_mappings]]
method = "custom/op"
scope = "mcp:custom:op"
optional = true

[auth]
enabled = true
method = "oauth2"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout.Std())

	oa := cfg.OAuth2Validator()
	assert.Equal(t, "https://idp.example.com/jwks", oa.JWKSURL)
	assert.Equal(t, 30*time.Second, oa.Validation.Leeway)

	scopes := map[string]string{}
	for _, m := range oa.ScopeMappings {
		scopes[m.Method] = m.Scope
	}
	assert.Equal(t, "mcp:tools:run", scopes["tools/call"])
	assert.Equal(t, "mcp:custom:op", scopes["custom/op"])
	assert.Equal(t, "mcp:tools:list", scopes["tools/list"], "unlisted defaults are kept")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := config.Load(writeFile(t, "bad.yaml", "server:\n  nmae: typo\n"))
	require.Error(t, err)

	_, err = config.Load(writeFile(t, "bad.toml", "[server]\nnmae = \"typo\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")

	_, err = config.Load(writeFile(t, "bad.ini", "name=x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config format")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MCP_SERVER_TRANSPORT":           "http",
		"MCP_SERVER_MAX_CONNECTIONS":     "5",
		"MCP_SERVER_SESSION_TIMEOUT":     "90s",
		"MCP_SERVER_REQUESTS_PER_SECOND": "2.5",
		"MCP_AUTH_ENABLED":               "true",
		"MCP_OAUTH2_JWKS_URL":            "https://idp.example.com/jwks",
		"MCP_CLIENT_SCOPES":              "a, b,,c",
	}
	cfg := config.Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 5, cfg.Server.MaxConnections)
	assert.Equal(t, 90*time.Second, cfg.Server.SessionTimeout.Std())
	assert.InDelta(t, 2.5, cfg.Server.RequestsPerSecond, 0.0001)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "https://idp.example.com/jwks", cfg.OAuth2.JWKSURL)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Client.Scopes)

	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "MCP_SERVER_MAX_CONNECTIONS" {
			return "many", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCP_SERVER_MAX_CONNECTIONS")
}

func TestEnvNames(t *testing.T) {
	names := config.EnvNames()
	assert.Contains(t, names, "MCP_SERVER_BIND_ADDRESS")
	assert.Contains(t, names, "MCP_OAUTH2_JWKS_CACHE_TTL")
	assert.Contains(t, names, "MCP_LOGGING_LEVEL")
	assert.NotContains(t, names, "MCP_AUTH_API_KEYS")
	assert.NotContains(t, names, "MCP_AUTHSERVER_CLIENTS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"bad transport", func(c *config.Config) { c.Server.Transport = "carrier-pigeon" }, "server.transport"},
		{"bad engine", func(c *config.Config) {
			c.Server.Transport = "http"
			c.Server.MaxConnections = 0
		}, "max connections"},
		{"bad level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"no keys", func(c *config.Config) { c.Auth.Enabled = true }, "auth.api_keys"},
		{"oauth2 without jwks", func(c *config.Config) {
			c.Auth.Enabled = true
			c.Auth.Method = "oauth2"
		}, "jwks url"},
		{"authserver without issuer", func(c *config.Config) { c.AuthServer.Enabled = true }, "authserver.issuer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOAuth2DefaultsToBuiltInAuthServer(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Enabled = true
	cfg.Auth.Method = "oauth2"
	cfg.AuthServer.Enabled = true
	cfg.AuthServer.Issuer = "http://localhost:8080/"
	require.NoError(t, cfg.Validate())

	oa := cfg.OAuth2Validator()
	assert.Equal(t, "http://localhost:8080"+authserver.PathJWKS, oa.JWKSURL)
	assert.Equal(t, "http://localhost:8080", oa.Issuer)
	assert.Equal(t, cfg.AuthorizationServer().Audience, oa.Audience)
}

func TestRefreshConfig(t *testing.T) {
	cfg := config.Default()
	_, ok := cfg.RefreshConfig()
	assert.False(t, ok)

	cfg.Client.TokenURL = "https://idp.example.com/token"
	cfg.Client.ClientID = "cli"
	cfg.Client.Scopes = []string{"mcp:tools:execute"}
	rc, ok := cfg.RefreshConfig()
	require.True(t, ok)
	assert.Equal(t, "cli", rc.ClientID)
	assert.Equal(t, []string{"mcp:tools:execute"}, rc.Scopes)
}
