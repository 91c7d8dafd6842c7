// Package config loads the airs-mcp configuration file. YAML (.yaml, .yml) and TOML (.toml)
// files are supported; ${VAR} references are expanded before decoding and MCP_<SECTION>_<KEY>
// environment variables override decoded values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/airsstack/airsstack-sub002/auth"
	"github.com/airsstack/airsstack-sub002/httpengine"
	"github.com/airsstack/airsstack-sub002/oauth2"
	"github.com/airsstack/airsstack-sub002/oauth2/authserver"
)

// Duration is a time.Duration written as a string such as "30s" or "5m".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats d as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the full configuration of the airs-mcp binary.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	OAuth2     OAuth2Config     `yaml:"oauth2" toml:"oauth2"`
	AuthServer AuthServerConfig `yaml:"authserver" toml:"authserver"`
	Providers  ProvidersConfig  `yaml:"providers" toml:"providers"`
	Client     ClientConfig     `yaml:"client" toml:"client"`
}

// ServerConfig describes the MCP server and its HTTP engine.
type ServerConfig struct {
	Name         string `yaml:"name" toml:"name"`
	Version      string `yaml:"version" toml:"version"`
	Instructions string `yaml:"instructions" toml:"instructions"`
	// Transport is "stdio" or "http".
	Transport      string   `yaml:"transport" toml:"transport"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`

	BindAddress              string   `yaml:"bind_address" toml:"bind_address"`
	MaxConnections           int      `yaml:"max_connections" toml:"max_connections"`
	MaxIdleTime              Duration `yaml:"max_idle_time" toml:"max_idle_time"`
	MaxRequestsPerConnection int64    `yaml:"max_requests_per_connection" toml:"max_requests_per_connection"`
	RequestsPerSecond        float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	SessionTimeout           Duration `yaml:"session_timeout" toml:"session_timeout"`
	CleanupInterval          Duration `yaml:"cleanup_interval" toml:"cleanup_interval"`
	MaxMessageSize           int      `yaml:"max_message_size" toml:"max_message_size"`
	ResponseMode             string   `yaml:"response_mode" toml:"response_mode"`
	Workers                  int      `yaml:"workers" toml:"workers"`
	QueueCapacity            int      `yaml:"queue_capacity" toml:"queue_capacity"`
	ShutdownTimeout          Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	SSEHeartbeat             Duration `yaml:"sse_heartbeat" toml:"sse_heartbeat"`
	SSEHistory               int      `yaml:"sse_history" toml:"sse_history"`
	SSEBuffer                int      `yaml:"sse_buffer" toml:"sse_buffer"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	// Format is "text" for colorized output or "json".
	Format string `yaml:"format" toml:"format"`
}

// AuthConfig enables authentication of the HTTP endpoints.
type AuthConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Method is "apikey" or "oauth2".
	Method     string        `yaml:"method" toml:"method"`
	APIKeys    []auth.APIKey `yaml:"api_keys" toml:"api_keys"`
	HeaderName string        `yaml:"header_name" toml:"header_name"`
	QueryParam string        `yaml:"query_param" toml:"query_param"`
	Realm      string        `yaml:"realm" toml:"realm"`
}

// OAuth2Config configures bearer-token validation.
type OAuth2Config struct {
	JWKSURL          string               `yaml:"jwks_url" toml:"jwks_url"`
	Audience         string               `yaml:"audience" toml:"audience"`
	Issuer           string               `yaml:"issuer" toml:"issuer"`
	DocumentationURL string               `yaml:"documentation_url" toml:"documentation_url"`
	Algorithms       []string             `yaml:"algorithms" toml:"algorithms"`
	Leeway           Duration             `yaml:"leeway" toml:"leeway"`
	JWKSCacheTTL     Duration             `yaml:"jwks_cache_ttl" toml:"jwks_cache_ttl"`
	JWKSCacheSize    int                  `yaml:"jwks_cache_size" toml:"jwks_cache_size"`
	JWKSFetchTimeout Duration             `yaml:"jwks_fetch_timeout" toml:"jwks_fetch_timeout"`
	TokenCacheTTL    Duration             `yaml:"token_cache_ttl" toml:"token_cache_ttl"`
	TokenCacheSize   int                  `yaml:"token_cache_size" toml:"token_cache_size"`
	ScopeMappings    []ScopeMappingConfig `yaml:"scope_mappings" toml:"scope_mappings"`
}

// ScopeMappingConfig maps one method to the scope it requires.
type ScopeMappingConfig struct {
	Method   string `yaml:"method" toml:"method"`
	Scope    string `yaml:"scope" toml:"scope"`
	Optional bool   `yaml:"optional" toml:"optional"`
}

// AuthServerConfig runs the built-in authorization server next to the MCP endpoints.
type AuthServerConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Issuer  string `yaml:"issuer" toml:"issuer"`
	// KeyFile is a PEM RSA private key. A fresh key is generated when it is empty.
	KeyFile  string        `yaml:"key_file" toml:"key_file"`
	KeyID    string        `yaml:"key_id" toml:"key_id"`
	TokenTTL Duration      `yaml:"token_ttl" toml:"token_ttl"`
	CodeTTL  Duration      `yaml:"code_ttl" toml:"code_ttl"`
	Clients  []OAuthClient `yaml:"clients" toml:"clients"`
}

// OAuthClient registers a client with the authorization server.
type OAuthClient struct {
	ID           string   `yaml:"id" toml:"id"`
	Secret       string   `yaml:"secret" toml:"secret"`
	RedirectURIs []string `yaml:"redirect_uris" toml:"redirect_uris"`
	Scopes       []string `yaml:"scopes" toml:"scopes"`
}

// ProvidersConfig selects the demo providers served by the binary.
type ProvidersConfig struct {
	Everything bool `yaml:"everything" toml:"everything"`
	// StaticDir is served as everything://static/ resources. The binary's bundled files are used
	// when it is empty.
	StaticDir string `yaml:"static_dir" toml:"static_dir"`
	// FilesystemRoots, when set, replaces the demo tools and static resources with the
	// filesystem server confined to these directories.
	FilesystemRoots []string `yaml:"filesystem_roots" toml:"filesystem_roots"`
	// Memory adds the knowledge graph tools. MemoryFile persists the graph; it is kept in memory
	// only when empty.
	Memory     bool   `yaml:"memory" toml:"memory"`
	MemoryFile string `yaml:"memory_file" toml:"memory_file"`
}

// ClientConfig configures the call subcommand.
type ClientConfig struct {
	URL          string   `yaml:"url" toml:"url"`
	APIKey       string   `yaml:"api_key" toml:"api_key"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	RefreshToken string   `yaml:"refresh_token" toml:"refresh_token"`
	TokenURL     string   `yaml:"token_url" toml:"token_url"`
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	ClientSecret string   `yaml:"client_secret" toml:"client_secret"`
	Scopes       []string `yaml:"scopes" toml:"scopes"`
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	engine := httpengine.DefaultConfig()
	oa := oauth2.DefaultConfig()
	as := authserver.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Name:                     "airs-mcp",
			Version:                  "0.1.0",
			Transport:                "stdio",
			RequestTimeout:           Duration(30 * time.Second),
			BindAddress:              engine.BindAddress,
			MaxConnections:           engine.MaxConnections,
			MaxIdleTime:              Duration(engine.MaxIdleTime),
			MaxRequestsPerConnection: engine.MaxRequestsPerConnection,
			RequestsPerSecond:        engine.RequestsPerSecond,
			SessionTimeout:           Duration(engine.SessionTimeout),
			CleanupInterval:          Duration(engine.CleanupInterval),
			MaxMessageSize:           engine.MaxMessageSize,
			ResponseMode:             string(engine.ResponseMode),
			Workers:                  engine.Workers,
			QueueCapacity:            engine.QueueCapacity,
			ShutdownTimeout:          Duration(engine.ShutdownTimeout),
			SSEHeartbeat:             Duration(engine.SSE.HeartbeatInterval),
			SSEHistory:               engine.SSE.HistorySize,
			SSEBuffer:                engine.SSE.SubscriberBuffer,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Auth: AuthConfig{
			Method:     "apikey",
			HeaderName: "X-API-Key",
			QueryParam: "api_key",
			Realm:      "mcp-server",
		},
		OAuth2: OAuth2Config{
			Algorithms:       oa.Validation.Algorithms,
			Leeway:           Duration(oa.Validation.Leeway),
			JWKSCacheTTL:     Duration(oa.Cache.JWKSTTL),
			JWKSCacheSize:    oa.Cache.JWKSMaxSize,
			JWKSFetchTimeout: Duration(oa.Cache.JWKSFetchTimeout),
			TokenCacheTTL:    Duration(oa.Cache.TokenTTL),
			TokenCacheSize:   oa.Cache.TokenMaxSize,
		},
		AuthServer: AuthServerConfig{
			KeyID:    as.KeyID,
			TokenTTL: Duration(as.TokenTTL),
			CodeTTL:  Duration(as.CodeTTL),
		},
		Providers: ProvidersConfig{Everything: true},
		Client:    ClientConfig{Timeout: Duration(30 * time.Second)},
	}
}

// Load reads the file at path on top of Default, applies environment overrides and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Decode(filepath.Ext(path), data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Decode expands ${VAR} references in data and decodes it into cfg. ext selects the format.
// Unknown keys are rejected.
func Decode(ext string, data []byte, cfg *Config) error {
	expanded := expandEnvVars(string(data), os.LookupEnv)

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		md, err := toml.Decode(expanded, cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys: %v", undecoded)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the value of VAR, or with the empty string when it is unset.
func expandEnvVars(s string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		v, _ := lookup(envRef.FindStringSubmatch(match)[1])
		return v
	})
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "stdio":
	case "http":
		if err := c.HTTPEngine().Validate(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	default:
		return fmt.Errorf("server.transport must be stdio or http, got %q", c.Server.Transport)
	}
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Auth.Enabled {
		switch c.Auth.Method {
		case "apikey":
			if len(c.Auth.APIKeys) == 0 {
				return errors.New("auth.api_keys must not be empty when api key auth is enabled")
			}
			for i, k := range c.Auth.APIKeys {
				if k.Key == "" {
					return fmt.Errorf("auth.api_keys[%d].key is required", i)
				}
			}
		case "oauth2":
			if err := c.OAuth2Validator().Validate(); err != nil {
				return fmt.Errorf("oauth2: %w", err)
			}
		default:
			return fmt.Errorf("auth.method must be apikey or oauth2, got %q", c.Auth.Method)
		}
	}

	if c.AuthServer.Enabled {
		if c.AuthServer.Issuer == "" {
			return errors.New("authserver.issuer is required when the authorization server is enabled")
		}
		if c.AuthServer.TokenTTL <= 0 || c.AuthServer.CodeTTL <= 0 {
			return errors.New("authserver token_ttl and code_ttl must be positive")
		}
		for i, cl := range c.AuthServer.Clients {
			if cl.ID == "" || len(cl.RedirectURIs) == 0 {
				return fmt.Errorf("authserver.clients[%d] needs an id and at least one redirect uri", i)
			}
		}
	}
	return nil
}
