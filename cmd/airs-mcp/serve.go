package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/airsstack/airsstack-sub002"
	"github.com/airsstack/airsstack-sub002/auth"
	"github.com/airsstack/airsstack-sub002/config"
	"github.com/airsstack/airsstack-sub002/httpengine"
	"github.com/airsstack/airsstack-sub002/oauth2"
	"github.com/airsstack/airsstack-sub002/oauth2/authserver"
	"github.com/airsstack/airsstack-sub002/servers/everything"
	"github.com/airsstack/airsstack-sub002/servers/filesystem"
	"github.com/airsstack/airsstack-sub002/servers/memory"
)

//go:embed static
var bundled embed.FS

func runServe(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fset.String("config", os.Getenv("MCP_CONFIG"), "path to a YAML or TOML config file")
	stdio := fset.Bool("stdio", false, "serve over stdin/stdout regardless of server.transport")
	if err := fset.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *stdio {
		cfg.Server.Transport = "stdio"
	}

	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	opts, closeProviders, err := providerOptions(cfg, logger)
	if err != nil {
		return err
	}
	opts = append(opts,
		mcp.WithInstructions(cfg.Server.Instructions),
		mcp.WithRequestTimeout(cfg.Server.RequestTimeout.Std()),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(sessionID string, info mcp.Info) {
			logger.Info("client connected",
				slog.String("session", sessionID),
				slog.String("client", info.Name),
				slog.String("version", info.Version))
		}),
	)

	var authOpts []httpengine.Option
	if cfg.Server.Transport == "http" && cfg.Auth.Enabled {
		var authorizer mcp.Authorizer
		authOpts, authorizer, err = authentication(cfg, logger)
		if err != nil {
			closeProviders()
			return err
		}
		opts = append(opts, mcp.WithAuthorizer(authorizer))
	}

	server := mcp.NewServer(mcp.Info{Name: cfg.Server.Name, Version: cfg.Server.Version}, opts...)
	logger.Info("starting",
		slog.String("name", cfg.Server.Name),
		slog.String("version", cfg.Server.Version),
		slog.String("transport", cfg.Server.Transport))

	var serveErr error
	switch cfg.Server.Transport {
	case "stdio":
		session := mcp.NewTransportSession(mcp.NewStdio(os.Stdin, os.Stdout, mcp.WithStdioLogger(logger)),
			mcp.WithSessionLogger(logger))
		serveErr = server.Serve(ctx, session)
	case "http":
		serveErr = serveHTTP(ctx, cfg, server, logger, authOpts)
	}
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	// Providers end their update streams on Close, which lets Shutdown drain the listeners.
	closeProviders()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", slog.Any("err", err))
	}
	logger.Info("stopped")
	return serveErr
}

// providerOptions builds the providers selected by cfg. The returned func closes them.
func providerOptions(cfg *config.Config, logger *slog.Logger) ([]mcp.ServerOption, func(), error) {
	var graph *memory.Server
	if cfg.Providers.Memory {
		var err error
		graph, err = memory.NewServer(cfg.Providers.MemoryFile, memory.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
	}
	withGraph := func(tools mcp.ToolProvider) mcp.ServerOption {
		if graph == nil {
			return mcp.WithToolProvider(tools)
		}
		return mcp.WithToolProvider(newToolSet(tools, graph))
	}

	if len(cfg.Providers.FilesystemRoots) > 0 {
		fsServer, err := filesystem.NewServer(cfg.Providers.FilesystemRoots, filesystem.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("serving filesystem", slog.Any("roots", fsServer.Roots()))
		return []mcp.ServerOption{
			withGraph(fsServer),
			mcp.WithResourceProvider(fsServer),
		}, fsServer.Close, nil
	}

	var staticFS fs.FS
	if cfg.Providers.StaticDir != "" {
		staticFS = os.DirFS(cfg.Providers.StaticDir)
	} else {
		sub, err := fs.Sub(bundled, "static")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bundled resources: %w", err)
		}
		staticFS = sub
	}
	static := everything.NewStaticResources(staticFS,
		everything.WithStaticLogger(logger),
		everything.WithUpdateInterval(30*time.Second))

	var opts []mcp.ServerOption
	closers := []func(){static.Close}
	opts = append(opts, mcp.WithResourceProvider(static))
	if cfg.Providers.Everything {
		demo := everything.NewServer(everything.WithLogger(logger), everything.WithResources(static))
		closers = append(closers, demo.Close)
		opts = append(opts,
			withGraph(demo),
			mcp.WithPromptProvider(demo),
			mcp.WithLoggingHandler(demo),
			mcp.WithCompletionProvider(demo),
		)
	} else if graph != nil {
		opts = append(opts, mcp.WithToolProvider(graph))
	}
	return opts, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// authentication builds the HTTP middleware and the per-method authorizer for cfg.Auth.Method.
func authentication(cfg *config.Config, logger *slog.Logger) ([]httpengine.Option, mcp.Authorizer, error) {
	var opts []httpengine.Option

	switch cfg.Auth.Method {
	case "apikey":
		strategy := auth.NewAPIKeyStrategy(auth.NewStaticKeyValidator(cfg.Auth.APIKeys...), cfg.APIKeySources()...)
		mw := auth.NewMiddleware(strategy, cfg.Middleware(), auth.WithLogger(logger))
		opts = append(opts, httpengine.WithAuthentication(mw.Handler))
		return opts, auth.NewAuthorizer(auth.RequireAuthenticated{}), nil

	case "oauth2":
		if cfg.AuthServer.Enabled {
			as, err := newAuthServer(cfg, logger)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, httpengine.WithRoutes(as.Register))
		}
		oauthCfg := cfg.OAuth2Validator()
		validator, err := oauth2.NewValidator(oauthCfg, oauth2.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		mw := auth.NewMiddleware(oauth2.NewStrategy(validator), cfg.Middleware(), auth.WithLogger(logger))
		opts = append(opts, httpengine.WithAuthentication(mw.Handler))
		policy := oauth2.NewScopePolicy(oauth2.NewScopeValidator(oauthCfg.ScopeMappings, oauth2.WithLogger(logger)))
		return opts, auth.NewAuthorizer(policy), nil

	default:
		return nil, nil, fmt.Errorf("unknown auth method %q", cfg.Auth.Method)
	}
}

func newAuthServer(cfg *config.Config, logger *slog.Logger) (*authserver.Server, error) {
	var key *rsa.PrivateKey
	if cfg.AuthServer.KeyFile != "" {
		pemData, err := os.ReadFile(cfg.AuthServer.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key: %w", err)
		}
		key, err = jwt.ParseRSAPrivateKeyFromPEM(pemData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
	} else {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		logger.Warn("authorization server is signing with an ephemeral key")
	}
	return authserver.New(cfg.AuthorizationServer(), key,
		authserver.WithClients(cfg.AuthorizationServerClients()...),
		authserver.WithLogger(logger))
}

func serveHTTP(ctx context.Context, cfg *config.Config, server *mcp.Server, logger *slog.Logger, authOpts []httpengine.Option) error {
	opts := append([]httpengine.Option{
		httpengine.WithLogger(logger),
		httpengine.WithRoutes(func(mux *http.ServeMux) {
			mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprintf(w, "%s %s\n", cfg.Server.Name, cfg.Server.Version)
			})
		}),
	}, authOpts...)

	engine, err := httpengine.New(cfg.HTTPEngine(), server, opts...)
	if err != nil {
		return err
	}
	return engine.Run(ctx)
}
