package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	xoauth2 "golang.org/x/oauth2"

	"github.com/airsstack/airsstack-sub002"
	"github.com/airsstack/airsstack-sub002/config"
	"github.com/airsstack/airsstack-sub002/oauth2/lifecycle"
)

const defaultURL = "http://localhost:8080/mcp"

func runCall(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("call", flag.ContinueOnError)
	configPath := fset.String("config", os.Getenv("MCP_CONFIG"), "path to a YAML or TOML config file")
	url := fset.String("url", "", "MCP endpoint (default client.url, then "+defaultURL+")")
	apiKey := fset.String("api-key", "", "API key sent in the configured header")
	token := fset.String("token", "", "OAuth2 access token")
	list := fset.Bool("list", false, "list the server's tools instead of calling one")
	if err := fset.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	if *url == "" {
		*url = cfg.Client.URL
	}
	if *url == "" {
		*url = defaultURL
	}
	if *apiKey == "" {
		*apiKey = cfg.Client.APIKey
	}
	if *token == "" {
		*token = cfg.Client.AccessToken
	}

	var name string
	var arguments json.RawMessage
	if !*list {
		if fset.NArg() < 1 {
			return errors.New("call: tool name is required")
		}
		name = fset.Arg(0)
		if fset.NArg() > 1 {
			arguments = json.RawMessage(fset.Arg(1))
			if !json.Valid(arguments) {
				return fmt.Errorf("call: arguments are not valid JSON: %s", fset.Arg(1))
			}
		}
	}

	httpClient, closeTokens, err := authorizedClient(ctx, cfg, *token, logger)
	if err != nil {
		return err
	}
	defer closeTokens()

	transportOpts := []mcp.HTTPClientOption{
		mcp.WithHTTPClient(httpClient),
		mcp.WithHTTPClientLogger(logger),
	}
	if *apiKey != "" {
		transportOpts = append(transportOpts, mcp.WithHTTPHeader(cfg.Auth.HeaderName, *apiKey))
	}

	client := mcp.NewClient(mcp.Info{Name: "airs-mcp-call", Version: version},
		mcp.NewHTTPClientTransport(*url, transportOpts...),
		mcp.WithClientRequestTimeout(cfg.ClientTimeout()),
		mcp.WithClientPingInterval(0),
		mcp.WithClientLogger(logger))
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", *url, err)
	}

	if *list {
		return listTools(ctx, client, os.Stdout)
	}

	result, err := client.CallTool(ctx, name, arguments)
	if err != nil {
		return err
	}
	printContents(os.Stdout, result.Content)
	if result.IsError {
		return fmt.Errorf("tool %s failed", name)
	}
	return nil
}

// authorizedClient returns the HTTP client for the transport. With an access token it attaches
// the token through a lifecycle manager, which refreshes it when a token endpoint is configured.
func authorizedClient(ctx context.Context, cfg *config.Config, accessToken string, logger *slog.Logger) (*http.Client, func(), error) {
	if accessToken == "" {
		return &http.Client{}, func() {}, nil
	}

	cache := lifecycle.NewTokenCache(cfg.TokenCache(), lifecycle.WithCacheLogger(logger))
	var refresher *lifecycle.RefreshHandler
	if refreshCfg, ok := cfg.RefreshConfig(); ok {
		var err error
		refresher, err = lifecycle.NewRefreshHandler(refreshCfg, lifecycle.WithRefreshLogger(logger))
		if err != nil {
			cache.Close()
			return nil, nil, err
		}
	}
	manager := lifecycle.NewManager(cache, refresher, lifecycle.WithManagerLogger(logger))

	key := lifecycle.NewKey("cli", cfg.Client.ClientID)
	manager.Store(ctx, key, lifecycle.Token{
		AccessToken:  accessToken,
		RefreshToken: cfg.Client.RefreshToken,
		TokenType:    "Bearer",
		Scopes:       cfg.Client.Scopes,
		ExpiresAt:    time.Now().Add(cfg.TokenCache().DefaultTTL),
	}, nil)

	return xoauth2.NewClient(ctx, manager.TokenSource(ctx, key)), cache.Close, nil
}

func listTools(ctx context.Context, client *mcp.Client, w io.Writer) error {
	var params mcp.PaginatedParams
	for {
		result, err := client.ListTools(ctx, params)
		if err != nil {
			return err
		}
		for _, tool := range result.Tools {
			fmt.Fprintf(w, "%s  %s\n", color.New(color.Bold).Sprint(tool.Name), firstLine(tool.Description))
		}
		if result.NextCursor == "" {
			return nil
		}
		params.Cursor = result.NextCursor
	}
}

func printContents(w io.Writer, contents []mcp.Content) {
	for _, c := range contents {
		switch c.Type {
		case mcp.ContentTypeText:
			fmt.Fprintln(w, c.Text)
		case mcp.ContentTypeImage, mcp.ContentTypeAudio:
			fmt.Fprintln(w, color.CyanString("[%s %s, %d base64 bytes]", c.Type, c.MimeType, len(c.Data)))
		case mcp.ContentTypeResource:
			if c.Resource == nil {
				continue
			}
			fmt.Fprintln(w, color.CyanString("[resource %s]", c.Resource.URI))
			if c.Resource.Text != "" {
				fmt.Fprintln(w, c.Resource.Text)
			}
		default:
			fmt.Fprintln(w, color.YellowString("[unsupported content %q]", c.Type))
		}
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func runEnv() {
	for _, name := range config.EnvNames() {
		fmt.Println(name)
	}
}
