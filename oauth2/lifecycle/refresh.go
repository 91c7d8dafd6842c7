package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// StrategyKind selects when tokens are refreshed.
type StrategyKind int

const (
	// StrategyAutomatic refreshes tokens that expire within Threshold.
	StrategyAutomatic StrategyKind = iota
	// StrategyManual refreshes only expired tokens.
	StrategyManual
	// StrategyProactive refreshes tokens older than Interval, and tokens with less than
	// MinLifetimeRemaining left.
	StrategyProactive
)

// Strategy is a refresh policy.
type Strategy struct {
	Kind                 StrategyKind
	Threshold            time.Duration
	MaxRetries           int
	Interval             time.Duration
	MinLifetimeRemaining time.Duration
}

// Automatic refreshes within threshold of expiry, retrying transient failures.
func Automatic(threshold time.Duration, maxRetries int) Strategy {
	return Strategy{Kind: StrategyAutomatic, Threshold: threshold, MaxRetries: maxRetries}
}

// Manual refreshes only what has expired.
func Manual() Strategy { return Strategy{Kind: StrategyManual} }

// Proactive refreshes on a fixed cadence.
func Proactive(interval, minLifetimeRemaining time.Duration) Strategy {
	return Strategy{Kind: StrategyProactive, Interval: interval, MinLifetimeRemaining: minLifetimeRemaining}
}

// RefreshConfig configures a RefreshHandler.
type RefreshConfig struct {
	TokenURL       string
	ClientID       string
	ClientSecret   string
	Scopes         []string
	Strategy       Strategy
	RequestTimeout time.Duration
}

// DefaultRefreshConfig refreshes automatically five minutes before expiry with three retries.
func DefaultRefreshConfig(tokenURL, clientID string) RefreshConfig {
	return RefreshConfig{
		TokenURL:       tokenURL,
		ClientID:       clientID,
		Strategy:       Automatic(5*time.Minute, 3),
		RequestTimeout: 30 * time.Second,
	}
}

// RefreshMetrics summarizes refresh attempts.
type RefreshMetrics struct {
	Attempts       int64
	Successes      int64
	Failures       int64
	AverageLatency time.Duration
	SuccessRate    float64
}

const latencyAlpha = 0.1

// RefreshHandler exchanges refresh tokens at a token endpoint.
type RefreshHandler struct {
	cfg    RefreshConfig
	oauth  *oauth2.Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	metrics RefreshMetrics
}

// RefreshOption configures a RefreshHandler.
type RefreshOption func(*RefreshHandler)

// WithRefreshHTTPClient sets the client used to reach the token endpoint.
func WithRefreshHTTPClient(client *http.Client) RefreshOption {
	return func(h *RefreshHandler) {
		h.client = client
	}
}

// WithRefreshLogger sets the logger.
func WithRefreshLogger(logger *slog.Logger) RefreshOption {
	return func(h *RefreshHandler) {
		h.logger = logger
	}
}

// WithRefreshClock overrides the time source.
func WithRefreshClock(now func() time.Time) RefreshOption {
	return func(h *RefreshHandler) {
		h.now = now
	}
}

// NewRefreshHandler returns a handler for cfg.
func NewRefreshHandler(cfg RefreshConfig, opts ...RefreshOption) (*RefreshHandler, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New("token url is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	h := &RefreshHandler{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("package", "airs-mcp"), slog.String("component", "token-refresh"))
	return h, nil
}

// Strategy returns the configured strategy.
func (h *RefreshHandler) Strategy() Strategy { return h.cfg.Strategy }

// ShouldRefresh reports whether entry's token is due for refresh at now.
func (h *RefreshHandler) ShouldRefresh(entry Entry, now time.Time) bool {
	exp := entry.Token.ExpiresAt
	if !exp.IsZero() && !now.Before(exp) {
		return true
	}
	s := h.cfg.Strategy
	switch s.Kind {
	case StrategyAutomatic:
		return entry.ShouldRefresh(now, s.Threshold)
	case StrategyProactive:
		if s.Interval > 0 && now.Sub(entry.CreatedAt) >= s.Interval {
			return true
		}
		return entry.ShouldRefresh(now, s.MinLifetimeRemaining)
	default:
		return false
	}
}

// Refresh exchanges refreshToken for a new token. Automatic strategies retry failures that are
// not rejections by the server.
func (h *RefreshHandler) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, ErrNoRefreshToken
	}

	attempts := 1
	if h.cfg.Strategy.Kind == StrategyAutomatic && h.cfg.Strategy.MaxRetries > 0 {
		attempts += h.cfg.Strategy.MaxRetries
	}

	var err error
	for i := range attempts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Token{}, ctx.Err()
			case <-time.After(time.Duration(i) * 100 * time.Millisecond):
			}
		}
		var tok Token
		tok, err = h.refreshOnce(ctx, refreshToken)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrRefreshFailed) {
			break
		}
		h.logger.WarnContext(ctx, "token refresh failed",
			slog.Int("attempt", i+1),
			slog.String("err", err.Error()))
	}
	return Token{}, err
}

func (h *RefreshHandler) refreshOnce(ctx context.Context, refreshToken string) (Token, error) {
	start := h.now()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.client)
	src := h.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	h.record(h.now().Sub(start), err == nil)
	if err != nil {
		return Token{}, classifyRefreshError(err)
	}

	out := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scopes = strings.Fields(scope)
	}
	return out, nil
}

func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	var sentinel error
	switch re.ErrorCode {
	case "invalid_grant":
		sentinel = ErrInvalidRefreshToken
	case "invalid_client", "unauthorized_client":
		sentinel = ErrInvalidClient
	case "unsupported_grant_type":
		sentinel = ErrUnsupportedGrant
	default:
		sentinel = ErrRefreshFailed
	}
	if re.ErrorDescription != "" {
		return fmt.Errorf("%w: %s", sentinel, re.ErrorDescription)
	}
	if re.ErrorCode != "" {
		return fmt.Errorf("%w: %s", sentinel, re.ErrorCode)
	}
	if re.Response != nil {
		return fmt.Errorf("%w: status %d", sentinel, re.Response.StatusCode)
	}
	return sentinel
}

func (h *RefreshHandler) record(latency time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := &h.metrics
	m.Attempts++
	if ok {
		m.Successes++
	} else {
		m.Failures++
	}
	if m.Attempts == 1 {
		m.AverageLatency = latency
	} else {
		m.AverageLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(m.AverageLatency))
	}
	m.SuccessRate = float64(m.Successes) / float64(m.Attempts)
}

// Metrics returns a snapshot of the refresh counters.
func (h *RefreshHandler) Metrics() RefreshMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metrics
}
