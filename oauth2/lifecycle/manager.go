package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/airsstack/airsstack-sub002/auth"
)

// EventHandler observes token lifecycle events. Handlers run synchronously and must not block.
type EventHandler interface {
	OnEvent(ctx context.Context, ev Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev Event)

// OnEvent calls f.
func (f EventHandlerFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Metrics aggregates cache and refresh counters.
type Metrics struct {
	Cache   CacheMetrics
	Refresh RefreshMetrics
	Events  int64
}

// Manager keeps tokens fresh: it serves them from a TokenCache and refreshes them through a
// RefreshHandler when the strategy says so.
type Manager struct {
	cache     *TokenCache
	refresher *RefreshHandler
	handlers  []EventHandler
	logger    *slog.Logger
	now       func() time.Time

	group      singleflight.Group
	mu         sync.Mutex
	refreshing map[Key]struct{}
	events     atomic.Int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEventHandler adds an event handler.
func WithEventHandler(h EventHandler) ManagerOption {
	return func(m *Manager) {
		m.handlers = append(m.handlers, h)
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerClock overrides the time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager composes cache and refresher. A nil refresher disables refreshing.
func NewManager(cache *TokenCache, refresher *RefreshHandler, opts ...ManagerOption) *Manager {
	m := &Manager{
		cache:      cache,
		refresher:  refresher,
		logger:     slog.Default(),
		now:        time.Now,
		refreshing: make(map[Key]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("package", "airs-mcp"), slog.String("component", "token-lifecycle"))
	return m
}

// Store caches tok under key with the cache's default TTL.
func (m *Manager) Store(ctx context.Context, key Key, tok Token, authCtx *auth.Context) {
	m.cache.Store(key, Entry{Token: tok, Context: authCtx}, 0)
	m.emit(ctx, Event{Kind: EventTokenCreated, Key: key, ExpiresAt: tok.ExpiresAt})
}

// Token returns a usable token for key, refreshing it first when it is due. A failed refresh of
// a token that has not yet expired returns the current token.
func (m *Manager) Token(ctx context.Context, key Key) (Token, error) {
	entry, ok := m.cache.Retrieve(key)
	if !ok {
		m.emit(ctx, Event{Kind: EventCacheMiss, Key: key})
		return Token{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	m.emit(ctx, Event{Kind: EventCacheHit, Key: key})

	now := m.now()
	expired := !entry.Token.ExpiresAt.IsZero() && !now.Before(entry.Token.ExpiresAt)

	if m.refresher == nil || !m.refresher.ShouldRefresh(entry, now) {
		if expired {
			return Token{}, m.expire(ctx, key, entry)
		}
		return entry.Token, nil
	}
	if !entry.CanRefresh() {
		if expired {
			return Token{}, m.expire(ctx, key, entry)
		}
		return entry.Token, nil
	}

	tok, err := m.refresh(ctx, key, entry)
	if err == nil {
		return tok, nil
	}
	if !expired && !errors.Is(err, ErrInvalidRefreshToken) {
		m.logger.WarnContext(ctx, "refresh failed, using current token",
			slog.String("key", key.String()),
			slog.String("err", err.Error()))
		return entry.Token, nil
	}
	m.cache.Remove(key)
	return Token{}, err
}

// Refresh forces a refresh of the token under key.
func (m *Manager) Refresh(ctx context.Context, key Key) (Token, error) {
	if m.refresher == nil {
		return Token{}, errors.New("refresh is not configured")
	}
	entry, ok := m.cache.Retrieve(key)
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return m.refresh(ctx, key, entry)
}

func (m *Manager) refresh(ctx context.Context, key Key, entry Entry) (Token, error) {
	v, err, _ := m.group.Do(key.String(), func() (any, error) {
		m.mu.Lock()
		m.refreshing[key] = struct{}{}
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			delete(m.refreshing, key)
			m.mu.Unlock()
		}()

		tok, err := m.refresher.Refresh(ctx, entry.Token.RefreshToken)
		if err != nil {
			m.emit(ctx, Event{Kind: EventRefreshFailed, Key: key, Reason: err.Error()})
			return Token{}, err
		}
		if tok.RefreshToken == "" {
			tok.RefreshToken = entry.Token.RefreshToken
		}
		if len(tok.Scopes) == 0 {
			tok.Scopes = entry.Token.Scopes
		}
		m.cache.Store(key, Entry{Token: tok, Context: entry.Context}, 0)
		m.emit(ctx, Event{Kind: EventTokenRefreshed, Key: key, ExpiresAt: tok.ExpiresAt})
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (m *Manager) expire(ctx context.Context, key Key, entry Entry) error {
	m.cache.Remove(key)
	m.emit(ctx, Event{Kind: EventTokenExpired, Key: key, ExpiresAt: entry.Token.ExpiresAt})
	return fmt.Errorf("%w: %s expired", ErrNotFound, key)
}

// Status reports the state of the token under key without counting as an access.
func (m *Manager) Status(key Key) Status {
	m.mu.Lock()
	_, refreshing := m.refreshing[key]
	m.mu.Unlock()
	if refreshing {
		return StatusRefreshing
	}
	exp, ok := m.cache.Expiration(key)
	if !ok {
		return StatusNotFound
	}
	if !m.now().Before(exp) {
		return StatusExpired
	}
	return StatusValid
}

// Invalidate drops the token under key.
func (m *Manager) Invalidate(ctx context.Context, key Key, reason string) bool {
	ok := m.cache.Remove(key)
	if ok {
		m.emit(ctx, Event{Kind: EventTokenInvalidated, Key: key, Reason: reason})
	}
	return ok
}

// Cleanup removes expired tokens.
func (m *Manager) Cleanup(ctx context.Context) int {
	n := m.cache.ClearExpired()
	m.emit(ctx, Event{Kind: EventCacheMaintenance, Removed: n})
	return n
}

// Metrics returns cache, refresh and event counters.
func (m *Manager) Metrics() Metrics {
	out := Metrics{Cache: m.cache.Metrics(), Events: m.events.Load()}
	if m.refresher != nil {
		out.Refresh = m.refresher.Metrics()
	}
	return out
}

// TokenSource adapts the token under key for golang.org/x/oauth2 clients, so that
// oauth2.NewClient(ctx, m.TokenSource(ctx, key)) authorizes requests with a fresh token.
func (m *Manager) TokenSource(ctx context.Context, key Key) oauth2.TokenSource {
	return tokenSource{ctx: ctx, m: m, key: key}
}

type tokenSource struct {
	ctx context.Context
	m   *Manager
	key Key
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.m.Token(s.ctx, s.key)
	if err != nil {
		return nil, err
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.ExpiresAt,
	}, nil
}

func (m *Manager) emit(ctx context.Context, ev Event) {
	ev.At = m.now()
	m.events.Add(1)
	m.logger.DebugContext(ctx, "token event",
		slog.String("event", ev.Kind.String()),
		slog.String("key", ev.Key.String()))
	for _, h := range m.handlers {
		h.OnEvent(ctx, ev)
	}
}
