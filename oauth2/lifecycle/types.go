// Package lifecycle caches OAuth2 tokens per user and client, refreshes them before they expire,
// and reports what happened to them as events.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/airsstack/airsstack-sub002/auth"
)

// Key identifies a cached token.
type Key struct {
	UserID   string
	ClientID string
	// Scope optionally separates tokens the same client holds with different scopes.
	Scope string
}

// NewKey returns the key for a user and client.
func NewKey(userID, clientID string) Key {
	return Key{UserID: userID, ClientID: clientID}
}

func (k Key) String() string {
	if k.Scope == "" {
		return k.UserID + ":" + k.ClientID
	}
	return k.UserID + ":" + k.ClientID + ":" + k.Scope
}

// ParseKey parses the String form of a Key.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("invalid token key %q", s)
	}
	k := Key{UserID: parts[0], ClientID: parts[1]}
	if len(parts) == 3 {
		k.Scope = parts[2]
	}
	return k, nil
}

// Token is a credential issued by an authorization server.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string
	ExpiresAt    time.Time
}

// Entry is a cached token and its access bookkeeping.
type Entry struct {
	Token        Token
	Context      *auth.Context
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	// ExpiresAt bounds the cache entry, which may be shorter-lived than the token.
	ExpiresAt time.Time
}

// Expired reports whether the entry is past ExpiresAt.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// ShouldRefresh reports whether the token expires within threshold of now.
func (e *Entry) ShouldRefresh(now time.Time, threshold time.Duration) bool {
	exp := e.Token.ExpiresAt
	if exp.IsZero() {
		return false
	}
	return !now.Add(threshold).Before(exp)
}

// CanRefresh reports whether the entry carries a refresh token.
func (e *Entry) CanRefresh() bool { return e.Token.RefreshToken != "" }

// Status summarizes a cached token.
type Status int

const (
	StatusNotFound Status = iota
	StatusValid
	StatusExpired
	StatusRefreshing
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusExpired:
		return "expired"
	case StatusRefreshing:
		return "refreshing"
	default:
		return "not_found"
	}
}

// EventKind classifies lifecycle events.
type EventKind int

const (
	EventTokenCreated EventKind = iota + 1
	EventTokenRefreshed
	EventTokenExpired
	EventTokenInvalidated
	EventRefreshFailed
	EventCacheHit
	EventCacheMiss
	EventCacheMaintenance
)

func (k EventKind) String() string {
	switch k {
	case EventTokenCreated:
		return "token_created"
	case EventTokenRefreshed:
		return "token_refreshed"
	case EventTokenExpired:
		return "token_expired"
	case EventTokenInvalidated:
		return "token_invalidated"
	case EventRefreshFailed:
		return "refresh_failed"
	case EventCacheHit:
		return "cache_hit"
	case EventCacheMiss:
		return "cache_miss"
	case EventCacheMaintenance:
		return "cache_maintenance"
	default:
		return "unknown"
	}
}

// Event is emitted by the Manager.
type Event struct {
	Kind      EventKind
	Key       Key
	At        time.Time
	ExpiresAt time.Time
	Reason    string
	// Removed counts entries dropped by maintenance.
	Removed int
}

// Errors.
var (
	ErrNotFound            = errors.New("token not found")
	ErrNoRefreshToken      = errors.New("no refresh token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrInvalidClient       = errors.New("invalid client")
	ErrUnsupportedGrant    = errors.New("unsupported grant type")
	ErrRefreshFailed       = errors.New("refresh failed")
)
