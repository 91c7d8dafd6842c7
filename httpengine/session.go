package httpengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/airsstack/airsstack-sub002"
	"github.com/airsstack/airsstack-sub002/auth"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

var (
	// ErrInvalidSessionID is returned for X-Session-ID values that are not UUIDs.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrSessionNotFound is returned for sessions that expired or never existed.
	ErrSessionNotFound = errors.New("session not found")
)

// Session binds an HTTP client to an mcp.ServerSession across requests.
type Session struct {
	ID         string
	CreatedAt  time.Time
	RemoteAddr string
	UserAgent  string
	// Owner is the subject that created the session, empty for unauthenticated requests.
	Owner string

	mcp          *mcp.ServerSession
	lastActivity atomic.Int64
	requests     atomic.Int64
}

// MCP returns the protocol session.
func (s *Session) MCP() *mcp.ServerSession { return s.mcp }

// LastActivity returns the time of the last request on the session.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// Requests returns how many requests the session served.
func (s *Session) Requests() int64 { return s.requests.Load() }

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
	s.requests.Add(1)
}

// SessionStats are the session manager counters.
type SessionStats struct {
	TotalCreated    int64 `json:"total_created"`
	Active          int   `json:"currently_active"`
	TotalRequests   int64 `json:"total_requests"`
	TimeoutCleanups int64 `json:"timeout_cleanups"`
	ManualClosures  int64 `json:"manual_closures"`
}

// SessionManager creates, finds and expires HTTP sessions. Server-initiated messages of a
// session are published on the broadcaster under the session ID.
type SessionManager struct {
	server      *mcp.Server
	broadcaster *Broadcaster
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	created         atomic.Int64
	requests        atomic.Int64
	timeoutCleanups atomic.Int64
	manualClosures  atomic.Int64
}

// NewSessionManager returns an empty manager. Sessions idle for longer than timeout are
// removed by Sweep.
func NewSessionManager(server *mcp.Server, b *Broadcaster, timeout time.Duration, logger *slog.Logger, now func() time.Time) *SessionManager {
	return &SessionManager{
		server:      server,
		broadcaster: b,
		timeout:     timeout,
		logger:      logger,
		now:         now,
		sessions:    make(map[string]*Session),
	}
}

// ExtractOrCreate returns the session named by the X-Session-ID header, or a new session when
// the header is absent. The boolean reports whether the session was created.
func (m *SessionManager) ExtractOrCreate(r *http.Request) (*Session, bool, error) {
	owner := requestOwner(r)
	if id := r.Header.Get(mcp.HeaderSessionID); id != "" {
		s, err := m.Get(id, owner)
		return s, false, err
	}
	return m.Create(r.RemoteAddr, r.UserAgent(), owner), true, nil
}

// requestOwner returns the authenticated subject of r, or "" when r was not authenticated.
func requestOwner(r *http.Request) string {
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		return authCtx.Subject
	}
	return ""
}

// Get returns the live session id and marks it active. A session created by another owner
// is reported as not found.
func (m *SessionManager) Get(id, owner string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.Owner != owner {
		return nil, ErrSessionNotFound
	}
	select {
	case <-s.mcp.Done():
		m.forget(id)
		return nil, ErrSessionNotFound
	default:
	}
	s.touch(m.now())
	m.requests.Add(1)
	return s, nil
}

// Create starts a new session owned by owner.
func (m *SessionManager) Create(remoteAddr, userAgent, owner string) *Session {
	now := m.now()
	s := &Session{
		ID:         uuid.New().String(),
		CreatedAt:  now,
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
		Owner:      owner,
	}
	s.mcp = m.server.NewSession(s.ID, &eventSender{b: m.broadcaster, sessionID: s.ID})
	s.touch(now)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.created.Add(1)
	m.requests.Add(1)
	m.logger.Debug("session created", slog.String("sessionID", s.ID), slog.String("remoteAddr", remoteAddr))
	return s
}

// Close ends session id if owner created it. It reports whether the session was closed.
func (m *SessionManager) Close(id, owner string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Owner != owner {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.mcp.Close()
	m.manualClosures.Add(1)
	return true
}

// CloseAll ends every session.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.mcp.Close()
	}
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes sessions idle for longer than the timeout and sessions whose protocol session
// already closed. It returns the number removed.
func (m *SessionManager) Sweep() int {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		closed := false
		select {
		case <-s.mcp.Done():
			closed = true
		default:
		}
		if closed || now.Sub(s.LastActivity()) > m.timeout {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.mcp.Close()
		m.timeoutCleanups.Add(1)
		m.logger.Debug("session expired", slog.String("sessionID", s.ID))
	}
	return len(expired)
}

// Stats returns the counters.
func (m *SessionManager) Stats() SessionStats {
	return SessionStats{
		TotalCreated:    m.created.Load(),
		Active:          m.Len(),
		TotalRequests:   m.requests.Load(),
		TimeoutCleanups: m.timeoutCleanups.Load(),
		ManualClosures:  m.manualClosures.Load(),
	}
}

func (m *SessionManager) forget(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	return s, ok
}

// eventSender publishes the server-initiated messages of one session.
type eventSender struct {
	b         *Broadcaster
	sessionID string
}

func (s *eventSender) Send(_ context.Context, msg mcp.JSONRPCMessage) error {
	bs, err := jsonrpc.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	typ := EventMessage
	if msg.IsNotification() {
		typ = EventNotification
	}
	s.b.Publish(s.sessionID, typ, bs)
	return nil
}
