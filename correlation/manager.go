// Package correlation matches outbound JSON-RPC requests with the responses that answer them.
//
// A Manager hands out request IDs, tracks one pending entry per outstanding request and resolves
// each entry exactly once: with the response, a timeout, a cancellation, or shutdown.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

var (
	// ErrTimeout resolves a request whose deadline passed before a response arrived.
	ErrTimeout = errors.New("request timed out")
	// ErrCancelled resolves a request cancelled with Cancel.
	ErrCancelled = errors.New("request cancelled")
	// ErrShutdown resolves every request still pending at shutdown, and rejects later registrations.
	ErrShutdown = errors.New("correlation manager shut down")
	// ErrPendingLimitExceeded is returned by Register when MaxPendingRequests entries are outstanding.
	ErrPendingLimitExceeded = errors.New("too many pending requests")
	// ErrUnknownResponse is returned by Correlate for a response with no pending request.
	ErrUnknownResponse = errors.New("response does not match any pending request")
	// ErrRequestNotFound is returned by Cancel for an ID that is not pending.
	ErrRequestNotFound = errors.New("request not found")
)

// Config configures a Manager.
type Config struct {
	// DefaultTimeout applies when Register is called with a zero timeout.
	DefaultTimeout time.Duration
	// MaxPendingRequests caps the number of outstanding requests.
	MaxPendingRequests int
}

// DefaultConfig returns a 30s default timeout and at most 1000 pending requests.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:     30 * time.Second,
		MaxPendingRequests: 1000,
	}
}

// Result resolves a pending request. Err is nil when Response holds the peer's reply, which may
// itself carry a JSON-RPC error object.
type Result struct {
	Response jsonrpc.Message
	Err      error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger.With(slog.String("component", "correlation"))
	}
}

// Manager tracks pending requests. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*entry
	closed  bool
}

type entry struct {
	result chan Result
	timer  *time.Timer
	start  time.Time
}

// NewManager creates a manager. Zero config fields take their defaults.
func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxPendingRequests <= 0 {
		cfg.MaxPendingRequests = def.MaxPendingRequests
	}
	m := &Manager{
		cfg:     cfg,
		logger:  slog.Default(),
		pending: make(map[int64]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register allocates a fresh request ID and records a pending entry for it. The returned channel
// receives exactly one Result. A zero timeout uses Config.DefaultTimeout.
func (m *Manager) Register(timeout time.Duration) (jsonrpc.ID, <-chan Result, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return jsonrpc.ID{}, nil, ErrShutdown
	}
	if len(m.pending) >= m.cfg.MaxPendingRequests {
		return jsonrpc.ID{}, nil, fmt.Errorf("%w: limit %d", ErrPendingLimitExceeded, m.cfg.MaxPendingRequests)
	}

	m.nextID++
	id := m.nextID
	e := &entry{
		result: make(chan Result, 1),
		start:  time.Now(),
	}
	e.timer = time.AfterFunc(timeout, func() {
		m.resolve(id, Result{Err: ErrTimeout})
	})
	m.pending[id] = e
	return jsonrpc.NumberID(id), e.result, nil
}

// Correlate resolves the pending request answered by msg. It never blocks.
func (m *Manager) Correlate(msg jsonrpc.Message) error {
	if !msg.IsResponse() {
		return fmt.Errorf("failed to correlate %s: not a response", msg.Kind())
	}
	id, ok := msg.ID.Number()
	if !ok || !m.resolve(id, Result{Response: msg}) {
		m.logger.Warn("unknown response", slog.String("id", msg.ID.String()))
		return fmt.Errorf("%w: id %s", ErrUnknownResponse, msg.ID)
	}
	return nil
}

// Cancel resolves the request with ErrCancelled. The peer is not notified.
func (m *Manager) Cancel(id jsonrpc.ID) error {
	n, ok := id.Number()
	if !ok || !m.resolve(n, Result{Err: ErrCancelled}) {
		return fmt.Errorf("%w: id %s", ErrRequestNotFound, id)
	}
	return nil
}

// Pending returns the number of outstanding requests.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Shutdown resolves every pending request with ErrShutdown and rejects further registrations.
// It never blocks, and it is idempotent.
func (m *Manager) Shutdown(_ context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := m.pending
	m.pending = make(map[int64]*entry)
	m.mu.Unlock()

	for id, e := range pending {
		e.timer.Stop()
		e.result <- Result{Err: ErrShutdown}
		m.logger.Debug("request resolved at shutdown", slog.Int64("id", id))
	}
	return nil
}

// resolve delivers res to the entry and removes it. It reports whether the entry was pending.
func (m *Manager) resolve(id int64, res Result) bool {
	m.mu.Lock()
	e, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	e.timer.Stop()
	// The channel has room for exactly one result and only the remover sends.
	e.result <- res
	if res.Err != nil {
		m.logger.Debug("request resolved",
			slog.Int64("id", id),
			slog.String("err", res.Err.Error()),
			slog.Duration("elapsed", time.Since(e.start)))
	}
	return true
}
