package httpengine

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrConnectionLimit is returned when a new connection would exceed MaxConnections.
	ErrConnectionLimit = errors.New("connection limit reached")
	// ErrRequestLimit is returned when a connection used up MaxRequestsPerConnection.
	ErrRequestLimit = errors.New("connection request limit reached")
	// ErrRateLimited is returned when a connection exceeds RequestsPerSecond.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ConnectionHealth classifies a tracked connection.
type ConnectionHealth int

const (
	ConnectionHealthy ConnectionHealth = iota
	// ConnectionDegraded connections hit the request limit and should be rotated.
	ConnectionDegraded
	// ConnectionUnhealthy connections were idle too long and are closed by the next sweep.
	ConnectionUnhealthy
)

func (h ConnectionHealth) String() string {
	switch h {
	case ConnectionHealthy:
		return "healthy"
	case ConnectionDegraded:
		return "degraded"
	case ConnectionUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ConnectionInfo is a snapshot of one tracked connection.
type ConnectionInfo struct {
	ID           string
	RemoteAddr   string
	CreatedAt    time.Time
	LastActivity time.Time
	Requests     int64
	Errors       int64
	Health       ConnectionHealth
}

// ConnectionStats are the connection manager counters.
type ConnectionStats struct {
	TotalCreated   int64 `json:"total_created"`
	Active         int   `json:"currently_active"`
	TotalRequests  int64 `json:"total_requests"`
	HealthClosures int64 `json:"health_closures"`
	LimitClosures  int64 `json:"limit_closures"`
	MaxConnections int   `json:"max_connections"`
}

// HealthReport counts connections per health state as of the last sweep.
type HealthReport struct {
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Closed    int `json:"closed"`
}

type connection struct {
	info    ConnectionInfo
	limiter *rate.Limiter
	conn    net.Conn
}

// ConnectionManager admits HTTP connections up to a limit and tracks their activity. A
// connection is identified by its remote address, which is unique per TCP connection.
type ConnectionManager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	conns map[string]*connection
	// raw holds net.Conns seen by Track before their first request.
	raw map[string]net.Conn

	created        atomic.Int64
	requests       atomic.Int64
	healthClosures atomic.Int64
	limitClosures  atomic.Int64
}

// NewConnectionManager returns an empty manager.
func NewConnectionManager(cfg Config, logger *slog.Logger, now func() time.Time) *ConnectionManager {
	return &ConnectionManager{
		cfg:    cfg,
		logger: logger,
		now:    now,
		conns:  make(map[string]*connection),
		raw:    make(map[string]net.Conn),
	}
}

// Admit records one request from remoteAddr. The first request of a connection registers it;
// later requests update its activity. Errors mean the request must be rejected.
func (m *ConnectionManager) Admit(remoteAddr string) (ConnectionInfo, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[remoteAddr]
	if !ok {
		if len(m.conns) >= m.cfg.MaxConnections {
			m.limitClosures.Add(1)
			return ConnectionInfo{}, ErrConnectionLimit
		}
		c = &connection{
			info: ConnectionInfo{
				ID:         uuid.New().String(),
				RemoteAddr: remoteAddr,
				CreatedAt:  now,
			},
			conn: m.raw[remoteAddr],
		}
		delete(m.raw, remoteAddr)
		if m.cfg.RequestsPerSecond > 0 {
			burst := max(1, int(m.cfg.RequestsPerSecond))
			c.limiter = rate.NewLimiter(rate.Limit(m.cfg.RequestsPerSecond), burst)
		}
		m.conns[remoteAddr] = c
		m.created.Add(1)
	}

	if c.info.Requests >= m.cfg.MaxRequestsPerConnection {
		c.info.Health = ConnectionDegraded
		return c.info, ErrRequestLimit
	}
	if c.limiter != nil && !c.limiter.AllowN(now, 1) {
		c.info.Errors++
		return c.info, ErrRateLimited
	}

	c.info.LastActivity = now
	c.info.Requests++
	m.requests.Add(1)
	if c.info.Requests >= m.cfg.MaxRequestsPerConnection {
		c.info.Health = ConnectionDegraded
	}
	return c.info, nil
}

// RecordError counts a failed request against the connection.
func (m *ConnectionManager) RecordError(remoteAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[remoteAddr]; ok {
		c.info.Errors++
	}
}

// Track is an http.Server ConnState hook. It remembers raw connections so the sweeper can
// close them and forgets connections once the server no longer owns them.
func (m *ConnectionManager) Track(conn net.Conn, state http.ConnState) {
	addr := conn.RemoteAddr().String()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch state {
	case http.StateNew:
		if c, ok := m.conns[addr]; ok {
			c.conn = conn
			return
		}
		m.raw[addr] = conn
	case http.StateHijacked, http.StateClosed:
		delete(m.raw, addr)
		delete(m.conns, addr)
	}
}

// Remove forgets a connection. It reports whether the connection was tracked.
func (m *ConnectionManager) Remove(remoteAddr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[remoteAddr]
	delete(m.conns, remoteAddr)
	return ok
}

// Info returns the snapshot of one connection.
func (m *ConnectionManager) Info(remoteAddr string) (ConnectionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[remoteAddr]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info, true
}

// Len returns the number of tracked connections.
func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// AtLimit reports whether new connections are being rejected.
func (m *ConnectionManager) AtLimit() bool {
	return m.Len() >= m.cfg.MaxConnections
}

// Sweep classifies every connection and closes the idle and exhausted ones.
func (m *ConnectionManager) Sweep() HealthReport {
	now := m.now()
	var (
		report HealthReport
		stale  []net.Conn
	)

	m.mu.Lock()
	for addr, c := range m.conns {
		health := c.info.Health
		last := c.info.LastActivity
		if last.IsZero() {
			last = c.info.CreatedAt
		}
		if now.Sub(last) > m.cfg.MaxIdleTime {
			health = ConnectionUnhealthy
		}
		switch health {
		case ConnectionHealthy:
			report.Healthy++
			continue
		case ConnectionDegraded:
			report.Degraded++
		case ConnectionUnhealthy:
			report.Unhealthy++
		}
		delete(m.conns, addr)
		report.Closed++
		m.healthClosures.Add(1)
		if c.conn != nil {
			stale = append(stale, c.conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range stale {
		if err := conn.Close(); err != nil {
			m.logger.Debug("failed to close connection", slog.String("remoteAddr", conn.RemoteAddr().String()), slog.String("err", err.Error()))
		}
	}
	if report.Closed > 0 {
		m.logger.Info("closed connections", slog.Int("unhealthy", report.Unhealthy), slog.Int("degraded", report.Degraded))
	}
	return report
}

// Stats returns the counters.
func (m *ConnectionManager) Stats() ConnectionStats {
	return ConnectionStats{
		TotalCreated:   m.created.Load(),
		Active:         m.Len(),
		TotalRequests:  m.requests.Load(),
		HealthClosures: m.healthClosures.Load(),
		LimitClosures:  m.limitClosures.Load(),
		MaxConnections: m.cfg.MaxConnections,
	}
}
