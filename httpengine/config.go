// Package httpengine serves an mcp.Server over HTTP. A POST to /mcp carries one JSON-RPC
// message and is answered in the response body, either as JSON or as a one-event SSE stream.
// GET /mcp opens a server-sent event stream for notifications and server-initiated requests,
// and /mcp/ws speaks the same protocol over a WebSocket. Clients are bound to sessions through
// the X-Session-ID header.
package httpengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// ResponseMode selects how POST /mcp replies are framed.
type ResponseMode string

const (
	// ResponseJSON answers with a single application/json body.
	ResponseJSON ResponseMode = "json"
	// ResponseSSE answers with a text/event-stream carrying one message event.
	ResponseSSE ResponseMode = "sse"
	// ResponseAuto uses SSE only when the client accepts event streams but not JSON.
	ResponseAuto ResponseMode = "auto"
)

// SSEConfig configures the event stream served on GET /mcp.
type SSEConfig struct {
	// HeartbeatInterval is used when the client does not ask for one.
	HeartbeatInterval time.Duration
	// SubscriberBuffer is the number of events a subscriber may lag behind before it is dropped.
	SubscriberBuffer int
	// HistorySize bounds the events kept for Last-Event-ID replay. Zero disables replay.
	HistorySize int
}

// Config configures an Engine.
type Config struct {
	BindAddress              string
	MaxConnections           int
	MaxIdleTime              time.Duration
	MaxRequestsPerConnection int64
	// RequestsPerSecond limits each connection. Zero disables rate limiting.
	RequestsPerSecond float64
	SessionTimeout    time.Duration
	CleanupInterval   time.Duration
	MaxMessageSize    int
	ResponseMode      ResponseMode
	// Workers and QueueCapacity size the dispatch pool. Zero uses the jsonrpc defaults.
	Workers           int
	QueueCapacity     int
	ProcessingTimeout time.Duration
	ShutdownTimeout   time.Duration
	SSE               SSEConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BindAddress:              ":8080",
		MaxConnections:           1000,
		MaxIdleTime:              5 * time.Minute,
		MaxRequestsPerConnection: 10000,
		SessionTimeout:           time.Hour,
		CleanupInterval:          time.Minute,
		MaxMessageSize:           jsonrpc.DefaultMaxMessageSize,
		ResponseMode:             ResponseJSON,
		ProcessingTimeout:        time.Minute,
		ShutdownTimeout:          10 * time.Second,
		SSE: SSEConfig{
			HeartbeatInterval: 30 * time.Second,
			SubscriberBuffer:  64,
			HistorySize:       256,
		},
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.BindAddress == "":
		return errors.New("bind address is required")
	case c.MaxConnections <= 0:
		return fmt.Errorf("max connections must be positive, got %d", c.MaxConnections)
	case c.MaxIdleTime <= 0:
		return fmt.Errorf("max idle time must be positive, got %s", c.MaxIdleTime)
	case c.MaxRequestsPerConnection <= 0:
		return fmt.Errorf("max requests per connection must be positive, got %d", c.MaxRequestsPerConnection)
	case c.RequestsPerSecond < 0:
		return fmt.Errorf("requests per second must not be negative, got %g", c.RequestsPerSecond)
	case c.SessionTimeout <= 0:
		return fmt.Errorf("session timeout must be positive, got %s", c.SessionTimeout)
	case c.CleanupInterval <= 0:
		return fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval)
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize)
	case c.ProcessingTimeout <= 0:
		return fmt.Errorf("processing timeout must be positive, got %s", c.ProcessingTimeout)
	case c.SSE.HeartbeatInterval <= 0:
		return fmt.Errorf("sse heartbeat interval must be positive, got %s", c.SSE.HeartbeatInterval)
	case c.SSE.SubscriberBuffer <= 0:
		return fmt.Errorf("sse subscriber buffer must be positive, got %d", c.SSE.SubscriberBuffer)
	case c.SSE.HistorySize < 0:
		return fmt.Errorf("sse history size must not be negative, got %d", c.SSE.HistorySize)
	}
	switch c.ResponseMode {
	case ResponseJSON, ResponseSSE, ResponseAuto:
	default:
		return fmt.Errorf("unknown response mode %q", c.ResponseMode)
	}
	return nil
}
