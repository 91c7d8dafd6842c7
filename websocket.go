package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const websocketCloseGrace = time.Second

// WebSocketTransport carries one JSON-RPC message per text frame over a WebSocket connection.
// It serves both ends: DialWebSocket on the client, NewWebSocketTransport around an upgraded
// connection on the server.
type WebSocketTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	frames    chan inboundFrame
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket connects to a WebSocket MCP endpoint such as "ws://localhost:8080/mcp/ws".
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWebSocketTransport(conn, slog.Default()), nil
}

// NewWebSocketTransport wraps an established connection. Reading starts immediately.
func NewWebSocketTransport(conn *websocket.Conn, logger *slog.Logger) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:   conn,
		logger: logger.With(slog.String("component", "websocket")),
		frames: make(chan inboundFrame),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SetReadLimit bounds incoming frames. Larger frames close the connection.
func (t *WebSocketTransport) SetReadLimit(limit int64) {
	t.conn.SetReadLimit(limit)
}

// Send implements Transport.
func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return transportError(TransportErrorIO, "failed to set write deadline", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return transportError(TransportErrorTimeout, "write timed out", err)
		}
		return transportError(TransportErrorIO, "failed to write frame", err)
	}
	return nil
}

// Receive implements Transport.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctxTransportError(ctx.Err())
	case f, ok := <-t.frames:
		if !ok {
			return nil, ErrTransportClosed
		}
		return f.frame, f.err
	}
}

// Close implements Transport. It sends a normal closure frame before closing the connection.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(websocketCloseGrace))
		t.writeMu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.frames)

	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-t.done:
				default:
					t.logger.Warn("failed to read frame", slog.String("err", err.Error()))
				}
			}
			return
		}
		var l inboundFrame
		if typ == websocket.TextMessage {
			l.frame = data
		} else {
			l.err = transportError(TransportErrorFormat, "binary frames are not supported", nil)
		}
		select {
		case <-t.done:
			return
		case t.frames <- l:
		}
	}
}
