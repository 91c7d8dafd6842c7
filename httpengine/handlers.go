package httpengine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/airsstack/airsstack-sub002"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// Endpoint paths.
const (
	PathMCP       = "/mcp"
	PathWebSocket = "/mcp/ws"
	PathHealth    = "/health"
	PathMetrics   = "/metrics"
	PathStatus    = "/status"
)

const headerLastEventID = "Last-Event-ID"

func (e *Engine) routesHandler() http.Handler {
	mux := http.NewServeMux()

	mcpRoute := func(h http.HandlerFunc) http.Handler {
		var next http.Handler = h
		if e.authenticate != nil {
			next = e.authenticate(next)
		}
		return e.admit(next)
	}
	mux.Handle("POST "+PathMCP, mcpRoute(e.handlePost))
	mux.Handle("GET "+PathMCP, mcpRoute(e.handleStream))
	mux.Handle("DELETE "+PathMCP, mcpRoute(e.handleDelete))
	mux.Handle("GET "+PathWebSocket, mcpRoute(e.handleWebSocket))

	mux.HandleFunc("GET "+PathHealth, e.handleHealth)
	mux.HandleFunc("GET "+PathMetrics, e.handleMetrics)
	mux.HandleFunc("GET "+PathStatus, e.handleStatus)

	for _, register := range e.routes {
		register(mux)
	}
	return mux
}

// admit applies the connection limits before anything else runs.
func (e *Engine) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := e.conns.Admit(r.RemoteAddr); err != nil {
			status := http.StatusServiceUnavailable
			switch {
			case errors.Is(err, ErrRateLimited):
				status = http.StatusTooManyRequests
			case errors.Is(err, ErrRequestLimit):
				w.Header().Set("Connection", "close")
			}
			e.logger.Warn("rejecting request", slog.String("remoteAddr", r.RemoteAddr), slog.String("err", err.Error()))
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (e *Engine) handlePost(w http.ResponseWriter, r *http.Request) {
	msg, err := e.parser.ParseBody(r.Body)
	if err != nil {
		e.conns.RecordError(r.RemoteAddr)
		e.writeMessage(w, r, http.StatusBadRequest, jsonrpc.NewErrorResponse(jsonrpc.ID{}, parseError(err)))
		return
	}

	sess, created, err := e.sessions.ExtractOrCreate(r)
	if err != nil {
		e.writeSessionError(w, err)
		return
	}
	if created {
		e.logger.Debug("bound request to new session", slog.String("sessionID", sess.ID), slog.String("method", msg.Method))
	}
	w.Header().Set(mcp.HeaderSessionID, sess.ID)

	ctx := context.WithValue(r.Context(), sessionKey{}, sess)
	resp, err := e.processor.Process(ctx, msg)
	if err != nil {
		if r.Context().Err() != nil {
			// The client went away; there is nobody to answer.
			return
		}
		e.conns.RecordError(r.RemoteAddr)
		status, rpcErr := e.processError(err)
		e.logger.Warn("failed to process message", slog.String("sessionID", sess.ID), slog.String("method", msg.Method), slog.String("err", err.Error()))
		if !msg.IsRequest() {
			w.WriteHeader(status)
			return
		}
		e.writeMessage(w, r, status, jsonrpc.NewErrorResponse(msg.ID, rpcErr))
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	e.writeMessage(w, r, http.StatusOK, *resp)
}

func (e *Engine) processError(err error) (int, *jsonrpc.Error) {
	var full *jsonrpc.QueueFullError
	switch {
	case errors.As(err, &full):
		return http.StatusServiceUnavailable, jsonrpc.NewError(jsonrpc.CodeServerError, "server busy", map[string]any{"retriable": true})
	case errors.Is(err, jsonrpc.ErrProcessorNotRunning):
		return http.StatusServiceUnavailable, jsonrpc.NewError(jsonrpc.CodeServerError, "server shutting down", nil)
	case errors.Is(err, jsonrpc.ErrProcessingTimeout):
		return http.StatusOK, jsonrpc.NewError(jsonrpc.CodeServerError, "request timed out", nil)
	default:
		return http.StatusInternalServerError, jsonrpc.ErrInternal()
	}
}

func parseError(err error) *jsonrpc.Error {
	var overflow *jsonrpc.BufferOverflowError
	switch {
	case errors.As(err, &overflow):
		return jsonrpc.ErrInvalidRequest(overflow.Error())
	case errors.Is(err, io.EOF):
		return jsonrpc.ErrInvalidRequest("empty body")
	case errors.Is(err, jsonrpc.ErrTrailingData):
		return jsonrpc.ErrInvalidRequest("body must hold exactly one message")
	case errors.Is(err, jsonrpc.ErrIncompleteMessage):
		return jsonrpc.ErrParse("incomplete message")
	default:
		return jsonrpc.AsError(err)
	}
}

func (e *Engine) writeSessionError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, ErrSessionNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// wantsStream reports whether a reply should be framed as an event stream.
func (e *Engine) wantsStream(r *http.Request) bool {
	switch e.cfg.ResponseMode {
	case ResponseSSE:
		return true
	case ResponseAuto:
		accept := r.Header.Get("Accept")
		return strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "application/json")
	default:
		return false
	}
}

func (e *Engine) writeMessage(w http.ResponseWriter, r *http.Request, status int, msg jsonrpc.Message) {
	bs, err := jsonrpc.Marshal(msg)
	if err != nil {
		e.logger.Error("failed to marshal response", slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if status == http.StatusOK && e.wantsStream(r) {
		stream, err := sse.Upgrade(w, r)
		if err == nil {
			typ := EventMessage
			if msg.Error != nil {
				typ = EventError
			}
			if err := sendEvent(stream, Event{Type: typ, Data: bs}); err != nil {
				e.logger.Warn("failed to stream response", slog.String("err", err.Error()))
			}
			return
		}
		e.logger.Warn("failed to upgrade to event stream, replying with json", slog.String("err", err.Error()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(bs); err != nil {
		e.logger.Debug("failed to write response", slog.String("err", err.Error()))
	}
}

// handleStream serves GET /mcp: replay of retained events after lastEventId, then live events
// of the session and heartbeats until the client disconnects.
func (e *Engine) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	heartbeat := e.cfg.SSE.HeartbeatInterval
	if v := q.Get("heartbeat"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "heartbeat must be a positive number of seconds"})
			return
		}
		heartbeat = time.Duration(secs) * time.Second
	}

	var (
		sess *Session
		err  error
	)
	sessionID := q.Get("session_id")
	if sessionID == "" {
		sessionID = r.Header.Get(mcp.HeaderSessionID)
	}
	if sessionID != "" {
		sess, err = e.sessions.Get(sessionID, requestOwner(r))
	} else {
		sess = e.sessions.Create(r.RemoteAddr, r.UserAgent(), requestOwner(r))
	}
	if err != nil {
		e.writeSessionError(w, err)
		return
	}

	lastEventID := q.Get("lastEventId")
	if lastEventID == "" {
		lastEventID = r.Header.Get(headerLastEventID)
	}

	w.Header().Set(mcp.HeaderSessionID, sess.ID)
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		e.logger.Error("failed to upgrade to event stream", slog.String("err", err.Error()))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, replay := e.broadcaster.Subscribe(sess.ID, lastEventID)
	defer sub.Close()

	logger := e.logger.With(slog.String("sessionID", sess.ID))
	logger.Debug("event stream opened", slog.String("lastEventID", lastEventID), slog.Int("replay", len(replay)))

	// The first heartbeat commits the headers even when there is nothing to replay.
	if err := e.sendHeartbeat(stream); err != nil {
		logger.Debug("event stream closed", slog.String("err", err.Error()))
		return
	}
	for _, ev := range replay {
		if err := sendEvent(stream, ev); err != nil {
			logger.Debug("event stream closed", slog.String("err", err.Error()))
			return
		}
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-e.ctx.Done():
			return
		case <-sub.Done():
			logger.Info("event stream dropped")
			return
		case <-sess.mcp.Done():
			return
		case ev := <-sub.Events():
			err = sendEvent(stream, ev)
		case <-ticker.C:
			err = e.sendHeartbeat(stream)
		}
		if err != nil {
			logger.Debug("event stream closed", slog.String("err", err.Error()))
			return
		}
	}
}

func (e *Engine) sendHeartbeat(stream *sse.Session) error {
	data, _ := json.Marshal(map[string]string{"timestamp": e.now().UTC().Format(time.RFC3339)})
	return sendEvent(stream, Event{Type: EventHeartbeat, Data: data})
}

func sendEvent(stream *sse.Session, ev Event) error {
	msg := &sse.Message{Type: sse.Type(string(ev.Type))}
	if ev.ID != 0 {
		msg.ID = sse.ID(ev.EventID())
	}
	msg.AppendData(string(ev.Data))
	if err := stream.Send(msg); err != nil {
		return err
	}
	return stream.Flush()
}

// handleDelete ends the session named by X-Session-ID.
func (e *Engine) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(mcp.HeaderSessionID)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing " + mcp.HeaderSessionID + " header"})
		return
	}
	if !e.sessions.Close(id, requestOwner(r)) {
		e.writeSessionError(w, ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket runs a full streaming session over one WebSocket connection.
func (e *Engine) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered the request.
		e.logger.Warn("failed to upgrade websocket", slog.String("err", err.Error()))
		return
	}
	t := mcp.NewWebSocketTransport(conn, e.logger)
	t.SetReadLimit(int64(e.cfg.MaxMessageSize))
	sess := mcp.NewTransportSession(t, mcp.WithSessionLogger(e.logger))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	if err := e.server.Serve(ctx, sess); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("websocket session ended", slog.String("sessionID", sess.ID()), slog.String("err", err.Error()))
	}
}

func (e *Engine) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	if e.conns.AtLimit() {
		status = "degraded"
	}
	conns := e.conns.Stats()
	sessions := e.sessions.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": e.now().UTC().Format(time.RFC3339),
		"connections": map[string]any{
			"active": conns.Active,
			"total":  conns.TotalCreated,
			"limit":  conns.MaxConnections,
		},
		"sessions": map[string]any{
			"active": sessions.Active,
			"total":  sessions.TotalCreated,
		},
		"uptime_seconds": int64(e.now().Sub(e.started).Seconds()),
	})
}

func (e *Engine) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	health := HealthReport{}
	if last := e.lastHealth.Load(); last != nil {
		health = *last
	}
	ps := e.processor.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": map[string]any{
			"stats":  e.conns.Stats(),
			"health": health,
		},
		"sessions":     e.sessions.Stats(),
		"events":       e.broadcaster.Stats(),
		"mcp_sessions": e.server.SessionCount(),
		"processor": map[string]any{
			"total_processed":    ps.TotalProcessed,
			"successful":         ps.Successful,
			"failed":             ps.Failed,
			"timed_out":          ps.TimedOut,
			"queue_depth":        ps.CurrentQueueDepth,
			"peak_queue_depth":   ps.PeakQueueDepth,
			"average_latency_ms": ps.AverageLatency.Milliseconds(),
			"success_rate":       ps.SuccessRate(),
		},
	})
}

func (e *Engine) handleStatus(w http.ResponseWriter, _ *http.Request) {
	info := e.server.Info()
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   info.Name,
		"version":   info.Version,
		"protocol":  "mcp",
		"transport": "http",
		"config": map[string]any{
			"max_message_size":            e.cfg.MaxMessageSize,
			"max_connections":             e.cfg.MaxConnections,
			"max_requests_per_connection": e.cfg.MaxRequestsPerConnection,
			"session_timeout":             e.cfg.SessionTimeout.String(),
			"processing_timeout":          e.cfg.ProcessingTimeout.String(),
			"response_mode":               e.cfg.ResponseMode,
			"sse_heartbeat":               e.cfg.SSE.HeartbeatInterval.String(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
