package mcp

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// SessionState is the lifecycle position of one side of an MCP session.
type SessionState int

const (
	StateNew SessionState = iota
	StateInitializing
	StateReady
	StateOperating
	StateFailed
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateOperating:
		return "operating"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportSession adapts a Transport to the Session interface so that Server.Serve can drive
// any transport. Frames that are not valid JSON-RPC are answered with an error response here
// and never reach the server.
type TransportSession struct {
	id        string
	transport Transport
	logger    *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// TransportSessionOption configures a TransportSession.
type TransportSessionOption func(*TransportSession)

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) TransportSessionOption {
	return func(s *TransportSession) {
		s.id = id
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) TransportSessionOption {
	return func(s *TransportSession) {
		s.logger = logger
	}
}

// NewTransportSession wraps t. The session owns t and closes it on Stop.
func NewTransportSession(t Transport, opts ...TransportSessionOption) *TransportSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &TransportSession{
		id:        uuid.New().String(),
		transport: t,
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("sessionID", s.id))
	return s
}

// ID implements Session.
func (s *TransportSession) ID() string { return s.id }

// Send implements Session.
func (s *TransportSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	bs, err := jsonrpc.Marshal(msg)
	if err != nil {
		return transportError(TransportErrorFormat, "failed to marshal message", err)
	}
	return s.transport.Send(ctx, bs)
}

// Messages implements Session. The iteration ends when the transport closes or fails.
func (s *TransportSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			frame, err := s.transport.Receive(s.ctx)
			if err != nil {
				var tErr *TransportError
				if errors.As(err, &tErr) && tErr.Kind == TransportErrorFormat {
					s.logger.Warn("dropping malformed frame", slog.String("err", err.Error()))
					s.reject(jsonrpc.ErrInvalidRequest(""))
					continue
				}
				if !errors.Is(err, ErrTransportClosed) && s.ctx.Err() == nil {
					s.logger.Error("failed to receive message", slog.String("err", err.Error()))
				}
				return
			}

			msg, err := jsonrpc.Parse(frame)
			if err != nil {
				s.logger.Warn("failed to parse message", slog.String("err", err.Error()))
				s.reject(jsonrpc.AsError(err))
				continue
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Stop implements Session.
func (s *TransportSession) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if err := s.transport.Close(); err != nil {
			s.logger.Warn("failed to close transport", slog.String("err", err.Error()))
		}
	})
}

func (s *TransportSession) reject(rpcErr *jsonrpc.Error) {
	if err := s.Send(s.ctx, jsonrpc.NewErrorResponse(jsonrpc.ID{}, rpcErr)); err != nil {
		s.logger.Warn("failed to send error response", slog.String("err", err.Error()))
	}
}
