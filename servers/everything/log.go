package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"

	"github.com/airsstack/airsstack-sub002"
)

// SetLogging implements mcp.LoggingHandler. Records below the level are neither buffered nor
// streamed.
func (s *Server) SetLogging(_ context.Context, cfg mcp.LoggingConfig) (bool, error) {
	if !cfg.Level.Valid() {
		return false, mcp.NewProviderError(mcp.ProviderErrorInvalidInput,
			fmt.Sprintf("invalid log level: %q", cfg.Level), nil)
	}
	s.mu.Lock()
	s.level = cfg.Level
	s.mu.Unlock()

	s.logger.Info("log level changed", slog.String("level", string(cfg.Level)))
	s.log(mcp.LogLevelNotice, "logging", map[string]any{"message": "log level changed", "level": cfg.Level})
	return true, nil
}

// Level returns the current minimum level.
func (s *Server) Level() mcp.LogLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// LogStreams implements mcp.LogStreamer.
func (s *Server) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-s.done:
				return
			case params := <-s.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

// Log records data, which must marshal to JSON, under logger. It is dropped when level is below
// the current minimum.
func (s *Server) Log(level mcp.LogLevel, logger string, data any) error {
	if !level.Valid() {
		return fmt.Errorf("invalid log level: %q", level)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal log data: %w", err)
	}

	params := mcp.LogParams{Level: level, Logger: logger, Data: raw}

	s.mu.Lock()
	if level.Severity() < s.level.Severity() {
		s.mu.Unlock()
		return nil
	}
	s.recent[s.next] = params
	s.next = (s.next + 1) % len(s.recent)
	if s.next == 0 {
		s.wrapped = true
	}
	s.mu.Unlock()

	select {
	case s.logs <- params:
	case <-s.done:
	default:
		s.logger.Debug("log stream full, record only buffered", slog.String("logger", logger))
	}
	return nil
}

// RecentLogs returns the buffered records, oldest first.
func (s *Server) RecentLogs() []mcp.LogParams {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wrapped {
		return append([]mcp.LogParams(nil), s.recent[:s.next]...)
	}
	out := make([]mcp.LogParams, 0, len(s.recent))
	out = append(out, s.recent[s.next:]...)
	return append(out, s.recent[:s.next]...)
}

func (s *Server) log(level mcp.LogLevel, logger string, data map[string]any) {
	if err := s.Log(level, logger, data); err != nil {
		s.logger.Error("failed to log", slog.String("err", err.Error()))
	}
}
