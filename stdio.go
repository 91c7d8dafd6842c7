package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// DefaultProcessKillTimeout is how long StartProcess waits for a child to exit after its stdin
// is closed before killing it.
const DefaultProcessKillTimeout = 5 * time.Second

// Stdio is a newline-delimited JSON transport over a reader and a writer, typically the
// process's own stdin and stdout or the pipes of a child process. Each Send writes one line;
// Receive yields one line with the trailing "\n" or "\r\n" removed. Blank lines are skipped.
type Stdio struct {
	writer         io.Writer
	logger         *slog.Logger
	maxMessageSize int
	closer         func() error

	writeMu sync.Mutex

	lines     chan inboundFrame
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type inboundFrame struct {
	frame []byte
	err   error
}

// StdioOption configures a Stdio transport.
type StdioOption func(*Stdio)

// WithStdioLogger sets the logger.
func WithStdioLogger(logger *slog.Logger) StdioOption {
	return func(s *Stdio) {
		s.logger = logger.With(slog.String("component", "stdio"))
	}
}

// WithStdioMaxMessageSize bounds a single line. Longer lines are discarded with a format error.
func WithStdioMaxMessageSize(size int) StdioOption {
	return func(s *Stdio) {
		s.maxMessageSize = size
	}
}

// NewStdio creates a transport reading frames from r and writing frames to w. Reading starts
// immediately in a background goroutine. If r is an io.Closer, Close closes it so that the
// reader goroutine ends; otherwise it runs until r returns an error or EOF.
func NewStdio(r io.Reader, w io.Writer, opts ...StdioOption) *Stdio {
	s := &Stdio{
		writer:         w,
		logger:         slog.Default(),
		maxMessageSize: jsonrpc.DefaultMaxMessageSize,
		lines:          make(chan inboundFrame),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c.Close
	}
	go s.readLoop(bufio.NewReaderSize(r, jsonrpc.DefaultBufferSize))
	return s
}

// StartProcess spawns name with args and returns a transport connected to its stdin and stdout.
// The child's stderr is forwarded to this process's stderr. Closing the transport closes the
// child's stdin, waits up to DefaultProcessKillTimeout for it to exit and then kills it.
func StartProcess(ctx context.Context, name string, args []string, opts ...StdioOption) (*Stdio, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	s := NewStdio(stdout, stdin, opts...)
	s.closer = func() error {
		_ = stdin.Close()
		select {
		case <-exited:
			return nil
		case <-time.After(DefaultProcessKillTimeout):
			s.logger.Warn("child did not exit, killing it", slog.Int("pid", cmd.Process.Pid))
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return fmt.Errorf("failed to kill child process: %w", err)
			}
			<-exited
			return nil
		}
	}
	return s, nil
}

// Send implements Transport.
func (s *Stdio) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return ErrTransportClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return ctxTransportError(err)
	}
	if bytes.ContainsAny(frame, "\n") {
		return transportError(TransportErrorFormat, "frame contains a newline", nil)
	}

	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(line); err != nil {
		return transportError(TransportErrorIO, "failed to write frame", err)
	}
	return nil
}

// Receive implements Transport.
func (s *Stdio) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctxTransportError(ctx.Err())
	case l, ok := <-s.lines:
		if !ok {
			return nil, ErrTransportClosed
		}
		return l.frame, l.err
	}
}

// Close implements Transport. It is safe to call more than once.
func (s *Stdio) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

func (s *Stdio) readLoop(r *bufio.Reader) {
	defer close(s.lines)

	for {
		frame, err := s.readLine(r)
		if err != nil {
			var tErr *TransportError
			if errors.As(err, &tErr) && tErr.Kind == TransportErrorFormat {
				if !s.deliver(inboundFrame{err: err}) {
					return
				}
				continue
			}
			select {
			case <-s.done:
			default:
				if !errors.Is(err, io.EOF) {
					s.logger.Error("failed to read frame", slog.String("err", err.Error()))
				}
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		if !s.deliver(inboundFrame{frame: frame}) {
			return
		}
	}
}

// readLine returns one line without its terminator. Lines beyond maxMessageSize are consumed
// and reported as a format error without being buffered.
func (s *Stdio) readLine(r *bufio.Reader) ([]byte, error) {
	var (
		line     []byte
		overflow bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !overflow {
			if len(line)+len(chunk) > s.maxMessageSize+2 {
				overflow = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil && (len(line) == 0 || !errors.Is(err, io.EOF)):
			return nil, err
		}
		if overflow {
			return nil, transportError(TransportErrorFormat,
				fmt.Sprintf("frame exceeds %d bytes", s.maxMessageSize), &jsonrpc.BufferOverflowError{MaxSize: s.maxMessageSize})
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			return nil, nil
		}
		if len(line) > s.maxMessageSize {
			return nil, transportError(TransportErrorFormat,
				fmt.Sprintf("frame exceeds %d bytes", s.maxMessageSize), &jsonrpc.BufferOverflowError{MaxSize: s.maxMessageSize})
		}
		return line, nil
	}
}

func (s *Stdio) deliver(l inboundFrame) bool {
	select {
	case <-s.done:
		return false
	case s.lines <- l:
		return true
	}
}

func ctxTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return transportError(TransportErrorTimeout, "deadline exceeded", err)
	}
	return transportError(TransportErrorOther, "operation cancelled", err)
}
