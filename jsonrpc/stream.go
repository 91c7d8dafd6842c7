package jsonrpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultMaxMessageSize bounds a single message.
	DefaultMaxMessageSize = 16 * 1024 * 1024
	// DefaultBufferSize is the read chunk used by ParseReader.
	DefaultBufferSize = 8 * 1024
)

// ErrIncompleteMessage is returned when input ends inside a top-level object.
var ErrIncompleteMessage = errors.New("incomplete json-rpc message")

// ErrTrailingData is returned by ParseBody when anything other than whitespace follows the message.
var ErrTrailingData = errors.New("unexpected data after json-rpc message")

// BufferOverflowError is returned when a single message grows beyond the configured limit.
type BufferOverflowError struct {
	MaxSize int
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("message exceeds maximum size of %d bytes", e.MaxSize)
}

// StreamConfig configures a StreamParser.
type StreamConfig struct {
	MaxMessageSize int
	BufferSize     int
}

// DefaultStreamConfig returns the default limits.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxMessageSize: DefaultMaxMessageSize,
		BufferSize:     DefaultBufferSize,
	}
}

// StreamParser splits byte streams into top-level JSON objects and parses each one as a
// JSON-RPC message. It tracks only nesting depth and string state, which is enough because
// the wire grammar is a sequence of objects. A StreamParser holds no per-stream state and is
// safe for concurrent use.
type StreamParser struct {
	cfg StreamConfig
}

// NewStreamParser returns a parser with cfg, filling zero fields with defaults.
func NewStreamParser(cfg StreamConfig) *StreamParser {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &StreamParser{cfg: cfg}
}

// Config returns the effective configuration.
func (p *StreamParser) Config() StreamConfig { return p.cfg }

// ParseBytes parses exactly one message from data.
func (p *StreamParser) ParseBytes(data []byte) (Message, error) {
	if len(data) > p.cfg.MaxMessageSize {
		return Message{}, &BufferOverflowError{MaxSize: p.cfg.MaxMessageSize}
	}
	return Parse(data)
}

// ParseMultiple parses every complete top-level object in data. Whitespace between objects is
// skipped, and empty input yields no messages. If data ends inside an object, the messages
// completed so far are returned together with ErrIncompleteMessage.
func (p *StreamParser) ParseMultiple(data []byte) ([]Message, error) {
	var (
		msgs []Message
		sc   scanner
	)
	start := -1
	for i, b := range data {
		if start < 0 {
			if isSpace(b) {
				continue
			}
			if b != '{' {
				return msgs, notObject()
			}
			start = i
		}
		if i-start+1 > p.cfg.MaxMessageSize {
			return msgs, &BufferOverflowError{MaxSize: p.cfg.MaxMessageSize}
		}
		if !sc.step(b) {
			continue
		}
		msg, err := Parse(data[start : i+1])
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
		sc = scanner{}
		start = -1
	}
	if start >= 0 {
		return msgs, ErrIncompleteMessage
	}
	return msgs, nil
}

// ParseReader reads from r until it has accumulated one balanced top-level object and parses it.
// Reading stops as soon as the accumulated bytes exceed MaxMessageSize, so oversized input is
// never buffered in full. Bytes following the object are left unread or discarded.
func (p *StreamParser) ParseReader(r io.Reader) (Message, error) {
	msg, _, err := p.readMessage(r)
	return msg, err
}

// ParseBody reads one message from r and requires the rest of r to be whitespace. At most
// MaxMessageSize bytes are read past the message.
func (p *StreamParser) ParseBody(r io.Reader) (Message, error) {
	msg, rest, err := p.readMessage(r)
	if err != nil {
		return Message{}, err
	}
	if !isBlank(rest) {
		return Message{}, ErrTrailingData
	}
	tail, err := io.ReadAll(io.LimitReader(r, int64(p.cfg.MaxMessageSize)+1))
	if err != nil {
		return Message{}, fmt.Errorf("failed to read message: %w", err)
	}
	if len(tail) > p.cfg.MaxMessageSize {
		return Message{}, &BufferOverflowError{MaxSize: p.cfg.MaxMessageSize}
	}
	if !isBlank(tail) {
		return Message{}, ErrTrailingData
	}
	return msg, nil
}

// readMessage returns the first message in r together with the bytes of the last chunk that
// followed it.
func (p *StreamParser) readMessage(r io.Reader) (Message, []byte, error) {
	var (
		buf   bytes.Buffer
		sc    scanner
		chunk = make([]byte, p.cfg.BufferSize)
	)
	for {
		n, err := r.Read(chunk)
		for i, b := range chunk[:n] {
			if !sc.started {
				if isSpace(b) {
					continue
				}
				if b != '{' {
					return Message{}, nil, notObject()
				}
			}
			if buf.Len() >= p.cfg.MaxMessageSize {
				return Message{}, nil, &BufferOverflowError{MaxSize: p.cfg.MaxMessageSize}
			}
			buf.WriteByte(b)
			if sc.step(b) {
				msg, perr := Parse(buf.Bytes())
				return msg, chunk[i+1 : n], perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if buf.Len() == 0 {
					return Message{}, nil, io.EOF
				}
				return Message{}, nil, ErrIncompleteMessage
			}
			return Message{}, nil, fmt.Errorf("failed to read message: %w", err)
		}
	}
}

func notObject() *Error {
	return ErrInvalidRequest("message must be a JSON object")
}

// scanner tracks object nesting so that braces inside strings are ignored.
type scanner struct {
	depth      int
	inString   bool
	escapeNext bool
	started    bool
}

// step consumes one byte and reports whether it closed the top-level object.
func (s *scanner) step(b byte) bool {
	if s.escapeNext {
		s.escapeNext = false
		return false
	}
	if s.inString {
		switch b {
		case '\\':
			s.escapeNext = true
		case '"':
			s.inString = false
		}
		return false
	}
	switch b {
	case '"':
		s.inString = true
	case '{', '[':
		s.started = true
		s.depth++
	case '}', ']':
		s.depth--
		if s.depth <= 0 {
			s.depth = 0
			return true
		}
	}
	return false
}

func isBlank(data []byte) bool {
	return len(bytes.TrimLeft(data, " \t\r\n")) == 0
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
