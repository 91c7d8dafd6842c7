// Package jsonrpc implements the JSON-RPC 2.0 message layer: the message envelope and its
// ID type, error objects, a bounded streaming parser, and a concurrent request processor.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only accepted value of the "jsonrpc" member.
const Version = "2.0"

// Kind classifies a Message by the members it carries.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is a JSON-RPC 2.0 message. Which members are populated decides its kind:
//   - Request: ID and Method
//   - Notification: Method without ID
//   - Response: ID and exactly one of Result or Error
type Message struct {
	JSONRPC string
	ID      ID
	Method  string
	Params  json.RawMessage
	Result  json.RawMessage
	Error   *Error
}

// ErrInvalidResponse is returned by NewResponse when a response would carry both a result and
// an error, or neither.
var ErrInvalidResponse = errors.New("response must carry exactly one of result or error")

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind reports the message kind.
func (m Message) Kind() Kind {
	switch {
	case m.Method != "" && !m.ID.IsZero():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.Result != nil || m.Error != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// IsRequest reports whether the message expects a response.
func (m Message) IsRequest() bool { return m.Kind() == KindRequest }

// IsNotification reports whether the message is a notification.
func (m Message) IsNotification() bool { return m.Kind() == KindNotification }

// IsResponse reports whether the message answers a request.
func (m Message) IsResponse() bool { return m.Kind() == KindResponse }

// MarshalJSON implements json.Marshaler. Responses always carry an id member (null when absent).
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		JSONRPC: m.JSONRPC,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	}
	if w.JSONRPC == "" {
		w.JSONRPC = Version
	}
	if !m.ID.IsZero() || m.Kind() == KindResponse {
		idBs, err := m.ID.MarshalJSON()
		if err != nil {
			return nil, err
		}
		w.ID = idBs
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. It only decodes; structural validation is done by Parse.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var id ID
	if len(w.ID) > 0 {
		if err := id.UnmarshalJSON(w.ID); err != nil {
			return err
		}
	}
	*m = Message{
		JSONRPC: w.JSONRPC,
		ID:      id,
		Method:  w.Method,
		Params:  w.Params,
		Result:  nullToNil(w.Result, w.Error != nil),
		Error:   w.Error,
	}
	return nil
}

// nullToNil keeps a literal null result (a legal success value) unless an error is present too.
func nullToNil(raw json.RawMessage, hasError bool) json.RawMessage {
	if hasError && bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

// Parse decodes and validates a single JSON-RPC message. Malformed JSON yields a parse error
// (-32700); anything that is valid JSON but not a valid JSON-RPC 2.0 message yields an
// invalid request error (-32600). Both are returned as *Error.
func Parse(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Message{}, ErrParse("empty message")
	}
	if !json.Valid(data) {
		return Message{}, ErrParse("malformed json")
	}
	if data[0] != '{' {
		return Message{}, ErrInvalidRequest("message must be a json object")
	}

	var probe struct {
		JSONRPC *string         `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  *string         `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Message{}, ErrInvalidRequest(err.Error())
	}
	if probe.JSONRPC == nil || *probe.JSONRPC != Version {
		return Message{}, ErrInvalidRequest(`"jsonrpc" must be "2.0"`)
	}

	var id ID
	if len(probe.ID) > 0 {
		if err := id.UnmarshalJSON(probe.ID); err != nil {
			return Message{}, ErrInvalidRequest(err.Error())
		}
	}

	msg := Message{JSONRPC: Version, ID: id}

	switch {
	case probe.Method != nil:
		if *probe.Method == "" {
			return Message{}, ErrInvalidRequest(`"method" must be a non-empty string`)
		}
		if len(probe.ID) > 0 && id.IsZero() {
			return Message{}, ErrInvalidRequest("request id must not be null")
		}
		if len(probe.Params) > 0 {
			first := bytes.TrimSpace(probe.Params)[0]
			if first != '{' && first != '[' {
				return Message{}, ErrInvalidRequest(`"params" must be an object or an array`)
			}
		}
		msg.Method = *probe.Method
		msg.Params = probe.Params
	case len(probe.ID) > 0:
		hasResult := len(probe.Result) > 0
		hasError := len(probe.Error) > 0 && !bytes.Equal(probe.Error, []byte("null"))
		if hasResult == hasError {
			return Message{}, ErrInvalidRequest("response must carry exactly one of result or error")
		}
		if hasError {
			var e Error
			if err := json.Unmarshal(probe.Error, &e); err != nil {
				return Message{}, ErrInvalidRequest(fmt.Sprintf("invalid error object: %s", err))
			}
			msg.Error = &e
		} else {
			msg.Result = probe.Result
		}
	default:
		return Message{}, ErrInvalidRequest("message is neither a request, a notification, nor a response")
	}

	return msg, nil
}

// Marshal serializes a message.
func Marshal(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// NewRequest builds a request. params may be nil, a json.RawMessage, or any value that
// marshals to a JSON object or array.
func NewRequest(id ID, method string, params any) (Message, error) {
	if id.IsZero() {
		return Message{}, errors.New("request id must not be empty")
	}
	if method == "" {
		return Message{}, errors.New("method must not be empty")
	}
	raw, err := rawParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (Message, error) {
	if method == "" {
		return Message{}, errors.New("method must not be empty")
	}
	raw, err := rawParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a response from an already encoded result or an error object.
// Exactly one of result and rpcErr must be set.
func NewResponse(id ID, result json.RawMessage, rpcErr *Error) (Message, error) {
	if (result == nil) == (rpcErr == nil) {
		return Message{}, ErrInvalidResponse
	}
	return Message{JSONRPC: Version, ID: id, Result: result, Error: rpcErr}, nil
}

// NewResult marshals v and wraps it in a success response. A nil v is encoded as {}.
func NewResult(id ID, v any) (Message, error) {
	if v == nil {
		return Message{JSONRPC: Version, ID: id, Result: json.RawMessage("{}")}, nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Message{JSONRPC: Version, ID: id, Result: bs}, nil
}

// NewErrorResponse wraps an error object in a response.
func NewErrorResponse(id ID, rpcErr *Error) Message {
	return Message{JSONRPC: Version, ID: id, Error: rpcErr}
}

func rawParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		bs, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		if bytes.Equal(bs, []byte("null")) {
			return nil, nil
		}
		return bs, nil
	}
}
