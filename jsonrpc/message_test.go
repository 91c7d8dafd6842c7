package jsonrpc_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

func TestParseClassifiesMessages(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want jsonrpc.Kind
	}{
		{"request with number id", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, jsonrpc.KindRequest},
		{"request with string id", `{"jsonrpc":"2.0","id":"abc","method":"tools/list","params":{}}`, jsonrpc.KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, jsonrpc.KindNotification},
		{"result response", `{"jsonrpc":"2.0","id":1,"result":{}}`, jsonrpc.KindResponse},
		{"null result response", `{"jsonrpc":"2.0","id":1,"result":null}`, jsonrpc.KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, jsonrpc.KindResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := jsonrpc.Parse([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.want, msg.Kind())
		})
	}
}

func TestParseRejectsInvalidMessages(t *testing.T) {
	tests := []struct {
		name string
		in   string
		code int
	}{
		{"malformed json", `{"jsonrpc":"2.0",`, jsonrpc.CodeParseError},
		{"missing version", `{"id":1,"method":"ping"}`, jsonrpc.CodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, jsonrpc.CodeInvalidRequest},
		{"not an object", `[1,2,3]`, jsonrpc.CodeInvalidRequest},
		{"empty method", `{"jsonrpc":"2.0","id":1,"method":""}`, jsonrpc.CodeInvalidRequest},
		{"null request id", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, jsonrpc.CodeInvalidRequest},
		{"fractional id", `{"jsonrpc":"2.0","id":1.5,"method":"ping"}`, jsonrpc.CodeInvalidRequest},
		{"unsafe integer id", `{"jsonrpc":"2.0","id":9007199254740993,"method":"ping"}`, jsonrpc.CodeInvalidRequest},
		{"boolean id", `{"jsonrpc":"2.0","id":true,"method":"ping"}`, jsonrpc.CodeInvalidRequest},
		{"scalar params", `{"jsonrpc":"2.0","id":1,"method":"ping","params":3}`, jsonrpc.CodeInvalidRequest},
		{"both result and error", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, jsonrpc.CodeInvalidRequest},
		{"neither result nor error", `{"jsonrpc":"2.0","id":1}`, jsonrpc.CodeInvalidRequest},
		{"nothing", `{"jsonrpc":"2.0"}`, jsonrpc.CodeInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := jsonrpc.Parse([]byte(tc.in))
			require.Error(t, err)
			var rpcErr *jsonrpc.Error
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, tc.code, rpcErr.Code)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	req, err := jsonrpc.NewRequest(jsonrpc.NumberID(7), "tools/call", map[string]any{"name": "add"})
	require.NoError(t, err)
	notif, err := jsonrpc.NewNotification("notifications/progress", map[string]any{"progress": 1})
	require.NoError(t, err)
	res, err := jsonrpc.NewResult(jsonrpc.StringID("x"), map[string]string{"ok": "yes"})
	require.NoError(t, err)
	errRes := jsonrpc.NewErrorResponse(jsonrpc.StringID("y"), jsonrpc.ErrMethodNotFound("nope"))

	for _, msg := range []jsonrpc.Message{req, notif, res, errRes} {
		bs, err := jsonrpc.Marshal(msg)
		require.NoError(t, err)
		got, err := jsonrpc.Parse(bs)
		require.NoError(t, err)
		assert.Equal(t, msg.Kind(), got.Kind())
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, msg.Method, got.Method)
		assert.JSONEq(t, string(orEmpty(msg.Params)), string(orEmpty(got.Params)))
		assert.JSONEq(t, string(orEmpty(msg.Result)), string(orEmpty(got.Result)))
		if msg.Error != nil {
			require.NotNil(t, got.Error)
			assert.Equal(t, msg.Error.Code, got.Error.Code)
		}
	}
}

func TestPingResponseWireFormat(t *testing.T) {
	res, err := jsonrpc.NewResult(jsonrpc.NumberID(1), nil)
	require.NoError(t, err)
	bs, err := jsonrpc.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(bs))
}

func TestErrorResponseWithoutIDEncodesNull(t *testing.T) {
	bs, err := jsonrpc.Marshal(jsonrpc.NewErrorResponse(jsonrpc.ID{}, jsonrpc.ErrParse("")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, string(bs))
}

func TestNewResponseRequiresExactlyOne(t *testing.T) {
	_, err := jsonrpc.NewResponse(jsonrpc.NumberID(1), nil, nil)
	assert.ErrorIs(t, err, jsonrpc.ErrInvalidResponse)

	_, err = jsonrpc.NewResponse(jsonrpc.NumberID(1), json.RawMessage(`{}`), jsonrpc.ErrInternal())
	assert.ErrorIs(t, err, jsonrpc.ErrInvalidResponse)

	msg, err := jsonrpc.NewResponse(jsonrpc.NumberID(1), json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	assert.True(t, msg.IsResponse())
}

func TestIDsAreOpaque(t *testing.T) {
	assert.NotEqual(t, jsonrpc.StringID("1"), jsonrpc.NumberID(1))

	var id jsonrpc.ID
	require.NoError(t, json.Unmarshal([]byte(`42`), &id))
	n, ok := id.Number()
	assert.True(t, ok)
	assert.EqualValues(t, 42, n)

	require.NoError(t, json.Unmarshal([]byte(`"42"`), &id))
	assert.False(t, id.IsNumber())
	assert.Equal(t, "42", id.String())
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage("null")
	}
	return raw
}
