package mcp_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/airsstack/airsstack-sub002"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

func TestHTTPClientTransportJSONResponse(t *testing.T) {
	var gotSession []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = append(gotSession, r.Header.Get(mcp.HeaderSessionID))
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		msg, err := jsonrpc.Parse(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set(mcp.HeaderSessionID, "session-42")
		if msg.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{}}`, msg.ID.String())
	}))
	defer srv.Close()

	transport := mcp.NewHTTPClientTransport(srv.URL+"/mcp", mcp.WithHTTPHeader("Authorization", "Bearer secret"))
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := transport.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	frame, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(frame) != `{"jsonrpc":"2.0","id":1,"result":{}}` {
		t.Errorf("frame = %s", frame)
	}
	if transport.SessionID() != "session-42" {
		t.Errorf("session id = %q", transport.SessionID())
	}

	if err := transport.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); err != nil {
		t.Fatalf("notification failed: %v", err)
	}
	if len(gotSession) != 2 || gotSession[0] != "" || gotSession[1] != "session-42" {
		t.Errorf("session headers seen by server = %q", gotSession)
	}
}

func TestHTTPClientTransportEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
		fmt.Fprint(w, "id: 1\nevent: notification\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{\"progressToken\":1,\"progress\":1}}\n\n")
		fmt.Fprint(w, "id: 2\nevent: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
	}))
	defer srv.Close()

	transport := mcp.NewHTTPClientTransport(srv.URL)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := transport.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var methods []string
	for range 2 {
		frame, err := transport.Receive(ctx)
		if err != nil {
			t.Fatalf("receive failed: %v", err)
		}
		msg, err := jsonrpc.Parse(frame)
		if err != nil {
			t.Fatalf("invalid frame %s: %v", frame, err)
		}
		methods = append(methods, msg.Kind().String()+":"+msg.Method)
	}
	if methods[0] != "notification:notifications/progress" || methods[1] != "response:" {
		t.Errorf("received %v", methods)
	}
}

func TestHTTPClientTransportErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	transport := mcp.NewHTTPClientTransport(srv.URL)
	defer transport.Close()

	err := transport.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	var tErr *mcp.TransportError
	if !errors.As(err, &tErr) || tErr.Kind != mcp.TransportErrorIO {
		t.Errorf("err = %v, want io error", err)
	}

	_ = transport.Close()
	if err := transport.Send(context.Background(), []byte(`{}`)); !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("err after close = %v", err)
	}
}
