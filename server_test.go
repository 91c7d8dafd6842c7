package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/airsstack/airsstack-sub002"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

type recorder struct {
	mu   sync.Mutex
	msgs []mcp.JSONRPCMessage
}

func (r *recorder) Send(_ context.Context, msg mcp.JSONRPCMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var methods []string
	for _, m := range r.msgs {
		methods = append(methods, m.Method)
	}
	return methods
}

func (r *recorder) waitFor(t *testing.T, n int) []mcp.JSONRPCMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.msgs) >= n {
			msgs := append([]mcp.JSONRPCMessage(nil), r.msgs...)
			r.mu.Unlock()
			return msgs
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %v", n, r.methods())
	return nil
}

type mockToolProvider struct{}

func (mockToolProvider) ListTools(context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{
		{Name: "add", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "slow", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, nil
}

func (mockToolProvider) CallTool(ctx context.Context, name string, arguments json.RawMessage) ([]mcp.Content, error) {
	switch name {
	case "add":
		var args struct {
			A int `json:"a"`
			B int `json:"b"`
		}
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, mcp.NewToolError("invalid arguments: %v", err)
		}
		return []mcp.Content{mcp.NewTextContent(fmt.Sprintf("Result: %d + %d = %d", args.A, args.B, args.A+args.B))}, nil
	case "slow":
		<-ctx.Done()
		return nil, ctx.Err()
	case "panic":
		panic("boom")
	case "fail":
		return nil, mcp.NewToolError("division by zero")
	case "missing":
		return nil, mcp.NewProviderError(mcp.ProviderErrorNotFound, "no such thing", errors.New("lookup failed"))
	case "roots":
		ss, ok := mcp.SessionFromContext(ctx)
		if !ok {
			return nil, errors.New("no session")
		}
		roots, err := ss.ListRoots(ctx)
		if err != nil {
			return nil, err
		}
		return []mcp.Content{mcp.NewTextContent(fmt.Sprintf("%d roots", len(roots.Roots)))}, nil
	case "progress":
		if err := mcp.ReportProgress(ctx, 1, 2, "halfway"); err != nil {
			return nil, err
		}
		return []mcp.Content{mcp.NewTextContent("done")}, nil
	}
	return nil, mcp.NewProviderError(mcp.ProviderErrorNotFound, "unknown tool "+name, nil)
}

type mockResourceProvider struct {
	updates chan string
}

func (m *mockResourceProvider) ListResources(context.Context) ([]mcp.Resource, error) {
	return []mcp.Resource{{URI: "file:///a", Name: "a"}}, nil
}

func (m *mockResourceProvider) ListResourceTemplates(context.Context) ([]mcp.ResourceTemplate, error) {
	return nil, nil
}

func (m *mockResourceProvider) ReadResource(_ context.Context, uri string) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{{URI: uri, MimeType: "text/plain", Text: "hello"}}, nil
}

func (m *mockResourceProvider) Subscribe(context.Context, string) error { return nil }

func (m *mockResourceProvider) Unsubscribe(context.Context, string) error { return nil }

func (m *mockResourceProvider) ResourceUpdates() iter.Seq[string] {
	return func(yield func(string) bool) {
		for uri := range m.updates {
			if !yield(uri) {
				return
			}
		}
	}
}

type mockLogHandler struct {
	logs chan mcp.LogParams
}

func (m *mockLogHandler) SetLogging(_ context.Context, cfg mcp.LoggingConfig) (bool, error) {
	return cfg.Level != mcp.LogLevelEmergency, nil
}

func (m *mockLogHandler) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for params := range m.logs {
			if !yield(params) {
				return
			}
		}
	}
}

func request(t *testing.T, id int64, method string, params any) mcp.JSONRPCMessage {
	t.Helper()
	msg, err := jsonrpc.NewRequest(jsonrpc.NumberID(id), method, params)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	return msg
}

func notification(t *testing.T, method string, params any) mcp.JSONRPCMessage {
	t.Helper()
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		t.Fatalf("failed to build notification: %v", err)
	}
	return msg
}

func initialize(t *testing.T, ss *mcp.ServerSession, caps mcp.ClientCapabilities) {
	t.Helper()
	resp := ss.HandleMessage(context.Background(), request(t, 0, mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion20250618,
		Capabilities:    caps,
		ClientInfo:      mcp.Info{Name: "test-client", Version: "1.0"},
	}))
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp)
	}
	if got := ss.HandleMessage(context.Background(), notification(t, mcp.MethodNotificationsInitialized, nil)); got != nil {
		t.Fatalf("initialized notification produced a response: %+v", got)
	}
	if ss.State() != mcp.StateOperating {
		t.Fatalf("state = %s, want operating", ss.State())
	}
}

func operatingSession(t *testing.T, opts ...mcp.ServerOption) (*mcp.Server, *mcp.ServerSession, *recorder) {
	t.Helper()
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, opts...)
	rec := &recorder{}
	ss := srv.NewSession("session-1", rec)
	initialize(t, ss, mcp.ClientCapabilities{})
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	return srv, ss, rec
}

func wantErrorCode(t *testing.T, resp *mcp.JSONRPCMessage, code int) *jsonrpc.Error {
	t.Helper()
	if resp == nil {
		t.Fatalf("expected error %d, got no response", code)
	}
	if resp.Error == nil {
		t.Fatalf("expected error %d, got result %s", code, resp.Result)
	}
	if resp.Error.Code != code {
		t.Fatalf("error code = %d (%s), want %d", resp.Error.Code, resp.Error.Message, code)
	}
	return resp.Error
}

func TestPingIsAnsweredInEveryState(t *testing.T) {
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"})
	ss := srv.NewSession("s", &recorder{})

	resp := ss.HandleMessage(context.Background(), request(t, 1, mcp.MethodPing, nil))
	if resp == nil || resp.Error != nil {
		t.Fatalf("ping failed: %+v", resp)
	}
	bs, err := jsonrpc.Marshal(*resp)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"jsonrpc":"2.0","id":1,"result":{}}`; string(bs) != want {
		t.Errorf("ping response = %s, want %s", bs, want)
	}
}

func TestRequestsBeforeInitializedAreRejected(t *testing.T) {
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, mcp.WithToolProvider(mockToolProvider{}))
	ss := srv.NewSession("s", &recorder{})
	ctx := context.Background()

	wantErrorCode(t, ss.HandleMessage(ctx, request(t, 1, mcp.MethodToolsList, nil)), jsonrpc.CodeNotInitialized)

	resp := ss.HandleMessage(ctx, request(t, 2, mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion20241105,
		ClientInfo:      mcp.Info{Name: "c", Version: "1"},
	}))
	if resp.Error != nil {
		t.Fatalf("initialize failed: %v", resp.Error)
	}
	if ss.State() != mcp.StateReady {
		t.Fatalf("state = %s, want ready", ss.State())
	}
	wantErrorCode(t, ss.HandleMessage(ctx, request(t, 3, mcp.MethodToolsList, nil)), jsonrpc.CodeNotInitialized)
}

func TestInitializeNegotiatesProtocolVersion(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{name: "supported version is echoed", requested: mcp.ProtocolVersion20250326, want: mcp.ProtocolVersion20250326},
		{name: "unknown version gets the default", requested: "1999-01-01", want: mcp.DefaultProtocolVersion},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"},
				mcp.WithToolProvider(mockToolProvider{}),
				mcp.WithInstructions("use the add tool"))
			ss := srv.NewSession("s", &recorder{})

			resp := ss.HandleMessage(context.Background(), request(t, 1, mcp.MethodInitialize, mcp.InitializeParams{
				ProtocolVersion: tc.requested,
				ClientInfo:      mcp.Info{Name: "c", Version: "1"},
			}))
			if resp.Error != nil {
				t.Fatalf("initialize failed: %v", resp.Error)
			}
			var result mcp.InitializeResult
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				t.Fatal(err)
			}
			if result.ProtocolVersion != tc.want {
				t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, tc.want)
			}
			if result.Capabilities.Tools == nil {
				t.Error("tools capability not advertised")
			}
			if result.Capabilities.Prompts != nil || result.Capabilities.Resources != nil || result.Capabilities.Logging != nil {
				t.Errorf("unexpected capabilities advertised: %+v", result.Capabilities)
			}
			if result.Instructions != "use the add tool" {
				t.Errorf("instructions = %q", result.Instructions)
			}
		})
	}
}

func TestInitializeTwiceIsRejected(t *testing.T) {
	_, ss, _ := operatingSession(t)
	resp := ss.HandleMessage(context.Background(), request(t, 9, mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion20250618,
	}))
	wantErrorCode(t, resp, jsonrpc.CodeInvalidRequest)
}

func TestInitializeWithoutVersionFailsSession(t *testing.T) {
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"})
	ss := srv.NewSession("s", &recorder{})

	resp := ss.HandleMessage(context.Background(), request(t, 1, mcp.MethodInitialize, map[string]any{}))
	wantErrorCode(t, resp, jsonrpc.CodeInvalidParams)
	if ss.State() != mcp.StateFailed {
		t.Errorf("state = %s, want failed", ss.State())
	}
}

func TestCallTool(t *testing.T) {
	_, ss, _ := operatingSession(t, mcp.WithToolProvider(mockToolProvider{}))

	resp := ss.HandleMessage(context.Background(), request(t, 1, mcp.MethodToolsCall, mcp.CallToolParams{
		Name:      "add",
		Arguments: json.RawMessage(`{"a":15,"b":27}`),
	}))
	if resp.Error != nil {
		t.Fatalf("tools/call failed: %v", resp.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatal("isError = true")
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Result: 15 + 27 = 42" {
		t.Errorf("content = %+v", result.Content)
	}
}

func TestToolFailureIsReportedInResult(t *testing.T) {
	_, ss, _ := operatingSession(t, mcp.WithToolProvider(mockToolProvider{}))

	resp := ss.HandleMessage(context.Background(), request(t, 1, mcp.MethodToolsCall, mcp.CallToolParams{Name: "fail"}))
	if resp.Error != nil {
		t.Fatalf("tools/call failed: %v", resp.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.IsError || result.Content[0].Text != "division by zero" {
		t.Errorf("result = %+v, want isError with message", result)
	}
}

func TestProviderErrorMapsToServerError(t *testing.T) {
	_, ss, _ := operatingSession(t, mcp.WithToolProvider(mockToolProvider{}))

	resp := ss.HandleMessage(context.Background(), request(t, 1, mcp.MethodToolsCall, mcp.CallToolParams{Name: "missing"}))
	rpcErr := wantErrorCode(t, resp, jsonrpc.CodeServerError)
	if rpcErr.Message != "no such thing" {
		t.Errorf("message = %q", rpcErr.Message)
	}
	data, _ := json.Marshal(rpcErr.Data)
	if string(data) != `{"kind":"not_found"}` {
		t.Errorf("data = %s", data)
	}
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	_, ss, _ := operatingSession(t, mcp.WithToolProvider(mockToolProvider{}))

	resp := ss.HandleMessage(context.Background(), request(t, 1, mcp.MethodToolsCall, mcp.CallToolParams{Name: "panic"}))
	rpcErr := wantErrorCode(t, resp, jsonrpc.CodeInternalError)
	if rpcErr.Data != nil {
		t.Errorf("panic payload leaked: %v", rpcErr.Data)
	}
	if ss.State() != mcp.StateOperating {
		t.Errorf("state = %s, want operating", ss.State())
	}
}

func TestRequestTimeoutKeepsSessionOpen(t *testing.T) {
	_, ss, _ := operatingSession(t,
		mcp.WithToolProvider(mockToolProvider{}),
		mcp.WithRequestTimeout(50*time.Millisecond))

	resp := ss.HandleMessage(context.Background(), request(t, 1, mcp.MethodToolsCall, mcp.CallToolParams{Name: "slow"}))
	wantErrorCode(t, resp, jsonrpc.CodeServerError)
	if got := ss.TimedOutRequests(); got != 1 {
		t.Errorf("timed out requests = %d, want 1", got)
	}
	if ss.State() != mcp.StateOperating {
		t.Errorf("state = %s, want operating", ss.State())
	}
}

func TestCancelledRequestGetsNoResponse(t *testing.T) {
	_, ss, _ := operatingSession(t, mcp.WithToolProvider(mockToolProvider{}))

	done := make(chan *mcp.JSONRPCMessage, 1)
	go func() {
		done <- ss.HandleMessage(context.Background(), request(t, 7, mcp.MethodToolsCall, mcp.CallToolParams{Name: "slow"}))
	}()

	// The request registers itself before the provider runs; retry until the cancellation lands.
	cancel := notification(t, mcp.MethodNotificationsCancelled, mcp.CancelledParams{
		RequestID: jsonrpc.NumberID(7),
		Reason:    "user aborted",
	})
	for {
		ss.HandleMessage(context.Background(), cancel)
		select {
		case resp := <-done:
			if resp != nil {
				t.Fatalf("cancelled request was answered: %+v", resp)
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUnadvertisedMethodsAreNotFound(t *testing.T) {
	_, ss, _ := operatingSession(t, mcp.WithToolProvider(mockToolProvider{}))
	ctx := context.Background()

	wantErrorCode(t, ss.HandleMessage(ctx, request(t, 1, mcp.MethodPromptsList, nil)), jsonrpc.CodeMethodNotFound)
	wantErrorCode(t, ss.HandleMessage(ctx, request(t, 2, mcp.MethodResourcesRead, mcp.ReadResourceParams{URI: "file:///a"})), jsonrpc.CodeMethodNotFound)
	wantErrorCode(t, ss.HandleMessage(ctx, request(t, 3, "tools/unknown", nil)), jsonrpc.CodeMethodNotFound)
}

func TestMalformedParams(t *testing.T) {
	_, ss, _ := operatingSession(t, mcp.WithToolProvider(mockToolProvider{}))
	ctx := context.Background()

	msg := request(t, 1, mcp.MethodToolsCall, nil)
	msg.Params = json.RawMessage(`{"name":5}`)
	rpcErr := wantErrorCode(t, ss.HandleMessage(ctx, msg), jsonrpc.CodeInvalidParams)
	data, _ := json.Marshal(rpcErr.Data)
	if string(data) != `{"detail":"name: expected string"}` {
		t.Errorf("data = %s", data)
	}

	wantErrorCode(t, ss.HandleMessage(ctx, request(t, 2, mcp.MethodToolsCall, map[string]any{})), jsonrpc.CodeInvalidParams)
}

func TestResourceUpdatesReachSubscribersOnly(t *testing.T) {
	provider := &mockResourceProvider{updates: make(chan string)}
	_, ss, rec := operatingSession(t, mcp.WithResourceProvider(provider))
	ctx := context.Background()

	resp := ss.HandleMessage(ctx, request(t, 1, mcp.MethodResourcesSubscribe, mcp.SubscribeResourceParams{URI: "file:///a"}))
	if resp.Error != nil {
		t.Fatalf("subscribe failed: %v", resp.Error)
	}

	provider.updates <- "file:///b"
	provider.updates <- "file:///a"
	close(provider.updates)

	msgs := rec.waitFor(t, 1)
	if msgs[0].Method != mcp.MethodNotificationsResourcesUpdated {
		t.Fatalf("method = %q", msgs[0].Method)
	}
	var params mcp.ResourceUpdatedParams
	if err := json.Unmarshal(msgs[0].Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.URI != "file:///a" {
		t.Errorf("uri = %q, want file:///a", params.URI)
	}
}

func TestLogLevelFiltersNotifications(t *testing.T) {
	handler := &mockLogHandler{logs: make(chan mcp.LogParams)}
	_, ss, rec := operatingSession(t, mcp.WithLoggingHandler(handler))
	ctx := context.Background()

	resp := ss.HandleMessage(ctx, request(t, 1, mcp.MethodLoggingSetLevel, mcp.LoggingConfig{Level: mcp.LogLevelWarning}))
	if resp.Error != nil {
		t.Fatalf("setLevel failed: %v", resp.Error)
	}
	wantErrorCode(t, ss.HandleMessage(ctx, request(t, 2, mcp.MethodLoggingSetLevel, mcp.LoggingConfig{Level: "loud"})), jsonrpc.CodeInvalidParams)
	wantErrorCode(t, ss.HandleMessage(ctx, request(t, 3, mcp.MethodLoggingSetLevel, mcp.LoggingConfig{Level: mcp.LogLevelEmergency})), jsonrpc.CodeServerError)

	handler.logs <- mcp.LogParams{Level: mcp.LogLevelInfo, Data: json.RawMessage(`"quiet"`)}
	handler.logs <- mcp.LogParams{Level: mcp.LogLevelError, Data: json.RawMessage(`"loud"`)}
	close(handler.logs)

	msgs := rec.waitFor(t, 1)
	var params mcp.LogParams
	if err := json.Unmarshal(msgs[0].Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.Level != mcp.LogLevelError {
		t.Errorf("level = %q, want error", params.Level)
	}
}

func TestAuthorizerDeniesMethod(t *testing.T) {
	authz := mcp.AuthorizerFunc(func(_ context.Context, method string) error {
		if method == mcp.MethodToolsCall {
			return errors.New("insufficient scope")
		}
		return nil
	})
	_, ss, _ := operatingSession(t, mcp.WithToolProvider(mockToolProvider{}), mcp.WithAuthorizer(authz))
	ctx := context.Background()

	wantErrorCode(t, ss.HandleMessage(ctx, request(t, 1, mcp.MethodToolsCall, mcp.CallToolParams{Name: "add"})), jsonrpc.CodeAuthorizationDenied)
	if resp := ss.HandleMessage(ctx, request(t, 2, mcp.MethodToolsList, nil)); resp.Error != nil {
		t.Errorf("tools/list denied: %v", resp.Error)
	}
}

func TestSessionLifecycleCallbacks(t *testing.T) {
	var (
		mu           sync.Mutex
		connected    []string
		disconnected []string
	)
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"},
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			mu.Lock()
			defer mu.Unlock()
			connected = append(connected, id+":"+info.Name)
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			mu.Lock()
			defer mu.Unlock()
			disconnected = append(disconnected, id)
		}))

	ss := srv.NewSession("s1", &recorder{})
	initialize(t, ss, mcp.ClientCapabilities{})
	if srv.SessionCount() != 1 {
		t.Fatalf("session count = %d", srv.SessionCount())
	}
	ss.Close()
	ss.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(connected) != 1 || connected[0] != "s1:test-client" {
		t.Errorf("connected = %v", connected)
	}
	if len(disconnected) != 1 || disconnected[0] != "s1" {
		t.Errorf("disconnected = %v", disconnected)
	}
	if srv.SessionCount() != 0 {
		t.Errorf("session count after close = %d", srv.SessionCount())
	}
}
