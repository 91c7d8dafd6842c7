package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/airsstack/airsstack-sub002"
	"github.com/airsstack/airsstack-sub002/correlation"
)

type staticRoots struct{}

func (staticRoots) RootsList(context.Context) (mcp.RootList, error) {
	return mcp.RootList{Roots: []mcp.Root{
		{URI: "file:///workspace", Name: "workspace"},
		{URI: "file:///tmp", Name: "tmp"},
	}}, nil
}

type notifications struct {
	mu      sync.Mutex
	methods []string
	got     chan string
}

func (n *notifications) OnNotification(_ context.Context, method string, _ json.RawMessage) {
	n.mu.Lock()
	n.methods = append(n.methods, method)
	n.mu.Unlock()
	select {
	case n.got <- method:
	default:
	}
}

type pipeSuite struct {
	server *mcp.Server
	client *mcp.Client
	served chan error
}

// newPipeSuite connects a client and a server through two in-memory pipes framed by Stdio.
func newPipeSuite(t *testing.T, serverOpts []mcp.ServerOption, clientOpts ...mcp.ClientOption) *pipeSuite {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	s := &pipeSuite{
		server: mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, serverOpts...),
		served: make(chan error, 1),
	}
	serverTransport := mcp.NewStdio(serverReader, serverWriter)
	go func() {
		s.served <- s.server.Serve(ctx, mcp.NewTransportSession(serverTransport))
	}()

	opts := append([]mcp.ClientOption{mcp.WithClientPingInterval(0)}, clientOpts...)
	s.client = mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"},
		mcp.NewStdio(clientReader, clientWriter), opts...)

	t.Cleanup(func() {
		_ = s.client.Close()
		cancel()
		_ = serverWriter.Close()
		_ = clientWriter.Close()
		select {
		case <-s.served:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
		_ = s.server.Shutdown(context.Background())
	})

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer connectCancel()
	if err := s.client.Connect(connectCtx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return s
}

func TestClientServerRoundTrip(t *testing.T) {
	s := newPipeSuite(t, []mcp.ServerOption{
		mcp.WithToolProvider(mockToolProvider{}),
		mcp.WithInstructions("adds numbers"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if s.client.State() != mcp.StateOperating {
		t.Fatalf("client state = %s", s.client.State())
	}
	if got := s.client.ProtocolVersion(); got != mcp.ProtocolVersion20250618 {
		t.Errorf("protocol version = %q", got)
	}
	if got := s.client.ServerInfo().Name; got != "test-server" {
		t.Errorf("server name = %q", got)
	}
	if got := s.client.Instructions(); got != "adds numbers" {
		t.Errorf("instructions = %q", got)
	}

	if err := s.client.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	tools, err := s.client.ListTools(ctx, mcp.PaginatedParams{})
	if err != nil {
		t.Fatalf("list tools failed: %v", err)
	}
	if len(tools.Tools) != 2 || tools.Tools[0].Name != "add" {
		t.Errorf("tools = %+v", tools.Tools)
	}

	result, err := s.client.CallTool(ctx, "add", map[string]int{"a": 15, "b": 27})
	if err != nil {
		t.Fatalf("call tool failed: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Result: 15 + 27 = 42" {
		t.Errorf("content = %+v", result.Content)
	}
}

func TestClientRejectsUnadvertisedCapability(t *testing.T) {
	s := newPipeSuite(t, []mcp.ServerOption{mcp.WithToolProvider(mockToolProvider{})})

	_, err := s.client.ListPrompts(context.Background(), mcp.PaginatedParams{})
	if !errors.Is(err, mcp.ErrCapabilityNotSupported) {
		t.Errorf("err = %v, want ErrCapabilityNotSupported", err)
	}
}

func TestServerRequestsRootsFromClient(t *testing.T) {
	s := newPipeSuite(t,
		[]mcp.ServerOption{mcp.WithToolProvider(mockToolProvider{})},
		mcp.WithRootsListHandler(staticRoots{}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := s.client.CallTool(ctx, "roots", nil)
	if err != nil {
		t.Fatalf("call tool failed: %v", err)
	}
	if result.IsError || result.Content[0].Text != "2 roots" {
		t.Errorf("result = %+v", result)
	}
}

func TestProgressNotificationsReachClient(t *testing.T) {
	n := &notifications{got: make(chan string, 4)}
	s := newPipeSuite(t,
		[]mcp.ServerOption{mcp.WithToolProvider(mockToolProvider{})},
		mcp.WithNotificationHandler(n))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Without a progress token the tool cannot report and fails.
	if _, err := s.client.CallTool(ctx, "progress", nil); err == nil {
		t.Fatal("expected an error without a progress token")
	}

	var result mcp.CallToolResult
	raw := json.RawMessage(`{"name":"progress","_meta":{"progressToken":"p-1"}}`)
	if err := callRaw(ctx, s.client, raw, &result); err != nil {
		t.Fatalf("call tool failed: %v", err)
	}

	select {
	case method := <-n.got:
		if method != mcp.MethodNotificationsProgress {
			t.Errorf("method = %q", method)
		}
	case <-time.After(time.Second):
		t.Fatal("no progress notification")
	}
}

func TestCancelledCallReturnsContextError(t *testing.T) {
	s := newPipeSuite(t, []mcp.ServerOption{mcp.WithToolProvider(mockToolProvider{})})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.client.CallTool(ctx, "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// The server dropped the cancelled request and keeps serving.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), time.Second)
	defer pingCancel()
	if err := s.client.Ping(pingCtx); err != nil {
		t.Errorf("ping after cancellation failed: %v", err)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	s := newPipeSuite(t, []mcp.ServerOption{mcp.WithToolProvider(mockToolProvider{})})

	errs := make(chan error, 1)
	go func() {
		_, err := s.client.CallTool(context.Background(), "slow", nil)
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.client.Close(); err != nil {
		t.Logf("close: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, correlation.ErrShutdown) {
			t.Errorf("err = %v, want ErrShutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not released")
	}

	if _, err := s.client.ListTools(context.Background(), mcp.PaginatedParams{}); !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("err after close = %v, want ErrTransportClosed", err)
	}
}

// callRaw sends tools/call with hand-written params, bypassing CallTool's encoding.
func callRaw(ctx context.Context, c *mcp.Client, params json.RawMessage, result *mcp.CallToolResult) error {
	return c.Call(ctx, mcp.MethodToolsCall, params, result)
}
