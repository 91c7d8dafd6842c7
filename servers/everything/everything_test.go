package everything_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/psanford/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airsstack/airsstack-sub002"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
	"github.com/airsstack/airsstack-sub002/servers/everything"
)

func newServer(t *testing.T, opts ...everything.Option) *everything.Server {
	t.Helper()
	s := everything.NewServer(opts...)
	t.Cleanup(s.Close)
	return s
}

func newResources(t *testing.T, opts ...everything.StaticOption) *everything.StaticResources {
	t.Helper()
	fsys := memfs.New()
	require.NoError(t, fsys.MkdirAll("docs/guides", 0o755))
	require.NoError(t, fsys.WriteFile("readme.txt", []byte("hello"), 0o644))
	require.NoError(t, fsys.WriteFile("docs/config.json", []byte(`{"debug":true}`), 0o644))
	require.NoError(t, fsys.WriteFile("docs/guides/intro.md", []byte("# Intro"), 0o644))
	require.NoError(t, fsys.WriteFile("logo.bin", []byte{0x00, 0xff, 0xfe, 0x01}, 0o644))

	r := everything.NewStaticResources(fsys, opts...)
	t.Cleanup(r.Close)
	return r
}

func requireProviderError(t *testing.T, err error, kind mcp.ProviderErrorKind) {
	t.Helper()
	var pErr *mcp.ProviderError
	require.True(t, errors.As(err, &pErr), "expected a provider error, got %v", err)
	assert.Equal(t, kind, pErr.Kind)
}

func TestMathTools(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	tests := []struct {
		tool string
		args string
		want string
	}{
		{tool: "add", args: `{"a": 15, "b": 27}`, want: "Result: 15 + 27 = 42"},
		{tool: "subtract", args: `{"a": 10, "b": 4.5}`, want: "Result: 10 - 4.5 = 5.5"},
		{tool: "multiply", args: `{"a": -3, "b": 7}`, want: "Result: -3 * 7 = -21"},
		{tool: "divide", args: `{"a": 1, "b": 4}`, want: "Result: 1 / 4 = 0.25"},
		{tool: "power", args: `{"base": 2, "exponent": 10}`, want: "Result: 2 ^ 10 = 1024"},
		{tool: "sqrt", args: `{"value": 16}`, want: "Result: sqrt(16) = 4"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			content, err := s.CallTool(ctx, tt.tool, json.RawMessage(tt.args))
			require.NoError(t, err)
			require.Len(t, content, 1)
			assert.Equal(t, mcp.ContentTypeText, content[0].Type)
			assert.Equal(t, tt.want, content[0].Text)
		})
	}
}

func TestMathToolErrors(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	_, err := s.CallTool(ctx, "divide", json.RawMessage(`{"a": 1, "b": 0}`))
	var toolErr *mcp.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "Division by zero", toolErr.Message)

	_, err = s.CallTool(ctx, "sqrt", json.RawMessage(`{"value": -1}`))
	require.True(t, errors.As(err, &toolErr))

	_, err = s.CallTool(ctx, "power", json.RawMessage(`{"base": 10, "exponent": 400}`))
	require.True(t, errors.As(err, &toolErr), "overflow is reported by the tool")

	_, err = s.CallTool(ctx, "add", json.RawMessage(`{"a": "15", "b": 27}`))
	requireProviderError(t, err, mcp.ProviderErrorInvalidInput)

	_, err = s.CallTool(ctx, "add", nil)
	requireProviderError(t, err, mcp.ProviderErrorInvalidInput)

	_, err = s.CallTool(ctx, "modulo", json.RawMessage(`{"a": 1, "b": 2}`))
	requireProviderError(t, err, mcp.ProviderErrorNotFound)
}

func TestUtilityTools(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	tools, err := s.ListTools(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
		assert.True(t, json.Valid(tool.InputSchema), tool.Name)
	}
	assert.Subset(t, names, []string{"add", "subtract", "multiply", "divide", "echo", "getTinyImage"})

	content, err := s.CallTool(ctx, "echo", json.RawMessage(`{"message": "hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "Echo: hi", content[0].Text)

	content, err = s.CallTool(ctx, "getTinyImage", nil)
	require.NoError(t, err)
	require.Len(t, content, 3)
	assert.Equal(t, mcp.ContentTypeImage, content[1].Type)
	assert.Equal(t, "image/png", content[1].MimeType)
	png, err := base64.StdEncoding.DecodeString(content[1].Data)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(png[:4]))

	content, err = s.CallTool(ctx, "longRunningOperation", json.RawMessage(`{"duration": 0, "steps": 3}`))
	require.NoError(t, err)
	assert.Equal(t, "Long running operation completed. Duration: 0 seconds, Steps: 3", content[0].Text)

	_, err = s.CallTool(ctx, "longRunningOperation", json.RawMessage(`{"steps": 0}`))
	var toolErr *mcp.ToolError
	require.True(t, errors.As(err, &toolErr))

	_, err = s.CallTool(ctx, "sampleLLM", json.RawMessage(`{"prompt": "hello"}`))
	require.True(t, errors.As(err, &toolErr), "sampling outside a session is a tool error")
}

func TestLongRunningOperationHonorsCancellation(t *testing.T) {
	s := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.CallTool(ctx, "longRunningOperation", json.RawMessage(`{"duration": 30, "steps": 2}`))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPrompts(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	prompts, err := s.ListPrompts(ctx)
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Equal(t, "code_review", prompts[0].Name)
	assert.Equal(t, "explain_code", prompts[1].Name)

	description, messages, err := s.GetPrompt(ctx, "code_review", map[string]string{
		"language":    "go",
		"code":        "func main() {}",
		"review_type": "security",
		"context":     "entry point",
	})
	require.NoError(t, err)
	assert.Equal(t, "Security code review of go code", description)
	require.Len(t, messages, 1)
	assert.Equal(t, mcp.RoleUser, messages[0].Role)
	text := messages[0].Content.Text
	assert.Contains(t, text, "```go\nfunc main() {}\n```")
	assert.Contains(t, text, "security issues")
	assert.Contains(t, text, "Additional context: entry point")

	description, _, err = s.GetPrompt(ctx, "code_review", map[string]string{"language": "go", "code": "x"})
	require.NoError(t, err)
	assert.Equal(t, "General code review of go code", description)

	_, messages, err = s.GetPrompt(ctx, "explain_code", map[string]string{
		"language": "python",
		"code":     "print('```')",
		"audience": "beginner",
	})
	require.NoError(t, err)
	assert.Contains(t, messages[0].Content.Text, "````python\n")
	assert.Contains(t, messages[0].Content.Text, "beginner level")
}

func TestPromptErrors(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	_, _, err := s.GetPrompt(ctx, "code_review", map[string]string{"language": "go"})
	requireProviderError(t, err, mcp.ProviderErrorInvalidInput)
	assert.Contains(t, err.Error(), "code")

	_, _, err = s.GetPrompt(ctx, "code_review", map[string]string{"language": "go", "code": "x", "review_type": "vibes"})
	requireProviderError(t, err, mcp.ProviderErrorInvalidInput)

	_, _, err = s.GetPrompt(ctx, "explain_code", map[string]string{"language": "go", "code": "x", "audience": "cats"})
	requireProviderError(t, err, mcp.ProviderErrorInvalidInput)

	_, _, err = s.GetPrompt(ctx, "write_poem", nil)
	requireProviderError(t, err, mcp.ProviderErrorNotFound)
}

func TestComplete(t *testing.T) {
	resources := newResources(t)
	s := newServer(t, everything.WithResources(resources))
	ctx := context.Background()

	c, err := s.Complete(ctx,
		mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: "code_review"},
		mcp.CompletionArgument{Name: "review_type", Value: "s"})
	require.NoError(t, err)
	assert.Equal(t, []string{"security", "style"}, c.Values)
	assert.Equal(t, 2, c.Total)
	assert.False(t, c.HasMore)

	c, err = s.Complete(ctx,
		mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: "explain_code"},
		mcp.CompletionArgument{Name: "language", Value: "ja"})
	require.NoError(t, err)
	assert.Equal(t, []string{"java", "javascript"}, c.Values)

	c, err = s.Complete(ctx,
		mcp.CompletionRef{Type: mcp.CompletionRefResource, URI: everything.StaticURIPrefix + "{path}"},
		mcp.CompletionArgument{Name: "path", Value: "docs/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/config.json", "docs/guides/intro.md"}, c.Values)

	c, err = s.Complete(ctx,
		mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: "code_review"},
		mcp.CompletionArgument{Name: "code", Value: ""})
	require.NoError(t, err)
	assert.Empty(t, c.Values)

	_, err = s.Complete(ctx, mcp.CompletionRef{Type: "ref/unknown"}, mcp.CompletionArgument{})
	requireProviderError(t, err, mcp.ProviderErrorInvalidInput)
}

func TestLogging(t *testing.T) {
	s := newServer(t, everything.WithLogBuffer(3))
	ctx := context.Background()
	assert.Equal(t, mcp.LogLevelInfo, s.Level())

	require.NoError(t, s.Log(mcp.LogLevelDebug, "test", "dropped"))
	assert.Empty(t, s.RecentLogs(), "records below the level are dropped")

	applied, err := s.SetLogging(ctx, mcp.LoggingConfig{Level: mcp.LogLevelWarning})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, mcp.LogLevelWarning, s.Level())

	_, err = s.SetLogging(ctx, mcp.LoggingConfig{Level: "verbose"})
	requireProviderError(t, err, mcp.ProviderErrorInvalidInput)
	assert.Equal(t, mcp.LogLevelWarning, s.Level())

	for _, msg := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.Log(mcp.LogLevelError, "test", msg))
	}
	require.NoError(t, s.Log(mcp.LogLevelInfo, "test", "filtered"))
	require.Error(t, s.Log("loud", "test", "x"))

	recent := s.RecentLogs()
	require.Len(t, recent, 3)
	var data []string
	for _, r := range recent {
		var msg string
		require.NoError(t, json.Unmarshal(r.Data, &msg))
		data = append(data, msg)
	}
	assert.Equal(t, []string{"two", "three", "four"}, data, "the buffer keeps the newest records in order")
}

func TestLogStreams(t *testing.T) {
	s := everything.NewServer()

	streamed := make(chan mcp.LogParams, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for params := range s.LogStreams() {
			if params.Logger == "app" {
				streamed <- params
			}
		}
	}()

	require.NoError(t, s.Log(mcp.LogLevelError, "app", map[string]string{"message": "boom"}))
	select {
	case params := <-streamed:
		assert.Equal(t, mcp.LogLevelError, params.Level)
		assert.JSONEq(t, `{"message":"boom"}`, string(params.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("log record was not streamed")
	}

	s.Close()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("log stream did not end on Close")
	}
}

func TestStaticResources(t *testing.T) {
	r := newResources(t)
	ctx := context.Background()

	resources, err := r.ListResources(ctx)
	require.NoError(t, err)
	uris := make([]string, 0, len(resources))
	for _, res := range resources {
		uris = append(uris, res.URI)
	}
	assert.Equal(t, []string{
		"everything://static/docs/config.json",
		"everything://static/docs/guides/intro.md",
		"everything://static/logo.bin",
		"everything://static/readme.txt",
	}, uris)
	assert.Equal(t, "application/json", resources[0].MimeType)
	assert.EqualValues(t, len(`{"debug":true}`), resources[0].Size)

	templates, err := r.ListResourceTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "everything://static/{path}", templates[0].URITemplate)

	contents, err := r.ReadResource(ctx, "everything://static/readme.txt")
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "hello", contents[0].Text)
	assert.Equal(t, "text/plain", contents[0].MimeType)

	contents, err = r.ReadResource(ctx, "everything://static/docs/config.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"debug":true}`, contents[0].Text)

	contents, err = r.ReadResource(ctx, "everything://static/logo.bin")
	require.NoError(t, err)
	assert.Empty(t, contents[0].Text)
	blob, err := base64.StdEncoding.DecodeString(contents[0].Blob)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0xfe, 0x01}, blob)

	_, err = r.ReadResource(ctx, "everything://static/missing.txt")
	requireProviderError(t, err, mcp.ProviderErrorNotFound)

	_, err = r.ReadResource(ctx, "everything://static/../secret")
	requireProviderError(t, err, mcp.ProviderErrorInvalidInput)

	_, err = r.ReadResource(ctx, "file:///etc/passwd")
	requireProviderError(t, err, mcp.ProviderErrorInvalidInput)
}

func TestStaticResourceSubscriptions(t *testing.T) {
	r := newResources(t)
	ctx := context.Background()

	err := r.Subscribe(ctx, "everything://static/missing.txt")
	requireProviderError(t, err, mcp.ProviderErrorNotFound)

	assert.False(t, r.Touch("readme.txt"), "no update without a subscriber")
	require.NoError(t, r.Subscribe(ctx, "everything://static/readme.txt"))
	assert.True(t, r.Touch("readme.txt"))

	next, stop := iterPull(r)
	defer stop()
	uri, ok := next()
	require.True(t, ok)
	assert.Equal(t, "everything://static/readme.txt", uri)

	require.NoError(t, r.Unsubscribe(ctx, "everything://static/readme.txt"))
	assert.False(t, r.Touch("readme.txt"))
}

func TestStaticResourcesSimulateUpdates(t *testing.T) {
	r := newResources(t, everything.WithUpdateInterval(10*time.Millisecond))
	require.NoError(t, r.Subscribe(context.Background(), "everything://static/docs/config.json"))

	got := make(chan string, 1)
	go func() {
		for uri := range r.ResourceUpdates() {
			got <- uri
			return
		}
	}()
	select {
	case uri := <-got:
		assert.Equal(t, "everything://static/docs/config.json", uri)
	case <-time.After(2 * time.Second):
		t.Fatal("no simulated update")
	}
}

// iterPull reads updates one at a time with a timeout.
func iterPull(r *everything.StaticResources) (func() (string, bool), func()) {
	ch := make(chan string)
	done := make(chan struct{})
	go func() {
		for uri := range r.ResourceUpdates() {
			select {
			case ch <- uri:
			case <-done:
				return
			}
		}
	}()
	next := func() (string, bool) {
		select {
		case uri := <-ch:
			return uri, true
		case <-time.After(2 * time.Second):
			return "", false
		}
	}
	return next, func() { close(done) }
}

type sampler struct{}

func (sampler) CreateSampleMessage(_ context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	return mcp.SamplingResult{
		Role:    mcp.RoleAssistant,
		Content: mcp.NewTextContent("echo of " + params.Messages[0].Content.Text),
		Model:   "test-model",
	}, nil
}

type notificationRecorder chan mcp.JSONRPCMessage

func (n notificationRecorder) OnNotification(_ context.Context, method string, params json.RawMessage) {
	select {
	case n <- mcp.JSONRPCMessage{Method: method, Params: params}:
	default:
	}
}

// connect serves s over in-memory pipes and returns a connected client.
func connect(t *testing.T, s *everything.Server, clientOpts ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	server := mcp.NewServer(mcp.Info{Name: "everything", Version: "1.0"},
		mcp.WithToolProvider(s),
		mcp.WithPromptProvider(s),
		mcp.WithLoggingHandler(s),
		mcp.WithCompletionProvider(s),
	)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx, mcp.NewTransportSession(mcp.NewStdio(serverReader, serverWriter)))
	}()

	opts := append([]mcp.ClientOption{mcp.WithClientPingInterval(0)}, clientOpts...)
	client := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"},
		mcp.NewStdio(clientReader, clientWriter), opts...)

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		_ = serverWriter.Close()
		_ = clientWriter.Close()
		<-served
		s.Close()
		_ = server.Shutdown(context.Background())
	})

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer connectCancel()
	require.NoError(t, client.Connect(connectCtx))
	return client
}

func TestServedOverSession(t *testing.T) {
	notes := make(notificationRecorder, 64)
	s := newServer(t)
	client := connect(t, s, mcp.WithSamplingHandler(sampler{}), mcp.WithNotificationHandler(notes))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caps := client.ServerCapabilities()
	assert.NotNil(t, caps.Tools)
	assert.NotNil(t, caps.Prompts)
	assert.NotNil(t, caps.Logging)
	assert.NotNil(t, caps.Completions)

	result, err := client.CallTool(ctx, "add", map[string]int{"a": 15, "b": 27})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "Result: 15 + 27 = 42", result.Content[0].Text)

	result, err = client.CallTool(ctx, "divide", map[string]int{"a": 1, "b": 0})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "Division by zero", result.Content[0].Text)

	result, err = client.CallTool(ctx, "sampleLLM", map[string]any{"prompt": "hi"})
	require.NoError(t, err)
	require.False(t, result.IsError, "%+v", result.Content)
	assert.Equal(t, "LLM sampling result: echo of Resource sampleLLM context: hi", result.Content[0].Text)

	var progressed mcp.CallToolResult
	err = client.Call(ctx, mcp.MethodToolsCall, mcp.CallToolParams{
		Name:      "longRunningOperation",
		Arguments: json.RawMessage(`{"duration": 0.02, "steps": 2}`),
		Meta:      &mcp.ParamsMeta{ProgressToken: jsonrpc.StringID("op-1")},
	}, &progressed)
	require.NoError(t, err)
	assert.False(t, progressed.IsError)

	var progress []mcp.ProgressParams
	for len(progress) < 2 {
		select {
		case n := <-notes:
			if n.Method != mcp.MethodNotificationsProgress {
				continue
			}
			var p mcp.ProgressParams
			require.NoError(t, json.Unmarshal(n.Params, &p))
			progress = append(progress, p)
		case <-ctx.Done():
			t.Fatal("missing progress notifications")
		}
	}
	assert.Equal(t, "op-1", progress[0].ProgressToken.String())
	assert.Equal(t, []float64{1, 2}, []float64{progress[0].Progress, progress[1].Progress})

	require.NoError(t, client.SetLogLevel(ctx, mcp.LogLevelDebug))
	assert.Equal(t, mcp.LogLevelDebug, s.Level())
	_, err = client.CallTool(ctx, "echo", map[string]string{"message": "logged"})
	require.NoError(t, err)
	for {
		select {
		case n := <-notes:
			if n.Method != mcp.MethodNotificationsMessage {
				continue
			}
			var p mcp.LogParams
			require.NoError(t, json.Unmarshal(n.Params, &p))
			if p.Logger == "tools" {
				assert.Equal(t, mcp.LogLevelDebug, p.Level)
				return
			}
		case <-ctx.Done():
			t.Fatal("missing log notification")
		}
	}
}
