package everything

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/airsstack/airsstack-sub002"
)

const (
	defaultOperationDuration = 10
	defaultOperationSteps    = 5
	maxOperationDuration     = 300
	maxOperationSteps        = 100
	defaultSampleMaxTokens   = 100
)

var pure = &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true}

var toolList = []mcp.Tool{
	{Name: "add", Title: "Add", Description: "Add two numbers", InputSchema: binarySchema, Annotations: pure},
	{Name: "subtract", Title: "Subtract", Description: "Subtract b from a", InputSchema: binarySchema, Annotations: pure},
	{Name: "multiply", Title: "Multiply", Description: "Multiply two numbers", InputSchema: binarySchema, Annotations: pure},
	{Name: "divide", Title: "Divide", Description: "Divide a by b", InputSchema: binarySchema, Annotations: pure},
	{Name: "power", Title: "Power", Description: "Raise base to exponent", InputSchema: powerSchema, Annotations: pure},
	{Name: "sqrt", Title: "Square root", Description: "Square root of a non-negative number", InputSchema: unarySchema, Annotations: pure},
	{Name: "echo", Description: "Echo back the input", InputSchema: echoSchema, Annotations: pure},
	{
		Name:        "longRunningOperation",
		Description: "Sleep through a number of steps, reporting progress after each one",
		InputSchema: longRunningOperationSchema,
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	},
	{
		Name:        "sampleLLM",
		Description: "Ask the client's LLM to answer a prompt through sampling",
		InputSchema: sampleLLMSchema,
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, OpenWorldHint: true},
	},
	{Name: "getTinyImage", Description: "Return a small PNG image", InputSchema: emptySchema, Annotations: pure},
}

// ListTools implements mcp.ToolProvider.
func (s *Server) ListTools(context.Context) ([]mcp.Tool, error) {
	return toolList, nil
}

// CallTool implements mcp.ToolProvider.
func (s *Server) CallTool(ctx context.Context, name string, arguments json.RawMessage) ([]mcp.Content, error) {
	s.log(mcp.LogLevelDebug, "tools", map[string]any{"message": "call tool", "tool": name})

	switch name {
	case "add":
		return binary(arguments, "+", func(a, b float64) (float64, error) { return a + b, nil })
	case "subtract":
		return binary(arguments, "-", func(a, b float64) (float64, error) { return a - b, nil })
	case "multiply":
		return binary(arguments, "*", func(a, b float64) (float64, error) { return a * b, nil })
	case "divide":
		return binary(arguments, "/", func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, mcp.NewToolError("Division by zero")
			}
			return a / b, nil
		})
	case "power":
		return s.power(arguments)
	case "sqrt":
		return s.sqrt(arguments)
	case "echo":
		return call(ctx, arguments, s.echo)
	case "longRunningOperation":
		return call(ctx, arguments, s.longRunningOperation)
	case "sampleLLM":
		return call(ctx, arguments, s.sampleLLM)
	case "getTinyImage":
		return s.tinyImage()
	default:
		return nil, notFound("tool", name)
	}
}

// numbers reads the named numeric arguments.
func numbers(arguments json.RawMessage, names ...string) ([]float64, error) {
	if !gjson.ValidBytes(arguments) {
		return nil, mcp.NewProviderError(mcp.ProviderErrorInvalidInput, "invalid tool arguments", nil)
	}
	values := make([]float64, 0, len(names))
	for _, name := range names {
		r := gjson.GetBytes(arguments, name)
		if r.Type != gjson.Number {
			return nil, mcp.NewProviderError(mcp.ProviderErrorInvalidInput,
				fmt.Sprintf("argument %s must be a number", name), nil)
		}
		values = append(values, r.Float())
	}
	return values, nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func result(expr string, v float64) ([]mcp.Content, error) {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, mcp.NewToolError("%s is not a finite number", expr)
	}
	return []mcp.Content{mcp.NewTextContent(fmt.Sprintf("Result: %s = %s", expr, formatNumber(v)))}, nil
}

func binary(arguments json.RawMessage, op string, fn func(a, b float64) (float64, error)) ([]mcp.Content, error) {
	v, err := numbers(arguments, "a", "b")
	if err != nil {
		return nil, err
	}
	r, err := fn(v[0], v[1])
	if err != nil {
		return nil, err
	}
	return result(fmt.Sprintf("%s %s %s", formatNumber(v[0]), op, formatNumber(v[1])), r)
}

func (s *Server) power(arguments json.RawMessage) ([]mcp.Content, error) {
	v, err := numbers(arguments, "base", "exponent")
	if err != nil {
		return nil, err
	}
	return result(fmt.Sprintf("%s ^ %s", formatNumber(v[0]), formatNumber(v[1])), math.Pow(v[0], v[1]))
}

func (s *Server) sqrt(arguments json.RawMessage) ([]mcp.Content, error) {
	v, err := numbers(arguments, "value")
	if err != nil {
		return nil, err
	}
	if v[0] < 0 {
		return nil, mcp.NewToolError("Cannot take square root of negative number")
	}
	return result(fmt.Sprintf("sqrt(%s)", formatNumber(v[0])), math.Sqrt(v[0]))
}

func (s *Server) echo(_ context.Context, args EchoArgs) ([]mcp.Content, error) {
	return []mcp.Content{mcp.NewTextContent("Echo: " + args.Message)}, nil
}

func (s *Server) longRunningOperation(ctx context.Context, args LongRunningOperationArgs) ([]mcp.Content, error) {
	duration := float64(defaultOperationDuration)
	if args.Duration != nil {
		duration = *args.Duration
	}
	steps := defaultOperationSteps
	if args.Steps != nil {
		steps = *args.Steps
	}
	if duration < 0 || duration > maxOperationDuration {
		return nil, mcp.NewToolError("duration must be between 0 and %d seconds", maxOperationDuration)
	}
	if steps < 1 || steps > maxOperationSteps {
		return nil, mcp.NewToolError("steps must be between 1 and %d", maxOperationSteps)
	}

	step := time.Duration(duration / float64(steps) * float64(time.Second))
	timer := time.NewTimer(step)
	defer timer.Stop()

	for i := range steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, errors.New("server closed")
		case <-timer.C:
		}
		timer.Reset(step)

		err := mcp.ReportProgress(ctx, float64(i+1), float64(steps), fmt.Sprintf("step %d of %d", i+1, steps))
		if err != nil && !errors.Is(err, mcp.ErrNoProgressToken) {
			s.logger.Warn("failed to report progress", slog.String("err", err.Error()))
		}
	}

	return []mcp.Content{mcp.NewTextContent(fmt.Sprintf(
		"Long running operation completed. Duration: %s seconds, Steps: %d", formatNumber(duration), steps))}, nil
}

func (s *Server) sampleLLM(ctx context.Context, args SampleLLMArgs) ([]mcp.Content, error) {
	if args.Prompt == "" {
		return nil, mcp.NewToolError("prompt must not be empty")
	}
	ss, ok := mcp.SessionFromContext(ctx)
	if !ok {
		return nil, mcp.NewToolError("sampling needs a client session")
	}
	maxTokens := args.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultSampleMaxTokens
	}

	res, err := ss.CreateMessage(ctx, mcp.SamplingParams{
		Messages: []mcp.SamplingMessage{
			{Role: mcp.RoleUser, Content: mcp.NewTextContent("Resource sampleLLM context: " + args.Prompt)},
		},
		ModelPreferences: mcp.SamplingModelPreferences{
			CostPriority:         0.3,
			SpeedPriority:        0.3,
			IntelligencePriority: 0.4,
		},
		SystemPrompt: "You are a helpful assistant.",
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return nil, mcp.NewToolError("sampling failed: %v", err)
	}
	return []mcp.Content{mcp.NewTextContent("LLM sampling result: " + res.Content.Text)}, nil
}

func (s *Server) tinyImage() ([]mcp.Content, error) {
	img, err := mcp.NewImageContent(tinyImage, "image/png")
	if err != nil {
		return nil, fmt.Errorf("failed to build image content: %w", err)
	}
	return []mcp.Content{
		mcp.NewTextContent("This is a tiny image:"),
		img,
		mcp.NewTextContent("The image above is a 4x4 PNG."),
	}, nil
}
