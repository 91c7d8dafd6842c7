package everything

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/iancoleman/strcase"

	"github.com/airsstack/airsstack-sub002"
)

var reviewTypes = []string{"general", "security", "performance", "style"}

var audiences = []string{"beginner", "intermediate", "expert"}

var languages = []string{
	"c", "cpp", "csharp", "go", "java", "javascript", "kotlin", "python", "ruby", "rust", "shell",
	"swift", "typescript",
}

var reviewFocus = map[string]string{
	"general":     "for overall quality, readability, and best practices",
	"security":    "for security issues such as missing input validation, injection or unsafe data exposure",
	"performance": "for performance: algorithmic complexity, memory use and I/O patterns",
	"style":       "for style: formatting, naming and comment quality",
}

var promptList = []mcp.Prompt{
	{
		Name:        "code_review",
		Title:       "Code Review",
		Description: "Review a piece of code, optionally focusing on security, performance or style",
		Arguments: []mcp.PromptArgument{
			{Name: "language", Description: "Programming language, such as go or python", Required: true},
			{Name: "code", Description: "Code to review", Required: true},
			{Name: "review_type", Description: "One of general, security, performance or style"},
			{Name: "context", Description: "What the code is for"},
		},
	},
	{
		Name:        "explain_code",
		Title:       "Explain Code",
		Description: "Explain what a piece of code does",
		Arguments: []mcp.PromptArgument{
			{Name: "language", Description: "Programming language", Required: true},
			{Name: "code", Description: "Code to explain", Required: true},
			{Name: "audience", Description: "One of beginner, intermediate or expert"},
		},
	},
}

// ListPrompts implements mcp.PromptProvider.
func (s *Server) ListPrompts(context.Context) ([]mcp.Prompt, error) {
	return promptList, nil
}

// GetPrompt implements mcp.PromptProvider.
func (s *Server) GetPrompt(_ context.Context, name string, arguments map[string]string) (string, []mcp.PromptMessage, error) {
	s.log(mcp.LogLevelDebug, "prompts", map[string]any{"message": "get prompt", "prompt": name})

	i := slices.IndexFunc(promptList, func(p mcp.Prompt) bool { return p.Name == name })
	if i < 0 {
		return "", nil, notFound("prompt", name)
	}
	for _, arg := range promptList[i].Arguments {
		if arg.Required && strings.TrimSpace(arguments[arg.Name]) == "" {
			return "", nil, mcp.NewProviderError(mcp.ProviderErrorInvalidInput,
				fmt.Sprintf("missing required argument: %s", arg.Name), nil)
		}
	}

	var (
		description string
		text        string
		err         error
	)
	switch name {
	case "code_review":
		description, text, err = codeReview(arguments)
	case "explain_code":
		description, text, err = explainCode(arguments)
	}
	if err != nil {
		return "", nil, err
	}
	return description, []mcp.PromptMessage{{Role: mcp.RoleUser, Content: mcp.NewTextContent(text)}}, nil
}

func codeReview(args map[string]string) (string, string, error) {
	reviewType := args["review_type"]
	if reviewType == "" {
		reviewType = "general"
	}
	focus, ok := reviewFocus[reviewType]
	if !ok {
		return "", "", mcp.NewProviderError(mcp.ProviderErrorInvalidInput,
			fmt.Sprintf("unknown review_type %q, want one of %s", reviewType, strings.Join(reviewTypes, ", ")), nil)
	}

	language := args["language"]
	var b strings.Builder
	fmt.Fprintf(&b, "Please review the following %s code %s:\n\n", language, focus)
	b.WriteString(codeBlock(language, args["code"]))
	if c := args["context"]; c != "" {
		fmt.Fprintf(&b, "\n\nAdditional context: %s", c)
	}
	return fmt.Sprintf("%s code review of %s code", strcase.ToCamel(reviewType), language), b.String(), nil
}

func explainCode(args map[string]string) (string, string, error) {
	audience := args["audience"]
	if audience == "" {
		audience = "intermediate"
	}
	if !slices.Contains(audiences, audience) {
		return "", "", mcp.NewProviderError(mcp.ProviderErrorInvalidInput,
			fmt.Sprintf("unknown audience %q, want one of %s", audience, strings.Join(audiences, ", ")), nil)
	}

	language := args["language"]
	var b strings.Builder
	fmt.Fprintf(&b, "Explain what the following %s code does to a reader at %s level. ", language, audience)
	b.WriteString("Walk through it step by step and point out anything surprising.\n\n")
	b.WriteString(codeBlock(language, args["code"]))
	return fmt.Sprintf("Explanation of %s code", language), b.String(), nil
}

// codeBlock fences code with a fence longer than any backtick run inside it.
func codeBlock(language, code string) string {
	fence := "```"
	for strings.Contains(code, fence) {
		fence += "`"
	}
	return fmt.Sprintf("%s%s\n%s\n%s", fence, language, strings.TrimRight(code, "\n"), fence)
}
