package everything

import (
	"context"
	"strings"

	"github.com/airsstack/airsstack-sub002"
)

// maxCompletionValues caps the values of one completion response.
const maxCompletionValues = 100

// Complete implements mcp.CompletionProvider. It completes the enumerated prompt arguments and
// the path of the static resource template. Anything else completes to nothing.
func (s *Server) Complete(_ context.Context, ref mcp.CompletionRef, arg mcp.CompletionArgument) (mcp.Completion, error) {
	var candidates []string
	switch ref.Type {
	case mcp.CompletionRefPrompt:
		switch arg.Name {
		case "language":
			candidates = languages
		case "review_type":
			if ref.Name == "code_review" {
				candidates = reviewTypes
			}
		case "audience":
			if ref.Name == "explain_code" {
				candidates = audiences
			}
		}
	case mcp.CompletionRefResource:
		if ref.URI == StaticURIPrefix+"{path}" && arg.Name == "path" && s.resources != nil {
			paths, err := s.resources.Paths()
			if err != nil {
				return mcp.Completion{}, mcp.NewProviderError(mcp.ProviderErrorUnavailable, "cannot list static resources", err)
			}
			candidates = paths
		}
	default:
		return mcp.Completion{}, mcp.NewProviderError(mcp.ProviderErrorInvalidInput, "unknown completion reference type: "+ref.Type, nil)
	}

	values := []string{}
	for _, c := range candidates {
		if strings.HasPrefix(c, arg.Value) {
			values = append(values, c)
		}
	}
	completion := mcp.Completion{Values: values, Total: len(values)}
	if len(values) > maxCompletionValues {
		completion.Values = values[:maxCompletionValues]
		completion.HasMore = true
	}
	return completion, nil
}
