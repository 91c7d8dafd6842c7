package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/airsstack/airsstack-sub002"
)

// toolSet serves the tools of several providers as one. On a name clash the earlier provider
// wins.
type toolSet struct {
	providers []mcp.ToolProvider

	mu     sync.RWMutex
	owners map[string]mcp.ToolProvider
}

func newToolSet(providers ...mcp.ToolProvider) *toolSet {
	return &toolSet{providers: providers, owners: make(map[string]mcp.ToolProvider)}
}

func (t *toolSet) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	owners := make(map[string]mcp.ToolProvider)
	for _, p := range t.providers {
		list, err := p.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		for _, tool := range list {
			if _, taken := owners[tool.Name]; taken {
				continue
			}
			owners[tool.Name] = p
			tools = append(tools, tool)
		}
	}

	t.mu.Lock()
	t.owners = owners
	t.mu.Unlock()
	return tools, nil
}

func (t *toolSet) CallTool(ctx context.Context, name string, arguments json.RawMessage) ([]mcp.Content, error) {
	t.mu.RLock()
	owner, ok := t.owners[name]
	t.mu.RUnlock()

	if !ok {
		// Clients may call a tool without listing first.
		if _, err := t.ListTools(ctx); err != nil {
			return nil, err
		}
		t.mu.RLock()
		owner, ok = t.owners[name]
		t.mu.RUnlock()
		if !ok {
			return nil, mcp.NewProviderError(mcp.ProviderErrorNotFound, fmt.Sprintf("tool not found: %s", name), nil)
		}
	}
	return owner.CallTool(ctx, name, arguments)
}
