package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// route resolves the handler for a request. Methods whose capability was not advertised are
// answered with -32601, the same as unknown methods.
func (ss *ServerSession) route(msg JSONRPCMessage) (handlerFunc, *jsonrpc.Error) {
	s := ss.server
	notFound := jsonrpc.ErrMethodNotFound(msg.Method)

	switch msg.Method {
	case MethodToolsList, MethodToolsCall:
		if s.toolProvider == nil {
			return nil, notFound
		}
	case MethodResourcesList, MethodResourcesTemplatesList, MethodResourcesRead,
		MethodResourcesSubscribe, MethodResourcesUnsubscribe:
		if s.resourceProvider == nil {
			return nil, notFound
		}
	case MethodPromptsList, MethodPromptsGet:
		if s.promptProvider == nil {
			return nil, notFound
		}
	case MethodLoggingSetLevel:
		if s.loggingHandler == nil {
			return nil, notFound
		}
	case MethodCompletionComplete:
		if s.completionProvider == nil {
			return nil, notFound
		}
	default:
		return nil, notFound
	}

	var h handlerFunc
	switch msg.Method {
	case MethodToolsList:
		h = ss.listTools
	case MethodToolsCall:
		h = ss.callTool
	case MethodResourcesList:
		h = ss.listResources
	case MethodResourcesTemplatesList:
		h = ss.listResourceTemplates
	case MethodResourcesRead:
		h = ss.readResource
	case MethodResourcesSubscribe:
		h = ss.subscribeResource
	case MethodResourcesUnsubscribe:
		h = ss.unsubscribeResource
	case MethodPromptsList:
		h = ss.listPrompts
	case MethodPromptsGet:
		h = ss.getPrompt
	case MethodLoggingSetLevel:
		h = ss.setLevel
	case MethodCompletionComplete:
		h = ss.complete
	}

	if s.authorizer == nil {
		return h, nil
	}
	method := msg.Method
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		if err := s.authorizer.Authorize(ctx, method); err != nil {
			var rpcErr *jsonrpc.Error
			if errors.As(err, &rpcErr) {
				return nil, rpcErr
			}
			return nil, jsonrpc.NewError(jsonrpc.CodeAuthorizationDenied, err.Error(), nil)
		}
		return h(ctx, params)
	}, nil
}

func (ss *ServerSession) listTools(ctx context.Context, params json.RawMessage) (any, error) {
	var p PaginatedParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	tools, err := ss.server.toolProvider.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if tools == nil {
		tools = []Tool{}
	}
	return ListToolsResult{Tools: tools}, nil
}

func (ss *ServerSession) callTool(ctx context.Context, params json.RawMessage) (any, error) {
	var p CallToolParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField("name", p.Name); err != nil {
		return nil, err
	}

	content, err := ss.server.toolProvider.CallTool(ctx, p.Name, p.Arguments)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return CallToolResult{Content: []Content{NewTextContent(toolErr.Message)}, IsError: true}, nil
		}
		return nil, fmt.Errorf("failed to call tool %q: %w", p.Name, err)
	}
	if content == nil {
		content = []Content{}
	}
	return CallToolResult{Content: content}, nil
}

func (ss *ServerSession) listResources(ctx context.Context, params json.RawMessage) (any, error) {
	var p PaginatedParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	resources, err := ss.server.resourceProvider.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	if resources == nil {
		resources = []Resource{}
	}
	return ListResourcesResult{Resources: resources}, nil
}

func (ss *ServerSession) listResourceTemplates(ctx context.Context, params json.RawMessage) (any, error) {
	var p PaginatedParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	templates, err := ss.server.resourceProvider.ListResourceTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource templates: %w", err)
	}
	if templates == nil {
		templates = []ResourceTemplate{}
	}
	return ListResourceTemplatesResult{Templates: templates}, nil
}

func (ss *ServerSession) readResource(ctx context.Context, params json.RawMessage) (any, error) {
	var p ReadResourceParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField("uri", p.URI); err != nil {
		return nil, err
	}
	contents, err := ss.server.resourceProvider.ReadResource(ctx, p.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %q: %w", p.URI, err)
	}
	if contents == nil {
		contents = []ResourceContents{}
	}
	return ReadResourceResult{Contents: contents}, nil
}

func (ss *ServerSession) subscribeResource(ctx context.Context, params json.RawMessage) (any, error) {
	var p SubscribeResourceParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField("uri", p.URI); err != nil {
		return nil, err
	}
	if err := ss.server.resourceProvider.Subscribe(ctx, p.URI); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %q: %w", p.URI, err)
	}
	ss.subscribe(p.URI)
	return struct{}{}, nil
}

func (ss *ServerSession) unsubscribeResource(ctx context.Context, params json.RawMessage) (any, error) {
	var p SubscribeResourceParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField("uri", p.URI); err != nil {
		return nil, err
	}
	if err := ss.server.resourceProvider.Unsubscribe(ctx, p.URI); err != nil {
		return nil, fmt.Errorf("failed to unsubscribe from %q: %w", p.URI, err)
	}
	ss.unsubscribe(p.URI)
	return struct{}{}, nil
}

func (ss *ServerSession) listPrompts(ctx context.Context, params json.RawMessage) (any, error) {
	var p PaginatedParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	prompts, err := ss.server.promptProvider.ListPrompts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	if prompts == nil {
		prompts = []Prompt{}
	}
	return ListPromptsResult{Prompts: prompts}, nil
}

func (ss *ServerSession) getPrompt(ctx context.Context, params json.RawMessage) (any, error) {
	var p GetPromptParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireField("name", p.Name); err != nil {
		return nil, err
	}
	description, messages, err := ss.server.promptProvider.GetPrompt(ctx, p.Name, p.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt %q: %w", p.Name, err)
	}
	if messages == nil {
		messages = []PromptMessage{}
	}
	return GetPromptResult{Description: description, Messages: messages}, nil
}

func (ss *ServerSession) setLevel(ctx context.Context, params json.RawMessage) (any, error) {
	var cfg LoggingConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if !cfg.Level.Valid() {
		return nil, jsonrpc.ErrInvalidParams(fmt.Sprintf("level: unknown level %q", cfg.Level))
	}
	ok, err := ss.server.loggingHandler.SetLogging(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set log level: %w", err)
	}
	if !ok {
		return nil, NewProviderError(ProviderErrorInvalidInput, "log level rejected", nil)
	}
	ss.setLogLevel(cfg.Level)
	return struct{}{}, nil
}

func (ss *ServerSession) complete(ctx context.Context, params json.RawMessage) (any, error) {
	var p CompleteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Ref.Type != CompletionRefPrompt && p.Ref.Type != CompletionRefResource {
		return nil, jsonrpc.ErrInvalidParams(fmt.Sprintf("ref.type: unknown reference type %q", p.Ref.Type))
	}
	completion, err := ss.server.completionProvider.Complete(ctx, p.Ref, p.Argument)
	if err != nil {
		return nil, fmt.Errorf("failed to complete argument %q: %w", p.Argument.Name, err)
	}
	if completion.Values == nil {
		completion.Values = []string{}
	}
	return CompleteResult{Completion: completion}, nil
}
