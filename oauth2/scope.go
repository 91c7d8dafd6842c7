package oauth2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/airsstack/airsstack-sub002/auth"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// ScopeValidator decides whether a set of granted scopes covers a method. Granted scopes may
// use "*" wildcards: "mcp:*" grants every MCP scope, "mcp:tools:*" every tool scope.
type ScopeValidator struct {
	mu       sync.RWMutex
	mappings map[string]ScopeMapping
	patterns sync.Map // grant -> glob.Glob
	logger   *slog.Logger
}

// NewScopeValidator returns a validator for mappings, or DefaultScopeMappings when none are given.
func NewScopeValidator(mappings []ScopeMapping, opts ...Option) *ScopeValidator {
	if len(mappings) == 0 {
		mappings = DefaultScopeMappings()
	}
	o := newOptions(opts)
	v := &ScopeValidator{
		mappings: make(map[string]ScopeMapping, len(mappings)),
		logger:   o.logger.With(slog.String("component", "scope")),
	}
	for _, m := range mappings {
		v.mappings[m.Method] = m
	}
	return v
}

// AddMapping sets the scope for a method, replacing any previous mapping.
func (v *ScopeValidator) AddMapping(m ScopeMapping) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mappings[m.Method] = m
}

// RemoveMapping drops the mapping for method.
func (v *ScopeValidator) RemoveMapping(method string) (ScopeMapping, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.mappings[method]
	delete(v.mappings, method)
	return m, ok
}

// RequiredScope returns the scope method needs.
func (v *ScopeValidator) RequiredScope(method string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.mappings[method]
	return m.Scope, ok
}

// Validate returns nil if granted covers method, otherwise an *InsufficientScopeError. Methods
// without a mapping are denied and reported as requiring "mcp:<namespace>:*".
func (v *ScopeValidator) Validate(method string, granted []string) error {
	v.mu.RLock()
	m, ok := v.mappings[method]
	v.mu.RUnlock()

	if !ok {
		namespace, _, _ := strings.Cut(method, "/")
		v.logger.Warn("no scope mapping for method", slog.String("method", method))
		return &InsufficientScopeError{Method: method, Required: fmt.Sprintf("mcp:%s:*", namespace), Provided: granted}
	}
	if v.Grants(granted, m.Scope) {
		return nil
	}
	if m.Optional {
		v.logger.Warn("optional scope missing",
			slog.String("method", method),
			slog.String("scope", m.Scope))
		return nil
	}
	return &InsufficientScopeError{Method: method, Required: m.Scope, Provided: granted}
}

// Grants reports whether any granted scope covers required.
func (v *ScopeValidator) Grants(granted []string, required string) bool {
	for _, g := range granted {
		if g == required {
			return true
		}
		if !strings.Contains(g, "*") {
			continue
		}
		if p := v.pattern(g); p != nil && p.Match(required) {
			return true
		}
	}
	return false
}

func (v *ScopeValidator) pattern(grant string) glob.Glob {
	if p, ok := v.patterns.Load(grant); ok {
		return p.(glob.Glob)
	}
	p, err := glob.Compile(grant)
	if err != nil {
		v.logger.Warn("invalid scope pattern", slog.String("scope", grant), slog.String("err", err.Error()))
		return nil
	}
	v.patterns.Store(grant, p)
	return p
}

// protocolMethod reports methods every authenticated caller may use.
func protocolMethod(method string) bool {
	return method == "initialize" || method == "ping" || strings.HasPrefix(method, "notifications/")
}

// ScopePolicy authorizes methods by the scopes in the caller's auth.Context.
type ScopePolicy struct {
	validator *ScopeValidator
}

// NewScopePolicy returns a policy backed by validator.
func NewScopePolicy(validator *ScopeValidator) *ScopePolicy {
	return &ScopePolicy{validator: validator}
}

// Authorize implements auth.Policy. Scope failures are returned as -32002 errors carrying the
// required scope.
func (p *ScopePolicy) Authorize(_ context.Context, authCtx *auth.Context, req auth.AuthorizationRequest) error {
	if protocolMethod(req.Method) {
		return nil
	}
	if authCtx == nil {
		return fmt.Errorf("%w: authentication required", auth.ErrForbidden)
	}
	err := p.validator.Validate(req.Method, authCtx.Scopes)
	if err == nil {
		return nil
	}
	var scopeErr *InsufficientScopeError
	if errors.As(err, &scopeErr) {
		return jsonrpc.NewError(jsonrpc.CodeAuthorizationDenied, "insufficient scope", map[string]any{
			"method":   req.Method,
			"required": scopeErr.Required,
		})
	}
	return err
}
