// ABOUTME: Thread-safe Tool Registry mapping tool names to input schemas and handlers
// ABOUTME: Arguments are validated against the compiled schema before any handler runs

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/2389/tenant-gateway/internal/auth"
)

// ErrToolCollision indicates a tool name is already registered.
var ErrToolCollision = errors.New("tool name collision")

// ErrToolNotFound indicates no tool is registered under the requested name.
var ErrToolNotFound = errors.New("tool not found")

// Handler executes a tool. args has already passed schema validation. tc is
// the caller's verified context; it is the only source of tenant identity a
// handler has.
type Handler interface {
	Execute(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	return f(ctx, name, args, tc)
}

// Definition describes a tool as advertised to clients.
type Definition struct {
	Name           string
	Description    string
	InputSchema    json.RawMessage
	RequiredScopes []string
}

// Tool is a registered tool with its compiled schema.
type Tool struct {
	Definition Definition
	Handler    Handler
	PackID     string

	schema *jsonschema.Resolved
}

// Pack is a named group of tools registered together.
type Pack struct {
	ID    string
	Tools []PackTool
}

// PackTool is one entry of a Pack.
type PackTool struct {
	Definition Definition
	Handler    Handler
}

// InvalidArgumentsError reports arguments rejected by a tool's schema.
type InvalidArgumentsError struct {
	Tool string
	Err  error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }

// Registry maintains registered tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// compile parses and resolves a tool's input schema. An empty schema accepts
// any object.
func compile(def Definition) (*jsonschema.Resolved, error) {
	raw := def.InputSchema
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing input schema of %s: %w", def.Name, err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving input schema of %s: %w", def.Name, err)
	}
	return resolved, nil
}

// Register adds a single tool.
func (r *Registry) Register(def Definition, h Handler) error {
	return r.RegisterPack(&Pack{ID: def.Name, Tools: []PackTool{{Definition: def, Handler: h}}})
}

// RegisterPack adds every tool in p, or none if any name collides or any
// schema fails to compile.
func (r *Registry) RegisterPack(p *Pack) error {
	compiled := make([]*Tool, 0, len(p.Tools))
	for _, pt := range p.Tools {
		if pt.Definition.Name == "" {
			return errors.New("tool name is required")
		}
		if pt.Handler == nil {
			return fmt.Errorf("tool %s has no handler", pt.Definition.Name)
		}
		schema, err := compile(pt.Definition)
		if err != nil {
			return err
		}
		compiled = append(compiled, &Tool{Definition: pt.Definition, Handler: pt.Handler, PackID: p.ID, schema: schema})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(compiled))
	for _, t := range compiled {
		name := t.Definition.Name
		if existing, ok := r.tools[name]; ok {
			return fmt.Errorf("%w: tool '%s' already registered by pack '%s'", ErrToolCollision, name, existing.PackID)
		}
		if seen[name] {
			return fmt.Errorf("%w: tool '%s' appears twice in pack '%s'", ErrToolCollision, name, p.ID)
		}
		seen[name] = true
	}
	for _, t := range compiled {
		r.tools[t.Definition.Name] = t
	}

	r.logger.Info("tool pack registered", "pack_id", p.ID, "tool_count", len(compiled), "total_tools", len(r.tools))
	return nil
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Visible reports whether tc holds every scope the tool requires.
func (t *Tool) Visible(tc *auth.TenantContext) bool {
	for _, s := range t.Definition.RequiredScopes {
		if !tc.HasScope(s) {
			return false
		}
	}
	return true
}

// Validate checks args against the tool's schema. Empty args are treated as
// an empty object.
func (t *Tool) Validate(args json.RawMessage) error {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return &InvalidArgumentsError{Tool: t.Definition.Name, Err: err}
	}
	if err := t.schema.Validate(instance); err != nil {
		return &InvalidArgumentsError{Tool: t.Definition.Name, Err: err}
	}
	return nil
}

// List returns the tools visible to tc, sorted by name.
func (r *Registry) List(tc *auth.TenantContext) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		if t.Visible(tc) {
			out = append(out, t.Definition)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// internalFailureMessage replaces unclassified handler errors, which may carry
// SQL or file paths, in what the caller sees.
const internalFailureMessage = "tool execution failed"

// Call resolves, authorizes, validates and executes a tool. Handler failures
// that are not already classified are logged and come back as a *ToolError
// with a generic message; the cause stays reachable through Unwrap.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	t, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	for _, s := range t.Definition.RequiredScopes {
		if err := tc.RequireScope(s); err != nil {
			return nil, err
		}
	}
	if err := t.Validate(args); err != nil {
		return nil, err
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	result, err := t.Handler.Execute(ctx, name, args, tc)
	if err != nil {
		var te *ToolError
		if _, isAuth := auth.AsError(err); isAuth || errors.As(err, &te) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		r.logger.Error("tool execution failed", "tool", name, "tenant_id", tc.TenantID(), "error", err)
		return nil, &ToolError{Tool: name, Message: internalFailureMessage, Err: err}
	}
	return result, nil
}
