// Package tools provides tool management and registration.
//
// Information Hiding:
// - Tool storage and lookup implementation hidden
// - Argument validation against resolved schemas hidden
// - Handler panics recovered inside Execute

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/richinex/conductor/llm"
	"github.com/richinex/conductor/metrics"
)

// Registry manages available tools with dynamic registration.
// Mutations are last-writer-wins.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for handler panics.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Register inserts or replaces a tool by name. Tools are enabled unless the
// Disabled option is given.
func (r *Registry) Register(spec Spec, handler Handler, opts ...Option) error {
	if err := validateName(spec.Name); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler is nil", spec.Name)
	}
	if spec.Parameters == nil {
		spec.Parameters = ObjectSchema(nil)
	}

	resolved, err := spec.Parameters.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %q: invalid parameter schema: %w", spec.Name, err)
	}

	tool := &Tool{
		Spec:     spec,
		Enabled:  true,
		handler:  handler,
		resolved: resolved,
	}
	for _, opt := range opts {
		opt(tool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = tool
	return nil
}

// Unregister removes a tool. Returns whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.tools[name]
	delete(r.tools, name)
	return exists
}

// Get returns a copy of a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return Tool{}, false
	}
	return *tool, true
}

// IsAvailable reports whether the tool exists and is enabled.
func (r *Registry) IsAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return exists && tool.Enabled
}

// SetEnabled toggles a tool. Returns false if the tool is unknown.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tool, exists := r.tools[name]
	if !exists {
		return false
	}
	tool.Enabled = enabled
	return true
}

// All returns every registered tool sorted by name.
func (r *Registry) All() []Tool {
	return r.filter(func(*Tool) bool { return true })
}

// Enabled returns the enabled tools sorted by name.
func (r *Registry) Enabled() []Tool {
	return r.filter(func(t *Tool) bool { return t.Enabled })
}

// ByCategory returns the tools tagged with category, enabled or not.
func (r *Registry) ByCategory(category string) []Tool {
	return r.filter(func(t *Tool) bool { return t.Category == category })
}

// Definitions returns the call specs of enabled tools, the form sent
// upstream to the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	enabled := r.Enabled()
	defs := make([]llm.ToolDefinition, len(enabled))
	for i, t := range enabled {
		defs[i] = llm.ToolDefinition{
			Name:        t.Spec.Name,
			Description: t.Spec.Description,
			Parameters:  t.Spec.Parameters,
		}
	}
	return defs
}

func (r *Registry) filter(keep func(*Tool) bool) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		if keep(tool) {
			result = append(result, *tool)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Spec.Name < result[j].Spec.Name
	})
	return result
}

// Execute runs one call. It never panics and never returns an error: every
// failure is reported in Result.Error, and execution time is always set.
func (r *Registry) Execute(ctx context.Context, call ParsedCall) (result Result) {
	start := time.Now()
	result = Result{CallID: call.ID, ToolName: call.Name}
	defer func() {
		elapsed := time.Since(start)
		result.ExecutionTimeMs = elapsed.Milliseconds()
		status := "ok"
		if result.Failed() {
			status = "error"
		}
		metrics.RecordToolCall(call.Name, status, elapsed)
	}()

	r.mu.RLock()
	stored, exists := r.tools[call.Name]
	var tool Tool
	if exists {
		tool = *stored
	}
	r.mu.RUnlock()

	if !exists {
		result.Error = fmt.Sprintf("Tool %q not found", call.Name)
		return result
	}
	if !tool.Enabled {
		result.Error = fmt.Sprintf("Tool %q is disabled", call.Name)
		return result
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if tool.resolved != nil {
		if err := tool.resolved.Validate(args); err != nil {
			result.Error = fmt.Sprintf("Invalid arguments for tool %q: %v", call.Name, err)
			return result
		}
	}

	value, err := r.invoke(ctx, tool, args)
	if err != nil {
		result.Error = err.Error()
		if result.Error == "" {
			result.Error = "Tool execution failed"
		}
		return result
	}
	result.Result = value
	return result
}

// invoke calls the handler, converting a panic into an error.
func (r *Registry) invoke(ctx context.Context, tool Tool, args map[string]any) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked", "tool", tool.Spec.Name, "panic", p)
			switch v := p.(type) {
			case error:
				err = v
			case string:
				err = errors.New(v)
			default:
				err = errors.New("Tool execution failed")
			}
		}
	}()
	return tool.handler(ctx, args)
}

// Info is the listing shape exposed to API clients.
type Info struct {
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Category     string             `json:"category,omitempty"`
	Parameters   *jsonschema.Schema `json:"parameters"`
	Enabled      bool               `json:"enabled"`
	RequiresAuth bool               `json:"requiresAuth,omitempty"`
}

// Info returns the listing view of the tool.
func (t Tool) Info() Info {
	return Info{
		Name:         t.Spec.Name,
		Description:  t.Spec.Description,
		Category:     t.Category,
		Parameters:   t.Spec.Parameters,
		Enabled:      t.Enabled,
		RequiresAuth: t.RequiresAuth,
	}
}
