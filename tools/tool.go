// Package tools provides the tool system for agents.
//
// Information Hiding:
// - Parameter schema resolution hidden behind Register
// - Handler failure modes (errors, panics) converted to Result values
// - Registry storage and locking hidden from consumers
package tools

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/jsonschema-go/jsonschema"
)

// Handler executes a tool. Handlers must honor ctx; a returned error or a
// panic becomes the Result's error text.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Spec is what the model sees: a name, a description and an object schema
// for the arguments.
type Spec struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// Tool is a registry entry.
type Tool struct {
	Spec         Spec   `json:"spec"`
	Enabled      bool   `json:"enabled"`
	Category     string `json:"category,omitempty"`
	RequiresAuth bool   `json:"requiresAuth,omitempty"`

	handler  Handler
	resolved *jsonschema.Resolved
}

// Option configures a tool at registration.
type Option func(*Tool)

// WithCategory tags the tool with a category.
func WithCategory(category string) Option {
	return func(t *Tool) { t.Category = category }
}

// WithAuthRequired marks the tool as needing credentials.
func WithAuthRequired() Option {
	return func(t *Tool) { t.RequiresAuth = true }
}

// Disabled registers the tool switched off.
func Disabled() Option {
	return func(t *Tool) { t.Enabled = false }
}

// ParsedCall is a tool call whose arguments have been decoded.
type ParsedCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Result is the outcome of one call. Error takes display precedence over
// Result when both are set.
type Result struct {
	CallID          string `json:"callId"`
	ToolName        string `json:"toolName"`
	Result          any    `json:"result"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
}

// Failed reports whether the call produced an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// ObjectSchema builds an object schema from property schemas.
func ObjectSchema(properties map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	if properties == nil {
		properties = map[string]*jsonschema.Schema{}
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// namePattern matches what OpenAI-compatible servers accept as a function name.
var namePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]{0,63}$`)

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q: must match %s", name, namePattern)
	}
	return nil
}
