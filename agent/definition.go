// Agent definition types.
//
// Information Hiding:
// - Default values hidden
// - Validation rules hidden
// - Deep-copy details hidden

package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors returned by agent lookups and mutations.
var (
	ErrNotFound        = errors.New("agent not found")
	ErrPresetImmutable = errors.New("preset agents cannot be modified or deleted")
	ErrInvalid         = errors.New("invalid agent definition")
)

// PlanningStrategy tags how an agent is expected to plan. Informational only;
// the run loop does not branch on it.
type PlanningStrategy string

const (
	PlanningNone         PlanningStrategy = "none"
	PlanningSimple       PlanningStrategy = "simple"
	PlanningIterative    PlanningStrategy = "iterative"
	PlanningHierarchical PlanningStrategy = "hierarchical"
)

// Behavior bounds a run.
type Behavior struct {
	// MaxToolCallsPerTurn truncates, never rejects, larger batches.
	MaxToolCallsPerTurn int `json:"maxToolCallsPerTurn"`

	// MaxTurns is the hard ceiling on loop iterations.
	MaxTurns int `json:"maxTurns"`

	// AutoContinue keeps looping after a turn that executed tools.
	AutoContinue bool `json:"autoContinue"`

	// StopOnError ends the run at the first tool or model error.
	StopOnError bool `json:"stopOnError"`

	// RunTimeoutMs is the wall-clock budget for the whole run.
	RunTimeoutMs int `json:"runTimeoutMs"`

	// RequireConfirmation pauses before executing tool calls.
	RequireConfirmation bool `json:"requireConfirmation"`
}

// DefaultBehavior returns the behavior used when none is specified.
func DefaultBehavior() Behavior {
	return Behavior{
		MaxToolCallsPerTurn: 5,
		MaxTurns:            10,
		AutoContinue:        true,
		StopOnError:         false,
		RunTimeoutMs:        300000,
		RequireConfirmation: false,
	}
}

// RunTimeout returns RunTimeoutMs as a duration.
func (b Behavior) RunTimeout() time.Duration {
	return time.Duration(b.RunTimeoutMs) * time.Millisecond
}

// ModelPolicy holds generation parameters.
type ModelPolicy struct {
	Temperature    float32 `json:"temperature"`
	MaxTokens      int     `json:"maxTokens"`
	TopP           float32 `json:"topP"`
	PreferredModel string  `json:"preferredModel,omitempty"`
}

// DefaultModelPolicy returns the generation parameters used when none are
// specified.
func DefaultModelPolicy() ModelPolicy {
	return ModelPolicy{
		Temperature: 0.7,
		MaxTokens:   2048,
		TopP:        1.0,
	}
}

// Definition configures an agent. Presets are system-owned and immutable.
type Definition struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Category     string           `json:"category,omitempty"`
	SystemPrompt string           `json:"systemPrompt"`
	Tools        []string         `json:"tools"`
	Behavior     Behavior         `json:"behavior"`
	Model        ModelPolicy      `json:"modelConfig"`
	Planning     PlanningStrategy `json:"planningStrategy"`
	IsPreset     bool             `json:"isPreset"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	Icon         string           `json:"icon,omitempty"`
}

// NewDefinition returns a definition with default policies. Decoding a
// request body onto it leaves unspecified fields at their defaults.
func NewDefinition() Definition {
	return Definition{
		Tools:    []string{},
		Behavior: DefaultBehavior(),
		Model:    DefaultModelPolicy(),
		Planning: PlanningNone,
	}
}

// Clone returns a deep copy.
func (d Definition) Clone() Definition {
	if d.Tools != nil {
		d.Tools = append([]string(nil), d.Tools...)
	}
	return d
}

// AllowsAllTools reports whether the allow-list is empty, meaning every
// enabled tool is visible.
func (d Definition) AllowsAllTools() bool {
	return len(d.Tools) == 0
}

// Validate checks field ranges.
func (d Definition) Validate() error {
	var problems []string
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if d.Behavior.MaxTurns < 1 {
		problems = append(problems, "behavior.maxTurns must be at least 1")
	}
	if d.Behavior.MaxToolCallsPerTurn < 1 {
		problems = append(problems, "behavior.maxToolCallsPerTurn must be at least 1")
	}
	if d.Behavior.RunTimeoutMs < 0 {
		problems = append(problems, "behavior.runTimeoutMs cannot be negative")
	}
	if d.Model.Temperature < 0 || d.Model.Temperature > 2 {
		problems = append(problems, "modelConfig.temperature must be between 0 and 2")
	}
	if d.Model.TopP < 0 || d.Model.TopP > 1 {
		problems = append(problems, "modelConfig.topP must be between 0 and 1")
	}
	if d.Model.MaxTokens < 1 {
		problems = append(problems, "modelConfig.maxTokens must be at least 1")
	}
	switch d.Planning {
	case "", PlanningNone, PlanningSimple, PlanningIterative, PlanningHierarchical:
	default:
		problems = append(problems, fmt.Sprintf("unknown planningStrategy %q", d.Planning))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
