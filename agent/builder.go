// Agent builder for fluent configuration.
//
// Information Hiding:
// - Builder state management hidden
// - Default value application hidden

package agent

import (
	"fmt"
	"time"
)

// Builder provides fluent configuration for agent definitions.
// Usage: agent.NewBuilder("id", "name") - no stutter.
type Builder struct {
	def Definition
}

// NewBuilder starts a definition with default policies.
func NewBuilder(id, name string) *Builder {
	def := NewDefinition()
	def.ID = id
	def.Name = name
	return &Builder{def: def}
}

// Description sets the agent's description.
func (b *Builder) Description(description string) *Builder {
	b.def.Description = description
	return b
}

// Category sets the display category.
func (b *Builder) Category(category string) *Builder {
	b.def.Category = category
	return b
}

// Icon sets the display icon tag.
func (b *Builder) Icon(icon string) *Builder {
	b.def.Icon = icon
	return b
}

// SystemPrompt sets the agent's system prompt.
func (b *Builder) SystemPrompt(prompt string) *Builder {
	b.def.SystemPrompt = prompt
	return b
}

// Tool adds a tool to the allow-list.
func (b *Builder) Tool(name string) *Builder {
	b.def.Tools = append(b.def.Tools, name)
	return b
}

// Tools adds multiple tools at once.
func (b *Builder) Tools(names ...string) *Builder {
	b.def.Tools = append(b.def.Tools, names...)
	return b
}

// Behavior replaces the whole behavior policy.
func (b *Builder) Behavior(behavior Behavior) *Builder {
	b.def.Behavior = behavior
	return b
}

// MaxTurns bounds loop iterations.
func (b *Builder) MaxTurns(n int) *Builder {
	b.def.Behavior.MaxTurns = n
	return b
}

// MaxToolCallsPerTurn bounds each tool batch.
func (b *Builder) MaxToolCallsPerTurn(n int) *Builder {
	b.def.Behavior.MaxToolCallsPerTurn = n
	return b
}

// AutoContinue controls looping after a tool turn.
func (b *Builder) AutoContinue(enabled bool) *Builder {
	b.def.Behavior.AutoContinue = enabled
	return b
}

// StopOnError ends runs at the first error.
func (b *Builder) StopOnError(enabled bool) *Builder {
	b.def.Behavior.StopOnError = enabled
	return b
}

// RunTimeout sets the wall-clock budget.
func (b *Builder) RunTimeout(d time.Duration) *Builder {
	b.def.Behavior.RunTimeoutMs = int(d.Milliseconds())
	return b
}

// RequireConfirmation gates tool execution.
func (b *Builder) RequireConfirmation(enabled bool) *Builder {
	b.def.Behavior.RequireConfirmation = enabled
	return b
}

// Model replaces the whole model policy.
func (b *Builder) Model(policy ModelPolicy) *Builder {
	b.def.Model = policy
	return b
}

// Temperature sets the sampling temperature.
func (b *Builder) Temperature(t float32) *Builder {
	b.def.Model.Temperature = t
	return b
}

// MaxTokens sets the completion token limit.
func (b *Builder) MaxTokens(n int) *Builder {
	b.def.Model.MaxTokens = n
	return b
}

// PreferredModel sets the model used when a run names none.
func (b *Builder) PreferredModel(model string) *Builder {
	b.def.Model.PreferredModel = model
	return b
}

// Planning sets the planning strategy tag.
func (b *Builder) Planning(strategy PlanningStrategy) *Builder {
	b.def.Planning = strategy
	return b
}

// Preset marks the definition as system-owned.
func (b *Builder) Preset() *Builder {
	b.def.IsPreset = true
	return b
}

// Build returns the definition, filling description and prompt if unset.
func (b *Builder) Build() Definition {
	def := b.def.Clone()
	if def.Description == "" {
		def.Description = fmt.Sprintf("Agent: %s", def.Name)
	}
	if def.SystemPrompt == "" {
		def.SystemPrompt = fmt.Sprintf(
			"You are an agent named %s. Use available tools to complete tasks.",
			def.Name,
		)
	}
	return def
}
