package agent

import "time"

// presetTimestamp is fixed so that re-registering presets is idempotent.
var presetTimestamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Presets returns the built-in agents.
func Presets() []Definition {
	builders := []*Builder{
		NewBuilder("general-assistant", "General Assistant").
			Description("Answers questions and uses any enabled tool when it helps").
			Category("general").
			Icon("sparkles").
			SystemPrompt("You are a helpful assistant. Use the available tools when they help you answer accurately. When you have the answer, reply without calling tools.").
			Planning(PlanningSimple),

		NewBuilder("math-tutor", "Math Tutor").
			Description("Works through arithmetic step by step with the calculator").
			Category("education").
			Icon("calculator").
			SystemPrompt("You are a patient math tutor. Use the calculator tool for every computation, explain each step, and state the final result clearly.").
			Tools("calculator").
			Temperature(0.2).
			MaxTurns(6),

		NewBuilder("researcher", "Researcher").
			Description("Searches for information and summarizes findings with dates in context").
			Category("research").
			Icon("search").
			SystemPrompt("You are a careful researcher. Search for information, note when facts are time-sensitive using the datetime tool, and cite what you found.").
			Tools("web_search", "datetime").
			Planning(PlanningIterative).
			MaxTurns(8),

		NewBuilder("scheduler", "Scheduler").
			Description("Answers questions about dates, durations and time zones").
			Category("productivity").
			Icon("calendar").
			SystemPrompt("You help with dates and times. Use the datetime tool instead of guessing, and mention the time zone you used.").
			Tools("datetime", "calculator").
			Temperature(0.3),
	}

	defs := make([]Definition, len(builders))
	for i, b := range builders {
		def := b.Preset().Build()
		def.CreatedAt = presetTimestamp
		def.UpdatedAt = presetTimestamp
		defs[i] = def
	}
	return defs
}

// RegisterPresets registers (or re-registers) the built-in agents.
func RegisterPresets(r *Registry) {
	for _, def := range Presets() {
		r.Register(def)
	}
}
