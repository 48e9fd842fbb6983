package agent

// Patch is a partial update. Nil fields are left unchanged; nested policies
// merge field by field.
type Patch struct {
	Name         *string           `json:"name,omitempty"`
	Description  *string           `json:"description,omitempty"`
	Category     *string           `json:"category,omitempty"`
	SystemPrompt *string           `json:"systemPrompt,omitempty"`
	Tools        *[]string         `json:"tools,omitempty"`
	Behavior     *BehaviorPatch    `json:"behavior,omitempty"`
	Model        *ModelPolicyPatch `json:"modelConfig,omitempty"`
	Planning     *PlanningStrategy `json:"planningStrategy,omitempty"`
	Icon         *string           `json:"icon,omitempty"`
}

// BehaviorPatch is a partial Behavior.
type BehaviorPatch struct {
	MaxToolCallsPerTurn *int  `json:"maxToolCallsPerTurn,omitempty"`
	MaxTurns            *int  `json:"maxTurns,omitempty"`
	AutoContinue        *bool `json:"autoContinue,omitempty"`
	StopOnError         *bool `json:"stopOnError,omitempty"`
	RunTimeoutMs        *int  `json:"runTimeoutMs,omitempty"`
	RequireConfirmation *bool `json:"requireConfirmation,omitempty"`
}

// ModelPolicyPatch is a partial ModelPolicy. An empty PreferredModel clears it.
type ModelPolicyPatch struct {
	Temperature    *float32 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"maxTokens,omitempty"`
	TopP           *float32 `json:"topP,omitempty"`
	PreferredModel *string  `json:"preferredModel,omitempty"`
}

// Apply returns d with the patch merged in. Identity fields (id, createdAt,
// isPreset) are never touched.
func (p Patch) Apply(d Definition) Definition {
	d = d.Clone()
	setIf(&d.Name, p.Name)
	setIf(&d.Description, p.Description)
	setIf(&d.Category, p.Category)
	setIf(&d.SystemPrompt, p.SystemPrompt)
	setIf(&d.Icon, p.Icon)
	setIf(&d.Planning, p.Planning)
	if p.Tools != nil {
		d.Tools = append([]string{}, (*p.Tools)...)
	}

	if b := p.Behavior; b != nil {
		setIf(&d.Behavior.MaxToolCallsPerTurn, b.MaxToolCallsPerTurn)
		setIf(&d.Behavior.MaxTurns, b.MaxTurns)
		setIf(&d.Behavior.AutoContinue, b.AutoContinue)
		setIf(&d.Behavior.StopOnError, b.StopOnError)
		setIf(&d.Behavior.RunTimeoutMs, b.RunTimeoutMs)
		setIf(&d.Behavior.RequireConfirmation, b.RequireConfirmation)
	}
	if m := p.Model; m != nil {
		setIf(&d.Model.Temperature, m.Temperature)
		setIf(&d.Model.MaxTokens, m.MaxTokens)
		setIf(&d.Model.TopP, m.TopP)
		setIf(&d.Model.PreferredModel, m.PreferredModel)
	}
	return d
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
