// Package orchestration runs agents: a bounded think/act loop per run that
// streams typed events.
//
// Types used by the run loop, its observers and the collector.
package orchestration

import (
	"time"

	"github.com/richinex/conductor/llm"
	"github.com/richinex/conductor/tools"
)

// RunStatus is the state of a run.
type RunStatus string

const (
	StatusPending             RunStatus = "pending"
	StatusExecuting           RunStatus = "executing"
	StatusWaitingConfirmation RunStatus = "waiting_confirmation"
	StatusCompleted           RunStatus = "completed"
	StatusFailed              RunStatus = "failed"
	StatusCancelled           RunStatus = "cancelled"
	StatusMaxTurnsExceeded    RunStatus = "max_turns_exceeded"
)

// Terminal reports whether no further transitions can happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusMaxTurnsExceeded:
		return true
	}
	return false
}

// StepType tags a Step.
type StepType string

const (
	StepThinking   StepType = "thinking"
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepResponse   StepType = "response"
	StepError      StepType = "error"
)

// Step is one entry of a run's audit trail. Steps are never modified after
// they are appended.
type Step struct {
	Index      int            `json:"index"`
	Type       StepType       `json:"type"`
	Content    string         `json:"content"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolArgs   map[string]any `json:"toolArgs,omitempty"`
	ToolResult any            `json:"toolResult,omitempty"`
	ToolError  string         `json:"toolError,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"durationMs,omitempty"`
}

// TokenStats tracks token usage across a run.
type TokenStats struct {
	PromptTokens     uint32 `json:"promptTokens"`
	CompletionTokens uint32 `json:"completionTokens"`
	TotalTokens      uint32 `json:"totalTokens"`
	LLMCalls         int    `json:"llmCalls"`
}

// AddUsage adds token usage from an LLM call.
func (ts *TokenStats) AddUsage(usage *llm.TokenUsage) {
	if usage == nil {
		return
	}
	ts.PromptTokens += usage.PromptTokens
	ts.CompletionTokens += usage.CompletionTokens
	ts.TotalTokens += usage.TotalTokens
}

// Run is the execution record of one invocation. It is owned by the run
// loop; everything handed out is a snapshot.
type Run struct {
	ID             string            `json:"id"`
	AgentID        string            `json:"agentId"`
	ServerID       string            `json:"serverId"`
	Model          string            `json:"model"`
	Status         RunStatus         `json:"status"`
	Input          string            `json:"input"`
	Steps          []Step            `json:"steps"`
	Output         string            `json:"output,omitempty"`
	Error          string            `json:"error,omitempty"`
	Messages       []llm.ChatMessage `json:"messages"`
	CurrentTurn    int               `json:"currentTurn"`
	TotalToolCalls int               `json:"totalToolCalls"`
	StartedAt      time.Time         `json:"startedAt"`
	EndedAt        *time.Time        `json:"endedAt,omitempty"`
	Usage          *TokenStats       `json:"usage,omitempty"`
}

// Clone returns a copy that shares nothing mutable with r.
func (r *Run) Clone() *Run {
	c := *r
	c.Steps = append([]Step(nil), r.Steps...)
	c.Messages = append([]llm.ChatMessage(nil), r.Messages...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.Usage != nil {
		u := *r.Usage
		c.Usage = &u
	}
	return &c
}

// RunRequest starts a run.
type RunRequest struct {
	Input    string `json:"input"`
	ServerID string `json:"serverId"`

	// Model overrides the agent's preferred model.
	Model string `json:"model,omitempty"`

	// History is prior conversation placed between the system prompt and
	// the new input.
	History []llm.ChatMessage `json:"history,omitempty"`
}

// EventType tags an Event.
type EventType string

const (
	EventStatus     EventType = "status"
	EventStep       EventType = "step"
	EventContent    EventType = "content"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Event is the unit delivered to a run's observer. Data holds the payload
// matching Type:
//
//	status      StatusPayload
//	step        Step
//	content     ContentPayload
//	tool_call   ToolCallPayload
//	tool_result tools.Result
//	error       ErrorPayload
//	done        *Run
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusPayload reports a status transition.
type StatusPayload struct {
	RunID  string    `json:"runId"`
	Status RunStatus `json:"status"`
}

// ContentPayload carries one streamed content delta.
type ContentPayload struct {
	Content string `json:"content"`
}

// ToolCallPayload announces a call about to run.
type ToolCallPayload struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ErrorPayload reports a run-level error. Code is set for precondition
// failures.
type ErrorPayload struct {
	RunID string `json:"runId,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// ToolResultPayload is the tool_result payload.
type ToolResultPayload = tools.Result
