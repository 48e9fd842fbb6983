// Package llm provides the completion client for OpenAI-compatible servers.
//
// Shared data models for chat requests, responses and tool calls.
package llm

import (
	"encoding/json"
	"time"
)

// Message roles understood by the completion endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage represents a chat message with role and content.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // For assistant messages with tool calls
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool result messages
}

// ToolCall represents a tool call from the LLM.
// Arguments is the raw JSON text exactly as the model produced it; it may
// be malformed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition defines a tool that the LLM can call.
// Parameters is any JSON-marshalable schema document.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// SystemMessage creates a system message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{
		Role:    RoleSystem,
		Content: content,
	}
}

// UserMessage creates a user message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{
		Role:    RoleUser,
		Content: content,
	}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string, toolCalls []ToolCall) ChatMessage {
	return ChatMessage{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
	}
}

// ToolMessage creates a tool result message answering callID.
func ToolMessage(callID, name, content string) ChatMessage {
	return ChatMessage{
		Role:       RoleTool,
		Content:    content,
		Name:       name,
		ToolCallID: callID,
	}
}

// ChatRequest is a single chat completion request.
// Nil sampling fields are left to the server's defaults.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature *float32
	TopP        *float32
	MaxTokens   int
	Tools       []ToolDefinition
	Stop        []string
}

// ChatResponse is the extracted result of a non-streaming completion.
type ChatResponse struct {
	Content      string
	FinishReason string
	ToolCalls    []ToolCall
	Usage        *TokenUsage
}

// TokenUsage contains token usage statistics.
type TokenUsage struct {
	PromptTokens     uint32 `json:"promptTokens"`
	CompletionTokens uint32 `json:"completionTokens"`
	TotalTokens      uint32 `json:"totalTokens"`
}

// Add accumulates other into u. A nil other is ignored.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Model describes a model advertised by the server.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"ownedBy,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// HealthStatus is the outcome of a connectivity probe.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// MarshalJSON reports latency in milliseconds.
func (h HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Connected bool   `json:"connected"`
		LatencyMs int64  `json:"latencyMs"`
		Error     string `json:"error,omitempty"`
	}{
		Connected: h.Connected,
		LatencyMs: h.Latency.Milliseconds(),
		Error:     h.Error,
	})
}
