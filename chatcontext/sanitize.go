package chatcontext

import "github.com/richinex/conductor/llm"

// DropOrphanToolResults removes tool messages whose originating assistant
// tool call is no longer in the list, and strips tool calls whose results
// were cut. Windowing can leave either behind and most servers reject both.
func DropOrphanToolResults(messages []llm.ChatMessage) []llm.ChatMessage {
	answered := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role == llm.RoleTool && msg.ToolCallID != "" {
			answered[msg.ToolCallID] = true
		}
	}

	issued := make(map[string]bool)
	result := make([]llm.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		switch {
		case msg.Role == llm.RoleAssistant && len(msg.ToolCalls) > 0:
			calls := make([]llm.ToolCall, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				if answered[call.ID] {
					calls = append(calls, call)
					issued[call.ID] = true
				}
			}
			if len(calls) == 0 {
				calls = nil
				if msg.Content == "" {
					continue
				}
			}
			msg.ToolCalls = calls
		case msg.Role == llm.RoleTool:
			if !issued[msg.ToolCallID] {
				continue
			}
		}
		result = append(result, msg)
	}
	return result
}
