// Package chatcontext keeps a conversation inside a token budget.
//
// Token counts are an approximation: a quarter of the rune count of a
// message's content, rounded up, plus a fixed overhead of 4 per message. No
// tokenizer is involved and nothing downstream may rely on the estimate
// being exact.
//
// Information Hiding:
// - Estimation formula hidden behind EstimateTokens
// - Strategy selection and fallbacks hidden behind ApplyContextWindow
package chatcontext

import (
	"fmt"
	"unicode/utf8"

	"github.com/richinex/conductor/llm"
)

// MessageOverhead is the structural token cost charged per message.
const MessageOverhead = 4

// Strategy selects how an over-budget conversation is shortened.
type Strategy string

const (
	// TruncateOldest keeps the newest messages that fit.
	TruncateOldest Strategy = "truncate-oldest"

	// TruncateMiddle keeps a few of the earliest and latest messages and
	// replaces the rest with a marker.
	TruncateMiddle Strategy = "truncate-middle"

	// Summarize is accepted for configuration compatibility. No summary is
	// produced; it behaves exactly like TruncateOldest.
	Summarize Strategy = "summarize"
)

// ParseStrategy validates a strategy name. Empty means TruncateOldest.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", TruncateOldest:
		return TruncateOldest, nil
	case TruncateMiddle, Summarize:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown context strategy %q", s)
}

// Options configures ApplyContextWindow.
type Options struct {
	// MaxTokens is the estimated budget. Zero or less disables windowing.
	MaxTokens int

	Strategy Strategy

	// MinMessages is a floor on retained non-system messages. The floor
	// wins over the budget, so the result may exceed MaxTokens.
	MinMessages int

	// KeepSystemMessage preserves a leading system message.
	KeepSystemMessage bool
}

// DefaultOptions returns a 4096-token oldest-first window that keeps the
// system prompt and at least four messages.
func DefaultOptions() Options {
	return Options{
		MaxTokens:         4096,
		Strategy:          TruncateOldest,
		MinMessages:       4,
		KeepSystemMessage: true,
	}
}

// EstimateTokens returns the approximate token cost of one message.
func EstimateTokens(msg llm.ChatMessage) int {
	chars := utf8.RuneCountInString(msg.Content)
	return (chars+3)/4 + MessageOverhead
}

// EstimateTotal sums EstimateTokens over messages.
func EstimateTotal(messages []llm.ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg)
	}
	return total
}

// ApplyContextWindow returns messages shortened to fit opts.MaxTokens.
// Input within budget is returned unchanged. The input slice is never
// modified.
func ApplyContextWindow(messages []llm.ChatMessage, opts Options) []llm.ChatMessage {
	if opts.MaxTokens <= 0 || EstimateTotal(messages) <= opts.MaxTokens {
		return messages
	}

	var system *llm.ChatMessage
	rest := messages
	if opts.KeepSystemMessage && len(messages) > 0 && messages[0].Role == llm.RoleSystem {
		system = &messages[0]
		rest = messages[1:]
	}

	budget := opts.MaxTokens
	if system != nil {
		budget -= EstimateTokens(*system)
	}

	var kept []llm.ChatMessage
	switch opts.Strategy {
	case TruncateMiddle:
		kept = truncateMiddle(rest, budget, opts.MinMessages)
	default:
		kept = truncateOldest(rest, budget, opts.MinMessages)
	}

	if system == nil {
		return kept
	}
	result := make([]llm.ChatMessage, 0, len(kept)+1)
	result = append(result, *system)
	return append(result, kept...)
}

// truncateOldest walks from newest to oldest and stops at the first message
// that neither fits nor is needed to reach the floor.
func truncateOldest(messages []llm.ChatMessage, budget, minMessages int) []llm.ChatMessage {
	used := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateTokens(messages[i])
		kept := len(messages) - start
		if used+cost > budget && kept >= minMessages {
			break
		}
		used += cost
		start = i
	}

	result := make([]llm.ChatMessage, len(messages)-start)
	copy(result, messages[start:])
	return result
}

// truncateMiddle keeps minMessages/2 leading and the remaining trailing
// messages around a marker. Short conversations, or a head and tail that
// alone exceed the budget, fall back to truncateOldest.
func truncateMiddle(messages []llm.ChatMessage, budget, minMessages int) []llm.ChatMessage {
	headCount := max(1, minMessages/2)
	tailCount := max(1, minMessages-headCount)
	if len(messages) <= headCount+tailCount+1 {
		return truncateOldest(messages, budget, minMessages)
	}

	head := messages[:headCount]
	tail := messages[len(messages)-tailCount:]
	omitted := len(messages) - headCount - tailCount
	marker := llm.SystemMessage(fmt.Sprintf("[%d earlier messages omitted to fit the context window]", omitted))

	if EstimateTotal(head)+EstimateTotal(tail)+EstimateTokens(marker) > budget {
		return truncateOldest(messages, budget, minMessages)
	}

	result := make([]llm.ChatMessage, 0, headCount+tailCount+1)
	result = append(result, head...)
	result = append(result, marker)
	return append(result, tail...)
}
