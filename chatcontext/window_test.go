package chatcontext

import (
	"fmt"
	"strings"
	"testing"

	"github.com/richinex/conductor/llm"
)

// conversation returns a system prompt followed by n user/assistant messages
// of 40 characters each (14 estimated tokens).
func conversation(n int) []llm.ChatMessage {
	msgs := []llm.ChatMessage{llm.SystemMessage("You are helpful.")}
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("%02d", i) + strings.Repeat("x", 38)
		if i%2 == 0 {
			msgs = append(msgs, llm.UserMessage(text))
		} else {
			msgs = append(msgs, llm.AssistantMessage(text, nil))
		}
	}
	return msgs
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 4},
		{"abc", 5},
		{"abcd", 5},
		{"abcde", 6},
		{"ääää", 5},
	}
	for _, tt := range tests {
		if got := EstimateTokens(llm.UserMessage(tt.content)); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}

func TestApplyContextWindowWithinBudget(t *testing.T) {
	msgs := conversation(3)
	got := ApplyContextWindow(msgs, Options{MaxTokens: 1000, Strategy: TruncateOldest})
	if len(got) != len(msgs) {
		t.Errorf("got %d messages, want %d", len(got), len(msgs))
	}
}

func TestTruncateOldestKeepsNewest(t *testing.T) {
	msgs := conversation(10)
	// system: ceil(16/4)+4 = 8; each message 14; budget leaves room for 3
	got := ApplyContextWindow(msgs, Options{MaxTokens: 8 + 3*14, Strategy: TruncateOldest, KeepSystemMessage: true})

	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4", len(got))
	}
	if got[0].Role != llm.RoleSystem {
		t.Error("system message not preserved")
	}
	if !strings.HasPrefix(got[1].Content, "07") || !strings.HasPrefix(got[3].Content, "09") {
		t.Errorf("kept %q .. %q, want 07 .. 09", got[1].Content[:2], got[3].Content[:2])
	}
	if EstimateTotal(got) > 8+3*14 {
		t.Errorf("estimate %d exceeds budget", EstimateTotal(got))
	}
}

func TestTruncateOldestFloorExceedsBudget(t *testing.T) {
	msgs := conversation(10)
	got := ApplyContextWindow(msgs, Options{MaxTokens: 20, Strategy: TruncateOldest, MinMessages: 3, KeepSystemMessage: true})

	if len(got) != 4 {
		t.Fatalf("got %d messages, want system + 3", len(got))
	}
	if EstimateTotal(got) <= 20 {
		t.Error("floor should push the result over budget")
	}
}

func TestTruncateOldestWithoutSystem(t *testing.T) {
	msgs := conversation(4)
	got := ApplyContextWindow(msgs, Options{MaxTokens: 28, Strategy: TruncateOldest})
	for _, m := range got {
		if m.Role == llm.RoleSystem {
			t.Error("system message should not be specially kept")
		}
	}
	if len(got) != 2 {
		t.Errorf("got %d messages, want 2", len(got))
	}
}

func TestTruncateOldestMonotonic(t *testing.T) {
	msgs := conversation(12)
	prev := 0
	for budget := 8 + 2*14; budget <= EstimateTotal(msgs); budget += 7 {
		got := ApplyContextWindow(msgs, Options{MaxTokens: budget, Strategy: TruncateOldest, MinMessages: 2, KeepSystemMessage: true})
		kept := len(got) - 1
		if kept < prev {
			t.Fatalf("budget %d kept %d messages, fewer than %d at a smaller budget", budget, kept, prev)
		}
		// retained messages are a suffix, so a longer result is a superset
		if kept > 0 && got[len(got)-1].Content != msgs[len(msgs)-1].Content {
			t.Fatalf("budget %d dropped the newest message", budget)
		}
		prev = kept
	}
}

func TestTruncateMiddleInsertsMarker(t *testing.T) {
	msgs := conversation(10)
	got := ApplyContextWindow(msgs, Options{MaxTokens: 100, Strategy: TruncateMiddle, MinMessages: 4, KeepSystemMessage: true})

	// system + 2 head + marker + 2 tail
	if len(got) != 6 {
		t.Fatalf("got %d messages, want 6", len(got))
	}
	if !strings.HasPrefix(got[1].Content, "00") || !strings.HasPrefix(got[2].Content, "01") {
		t.Error("head not preserved")
	}
	if got[3].Role != llm.RoleSystem || !strings.Contains(got[3].Content, "6 earlier messages omitted") {
		t.Errorf("marker = %+v", got[3])
	}
	if !strings.HasPrefix(got[5].Content, "09") {
		t.Error("tail not preserved")
	}
}

func TestTruncateMiddleFallsBack(t *testing.T) {
	small := conversation(4)
	got := ApplyContextWindow(small, Options{MaxTokens: 40, Strategy: TruncateMiddle, MinMessages: 4, KeepSystemMessage: true})
	for _, m := range got[1:] {
		if strings.Contains(m.Content, "omitted") {
			t.Error("short conversation should not get a marker")
		}
	}

	large := conversation(10)
	got = ApplyContextWindow(large, Options{MaxTokens: 30, Strategy: TruncateMiddle, MinMessages: 4, KeepSystemMessage: true})
	want := ApplyContextWindow(large, Options{MaxTokens: 30, Strategy: TruncateOldest, MinMessages: 4, KeepSystemMessage: true})
	if len(got) != len(want) {
		t.Errorf("over-budget head/tail: got %d messages, want truncate-oldest's %d", len(got), len(want))
	}
}

func TestSummarizeMatchesTruncateOldest(t *testing.T) {
	msgs := conversation(10)
	a := ApplyContextWindow(msgs, Options{MaxTokens: 60, Strategy: Summarize, MinMessages: 1, KeepSystemMessage: true})
	b := ApplyContextWindow(msgs, Options{MaxTokens: 60, Strategy: TruncateOldest, MinMessages: 1, KeepSystemMessage: true})
	if len(a) != len(b) {
		t.Fatalf("summarize kept %d, truncate-oldest kept %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Content != b[i].Content {
			t.Errorf("message %d differs", i)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"", "truncate-oldest", "truncate-middle", "summarize"} {
		if _, err := ParseStrategy(s); err != nil {
			t.Errorf("ParseStrategy(%q) error = %v", s, err)
		}
	}
	if _, err := ParseStrategy("compress"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestDropOrphanToolResults(t *testing.T) {
	msgs := []llm.ChatMessage{
		llm.ToolMessage("gone", "calculator", "4"),
		llm.UserMessage("next"),
		llm.AssistantMessage("", []llm.ToolCall{{ID: "a", Name: "datetime"}, {ID: "b", Name: "calculator"}}),
		llm.ToolMessage("a", "datetime", "{}"),
	}

	got := DropOrphanToolResults(msgs)
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].Role != llm.RoleUser {
		t.Error("orphan tool message kept")
	}
	if calls := got[1].ToolCalls; len(calls) != 1 || calls[0].ID != "a" {
		t.Errorf("tool calls = %+v, want only the answered call", calls)
	}
}
