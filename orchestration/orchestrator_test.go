package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richinex/conductor/agent"
	"github.com/richinex/conductor/chatcontext"
	"github.com/richinex/conductor/llm"
	"github.com/richinex/conductor/model"
	"github.com/richinex/conductor/servers"
	"github.com/richinex/conductor/tools"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

// --- fake completion server ---

type reply func(w http.ResponseWriter, r *http.Request)

type wireRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role      string            `json:"role"`
		Content   string            `json:"content"`
		ToolCalls []json.RawMessage `json:"tool_calls"`
	} `json:"messages"`
	Tools []struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
}

// fakeModel answers successive completion requests with scripted replies.
// The last reply repeats once the script runs out.
type fakeModel struct {
	mu       sync.Mutex
	replies  []reply
	requests []wireRequest
}

func (f *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var req wireRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	next := f.replies[min(len(f.requests)-1, len(f.replies)-1)]
	f.mu.Unlock()

	next(w, r)
}

func (f *fakeModel) recorded() []wireRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wireRequest(nil), f.requests...)
}

func chunk(delta map[string]any) string {
	data, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"model":   "test-model",
		"choices": []any{map[string]any{"index": 0, "delta": delta}},
	})
	return string(data)
}

func writeSSE(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func answer(parts ...string) reply {
	return func(w http.ResponseWriter, r *http.Request) {
		var payloads []string
		for _, p := range parts {
			payloads = append(payloads, chunk(map[string]any{"content": p}))
		}
		payloads = append(payloads, `{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`, "[DONE]")
		writeSSE(w, payloads...)
	}
}

// callTools streams each call as two fragments, splitting the arguments.
func callTools(calls ...llm.ToolCall) reply {
	return func(w http.ResponseWriter, r *http.Request) {
		var payloads []string
		for i, c := range calls {
			half := len(c.Arguments) / 2
			payloads = append(payloads,
				chunk(map[string]any{"tool_calls": []any{map[string]any{
					"index": i, "id": c.ID, "type": "function",
					"function": map[string]any{"name": c.Name, "arguments": c.Arguments[:half]},
				}}}),
				chunk(map[string]any{"tool_calls": []any{map[string]any{
					"index": i, "function": map[string]any{"arguments": c.Arguments[half:]},
				}}}),
			)
		}
		payloads = append(payloads, "[DONE]")
		writeSSE(w, payloads...)
	}
}

func failWith(status int) reply {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model crashed"}}`, status)
	}
}

// hang streams one delta and then blocks until the client goes away.
func hang() reply {
	return func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, chunk(map[string]any{"content": "thinking"}))
		<-r.Context().Done()
	}
}

func calc(id, expr string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "calculator", Arguments: fmt.Sprintf(`{"expression":%q}`, expr)}
}

// --- harness ---

func newHarness(t *testing.T, config Config, replies ...reply) (*Orchestrator, *fakeModel) {
	t.Helper()
	return newHarnessWithTools(t, config, nil, replies...)
}

// newHarnessWithTools lets a test register extra tools before the
// orchestrator is built.
func newHarnessWithTools(t *testing.T, config Config, extra func(reg *tools.Registry), replies ...reply) (*Orchestrator, *fakeModel) {
	t.Helper()
	fm := &fakeModel{replies: replies}
	srv := httptest.NewServer(fm)
	t.Cleanup(srv.Close)

	dir := servers.NewDirectory(llm.Config{RetryDelay: time.Millisecond, Timeout: 5 * time.Second})
	if _, err := dir.Add(model.Server{ID: "local", URL: srv.URL}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	err := reg.Register(tools.Spec{Name: "boom", Description: "Always fails"},
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("boom exploded")
		})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if extra != nil {
		extra(reg)
	}

	o := New(agent.NewRegistry(), tools.NewExecutor(reg), dir, config)
	return o, fm
}

func testAgent(o *Orchestrator, configure func(b *agent.Builder)) string {
	b := agent.NewBuilder("tester", "Tester").PreferredModel("test-model")
	if configure != nil {
		configure(b)
	}
	o.RegisterAgent(b.Build())
	return "tester"
}

func request(input string) RunRequest {
	return RunRequest{Input: input, ServerID: "local"}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var all []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return all
			}
			all = append(all, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(all))
		}
	}
}

// waitFor reads events until one matches, returning it.
func waitFor(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before the expected event")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func isStatus(status RunStatus) func(Event) bool {
	return func(ev Event) bool {
		p, ok := ev.Data.(StatusPayload)
		return ev.Type == EventStatus && ok && p.Status == status
	}
}

func finalRun(t *testing.T, events []Event) *Run {
	t.Helper()
	var done []*Run
	for _, ev := range events {
		if ev.Type == EventDone {
			done = append(done, ev.Data.(*Run))
		}
	}
	if len(done) != 1 {
		t.Fatalf("got %d done events, want 1", len(done))
	}
	if events[len(events)-1].Type != EventDone {
		t.Errorf("last event is %s, want done", events[len(events)-1].Type)
	}
	return done[0]
}

func stepTypes(run *Run) []StepType {
	types := make([]StepType, len(run.Steps))
	for i, s := range run.Steps {
		types[i] = s.Type
	}
	return types
}

// --- tests ---

func TestRunRejected(t *testing.T) {
	tests := []struct {
		name      string
		agentID   string
		req       RunRequest
		configure func(b *agent.Builder)
		code      string
		message   string
	}{
		{"unknown agent", "ghost", request("hi"), nil, CodeAgentNotFound, "Agent not found"},
		{"zero turns", "tester", request("hi"), func(b *agent.Builder) { b.MaxTurns(0) }, CodeInvalidAgent, "maxTurns must be at least 1"},
		{"unknown server", "tester", RunRequest{Input: "hi", ServerID: "nowhere"}, nil, CodeServerNotFound, "Server not found"},
		{"no model", "tester", request("hi"), func(b *agent.Builder) { b.PreferredModel("") }, CodeNoModel, "No model specified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, fm := newHarness(t, Config{}, answer("unused"))
			testAgent(o, tt.configure)

			events := collect(t, o.RunAgent(context.Background(), tt.agentID, tt.req))
			if len(events) != 1 || events[0].Type != EventError {
				t.Fatalf("events = %+v, want a single error", events)
			}
			p := events[0].Data.(ErrorPayload)
			if p.Code != tt.code || !strings.Contains(p.Error, tt.message) {
				t.Errorf("payload = %+v", p)
			}

			_, err := o.Run(context.Background(), tt.agentID, tt.req)
			var pe *PreconditionError
			if !errors.As(err, &pe) || pe.Code != tt.code {
				t.Errorf("Run() error = %v", err)
			}
			if n := len(o.ListActiveRuns()); n != 0 {
				t.Errorf("%d active runs after rejection", n)
			}
			if n := len(fm.recorded()); n != 0 {
				t.Errorf("%d completion requests after rejection", n)
			}
		})
	}
}

func TestRunRejectedAtCapacity(t *testing.T) {
	o, _ := newHarness(t, Config{MaxConcurrentRuns: 1}, hang())
	id := testAgent(o, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := o.RunAgent(ctx, id, request("block"))
	waitFor(t, first, func(ev Event) bool { return ev.Type == EventContent })

	events := collect(t, o.RunAgent(context.Background(), id, request("second")))
	if len(events) != 1 || events[0].Data.(ErrorPayload).Error != "Maximum concurrent agent runs reached" {
		t.Errorf("events = %+v", events)
	}

	cancel()
	run := finalRun(t, collect(t, first))
	if run.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", run.Status)
	}
}

func TestRunPlainAnswer(t *testing.T) {
	o, fm := newHarness(t, Config{}, answer("Hel", "lo"))
	id := testAgent(o, nil)

	events := collect(t, o.RunAgent(context.Background(), id, request("hi")))
	run := finalRun(t, events)

	if first := events[0]; first.Type != EventStatus || first.Data.(StatusPayload).Status != StatusExecuting {
		t.Errorf("first event = %+v, want status executing", first)
	}
	var deltas []string
	for _, ev := range events {
		if ev.Type == EventContent {
			deltas = append(deltas, ev.Data.(ContentPayload).Content)
		}
	}
	if strings.Join(deltas, "|") != "Hel|lo" {
		t.Errorf("content deltas = %v", deltas)
	}

	if run.Status != StatusCompleted || run.Output != "Hello" {
		t.Errorf("run = %s %q", run.Status, run.Output)
	}
	if run.CurrentTurn != 1 || run.EndedAt == nil {
		t.Errorf("CurrentTurn = %d, EndedAt = %v", run.CurrentTurn, run.EndedAt)
	}
	if got := stepTypes(run); len(got) != 2 || got[0] != StepThinking || got[1] != StepResponse {
		t.Errorf("steps = %v", got)
	}
	if run.Usage.TotalTokens != 12 || run.Usage.LLMCalls != 1 {
		t.Errorf("usage = %+v", run.Usage)
	}

	// system + user + assistant
	if len(run.Messages) != 3 || run.Messages[2].Content != "Hello" {
		t.Errorf("messages = %+v", run.Messages)
	}
	if reqs := fm.recorded(); len(reqs) != 1 || reqs[0].Model != "test-model" {
		t.Errorf("requests = %+v", reqs)
	}
	if _, ok := o.GetRunStatus(run.ID); ok {
		t.Error("finished run still reported as active")
	}
}

func TestRunToolTurnThenAnswer(t *testing.T) {
	o, fm := newHarness(t, Config{}, callTools(calc("call_1", "2+2")), answer("It is 4."))
	id := testAgent(o, func(b *agent.Builder) { b.Tools("calculator") })

	run, err := o.Run(context.Background(), id, request("What is 2+2?"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if run.Status != StatusCompleted || run.Output != "It is 4." {
		t.Errorf("run = %s %q", run.Status, run.Output)
	}
	if run.TotalToolCalls != 1 || run.CurrentTurn != 2 {
		t.Errorf("TotalToolCalls = %d, CurrentTurn = %d", run.TotalToolCalls, run.CurrentTurn)
	}

	want := []StepType{StepThinking, StepToolCall, StepToolResult, StepThinking, StepResponse}
	got := stepTypes(run)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
	if args := run.Steps[1].ToolArgs; args["expression"] != "2+2" {
		t.Errorf("tool args = %v", args)
	}

	var toolMsg llm.ChatMessage
	for _, m := range run.Messages {
		if m.Role == llm.RoleTool {
			toolMsg = m
		}
	}
	if toolMsg.ToolCallID != "call_1" || toolMsg.Content != `{"expression":"2+2","result":4}` {
		t.Errorf("tool message = %+v", toolMsg)
	}

	reqs := fm.recorded()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Function.Name != "calculator" {
		t.Errorf("visible tools = %+v, want only calculator", reqs[0].Tools)
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleTool {
		t.Errorf("second request ends with %s, want the tool result", last.Role)
	}
}

func TestRunExhaustsTurns(t *testing.T) {
	tests := []struct {
		name     string
		complete bool
		want     RunStatus
	}{
		{"reports max turns", false, StatusMaxTurnsExceeded},
		{"legacy completion", true, StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newHarness(t, Config{CompleteOnMaxTurns: tt.complete}, callTools(calc("call_x", "1+1")))
			id := testAgent(o, func(b *agent.Builder) { b.MaxTurns(2) })

			run, err := o.Run(context.Background(), id, request("loop forever"))
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if run.Status != tt.want {
				t.Errorf("Status = %s, want %s", run.Status, tt.want)
			}
			if run.CurrentTurn != 2 || run.TotalToolCalls != 2 {
				t.Errorf("CurrentTurn = %d, TotalToolCalls = %d", run.CurrentTurn, run.TotalToolCalls)
			}
			last := run.Messages[len(run.Messages)-1]
			if last.Role != llm.RoleTool || run.Output != last.Content {
				t.Errorf("Output = %q, want last tool message %q", run.Output, last.Content)
			}
			if run.Error != "" {
				t.Errorf("Error = %q, want empty", run.Error)
			}
		})
	}
}

func TestRunStopsOnToolError(t *testing.T) {
	o, fm := newHarness(t, Config{}, callTools(llm.ToolCall{ID: "b1", Name: "boom", Arguments: "{}"}), answer("never"))
	id := testAgent(o, func(b *agent.Builder) { b.StopOnError(true) })

	events := collect(t, o.RunAgent(context.Background(), id, request("explode")))
	run := finalRun(t, events)

	if run.Status != StatusFailed || run.Error != "boom exploded" {
		t.Errorf("run = %s %q", run.Status, run.Error)
	}
	if run.CurrentTurn != 1 || len(fm.recorded()) != 1 {
		t.Errorf("CurrentTurn = %d after %d requests", run.CurrentTurn, len(fm.recorded()))
	}
	sawError := false
	for _, ev := range events {
		if ev.Type == EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no error event for a failed run")
	}
}

func TestRunStopsOnToolErrorWithinBatch(t *testing.T) {
	var tallied atomic.Int32
	o, fm := newHarnessWithTools(t, Config{},
		func(reg *tools.Registry) {
			err := reg.Register(tools.Spec{Name: "tally", Description: "Counts invocations"},
				func(ctx context.Context, args map[string]any) (any, error) {
					return tallied.Add(1), nil
				})
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}
		},
		callTools(
			calc("c1", "1+1"),
			llm.ToolCall{ID: "b2", Name: "boom", Arguments: "{}"},
			llm.ToolCall{ID: "t3", Name: "tally", Arguments: "{}"},
		),
		answer("never"))
	id := testAgent(o, func(b *agent.Builder) { b.StopOnError(true) })

	events := collect(t, o.RunAgent(context.Background(), id, request("three at once")))
	run := finalRun(t, events)

	if run.Status != StatusFailed || run.Error != "boom exploded" {
		t.Errorf("run = %s %q, want failed with the second call's error", run.Status, run.Error)
	}
	if got := tallied.Load(); got != 1 {
		t.Errorf("third call ran %d times, want 1 (same batch)", got)
	}
	if len(fm.recorded()) != 1 {
		t.Errorf("got %d completion requests, want 1", len(fm.recorded()))
	}

	var folded []string
	for _, ev := range events {
		if ev.Type == EventToolResult {
			folded = append(folded, ev.Data.(tools.Result).CallID)
		}
	}
	if strings.Join(folded, ",") != "c1,b2" {
		t.Errorf("tool_result events = %v, want [c1 b2]", folded)
	}

	var toolMessages []string
	for _, m := range run.Messages {
		if m.Role == llm.RoleTool {
			toolMessages = append(toolMessages, m.ToolCallID)
		}
	}
	if strings.Join(toolMessages, ",") != "c1,b2" {
		t.Errorf("tool messages = %v, want [c1 b2]", toolMessages)
	}
	for _, s := range run.Steps {
		if s.Type == StepToolResult && s.ToolCallID == "t3" {
			t.Error("third call folded into steps")
		}
	}
}

func TestRunContinuesAfterToolError(t *testing.T) {
	o, _ := newHarness(t, Config{}, callTools(llm.ToolCall{ID: "b1", Name: "boom", Arguments: "{}"}), answer("recovered"))
	id := testAgent(o, nil)

	run, err := o.Run(context.Background(), id, request("explode"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != StatusCompleted || run.Output != "recovered" {
		t.Errorf("run = %s %q", run.Status, run.Output)
	}
	if step := run.Steps[2]; step.Type != StepToolResult || step.ToolError != "boom exploded" {
		t.Errorf("tool result step = %+v", step)
	}
}

func TestRunTruncatesToolCalls(t *testing.T) {
	o, _ := newHarness(t, Config{},
		callTools(calc("c1", "1+1"), calc("c2", "2+2"), calc("c3", "3+3")),
		answer("done"))
	id := testAgent(o, func(b *agent.Builder) { b.MaxToolCallsPerTurn(2) })

	run, err := o.Run(context.Background(), id, request("many"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.TotalToolCalls != 3 {
		t.Errorf("TotalToolCalls = %d, want 3 (counted before truncation)", run.TotalToolCalls)
	}

	results := 0
	for _, s := range run.Steps {
		if s.Type == StepToolResult {
			results++
		}
	}
	if results != 2 {
		t.Errorf("got %d tool results, want 2", results)
	}
	for _, m := range run.Messages {
		if m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0 && len(m.ToolCalls) != 2 {
			t.Errorf("assistant message carries %d tool calls, want 2", len(m.ToolCalls))
		}
	}
}

func TestRunModelError(t *testing.T) {
	tests := []struct {
		name        string
		stopOnError bool
		want        RunStatus
	}{
		{"continues", false, StatusCompleted},
		{"stops", true, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newHarness(t, Config{}, failWith(http.StatusInternalServerError), answer("second try"))
			id := testAgent(o, func(b *agent.Builder) { b.StopOnError(tt.stopOnError) })

			run, err := o.Run(context.Background(), id, request("hi"))
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if run.Status != tt.want {
				t.Errorf("Status = %s, want %s", run.Status, tt.want)
			}
			if run.Steps[1].Type != StepError || !strings.Contains(run.Steps[1].Content, "model crashed") {
				t.Errorf("step = %+v, want the model error", run.Steps[1])
			}
			if tt.stopOnError && run.Error == "" {
				t.Error("failed run has no error")
			}
		})
	}
}

func TestCancelRun(t *testing.T) {
	o, _ := newHarness(t, Config{}, hang())
	id := testAgent(o, nil)

	events := o.RunAgent(context.Background(), id, request("slow"))
	waitFor(t, events, func(ev Event) bool { return ev.Type == EventContent })

	active := o.ListActiveRuns()
	if len(active) != 1 || active[0].Status != StatusExecuting {
		t.Fatalf("active runs = %+v", active)
	}
	if err := o.CancelRun(active[0].ID); err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}

	run := finalRun(t, collect(t, events))
	if run.Status != StatusCancelled || run.Error != "" {
		t.Errorf("run = %s %q", run.Status, run.Error)
	}
	if err := o.CancelRun(run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("CancelRun(finished) error = %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	o, _ := newHarness(t, Config{}, hang())
	id := testAgent(o, func(b *agent.Builder) { b.RunTimeout(50 * time.Millisecond) })

	run, err := o.Run(context.Background(), id, request("slow"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != StatusCancelled || run.Error != "" {
		t.Errorf("run = %s %q", run.Status, run.Error)
	}
}

func TestConfirmation(t *testing.T) {
	tests := []struct {
		name    string
		approve bool
		want    RunStatus
	}{
		{"approved", true, StatusCompleted},
		{"rejected", false, StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, fm := newHarness(t, Config{}, callTools(calc("c1", "6*7")), answer("42"))
			id := testAgent(o, func(b *agent.Builder) { b.RequireConfirmation(true) })

			events := o.RunAgent(context.Background(), id, request("compute"))
			waitFor(t, events, isStatus(StatusWaitingConfirmation))

			runs := o.ListActiveRuns()
			if len(runs) != 1 {
				t.Fatalf("got %d active runs", len(runs))
			}
			if err := o.Confirm(runs[0].ID, tt.approve); err != nil {
				t.Fatalf("Confirm() error = %v", err)
			}

			run := finalRun(t, collect(t, events))
			if run.Status != tt.want {
				t.Errorf("Status = %s, want %s", run.Status, tt.want)
			}
			if !tt.approve && len(fm.recorded()) != 1 {
				t.Error("rejected run asked the model again")
			}
		})
	}
}

func TestConfirmErrors(t *testing.T) {
	o, _ := newHarness(t, Config{}, hang())
	id := testAgent(o, nil)

	if err := o.Confirm("missing", true); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Confirm(missing) error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := o.RunAgent(ctx, id, request("slow"))
	waitFor(t, events, func(ev Event) bool { return ev.Type == EventContent })
	runID := o.ListActiveRuns()[0].ID

	if err := o.Confirm(runID, true); !errors.Is(err, ErrNotWaiting) {
		t.Errorf("Confirm(executing) error = %v", err)
	}
	cancel()
	collect(t, events)
}

func TestAutoConfirmSkipsGate(t *testing.T) {
	o, _ := newHarness(t, Config{AutoConfirm: true}, callTools(calc("c1", "1+2")), answer("3"))
	id := testAgent(o, func(b *agent.Builder) { b.RequireConfirmation(true) })

	events := collect(t, o.RunAgent(context.Background(), id, request("add")))
	for _, ev := range events {
		if isStatus(StatusWaitingConfirmation)(ev) {
			t.Fatal("run waited for confirmation")
		}
	}
	if run := finalRun(t, events); run.Status != StatusCompleted {
		t.Errorf("Status = %s", run.Status)
	}
}

func TestAutoContinueDisabled(t *testing.T) {
	o, fm := newHarness(t, Config{}, callTools(calc("c1", "5-3")), answer("unused"))
	id := testAgent(o, func(b *agent.Builder) { b.AutoContinue(false) })

	run, err := o.Run(context.Background(), id, request("once"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != StatusCompleted || run.CurrentTurn != 1 || len(fm.recorded()) != 1 {
		t.Errorf("run = %s after %d turns", run.Status, run.CurrentTurn)
	}
	if run.Output != `{"expression":"5-3","result":2}` {
		t.Errorf("Output = %q", run.Output)
	}
}

func TestContextWindowBoundsRequest(t *testing.T) {
	window := chatcontext.Options{MaxTokens: 60, Strategy: chatcontext.TruncateOldest, MinMessages: 2, KeepSystemMessage: true}
	o, fm := newHarness(t, Config{ContextWindow: &window}, answer("ok"))
	id := testAgent(o, nil)

	req := request("latest question")
	for i := 0; i < 20; i++ {
		req.History = append(req.History, llm.UserMessage(strings.Repeat("old context ", 5)))
	}
	run, err := o.Run(context.Background(), id, req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sent := fm.recorded()[0].Messages
	if len(sent) >= 22 {
		t.Errorf("sent %d messages, want the window applied", len(sent))
	}
	if sent[0].Role != llm.RoleSystem || sent[len(sent)-1].Content != "latest question" {
		t.Errorf("window lost the system prompt or the newest message")
	}
	if len(run.Messages) != 23 {
		t.Errorf("history has %d messages, want the full 23", len(run.Messages))
	}
}

func TestRunHistoryPrecedesInput(t *testing.T) {
	o, fm := newHarness(t, Config{}, answer("ok"))
	id := testAgent(o, nil)

	req := request("and now?")
	req.History = []llm.ChatMessage{llm.UserMessage("earlier"), llm.AssistantMessage("reply", nil)}
	req.Model = "override-model"
	if _, err := o.Run(context.Background(), id, req); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sent := fm.recorded()[0]
	if sent.Model != "override-model" {
		t.Errorf("Model = %q, want the override", sent.Model)
	}
	var roles []string
	for _, m := range sent.Messages {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Errorf("roles = %v", roles)
	}
}

func TestAgentManagement(t *testing.T) {
	o, _ := newHarness(t, Config{}, answer("unused"))
	agent.RegisterPresets(o.agents)

	presets := o.ListPresets()
	if len(presets) == 0 || len(o.ListCustomAgents()) != 0 {
		t.Fatalf("presets = %d, custom = %d", len(presets), len(o.ListCustomAgents()))
	}
	if err := o.DeleteAgent(presets[0].ID); !errors.Is(err, agent.ErrPresetImmutable) {
		t.Errorf("DeleteAgent(preset) error = %v", err)
	}

	def := agent.NewDefinition()
	def.Name = "Custom"
	created, err := o.CreateAgent(def)
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	name := "Renamed"
	updated, err := o.UpdateAgent(created.ID, agent.Patch{Name: &name})
	if err != nil || updated.Name != "Renamed" {
		t.Errorf("UpdateAgent() = %+v, %v", updated, err)
	}
	if got, ok := o.GetAgent(created.ID); !ok || got.Name != "Renamed" {
		t.Errorf("GetAgent() = %+v, %v", got, ok)
	}
	if err := o.DeleteAgent(created.ID); err != nil {
		t.Errorf("DeleteAgent() error = %v", err)
	}
	if o.UnregisterAgent(created.ID) {
		t.Error("deleted agent still registered")
	}
}
