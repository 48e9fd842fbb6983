package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richinex/conductor/llm"
)

func sleepyRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	_ = r.Register(Spec{Name: "echo"}, echoHandler)
	_ = r.Register(Spec{Name: "slow"}, func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	_ = r.Register(Spec{Name: "fail"}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("bad input")
	})
	return r
}

func TestExecuteToolCallsTimeoutKeepsOrder(t *testing.T) {
	exec := NewExecutor(sleepyRegistry(t))

	calls := []llm.ToolCall{
		{ID: "a", Name: "echo", Arguments: `{"n":1}`},
		{ID: "b", Name: "slow", Arguments: `{}`},
		{ID: "c", Name: "echo", Arguments: `{"n":3}`},
	}
	results := exec.ExecuteToolCalls(context.Background(), calls, ExecOptions{TimeoutMs: 50, MaxConcurrent: 2})

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, id := range []string{"a", "b", "c"} {
		if results[i].CallID != id {
			t.Errorf("results[%d].CallID = %q, want %q", i, results[i].CallID, id)
		}
	}
	if !strings.Contains(results[1].Error, "timed out") {
		t.Errorf("results[1].Error = %q, want timed out", results[1].Error)
	}
	if results[0].Failed() || results[2].Failed() {
		t.Errorf("unexpected errors: %q, %q", results[0].Error, results[2].Error)
	}
}

func TestExecuteToolCallsParseFailure(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry()
	_ = r.Register(Spec{Name: "count"}, func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	exec := NewExecutor(r)

	results := exec.ExecuteToolCalls(context.Background(), []llm.ToolCall{
		{ID: "x", Name: "count", Arguments: `{"broken"`},
	}, ExecOptions{})

	if !strings.HasPrefix(results[0].Error, `Invalid JSON arguments for tool "count"`) {
		t.Errorf("Error = %q", results[0].Error)
	}
	if calls.Load() != 0 {
		t.Error("handler ran for unparseable arguments")
	}
}

func TestExecuteToolCallsStopOnError(t *testing.T) {
	exec := NewExecutor(sleepyRegistry(t))

	calls := []llm.ToolCall{
		{ID: "1", Name: "fail"},
		{ID: "2", Name: "echo"},
		{ID: "3", Name: "echo"},
	}

	results := exec.ExecuteToolCalls(context.Background(), calls, ExecOptions{MaxConcurrent: 2, StopOnError: true})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Error != "bad input" {
		t.Errorf("results[0].Error = %q", results[0].Error)
	}
	if results[1].Failed() {
		t.Errorf("same-batch call should still run, got %q", results[1].Error)
	}
	if !strings.Contains(results[2].Error, "skipped") {
		t.Errorf("results[2].Error = %q, want skipped", results[2].Error)
	}

	results = exec.ExecuteToolCalls(context.Background(), calls, ExecOptions{MaxConcurrent: 2})
	if results[2].Failed() {
		t.Errorf("continue-on-error should run later batches, got %q", results[2].Error)
	}
}

func TestExecuteToolCallsRunsBatchConcurrently(t *testing.T) {
	var active, peak atomic.Int32
	r := NewRegistry()
	_ = r.Register(Spec{Name: "wait"}, func(ctx context.Context, _ map[string]any) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	})
	exec := NewExecutor(r)

	calls := make([]llm.ToolCall, 4)
	for i := range calls {
		calls[i] = llm.ToolCall{ID: fmt.Sprint(i), Name: "wait"}
	}
	exec.ExecuteToolCalls(context.Background(), calls, ExecOptions{MaxConcurrent: 2})

	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak.Load())
	}
}

func TestExecuteToolCallsRetriesTransientErrors(t *testing.T) {
	var attempts atomic.Int32
	r := NewRegistry()
	_ = r.Register(Spec{Name: "flaky"}, func(context.Context, map[string]any) (any, error) {
		if attempts.Add(1) < 2 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	})
	exec := NewExecutor(r)

	results := exec.ExecuteToolCalls(context.Background(), []llm.ToolCall{{ID: "f", Name: "flaky"}}, ExecOptions{MaxRetries: 2})
	if results[0].Failed() || results[0].Result != "ok" {
		t.Errorf("result = %+v, want ok after retry", results[0])
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestExecuteToolCallsCancelled(t *testing.T) {
	exec := NewExecutor(sleepyRegistry(t))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	results := exec.ExecuteToolCalls(ctx, []llm.ToolCall{{ID: "s", Name: "slow"}}, ExecOptions{TimeoutMs: 5000})
	if !strings.Contains(results[0].Error, "cancelled") {
		t.Errorf("Error = %q, want cancelled", results[0].Error)
	}
}

func TestRateLimitedExecutor(t *testing.T) {
	exec := NewExecutor(sleepyRegistry(t)).WithRateLimit(20, 1)

	calls := []llm.ToolCall{{ID: "1", Name: "echo"}, {ID: "2", Name: "echo"}, {ID: "3", Name: "echo"}}
	start := time.Now()
	results := exec.ExecuteToolCalls(context.Background(), calls, ExecOptions{})
	elapsed := time.Since(start)

	for _, r := range results {
		if r.Failed() {
			t.Errorf("unexpected error %q", r.Error)
		}
	}
	// burst 1 at 20/s: the third call waits at least ~100ms
	if elapsed < 80*time.Millisecond {
		t.Errorf("elapsed = %v, want rate limiting", elapsed)
	}
}

func TestCreateToolResultMessage(t *testing.T) {
	result := Result{CallID: "c1", ToolName: "calculator", Result: map[string]any{"result": 4.0}}
	msg := CreateToolResultMessage(result)

	want, _ := json.Marshal(result.Result)
	if msg.Content != string(want) {
		t.Errorf("Content = %s, want %s", msg.Content, want)
	}
	if msg.Role != llm.RoleTool || msg.ToolCallID != "c1" {
		t.Errorf("message = %+v", msg)
	}

	failed := CreateToolResultMessage(Result{CallID: "c2", Error: `Tool "x" not found`})
	var body map[string]string
	if err := json.Unmarshal([]byte(failed.Content), &body); err != nil {
		t.Fatalf("error content is not JSON: %v", err)
	}
	if body["error"] != `Tool "x" not found` {
		t.Errorf("error content = %v", body)
	}
}

func TestHTTPGetTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "hello world")
	}))
	defer srv.Close()

	tool := NewHTTPGetTool(time.Second).WithMaxBodyBytes(5)
	out, err := tool.Handle(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	body := out.(map[string]any)
	if body["body"] != "hello" || body["truncated"] != true {
		t.Errorf("body = %v", body)
	}

	if _, err := tool.Handle(context.Background(), map[string]any{"url": srv.URL + "/missing"}); err == nil {
		t.Error("expected HTTP error for 404")
	}
	if _, err := tool.Handle(context.Background(), map[string]any{"url": "file:///etc/passwd"}); err == nil {
		t.Error("expected scheme rejection")
	}

	restricted := NewHTTPGetTool(time.Second).WithAllowedDomains([]string{"example.com"})
	if _, err := restricted.Handle(context.Background(), map[string]any{"url": srv.URL}); err == nil {
		t.Error("expected domain rejection")
	}
}
