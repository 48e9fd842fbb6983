// Tool Executor with batching, timeouts and retry logic.
//
// Information Hiding:
// - Batch scheduling and result ordering hidden
// - Per-call timeout race hidden
// - Retry strategy and backoff algorithm hidden
// - Rate limiting hidden

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/richinex/conductor/internal/jsonargs"
	"github.com/richinex/conductor/llm"
)

// Default execution settings.
const (
	DefaultTimeoutMs     = 30000
	DefaultMaxConcurrent = 5
)

// ExecOptions controls one ExecuteToolCalls invocation.
// The zero value is safe: 30s timeout, 5 concurrent calls, continue after
// errors, no retries.
type ExecOptions struct {
	TimeoutMs     int
	MaxConcurrent int
	StopOnError   bool // Default false = continue with later batches after an error
	MaxRetries    int
}

// Timeout returns the per-call timeout, defaulting to 30 seconds.
func (o ExecOptions) Timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Concurrency returns the batch size, defaulting to 5.
func (o ExecOptions) Concurrency() int {
	if o.MaxConcurrent <= 0 {
		return DefaultMaxConcurrent
	}
	return o.MaxConcurrent
}

// Executor runs batches of model tool calls against a registry.
type Executor struct {
	registry *Registry
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewExecutor creates an executor for registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{
		registry: registry,
		logger:   slog.Default(),
	}
}

// WithRateLimit caps tool starts across all batches. perSecond <= 0 removes
// the limit.
func (e *Executor) WithRateLimit(perSecond float64, burst int) *Executor {
	if perSecond <= 0 {
		e.limiter = nil
		return e
	}
	if burst < 1 {
		burst = 1
	}
	e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return e
}

// WithLogger sets the executor logger.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// Registry returns the registry calls are executed against.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// ParseToolCall decodes the raw argument blob of a model tool call.
func ParseToolCall(call llm.ToolCall) (ParsedCall, error) {
	args, err := jsonargs.Decode(call.Arguments)
	if err != nil {
		return ParsedCall{}, fmt.Errorf("Invalid JSON arguments for tool %q: %w", call.Name, err)
	}
	return ParsedCall{ID: call.ID, Name: call.Name, Arguments: args}, nil
}

// ExecuteToolCalls runs calls and returns one result per call in input
// order.
//
// Arguments are parsed first; a parse failure becomes that call's result
// without touching the registry. Parsed calls run in concurrent batches of
// MaxConcurrent, each racing its own timeout. With StopOnError, batches
// after the first one containing an error are not started and their calls
// are reported as skipped.
func (e *Executor) ExecuteToolCalls(ctx context.Context, calls []llm.ToolCall, opts ExecOptions) []Result {
	results := make([]Result, len(calls))

	type pending struct {
		index int
		call  ParsedCall
	}
	var queue []pending
	for i, call := range calls {
		parsed, err := ParseToolCall(call)
		if err != nil {
			results[i] = Result{CallID: call.ID, ToolName: call.Name, Error: err.Error()}
			continue
		}
		queue = append(queue, pending{index: i, call: parsed})
	}

	batchSize := opts.Concurrency()
	for start := 0; start < len(queue); start += batchSize {
		end := min(start+batchSize, len(queue))
		batch := queue[start:end]

		var wg sync.WaitGroup
		for _, p := range batch {
			wg.Add(1)
			go func(p pending) {
				defer wg.Done()
				results[p.index] = e.executeWithTimeout(ctx, p.call, opts)
			}(p)
		}
		wg.Wait()

		if !opts.StopOnError {
			continue
		}
		failed := false
		for _, p := range batch {
			if results[p.index].Failed() {
				failed = true
				break
			}
		}
		if failed {
			for _, p := range queue[end:] {
				results[p.index] = Result{
					CallID:   p.call.ID,
					ToolName: p.call.Name,
					Error:    fmt.Sprintf("Tool %q skipped after an earlier error", p.call.Name),
				}
			}
			break
		}
	}

	return results
}

// executeWithTimeout races one call against its timeout. A call that does
// not finish in time yields an error result; the handler keeps its own
// (cancelled) context and is left to return on its own.
func (e *Executor) executeWithTimeout(ctx context.Context, call ParsedCall, opts ExecOptions) Result {
	timeout := opts.Timeout()
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- e.executeWithRetry(callCtx, call, opts.MaxRetries)
	}()

	select {
	case result := <-done:
		// A handler that gave up because its context ended reports the
		// same way as one that never returned.
		if result.Failed() && callCtx.Err() != nil {
			return e.abandoned(ctx, call, timeout, start)
		}
		return result
	case <-callCtx.Done():
		return e.abandoned(ctx, call, timeout, start)
	}
}

func (e *Executor) abandoned(ctx context.Context, call ParsedCall, timeout time.Duration, start time.Time) Result {
	result := Result{
		CallID:          call.ID,
		ToolName:        call.Name,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	if ctx.Err() != nil {
		result.Error = fmt.Sprintf("Tool %q cancelled: %v", call.Name, ctx.Err())
	} else {
		result.Error = fmt.Sprintf("Tool %q timed out after %dms", call.Name, timeout.Milliseconds())
	}
	e.logger.Warn("tool call abandoned", "tool", call.Name, "call_id", call.ID, "error", result.Error)
	return result
}

// executeWithRetry runs a call up to maxRetries+1 times with exponential
// backoff for failures that look transient.
func (e *Executor) executeWithRetry(ctx context.Context, call ParsedCall, maxRetries int) Result {
	var result Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return result
			case <-time.After(calculateBackoff(attempt)):
			}
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return Result{CallID: call.ID, ToolName: call.Name, Error: fmt.Sprintf("Tool %q not started: %v", call.Name, err)}
			}
		}

		result = e.registry.Execute(ctx, call)
		if !result.Failed() || !shouldRetry(result.Error) {
			return result
		}
		e.logger.Debug("retrying tool call", "tool", call.Name, "attempt", attempt+1, "error", result.Error)
	}
	return result
}

// calculateBackoff returns the backoff duration for the given attempt.
func calculateBackoff(attempt int) time.Duration {
	const (
		baseDelay = 100 * time.Millisecond
		maxDelay  = 5 * time.Second
	)

	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// shouldRetry determines if an error is retryable.
func shouldRetry(errText string) bool {
	errLower := strings.ToLower(errText)

	// Registry verdicts and caller mistakes do not change on retry
	nonRetryable := []string{"not found", "disabled", "invalid", "validation", "not allowed", "permission"}
	for _, s := range nonRetryable {
		if strings.Contains(errLower, s) {
			return false
		}
	}

	retryable := []string{"timeout", "timed out", "connection", "network", "temporar", "unavailable"}
	for _, s := range retryable {
		if strings.Contains(errLower, s) {
			return true
		}
	}
	return false
}

// CreateToolResultMessage converts a result into the tool-role message sent
// back to the model. Content is the JSON result, or {"error": ...} when the
// call failed.
func CreateToolResultMessage(result Result) llm.ChatMessage {
	return llm.ToolMessage(result.CallID, result.ToolName, resultContent(result))
}

func resultContent(result Result) string {
	if result.Failed() {
		data, _ := json.Marshal(map[string]string{"error": result.Error})
		return string(data)
	}
	data, err := json.Marshal(result.Result)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": "unserializable tool result: " + err.Error()})
	}
	return string(data)
}
