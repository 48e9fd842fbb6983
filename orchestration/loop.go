// Run loop - one goroutine per run.
//
// Each turn asks the model for a completion, streams its content, then
// executes any requested tools and feeds their results back. The loop ends
// on a plain answer, a stopping error, cancellation or the turn limit.
//
// Information Hiding:
// - Turn sequencing and termination rules hidden
// - Stream consumption and tool-call assembly hidden
// - Event delivery and backpressure hidden

package orchestration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/richinex/conductor/agent"
	"github.com/richinex/conductor/chatcontext"
	"github.com/richinex/conductor/internal/logger"
	"github.com/richinex/conductor/llm"
	"github.com/richinex/conductor/metrics"
	"github.com/richinex/conductor/tools"
)

type loop struct {
	o      *Orchestrator
	def    agent.Definition
	state  *runState
	client Streamer
	events chan<- Event

	// observer is the caller's context. Events are dropped rather than
	// blocking once it ends.
	observer context.Context
	logger   *slog.Logger
}

func (l *loop) run(ctx context.Context) {
	start := time.Now()
	runID := l.state.run.ID
	ctx = logger.WithRun(ctx, runID, l.def.ID)
	l.logger = logger.WithContext(ctx, l.o.logger)
	metrics.RecordRunStart()
	l.logger.Info("run started", "model", l.state.run.Model, "server", l.state.run.ServerID)

	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("run panicked", "panic", rec)
			l.fail(fmt.Sprintf("internal error: %v", rec))
		}
		l.finish(start)
	}()

	l.setStatus(StatusExecuting)
	l.iterate(ctx)
}

func (l *loop) iterate(ctx context.Context) {
	behavior := l.def.Behavior

	for l.currentTurn() < behavior.MaxTurns {
		if ctx.Err() != nil {
			l.cancelled(ctx)
			return
		}

		turn := l.nextTurn()
		l.addStep(Step{Type: StepThinking, Content: fmt.Sprintf("Turn %d of %d", turn, behavior.MaxTurns)})

		content, calls, err := l.complete(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.cancelled(ctx)
				return
			}
			l.logger.Warn("completion failed", "turn", turn, "error", err)
			l.addStep(Step{Type: StepError, Content: err.Error()})
			if behavior.StopOnError {
				l.fail(err.Error())
				return
			}
			continue
		}

		if len(calls) == 0 {
			l.appendMessages(llm.AssistantMessage(content, nil))
			l.addStep(Step{Type: StepResponse, Content: content})
			l.state.update(func(r *Run) { r.Output = content })
			l.setStatus(StatusCompleted)
			return
		}

		l.state.update(func(r *Run) { r.TotalToolCalls += len(calls) })
		if limit := behavior.MaxToolCallsPerTurn; limit > 0 && len(calls) > limit {
			l.addStep(Step{
				Type:    StepThinking,
				Content: fmt.Sprintf("Model requested %d tool calls; executing the first %d", len(calls), limit),
			})
			calls = calls[:limit]
		}
		// Only calls that will be answered go into history.
		l.appendMessages(llm.AssistantMessage(content, calls))

		if behavior.RequireConfirmation && !l.o.config.AutoConfirm {
			if !l.awaitConfirmation(ctx, calls) {
				return
			}
		}

		if !l.runTools(ctx, calls) {
			return
		}

		if !behavior.AutoContinue {
			l.settle(ctx, StatusCompleted)
			return
		}
	}

	exhausted := StatusMaxTurnsExceeded
	if l.o.config.CompleteOnMaxTurns {
		exhausted = StatusCompleted
	}
	l.settle(ctx, exhausted)
}

// settle ends a run that stopped without a final answer. Output is the
// content of the last message in history.
func (l *loop) settle(ctx context.Context, status RunStatus) {
	if ctx.Err() != nil {
		l.cancelled(ctx)
		return
	}
	l.state.update(func(r *Run) {
		if n := len(r.Messages); n > 0 {
			r.Output = r.Messages[n-1].Content
		}
	})
	l.setStatus(status)
}

// complete streams one completion over the current history.
func (l *loop) complete(ctx context.Context) (string, []llm.ToolCall, error) {
	history := l.history()
	if window := l.o.config.ContextWindow; window != nil {
		before := len(history)
		history = chatcontext.DropOrphanToolResults(chatcontext.ApplyContextWindow(history, *window))
		if len(history) < before {
			l.logger.Debug("context window applied", "kept", len(history), "total", before)
		}
	}

	policy := l.def.Model
	temperature, topP := policy.Temperature, policy.TopP
	request := llm.ChatRequest{
		Model:       l.state.run.Model,
		Messages:    history,
		Temperature: &temperature,
		TopP:        &topP,
		MaxTokens:   policy.MaxTokens,
		Tools:       l.visibleTools(),
	}

	stream, err := l.client.OpenStream(ctx, request)
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	var acc llm.Accumulator
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, err
		}
		if delta := acc.Add(chunk); delta != "" {
			l.emit(EventContent, ContentPayload{Content: delta})
		}
	}
	if skipped := stream.Skipped(); skipped > 0 {
		l.logger.Debug("malformed stream chunks skipped", "count", skipped)
	}

	l.state.update(func(r *Run) {
		r.Usage.AddUsage(acc.Usage())
		r.Usage.LLMCalls++
	})
	return acc.Content(), acc.ToolCalls(), nil
}

// visibleTools returns enabled tool definitions permitted by the agent.
func (l *loop) visibleTools() []llm.ToolDefinition {
	defs := l.o.tools.Definitions()
	if l.def.AllowsAllTools() {
		return defs
	}
	allowed := make(map[string]bool, len(l.def.Tools))
	for _, name := range l.def.Tools {
		allowed[name] = true
	}
	visible := make([]llm.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		if allowed[def.Name] {
			visible = append(visible, def)
		}
	}
	return visible
}

func (l *loop) awaitConfirmation(ctx context.Context, calls []llm.ToolCall) bool {
	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.Name
	}
	l.addStep(Step{Type: StepThinking, Content: "Awaiting confirmation for: " + strings.Join(names, ", ")})

	// Discard a stale answer from an earlier gate.
	select {
	case <-l.state.confirm:
	default:
	}
	l.setStatus(StatusWaitingConfirmation)

	select {
	case approved := <-l.state.confirm:
		if !approved {
			l.addStep(Step{Type: StepThinking, Content: "Tool calls rejected"})
			l.setStatus(StatusCancelled)
			return false
		}
		l.setStatus(StatusExecuting)
		return true
	case <-ctx.Done():
		l.cancelled(ctx)
		return false
	}
}

// runTools executes one batch and folds the results into history in call
// order. Returns false when the run must stop.
func (l *loop) runTools(ctx context.Context, calls []llm.ToolCall) bool {
	for _, call := range calls {
		var args map[string]any
		if parsed, err := tools.ParseToolCall(call); err == nil {
			args = parsed.Arguments
		}
		l.addStep(Step{
			Type:       StepToolCall,
			Content:    "Calling " + call.Name,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			ToolArgs:   args,
		})
		l.emit(EventToolCall, ToolCallPayload{ID: call.ID, Name: call.Name, Arguments: args})
	}

	opts := l.o.config.Exec
	opts.StopOnError = l.def.Behavior.StopOnError
	results := l.o.executor.ExecuteToolCalls(ctx, calls, opts)

	for _, result := range results {
		content := "Result from " + result.ToolName
		if result.Failed() {
			content = "Error from " + result.ToolName + ": " + result.Error
		}
		l.addStep(Step{
			Type:       StepToolResult,
			Content:    content,
			ToolName:   result.ToolName,
			ToolCallID: result.CallID,
			ToolResult: result.Result,
			ToolError:  result.Error,
			DurationMs: result.ExecutionTimeMs,
		})
		l.emit(EventToolResult, result)
		l.appendMessages(tools.CreateToolResultMessage(result))

		if result.Failed() && l.def.Behavior.StopOnError {
			if ctx.Err() != nil {
				l.cancelled(ctx)
			} else {
				l.fail(result.Error)
			}
			return false
		}
	}
	return true
}

// --- state transitions ---

func (l *loop) currentTurn() int {
	var turn int
	l.state.update(func(r *Run) { turn = r.CurrentTurn })
	return turn
}

func (l *loop) nextTurn() int {
	var turn int
	l.state.update(func(r *Run) {
		r.CurrentTurn++
		turn = r.CurrentTurn
	})
	return turn
}

func (l *loop) history() []llm.ChatMessage {
	var msgs []llm.ChatMessage
	l.state.update(func(r *Run) { msgs = append([]llm.ChatMessage(nil), r.Messages...) })
	return msgs
}

func (l *loop) appendMessages(msgs ...llm.ChatMessage) {
	l.state.update(func(r *Run) { r.Messages = append(r.Messages, msgs...) })
}

func (l *loop) addStep(step Step) {
	step.Timestamp = time.Now().UTC()
	l.state.update(func(r *Run) {
		step.Index = len(r.Steps)
		r.Steps = append(r.Steps, step)
	})
	l.emit(EventStep, step)
}

func (l *loop) setStatus(status RunStatus) {
	var id string
	l.state.update(func(r *Run) {
		r.Status = status
		id = r.ID
	})
	l.emit(EventStatus, StatusPayload{RunID: id, Status: status})
}

// cancelled ends the run without touching its error field.
func (l *loop) cancelled(ctx context.Context) {
	l.logger.Info("run cancelled", "cause", context.Cause(ctx))
	l.setStatus(StatusCancelled)
}

func (l *loop) fail(message string) {
	var id string
	l.state.update(func(r *Run) {
		r.Error = message
		id = r.ID
	})
	l.emit(EventError, ErrorPayload{RunID: id, Error: message})
	l.setStatus(StatusFailed)
}

func (l *loop) finish(start time.Time) {
	l.state.cancel()

	now := time.Now().UTC()
	var final *Run
	l.state.update(func(r *Run) {
		if !r.Status.Terminal() {
			r.Status = StatusFailed
			if r.Error == "" {
				r.Error = "run ended without a result"
			}
		}
		r.EndedAt = &now
		final = r.Clone()
	})

	l.o.release(final.ID)
	elapsed := time.Since(start)
	metrics.RecordRunEnd(final.AgentID, string(final.Status), elapsed)
	l.logger.Info("run finished",
		"status", final.Status,
		"turns", final.CurrentTurn,
		"tool_calls", final.TotalToolCalls,
		"duration_ms", elapsed.Milliseconds())

	l.emit(EventDone, final)
	close(l.events)
}

// emit delivers an event, waiting for buffer space while the observer is
// still listening.
func (l *loop) emit(t EventType, data any) {
	ev := newEvent(t, data)
	select {
	case l.events <- ev:
		return
	default:
	}
	select {
	case l.events <- ev:
	case <-l.observer.Done():
		metrics.RecordEventDrop()
	}
}
