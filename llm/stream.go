// Streaming chat completions.
//
// Information Hiding:
// - End-of-stream marker hidden
// - Malformed chunk handling hidden
// - Incremental tool-call assembly hidden

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tmaxmax/go-sse"
)

// doneMarker terminates an OpenAI-compatible event stream.
const doneMarker = "[DONE]"

// maxEventSize bounds a single SSE event. Tool-call argument fragments
// stay well below it.
const maxEventSize = 1 << 20

// Stream is a forward-only sequence of completion chunks read from an SSE
// body. It is not safe for concurrent use.
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	next    func() (sse.Event, error, bool)
	stop    func()
	logger  *slog.Logger
	done    bool
	skipped int
}

// NewStream wraps an SSE response body. The stream stops early once ctx
// is done.
func NewStream(ctx context.Context, body io.ReadCloser, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	next, stop := iter.Pull2(sse.Read(body, &sse.ReadConfig{MaxEventSize: maxEventSize}))
	return &Stream{
		ctx:    ctx,
		body:   body,
		next:   next,
		stop:   stop,
		logger: logger,
	}
}

// streamError is the payload some servers send mid-stream instead of a chunk.
type streamError struct {
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Recv returns the next chunk, or io.EOF after the end-of-stream marker or
// the end of the body. Lines that are not valid JSON are skipped.
func (s *Stream) Recv() (openai.ChatCompletionStreamResponse, error) {
	var zero openai.ChatCompletionStreamResponse
	for {
		if err := s.ctx.Err(); err != nil {
			return zero, err
		}
		if s.done {
			return zero, io.EOF
		}

		event, err, ok := s.next()
		if !ok {
			s.finish()
			return zero, io.EOF
		}
		if err != nil {
			s.finish()
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return zero, ctxErr
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return zero, io.EOF
			}
			return zero, wrapError("stream read", err)
		}

		data := strings.TrimSpace(event.Data)
		if data == "" {
			continue
		}
		if data == doneMarker {
			s.finish()
			return zero, io.EOF
		}

		if strings.Contains(data, `"error"`) {
			var se streamError
			if err := json.Unmarshal([]byte(data), &se); err == nil && se.Error != nil {
				s.finish()
				return zero, &APIError{Message: "stream: " + se.Error.Message}
			}
		}

		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.skipped++
			s.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}
		return chunk, nil
	}
}

// Skipped returns the number of malformed chunks ignored so far.
func (s *Stream) Skipped() int {
	return s.skipped
}

// finish marks the stream done and releases the event reader.
func (s *Stream) finish() {
	s.done = true
	s.stop()
}

// Close releases the event reader and the response body.
func (s *Stream) Close() error {
	s.finish()
	return s.body.Close()
}

// Accumulator folds stream chunks into a complete assistant turn.
//
// Tool-call fragments are merged per index: the id and name are taken from
// whichever fragment carries them and argument text is concatenated in
// arrival order.
type Accumulator struct {
	content      strings.Builder
	calls        []ToolCall
	finishReason string
	usage        *TokenUsage
}

// maxToolCallIndex bounds the index a server may claim for a fragment.
const maxToolCallIndex = 128

// Add folds chunk in and returns its content delta.
func (a *Accumulator) Add(chunk openai.ChatCompletionStreamResponse) string {
	if chunk.Usage != nil {
		a.usage = &TokenUsage{
			PromptTokens:     uint32(chunk.Usage.PromptTokens),
			CompletionTokens: uint32(chunk.Usage.CompletionTokens),
			TotalTokens:      uint32(chunk.Usage.TotalTokens),
		}
	}
	if len(chunk.Choices) == 0 {
		return ""
	}

	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		a.finishReason = string(choice.FinishReason)
	}

	for i, fragment := range choice.Delta.ToolCalls {
		index := i
		if fragment.Index != nil && *fragment.Index >= 0 && *fragment.Index < maxToolCallIndex {
			index = *fragment.Index
		}
		for len(a.calls) <= index {
			a.calls = append(a.calls, ToolCall{})
		}
		call := &a.calls[index]
		if fragment.ID != "" {
			call.ID = fragment.ID
		}
		if fragment.Function.Name != "" {
			call.Name = fragment.Function.Name
		}
		call.Arguments += fragment.Function.Arguments
	}

	a.content.WriteString(choice.Delta.Content)
	return choice.Delta.Content
}

// Content returns the accumulated assistant text.
func (a *Accumulator) Content() string {
	return a.content.String()
}

// ToolCalls returns the assembled tool calls in index order. Fragments that
// never received a name are dropped and missing ids are generated.
func (a *Accumulator) ToolCalls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(a.calls))
	for _, call := range a.calls {
		if call.Name == "" {
			continue
		}
		if call.ID == "" {
			call.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
		calls = append(calls, call)
	}
	if len(calls) == 0 {
		return nil
	}
	return calls
}

// FinishReason returns the last finish reason reported by the server.
func (a *Accumulator) FinishReason() string {
	return a.finishReason
}

// Usage returns token usage if the server reported it.
func (a *Accumulator) Usage() *TokenUsage {
	return a.usage
}
