// Completion client for a single OpenAI-compatible server.
//
// Information Hiding:
// - go-openai client configuration hidden
// - Retry and backoff policy hidden
// - Raw SSE request construction hidden

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/richinex/conductor/metrics"
)

// Default client settings.
const (
	DefaultTimeout       = 120 * time.Second
	DefaultHealthTimeout = 5 * time.Second
	DefaultMaxAttempts   = 3
	DefaultRetryDelay    = 500 * time.Millisecond
)

// Config holds client configuration.
// The zero value of every field except BaseURL falls back to a default.
type Config struct {
	// BaseURL is the server root, with or without the /v1 suffix.
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Timeout bounds each non-streaming attempt.
	Timeout time.Duration

	// HealthTimeout bounds CheckHealth.
	HealthTimeout time.Duration

	// MaxAttempts is the total number of tries for retried calls.
	MaxAttempts int

	// RetryDelay is the base delay; attempt n waits RetryDelay * 2^n.
	RetryDelay time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client performs chat completions against one server.
// Safe for concurrent use.
type Client struct {
	config  Config
	baseURL string
	api     *openai.Client
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the server at config.BaseURL.
func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = DefaultHealthTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}

	// No client-level timeout: streams may legitimately run for minutes.
	// Non-streaming attempts are bounded by a per-attempt context.
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := NormalizeBaseURL(config.BaseURL)
	oaiConfig := openai.DefaultConfig(config.APIKey)
	oaiConfig.BaseURL = baseURL
	oaiConfig.HTTPClient = httpClient

	return &Client{
		config:  config,
		baseURL: baseURL,
		api:     openai.NewClientWithConfig(oaiConfig),
		http:    httpClient,
		logger:  logger.With("server", baseURL),
	}
}

// NormalizeBaseURL strips trailing slashes and ensures a /v1 suffix.
func NormalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}

// BaseURL returns the normalized API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CheckHealth probes the server with its own short timeout. It never
// returns an error; failures are reported in the status.
func (c *Client) CheckHealth(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthTimeout)
	defer cancel()

	start := time.Now()
	_, err := c.api.ListModels(ctx)
	status := HealthStatus{
		Connected: err == nil,
		Latency:   time.Since(start),
	}
	if err != nil {
		status.Error = wrapError("health check", err).Error()
	}
	return status
}

// ListModels returns the models advertised by the server.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var list openai.ModelsList
	err := c.withRetry(ctx, "list models", func(ctx context.Context) error {
		var err error
		list, err = c.api.ListModels(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	models := make([]Model, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, Model{ID: m.ID, OwnedBy: m.OwnedBy, Created: m.CreatedAt})
	}
	return models, nil
}

// Chat sends a non-streaming completion request.
func (c *Client) Chat(ctx context.Context, request ChatRequest) (ChatResponse, error) {
	wire := buildRequest(request, false)

	var resp openai.ChatCompletionResponse
	err := c.withRetry(ctx, "chat completion", func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateChatCompletion(ctx, wire)
		return err
	})
	if err != nil {
		return ChatResponse{}, err
	}

	result := ChatResponse{
		Usage: &TokenUsage{
			PromptTokens:     uint32(resp.Usage.PromptTokens),
			CompletionTokens: uint32(resp.Usage.CompletionTokens),
			TotalTokens:      uint32(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		result.FinishReason = string(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return result, nil
}

// OpenStream starts a streaming completion and returns the raw chunk
// stream. The caller must Close it. Streams are not retried.
func (c *Client) OpenStream(ctx context.Context, request ChatRequest) (*Stream, error) {
	wire := buildRequest(request, true)
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordCompletion("stream", "error")
		return nil, wrapError("stream", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		metrics.RecordCompletion("stream", "error")
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    "stream: " + errorMessage(raw, resp.Status),
		}
	}

	metrics.RecordCompletion("stream", "ok")
	return NewStream(ctx, resp.Body, c.logger), nil
}

// StreamChat streams a completion, sending content deltas to chunks.
// Returns token usage when the server reports it.
func (c *Client) StreamChat(ctx context.Context, request ChatRequest, chunks chan<- string) (*TokenUsage, error) {
	stream, err := c.OpenStream(ctx, request)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var acc Accumulator
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return acc.Usage(), nil
		}
		if err != nil {
			return acc.Usage(), err
		}

		if content := acc.Add(chunk); content != "" {
			select {
			case chunks <- content:
			case <-ctx.Done():
				return acc.Usage(), ctx.Err()
			}
		}
	}
}

// withRetry runs fn up to MaxAttempts times with exponential backoff.
// Client errors, cancellation and timeouts end the loop immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			metrics.RecordCompletionRetry(op)
			c.logger.Warn("retrying request", "op", op, "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return wrapError(op, ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			metrics.RecordCompletion(op, "ok")
			return nil
		}

		lastErr = wrapError(op, err)
		if !retryable(ctx, lastErr) {
			break
		}
	}
	metrics.RecordCompletion(op, "error")
	return lastErr
}

// backoff returns the delay after the given failed attempt.
func (c *Client) backoff(attempt int) time.Duration {
	return c.config.RetryDelay * time.Duration(1<<attempt)
}

// buildRequest converts our request to the go-openai wire format.
func buildRequest(request ChatRequest, stream bool) openai.ChatCompletionRequest {
	wire := openai.ChatCompletionRequest{
		Model:     request.Model,
		Messages:  convertMessages(request.Messages),
		MaxTokens: request.MaxTokens,
		Stop:      request.Stop,
		Stream:    stream,
	}
	if request.Temperature != nil {
		wire.Temperature = nonZero(*request.Temperature)
	}
	if request.TopP != nil {
		wire.TopP = nonZero(*request.TopP)
	}
	if len(request.Tools) > 0 {
		wire.Tools = convertTools(request.Tools)
	}
	if stream {
		wire.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return wire
}

// nonZero keeps an explicit 0 on the wire. go-openai omits zero-valued
// sampling fields, so 0 is sent as the smallest positive float32.
func nonZero(v float32) float32 {
	if v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return v
}

// convertMessages handles tool calls and tool responses.
func convertMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		result[i] = oaiMsg
	}
	return result
}

// convertTools converts tool definitions to OpenAI format.
func convertTools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return result
}

// errorMessage extracts {"error":{"message":...}} from a failed response.
func errorMessage(raw []byte, fallback string) string {
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if err := json.Unmarshal(body.Error, &plain); err == nil && plain != "" {
			return plain
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return fallback
}
