package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// APIError is returned when a completion server request fails.
// StatusCode is zero when no HTTP response was received.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return "llm: " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether the server rejected the request with a 4xx.
func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// wrapError converts go-openai and transport errors into *APIError.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}

	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		return &APIError{
			StatusCode: oaiErr.HTTPStatusCode,
			Message:    fmt.Sprintf("%s: %s", op, oaiErr.Message),
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    fmt.Sprintf("%s: %v", op, reqErr.Err),
			Err:        err,
		}
	}

	return &APIError{
		Message: fmt.Sprintf("%s: %v", op, err),
		Err:     err,
	}
}

// retryable reports whether a failed attempt may be retried.
// Client errors and abandoned requests are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.IsClientError() {
		return false
	}
	return true
}
