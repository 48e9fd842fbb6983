// HTTP fetch tool.
//
// Information Hiding:
// - HTTP client implementation details hidden
// - Domain allowlist checks hidden
// - Response size limiting hidden

package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// HTTP tool limits.
const (
	DefaultHTTPTimeout  = 15 * time.Second
	DefaultMaxBodyBytes = 64 * 1024
)

// HTTPGetTool fetches URLs on behalf of the model.
type HTTPGetTool struct {
	client         *http.Client
	timeout        time.Duration
	maxBodyBytes   int64
	allowedDomains []string
}

// NewHTTPGetTool creates an HTTP tool with the given timeout.
func NewHTTPGetTool(timeout time.Duration) *HTTPGetTool {
	return &HTTPGetTool{
		client:       &http.Client{Timeout: timeout},
		timeout:      timeout,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
}

// WithAllowedDomains sets the allowed domains for requests.
func (t *HTTPGetTool) WithAllowedDomains(domains []string) *HTTPGetTool {
	t.allowedDomains = domains
	return t
}

// WithMaxBodyBytes caps how much of a response body is returned.
func (t *HTTPGetTool) WithMaxBodyBytes(n int64) *HTTPGetTool {
	if n > 0 {
		t.maxBodyBytes = n
	}
	return t
}

// HTTPGetSpec describes the http_get tool.
func HTTPGetSpec() Spec {
	return Spec{
		Name:        "http_get",
		Description: "Fetch a URL with an HTTP GET request and return the status and body text",
		Parameters: ObjectSchema(map[string]*jsonschema.Schema{
			"url": {Type: "string", Description: "The http or https URL to fetch"},
		}, "url"),
	}
}

// Handle performs the request.
func (t *HTTPGetTool) Handle(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return nil, errors.New("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid URL %q: only http and https are supported", rawURL)
	}
	if !t.isDomainAllowed(u) {
		return nil, fmt.Errorf("access to domain %q is not allowed", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timed out after %s", t.timeout)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	truncated := int64(len(body)) > t.maxBodyBytes
	if truncated {
		body = body[:t.maxBodyBytes]
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	return map[string]any{
		"url":         rawURL,
		"status":      resp.StatusCode,
		"contentType": resp.Header.Get("Content-Type"),
		"body":        string(body),
		"truncated":   truncated,
	}, nil
}

// isDomainAllowed checks if the URL's host is in the allowlist.
func (t *HTTPGetTool) isDomainAllowed(u *url.URL) bool {
	if len(t.allowedDomains) == 0 {
		return true
	}

	host := u.Hostname()
	for _, domain := range t.allowedDomains {
		// Exact match or subdomain match
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
