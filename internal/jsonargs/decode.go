// Package jsonargs decodes the argument blobs models attach to tool calls.
//
// Local models often return arguments wrapped in markdown fences, with
// commentary around them, or JSON-encoded twice. Decode accepts those
// shapes and still rejects anything that is not a JSON object.
//
// Limitations:
// - Only objects are accepted, never arrays or scalars
// - Embedded objects are located by first '{' and last '}'
package jsonargs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decode parses raw into an argument map. Blank input yields an empty map.
func Decode(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	if args, ok, err := decodeObject(trimmed); ok || err != nil {
		return args, err
	}

	// Double-encoded: "{\"a\":1}"
	var inner string
	if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
		if args, ok, err := decodeObject(strings.TrimSpace(inner)); ok || err != nil {
			return args, err
		}
	}

	if embedded, found := extractObject(stripCodeFence(trimmed)); found {
		if args, ok, _ := decodeObject(embedded); ok {
			return args, nil
		}
	}

	preview := trimmed
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	return nil, fmt.Errorf("arguments are not a JSON object: %q", preview)
}

// decodeObject reports ok when s is valid JSON. A valid non-object is an
// error, not a candidate for further repair.
func decodeObject(s string) (map[string]any, bool, error) {
	var value any
	if err := json.Unmarshal([]byte(s), &value); err != nil {
		return nil, false, nil
	}
	switch v := value.(type) {
	case map[string]any:
		return v, true, nil
	case nil:
		return map[string]any{}, true, nil
	case string:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("arguments must be a JSON object, got %T", value)
	}
}

// stripCodeFence removes ```json ... ``` markers.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "```json"))
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "```"))
	}
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func extractObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
