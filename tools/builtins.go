// Built-in tools: calculator, datetime and a web search placeholder.
//
// Information Hiding:
// - Expression evaluation hidden
// - Date layout handling hidden

package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/jsonschema-go/jsonschema"
)

// Categories of the built-in tools.
const (
	CategoryUtility = "utility"
	CategoryWeb     = "web"
	CategoryMCP     = "mcp"
)

// RegisterBuiltins registers calculator, datetime, web_search and http_get.
// http_get starts disabled.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		spec    Spec
		handler Handler
		opts    []Option
	}{
		{CalculatorSpec(), Calculator, []Option{WithCategory(CategoryUtility)}},
		{DateTimeSpec(), DateTime, []Option{WithCategory(CategoryUtility)}},
		{WebSearchSpec(), WebSearch, []Option{WithCategory(CategoryWeb)}},
		{HTTPGetSpec(), NewHTTPGetTool(DefaultHTTPTimeout).Handle, []Option{WithCategory(CategoryWeb), Disabled()}},
	}

	for _, b := range builtins {
		if err := r.Register(b.spec, b.handler, b.opts...); err != nil {
			return fmt.Errorf("failed to register built-in tools: %w", err)
		}
	}
	return nil
}

// CalculatorSpec describes the calculator tool.
func CalculatorSpec() Spec {
	return Spec{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression. Supports + - * / ^ (power), % on integers, parentheses, pi, e and sqrt, pow, abs, floor, ceil, round, min, max, sin, cos, tan, log, ln, exp.",
		Parameters: ObjectSchema(map[string]*jsonschema.Schema{
			"expression": {Type: "string", Description: "The expression to evaluate, e.g. (2+3)*4"},
		}, "expression"),
	}
}

// Calculator evaluates args["expression"].
func Calculator(_ context.Context, args map[string]any) (any, error) {
	input, _ := args["expression"].(string)
	if strings.TrimSpace(input) == "" {
		return nil, errors.New("expression cannot be empty")
	}

	value, err := Evaluate(input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expression": input, "result": value}, nil
}

// calcEnv holds the constants an expression may reference.
var calcEnv = map[string]any{
	"pi": math.Pi,
	"e":  math.E,
}

// calcOptions adds the math functions expr does not provide. abs, ceil,
// floor, round, min and max are expr builtins.
var calcOptions = []expr.Option{
	expr.Env(calcEnv),
	floatFunc("sqrt", math.Sqrt),
	floatFunc("sin", math.Sin),
	floatFunc("cos", math.Cos),
	floatFunc("tan", math.Tan),
	floatFunc("log", math.Log10),
	floatFunc("ln", math.Log),
	floatFunc("exp", math.Exp),
	expr.Function("pow", func(params ...any) (any, error) {
		if len(params) != 2 {
			return nil, fmt.Errorf("pow takes 2 arguments, got %d", len(params))
		}
		x, err := toFloat(params[0])
		if err != nil {
			return nil, err
		}
		y, err := toFloat(params[1])
		if err != nil {
			return nil, err
		}
		return math.Pow(x, y), nil
	}),
}

func floatFunc(name string, fn func(float64) float64) expr.Option {
	return expr.Function(name, func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%s takes 1 argument, got %d", name, len(params))
		}
		x, err := toFloat(params[0])
		if err != nil {
			return nil, err
		}
		return fn(x), nil
	})
}

// Evaluate computes the value of an arithmetic expression. ^ and ** bind
// tighter than * and / and group right to left.
func Evaluate(input string) (float64, error) {
	program, err := expr.Compile(input, calcOptions...)
	if err != nil {
		return 0, fmt.Errorf("invalid expression %q: %w", input, err)
	}
	out, err := expr.Run(program, calcEnv)
	if err != nil {
		return 0, fmt.Errorf("cannot evaluate %q: %w", input, err)
	}
	value, err := toFloat(out)
	if err != nil {
		return 0, fmt.Errorf("expression %q: %w", input, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("expression %q has no finite result", input)
	}
	return value, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

// DateTimeSpec describes the datetime tool.
func DateTimeSpec() Spec {
	return Spec{
		Name:        "datetime",
		Description: "Get the current date and time, add a duration to a date, or compute the difference between two dates.",
		Parameters: ObjectSchema(map[string]*jsonschema.Schema{
			"operation": {Type: "string", Enum: []any{"now", "add", "diff"}, Description: "What to compute"},
			"timezone":  {Type: "string", Description: "IANA zone name such as Europe/Berlin (default UTC)"},
			"date":      {Type: "string", Description: "Start date, RFC 3339 or YYYY-MM-DD (add, diff)"},
			"end_date":  {Type: "string", Description: "End date for diff"},
			"amount":    {Type: "number", Description: "Amount to add; negative subtracts"},
			"unit":      {Type: "string", Enum: []any{"seconds", "minutes", "hours", "days", "weeks", "months", "years"}, Description: "Unit for add and diff (default days)"},
		}, "operation"),
	}
}

// DateTime implements the datetime tool.
func DateTime(_ context.Context, args map[string]any) (any, error) {
	op, _ := args["operation"].(string)
	unit, _ := args["unit"].(string)
	if unit == "" {
		unit = "days"
	}

	loc := time.UTC
	if tz, _ := args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}

	switch op {
	case "now":
		now := time.Now().In(loc)
		return map[string]any{
			"datetime": now.Format(time.RFC3339),
			"date":     now.Format(time.DateOnly),
			"time":     now.Format(time.TimeOnly),
			"weekday":  now.Weekday().String(),
			"timezone": loc.String(),
			"unix":     now.Unix(),
		}, nil

	case "add":
		start, err := parseDate(args["date"], loc)
		if err != nil {
			return nil, err
		}
		amount, _ := args["amount"].(float64)
		result, err := addDuration(start, amount, unit)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"date":   start.Format(time.RFC3339),
			"result": result.Format(time.RFC3339),
			"unit":   unit,
		}, nil

	case "diff":
		from, err := parseDate(args["date"], loc)
		if err != nil {
			return nil, err
		}
		to, err := parseDate(args["end_date"], loc)
		if err != nil {
			return nil, err
		}
		diff, err := durationIn(to.Sub(from), unit)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"date":     from.Format(time.RFC3339),
			"end_date": to.Format(time.RFC3339),
			"diff":     diff,
			"unit":     unit,
		}, nil
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

func parseDate(value any, loc *time.Location) (time.Time, error) {
	s, _ := value.(string)
	if s == "" {
		return time.Time{}, errors.New("date is required")
	}
	for _, layout := range []string{time.RFC3339, time.DateTime, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date %q", s)
}

func addDuration(t time.Time, amount float64, unit string) (time.Time, error) {
	switch unit {
	case "months":
		return t.AddDate(0, int(amount), 0), nil
	case "years":
		return t.AddDate(int(amount), 0, 0), nil
	case "days":
		return t.AddDate(0, 0, int(amount)), nil
	case "weeks":
		return t.AddDate(0, 0, int(amount)*7), nil
	}
	d, err := unitDuration(unit)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(time.Duration(amount * float64(d))), nil
}

func durationIn(d time.Duration, unit string) (float64, error) {
	switch unit {
	case "months":
		return d.Hours() / 24 / 30.436875, nil
	case "years":
		return d.Hours() / 24 / 365.2425, nil
	}
	u, err := unitDuration(unit)
	if err != nil {
		return 0, err
	}
	return float64(d) / float64(u), nil
}

func unitDuration(unit string) (time.Duration, error) {
	switch unit {
	case "seconds":
		return time.Second, nil
	case "minutes":
		return time.Minute, nil
	case "hours":
		return time.Hour, nil
	case "days":
		return 24 * time.Hour, nil
	case "weeks":
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown unit %q", unit)
}

// WebSearchSpec describes the web search placeholder.
func WebSearchSpec() Spec {
	return Spec{
		Name:        "web_search",
		Description: "Search the web for information. Not connected to a search provider yet; returns no results.",
		Parameters: ObjectSchema(map[string]*jsonschema.Schema{
			"query":       {Type: "string", Description: "Search query"},
			"max_results": {Type: "integer", Description: "Maximum number of results"},
		}, "query"),
	}
}

// WebSearch returns an empty result set for the query.
func WebSearch(_ context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query cannot be empty")
	}
	return map[string]any{
		"query":   query,
		"results": []any{},
		"message": "Web search is not configured; no results available.",
	}, nil
}
