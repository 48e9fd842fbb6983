// Package logger configures the process-wide slog logger.
//
// Information Hiding:
// - Handler selection (text or JSON) hidden
// - Context field extraction hidden
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var slogger *slog.Logger

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRunID   contextKey = "run_id"
	ContextKeyAgentID contextKey = "agent_id"
)

// Init installs the default logger. level is one of debug, info, warn or
// error; jsonOutput selects the JSON handler.
func Init(w io.Writer, level string, jsonOutput bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
	return nil
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// WithRun returns a context carrying run and agent identifiers.
func WithRun(ctx context.Context, runID, agentID string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyRunID, runID)
	return context.WithValue(ctx, ContextKeyAgentID, agentID)
}

// WithContext returns base annotated with the fields found in ctx.
// A nil base uses Slog().
func WithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	logger := base
	if logger == nil {
		logger = Slog()
	}
	if runID := ctx.Value(ContextKeyRunID); runID != nil {
		logger = logger.With("run_id", runID)
	}
	if agentID := ctx.Value(ContextKeyAgentID); agentID != nil {
		logger = logger.With("agent_id", agentID)
	}
	return logger
}
