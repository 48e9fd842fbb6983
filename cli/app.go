// Component assembly for CLI commands.
//
// Information Hiding:
// - Construction order of directory, tools, agents and orchestrator hidden
// - MCP startup and shutdown hidden

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/richinex/conductor/agent"
	"github.com/richinex/conductor/config"
	"github.com/richinex/conductor/mcp"
	"github.com/richinex/conductor/model"
	"github.com/richinex/conductor/orchestration"
	"github.com/richinex/conductor/servers"
	"github.com/richinex/conductor/tools"
)

// App holds the wired components shared by every command.
type App struct {
	Settings     config.Settings
	Servers      *servers.Directory
	Tools        *tools.Registry
	Agents       *agent.Registry
	MCP          *mcp.Manager
	Orchestrator *orchestration.Orchestrator
	Logger       *slog.Logger
}

// Options selects optional startup work.
type Options struct {
	// AgentsFile is a YAML file of custom agents to register.
	AgentsFile string

	// SkipMCP leaves MCP servers unstarted.
	SkipMCP bool
}

// Build wires components from settings. MCP servers that fail to start are
// logged and skipped; the remaining servers stay attached.
func Build(ctx context.Context, settings config.Settings, opts Options, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := settings.ClientConfig()
	clientConfig.Logger = logger
	dir := servers.NewDirectory(clientConfig)
	for _, up := range settings.Servers {
		if _, err := dir.Add(model.Server{ID: up.ID, Name: up.Name, URL: up.URL, APIKey: up.APIKey}); err != nil {
			return nil, fmt.Errorf("server %q: %w", up.ID, err)
		}
	}

	registry := tools.NewRegistry().WithLogger(logger)
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	if settings.Tools.EnableHTTPGet {
		// Replaces the disabled builtin with one bound to the allowed domains.
		fetch := tools.NewHTTPGetTool(tools.DefaultHTTPTimeout).WithAllowedDomains(settings.Tools.HTTPDomains)
		if err := registry.Register(tools.HTTPGetSpec(), fetch.Handle, tools.WithCategory(tools.CategoryWeb)); err != nil {
			return nil, err
		}
	}

	executor := tools.NewExecutor(registry).WithLogger(logger)
	if settings.Tools.RatePerSecond > 0 {
		executor = executor.WithRateLimit(settings.Tools.RatePerSecond, settings.Tools.RateBurst)
	}

	agents := agent.NewRegistry()
	agent.RegisterPresets(agents)
	if opts.AgentsFile != "" {
		defs, err := LoadAgents(opts.AgentsFile)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if got, ok := agents.Get(def.ID); ok && got.IsPreset {
				return nil, fmt.Errorf("agent %q: %w", def.ID, agent.ErrPresetImmutable)
			}
			agents.Register(def)
		}
	}

	manager := mcp.NewManager(registry, logger)
	if !opts.SkipMCP {
		mcpConfig, err := settings.MCPConfig()
		if err != nil {
			return nil, err
		}
		if err := manager.Start(ctx, mcpConfig); err != nil {
			logger.Warn("mcp startup incomplete", "error", err)
		}
	}

	orch := orchestration.New(agents, executor, dir, orchestration.Config{
		MaxConcurrentRuns:  settings.Runs.MaxConcurrent,
		Exec:               settings.ExecOptions(),
		ContextWindow:      settings.ContextWindow(),
		CompleteOnMaxTurns: settings.Runs.CompleteOnMaxTurns,
		AutoConfirm:        settings.Runs.AutoConfirm,
		EventBuffer:        settings.Runs.EventBuffer,
		Logger:             logger,
	})

	return &App{
		Settings:     settings,
		Servers:      dir,
		Tools:        registry,
		Agents:       agents,
		MCP:          manager,
		Orchestrator: orch,
		Logger:       logger,
	}, nil
}

// DefaultServer returns the id of the only configured server, or an error
// asking for one when there are none or several.
func (a *App) DefaultServer() (string, error) {
	list := a.Servers.List()
	switch len(list) {
	case 0:
		return "", errors.New("no completion servers configured; set CONDUCTOR_LLM_URL or add servers to the config file")
	case 1:
		return list[0].ID, nil
	default:
		return "", fmt.Errorf("%d servers configured; choose one with --server", len(list))
	}
}

// Close shuts down MCP servers.
func (a *App) Close() {
	a.MCP.Close()
}
