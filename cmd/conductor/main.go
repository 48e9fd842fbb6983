// Package main provides the conductor CLI entry point.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/richinex/conductor/cli"
	"github.com/richinex/conductor/config"
	"github.com/richinex/conductor/internal/logger"
)

var (
	// Global flags
	configPath string
	agentsFile string
	verbose    bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Run tool-using agents against local OpenAI-compatible LLM servers",
		Long: `Conductor runs agents in a bounded loop against local completion servers
(LM Studio, llama.cpp, Ollama and other OpenAI-compatible endpoints).

Each turn streams a completion, executes any requested tool calls and feeds
the results back until the model answers or the turn budget runs out.
Tools come from the built-in set and from MCP servers.

Configuration is read from --config (YAML) and CONDUCTOR_* environment
variables; CONDUCTOR_LLM_URL adds a server named "default".`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&agentsFile, "agents", "", "Path to YAML file of custom agents")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show steps, tool calls and token usage")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(modelsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads settings, installs the logger and wires the components.
func setup(ctx context.Context, skipMCP bool) (*cli.App, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(os.Stderr, settings.Log.Level, settings.Log.JSON); err != nil {
		return nil, err
	}
	return cli.Build(ctx, settings, cli.Options{AgentsFile: agentsFile, SkipMCP: skipMCP}, logger.Slog())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API. Runs can be streamed as Server-Sent Events from
POST /api/agents/{id}/run with {"stream": true}.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()
			return cli.Serve(cmd.Context(), app)
		},
	}
}

func runCmd() *cobra.Command {
	var opts cli.RunOptions

	cmd := &cobra.Command{
		Use:   "run [agent] [input]",
		Short: "Run one input against an agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			opts.Verbose = verbose
			opts.Input = bufio.NewReader(os.Stdin)
			_, err = cli.RunTask(cmd.Context(), app, args[0], strings.Join(args[1:], " "), nil, os.Stdout, opts)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.ServerID, "server", "s", "", "Server id (defaults to the only configured server)")
	cmd.Flags().StringVarP(&opts.Model, "model", "m", "", "Model (defaults to the agent's preferred model)")

	return cmd
}

func chatCmd() *cobra.Command {
	var opts cli.RunOptions

	cmd := &cobra.Command{
		Use:   "chat [agent]",
		Short: "Start an interactive chat session with an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			opts.Verbose = verbose
			return cli.Chat(cmd.Context(), app, args[0], os.Stdin, os.Stdout, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ServerID, "server", "s", "", "Server id (defaults to the only configured server)")
	cmd.Flags().StringVarP(&opts.Model, "model", "m", "", "Model (defaults to the agent's preferred model)")

	return cmd
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List available agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()
			cli.ListAgents(os.Stdout, app.Orchestrator.ListAgents())
			return nil
		},
	}
}

func toolsCmd() *cobra.Command {
	var verboseTools bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List available tools, including those bridged from MCP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()
			cli.ListTools(os.Stdout, app.Tools, verboseTools)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verboseTools, "params", "P", false, "Show tool parameters")

	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Probe configured servers and list their models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()
			cli.ListModels(cmd.Context(), os.Stdout, app)
			return nil
		},
	}
}
