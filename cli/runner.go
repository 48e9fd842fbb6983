// Command execution for CLI commands.
//
// Information Hiding:
// - Event rendering hidden
// - Interactive confirmation and chat loop hidden
// - API server startup hidden

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/richinex/conductor/api"
	"github.com/richinex/conductor/llm"
	"github.com/richinex/conductor/orchestration"
	"github.com/richinex/conductor/tools"
)

// maxObservationLen caps tool results in verbose output.
const maxObservationLen = 200

// RunOptions controls how a run is rendered.
type RunOptions struct {
	ServerID string
	Model    string
	Verbose  bool

	// Input answers confirmation prompts. Nil rejects every pending
	// confirmation.
	Input *bufio.Reader
}

// RunTask executes one input against an agent, streaming content to out.
func RunTask(ctx context.Context, app *App, agentID, input string, history []llm.ChatMessage, out io.Writer, opts RunOptions) (*orchestration.Run, error) {
	serverID := opts.ServerID
	if serverID == "" {
		id, err := app.DefaultServer()
		if err != nil {
			return nil, err
		}
		serverID = id
	}

	events := app.Orchestrator.RunAgent(ctx, agentID, orchestration.RunRequest{
		Input:    input,
		ServerID: serverID,
		Model:    opts.Model,
		History:  history,
	})

	var final *orchestration.Run
	var rejection string
	for ev := range events {
		switch ev.Type {
		case orchestration.EventContent:
			if p, ok := ev.Data.(orchestration.ContentPayload); ok {
				fmt.Fprint(out, p.Content)
			}
		case orchestration.EventToolCall:
			if p, ok := ev.Data.(orchestration.ToolCallPayload); ok && opts.Verbose {
				fmt.Fprintf(out, "\n  -> %s %s\n", p.Name, compactJSON(p.Arguments))
			}
		case orchestration.EventToolResult:
			if p, ok := ev.Data.(orchestration.ToolResultPayload); ok && opts.Verbose {
				if p.Failed() {
					fmt.Fprintf(out, "  <- %s error: %s\n", p.ToolName, p.Error)
				} else {
					fmt.Fprintf(out, "  <- %s %s\n", p.ToolName, truncateString(compactJSON(p.Result), maxObservationLen))
				}
			}
		case orchestration.EventStatus:
			if p, ok := ev.Data.(orchestration.StatusPayload); ok && p.Status == orchestration.StatusWaitingConfirmation {
				approve := askConfirmation(out, opts.Input)
				if err := app.Orchestrator.Confirm(p.RunID, approve); err != nil {
					app.Logger.Warn("confirmation not delivered", "run", p.RunID, "error", err)
				}
			}
		case orchestration.EventStep:
			if step, ok := ev.Data.(orchestration.Step); ok && opts.Verbose && step.Type == orchestration.StepThinking {
				fmt.Fprintf(out, "\n[%s]\n", step.Content)
			}
		case orchestration.EventError:
			if p, ok := ev.Data.(orchestration.ErrorPayload); ok {
				if p.Code != "" {
					rejection = p.Error
				} else if opts.Verbose {
					fmt.Fprintf(out, "\n  !! %s\n", p.Error)
				}
			}
		case orchestration.EventDone:
			final, _ = ev.Data.(*orchestration.Run)
		}
	}

	if final == nil {
		if rejection == "" {
			rejection = "run ended without a result"
		}
		return nil, fmt.Errorf("run rejected: %s", rejection)
	}
	fmt.Fprintln(out)
	if opts.Verbose {
		printRunSummary(out, final)
	}
	switch final.Status {
	case orchestration.StatusCompleted:
		return final, nil
	case orchestration.StatusFailed:
		return final, fmt.Errorf("run failed: %s", final.Error)
	default:
		return final, fmt.Errorf("run ended %s", final.Status)
	}
}

// askConfirmation prompts for y/n on out. Anything but y or yes rejects.
func askConfirmation(out io.Writer, in *bufio.Reader) bool {
	fmt.Fprint(out, "\nExecute these tool calls? [y/N] ")
	if in == nil {
		fmt.Fprintln(out, "n")
		return false
	}
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// Chat runs an interactive session. Each turn is a separate run that
// carries the previous exchanges as history.
func Chat(ctx context.Context, app *App, agentID string, in io.Reader, out io.Writer, opts RunOptions) error {
	def, ok := app.Orchestrator.GetAgent(agentID)
	if !ok {
		return fmt.Errorf("agent %q not found", agentID)
	}

	reader := bufio.NewReader(in)
	opts.Input = reader
	var history []llm.ChatMessage

	fmt.Fprintf(out, "Chat with %s. Type 'exit' to quit.\n\n", def.Name)
	for {
		fmt.Fprint(out, "> ")
		line, err := reader.ReadString('\n')
		input := strings.TrimSpace(line)
		if err != nil && input == "" {
			fmt.Fprintln(out)
			return nil
		}
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		final, runErr := RunTask(ctx, app, agentID, input, history, out, opts)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if runErr != nil {
			fmt.Fprintf(out, "Error: %v\n", runErr)
		}
		if final != nil && final.Output != "" {
			history = append(history, llm.UserMessage(input), llm.AssistantMessage(final.Output, nil))
		}
		fmt.Fprintln(out)
	}
}

// ListTools prints the registered tools.
func ListTools(w io.Writer, registry *tools.Registry, verbose bool) {
	fmt.Fprintln(w, "Available tools:")
	fmt.Fprintln(w)

	for _, tool := range registry.All() {
		info := tool.Info()
		state := ""
		if !info.Enabled {
			state = " [disabled]"
		}
		fmt.Fprintf(w, "  %s (%s)%s\n", info.Name, info.Category, state)
		fmt.Fprintf(w, "    %s\n", info.Description)

		if verbose && info.Parameters != nil && len(info.Parameters.Properties) > 0 {
			required := make(map[string]bool, len(info.Parameters.Required))
			for _, name := range info.Parameters.Required {
				required[name] = true
			}
			names := make([]string, 0, len(info.Parameters.Properties))
			for name := range info.Parameters.Properties {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Fprintln(w, "    Parameters:")
			for _, name := range names {
				param := info.Parameters.Properties[name]
				req := ""
				if required[name] {
					req = "*"
				}
				fmt.Fprintf(w, "      %s%s: %s - %s\n", name, req, param.Type, param.Description)
			}
		}
		fmt.Fprintln(w)
	}
}

// ListModels probes every server and prints its models.
func ListModels(ctx context.Context, w io.Writer, app *App) {
	app.Servers.RefreshAll(ctx)
	list := app.Servers.List()
	if len(list) == 0 {
		fmt.Fprintln(w, "No servers configured.")
		return
	}
	for _, server := range list {
		if !server.IsConnected {
			fmt.Fprintf(w, "%s (%s): unreachable: %s\n", server.ID, server.URL, server.LastError)
			continue
		}
		fmt.Fprintf(w, "%s (%s):\n", server.ID, server.URL)
		for _, m := range server.Models {
			fmt.Fprintf(w, "  %s\n", m)
		}
	}
}

// Serve runs the HTTP API and the server health watcher until ctx ends.
func Serve(ctx context.Context, app *App) error {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.Servers.Watch(watchCtx, app.Settings.LLM.HealthInterval)
	}()

	server := api.New(app.Orchestrator, app.Servers, app.Logger).WithMCP(app.MCP)
	err := server.Serve(ctx, app.Settings.HTTP.Addr, app.Settings.HTTP.ShutdownTimeout)
	stopWatch()
	<-done
	return err
}

func printRunSummary(w io.Writer, run *orchestration.Run) {
	fmt.Fprintln(w, "--- Run ---")
	fmt.Fprintf(w, "status: %s, turns: %d, tool calls: %d\n", run.Status, run.CurrentTurn, run.TotalToolCalls)
	if run.Usage != nil {
		fmt.Fprintf(w, "tokens: %d prompt + %d completion = %d (%d llm calls)\n",
			run.Usage.PromptTokens, run.Usage.CompletionTokens, run.Usage.TotalTokens, run.Usage.LLMCalls)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "error: %s\n", run.Error)
	}
	fmt.Fprintln(w, "-----------")
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
