// Custom agent files and agent listings for CLI commands.
//
// Information Hiding:
// - YAML-to-definition mapping hidden
// - Listing layout hidden

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/richinex/conductor/agent"
)

// agentsFile is the on-disk shape of a custom agents file. Field names
// follow the agent JSON form, e.g. systemPrompt and behavior.maxTurns.
type agentsFile struct {
	Agents []map[string]any `yaml:"agents"`
}

// LoadAgents reads custom agent definitions from a YAML file. Every entry
// needs an id; unspecified fields take the defaults of a new definition.
func LoadAgents(path string) ([]agent.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}

	defs := make([]agent.Definition, 0, len(file.Agents))
	seen := make(map[string]bool, len(file.Agents))
	for i, entry := range file.Agents {
		// Round-trip through JSON so the definition's json tags apply.
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("agent %d: %w", i, err)
		}
		def := agent.NewDefinition()
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("agent %d: %w", i, err)
		}
		if def.ID == "" {
			return nil, fmt.Errorf("agent %d: id is required", i)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("agent %q defined twice", def.ID)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("agent %q: %w", def.ID, err)
		}
		def.IsPreset = false
		seen[def.ID] = true
		defs = append(defs, def)
	}
	return defs, nil
}

// ListAgents prints agents with their tools and turn budget.
func ListAgents(w io.Writer, defs []agent.Definition) {
	fmt.Fprintln(w, "Available agents:")
	fmt.Fprintln(w)

	for _, def := range defs {
		kind := "custom"
		if def.IsPreset {
			kind = "preset"
		}
		fmt.Fprintf(w, "  %s (%s)\n", def.ID, kind)
		if def.Description != "" {
			fmt.Fprintf(w, "    %s\n", def.Description)
		}
		toolList := "all enabled"
		if !def.AllowsAllTools() {
			toolList = strings.Join(def.Tools, ", ")
		}
		fmt.Fprintf(w, "    tools: %s; max turns: %d\n", toolList, def.Behavior.MaxTurns)
		fmt.Fprintln(w)
	}
}
