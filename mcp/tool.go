// MCP Tool Bridge - makes MCP tools usable in the tool registry.
//
// Information Hiding:
// - Client lifecycle hidden
// - Schema conversion hidden
// - Tool name mangling hidden

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/richinex/conductor/tools"
)

// maxToolName mirrors the registry's name limit.
const maxToolName = 64

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ToolName returns the registry name of an MCP tool: <server>_<tool>,
// with characters outside [a-zA-Z0-9_-] replaced by underscores.
func ToolName(server, tool string) string {
	name := invalidNameChars.ReplaceAllString(server+"_"+tool, "_")
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	if len(name) > maxToolName {
		name = name[:maxToolName]
	}
	return name
}

// Manager owns the MCP clients whose tools are registered in a registry.
// The caller must call Close when done.
type Manager struct {
	registry *tools.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	names   map[string][]string
}

// NewManager creates a manager registering into registry.
func NewManager(registry *tools.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		logger:   logger,
		clients:  make(map[string]*Client),
		names:    make(map[string][]string),
	}
}

// Start launches every enabled server in config and registers its tools.
// A server that fails to start is logged and skipped; the joined errors
// are returned after all servers were tried.
func (m *Manager) Start(ctx context.Context, config *Config) error {
	var errs []error
	for _, name := range config.Names() {
		client, err := NewClient(ctx, name, config.MCPServers[name])
		if err != nil {
			m.logger.Warn("mcp server failed to start", "server", name, "error", err)
			errs = append(errs, err)
			continue
		}
		if _, err := m.Attach(ctx, client); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Attach discovers the tools of a connected client and registers them.
// Returns the registered tool names. The manager takes ownership of client.
func (m *Manager) Attach(ctx context.Context, client *Client) ([]string, error) {
	infos, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("mcp server %q: %w", client.Name(), err)
	}

	var registered []string
	for _, info := range infos {
		name := ToolName(client.Name(), info.Name)
		spec := tools.Spec{
			Name:        name,
			Description: info.Description,
			Parameters:  convertSchema(info.InputSchema),
		}
		handler := forward(client, info.Name)
		if err := m.registry.Register(spec, handler, tools.WithCategory(tools.CategoryMCP)); err != nil {
			// Schemas the resolver rejects are left to the server to check.
			spec.Parameters = nil
			if err := m.registry.Register(spec, handler, tools.WithCategory(tools.CategoryMCP)); err != nil {
				m.logger.Warn("mcp tool skipped", "server", client.Name(), "tool", info.Name, "error", err)
				continue
			}
		}
		registered = append(registered, name)
	}

	m.mu.Lock()
	if old, ok := m.clients[client.Name()]; ok {
		current := make(map[string]bool, len(registered))
		for _, name := range registered {
			current[name] = true
		}
		for _, name := range m.names[client.Name()] {
			if !current[name] {
				m.registry.Unregister(name)
			}
		}
		old.Close()
	}
	m.clients[client.Name()] = client
	m.names[client.Name()] = registered
	m.mu.Unlock()

	m.logger.Info("mcp server attached", "server", client.Name(), "tools", len(registered))
	return registered, nil
}

// Servers returns the attached server names with their tool names.
func (m *Manager) Servers() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string, len(m.names))
	for server, names := range m.names {
		out[server] = append([]string(nil), names...)
	}
	return out
}

// Close unregisters all bridged tools and closes every client.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for server, client := range m.clients {
		for _, name := range m.names[server] {
			m.registry.Unregister(name)
		}
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp server %q: %w", server, err))
		}
	}
	m.clients = make(map[string]*Client)
	m.names = make(map[string][]string)
	return errors.Join(errs...)
}

func forward(client *Client, tool string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return client.CallTool(ctx, tool, args)
	}
}

// convertSchema decodes an MCP input schema. Missing or undecodable schemas
// yield nil, which the registry treats as an open object.
func convertSchema(raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	return &schema
}
