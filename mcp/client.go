// Package mcp bridges Model Context Protocol servers into the tool
// registry.
//
// Each configured server is launched as a child process speaking MCP over
// stdin/stdout. Its tools are discovered once and registered as ordinary
// tools that forward calls to the server.
//
// Information Hiding:
// - Process management hidden
// - MCP session handshake hidden
// - Result content flattening hidden

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// clientInfo identifies this process to MCP servers.
var clientInfo = &sdk.Implementation{Name: "conductor", Version: "0.1.0"}

// Client is a connected session with one MCP server.
type Client struct {
	name    string
	session *sdk.ClientSession
}

// ToolInfo describes a tool available on the MCP server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// NewClient starts the configured server process and completes the MCP
// handshake.
func NewClient(ctx context.Context, name string, config ServerConfig) (*Client, error) {
	cmd := exec.Command(config.Command, config.Args...)
	if len(config.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range config.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	return Connect(ctx, name, &sdk.CommandTransport{Command: cmd})
}

// Connect opens a session over an arbitrary transport.
func Connect(ctx context.Context, name string, transport sdk.Transport) (*Client, error) {
	client := sdk.NewClient(clientInfo, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server %q: %w", name, err)
	}
	return &Client{name: name, session: session}, nil
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// ListTools returns all tools available on the MCP server.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	result, err := c.session.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	infos := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		info := ToolInfo{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				info.InputSchema = raw
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// CallTool calls a tool on the MCP server. A result the server flags as an
// error is returned as an error carrying its text.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (any, error) {
	result, err := c.session.CallTool(ctx, &sdk.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = fmt.Sprintf("MCP tool %q failed", name)
		}
		return nil, errors.New(text)
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return formatResult(text), nil
}

// Close ends the session and stops the server process.
func (c *Client) Close() error {
	return c.session.Close()
}

// flattenContent joins the text parts of a tool result.
func flattenContent(content []sdk.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case *sdk.TextContent:
			parts = append(parts, v.Text)
		case *sdk.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s]", v.MIMEType))
		}
	}
	return strings.Join(parts, "\n")
}

// formatResult decodes JSON text so it is not double-encoded in the tool
// message; anything else is returned as-is.
func formatResult(text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	return v
}
