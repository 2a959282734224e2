package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/martinemde/streamloop/unifiedllm"
)

// MCPClient is the subset of the mcp-go client used by MCPExecutor.
type MCPClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

var _ MCPClient = (*client.Client)(nil)

// MCPServerConfig describes a stdio MCP server process.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name" yaml:"name"`
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
}

// MCPExecutor exposes the tools of one MCP server as a ToolExecutor.
type MCPExecutor struct {
	name   string
	client MCPClient

	mu    sync.RWMutex
	tools map[string]mcp.Tool
}

// NewMCPExecutor wraps an initialized client. name labels the server in
// errors.
func NewMCPExecutor(name string, c MCPClient) *MCPExecutor {
	return &MCPExecutor{name: name, client: c, tools: make(map[string]mcp.Tool)}
}

// StartMCP launches the server process described by cfg, performs the
// initialize handshake and loads the tool list.
func StartMCP(ctx context.Context, cfg MCPServerConfig) (*MCPExecutor, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("starting mcp server %s: %w", cfg.Name, err)
	}
	if err := Initialize(ctx, c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initializing mcp server %s: %w", cfg.Name, err)
	}
	e := NewMCPExecutor(cfg.Name, c)
	if _, err := e.Definitions(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return e, nil
}

// Initialize starts c and performs the MCP initialize handshake.
func Initialize(ctx context.Context, c *client.Client) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "streamloop", Version: "0.1.0"}
	_, err := c.Initialize(ctx, req)
	return err
}

// Definitions lists the server's tools and refreshes the executor's view of
// them.
func (e *MCPExecutor) Definitions(ctx context.Context) ([]unifiedllm.ToolDefinition, error) {
	res, err := e.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools on %s: %w", e.name, err)
	}

	tools := make(map[string]mcp.Tool, len(res.Tools))
	defs := make([]unifiedllm.ToolDefinition, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools[t.Name] = t
		defs = append(defs, unifiedllm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaOf(t),
		})
	}

	e.mu.Lock()
	e.tools = tools
	e.mu.Unlock()
	return defs, nil
}

func schemaOf(t mcp.Tool) map[string]any {
	if len(t.RawInputSchema) > 0 {
		var schema map[string]any
		if err := json.Unmarshal(t.RawInputSchema, &schema); err == nil {
			return schema
		}
	}
	schema := map[string]any{"type": "object"}
	if t.InputSchema.Type != "" {
		schema["type"] = t.InputSchema.Type
	}
	if len(t.InputSchema.Properties) > 0 {
		schema["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		schema["required"] = t.InputSchema.Required
	}
	return schema
}

// Has reports whether the server advertised name in its last tool listing.
func (e *MCPExecutor) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tools[name]
	return ok
}

// Execute calls the tool on the server and joins its text content. A result
// flagged as an error is returned as an error carrying that text.
func (e *MCPExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("decoding arguments for %s: %w", name, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	res, err := e.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s on %s: %w", name, e.name, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

// Close shuts the client down.
func (e *MCPExecutor) Close() error {
	return e.client.Close()
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		case mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s]", v.MIMEType))
		case mcp.EmbeddedResource:
			parts = append(parts, "[embedded resource]")
		}
	}
	return strings.Join(parts, "\n")
}
