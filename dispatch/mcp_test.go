package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/streamloop/unifiedllm"
)

func newTestMCPServer() *server.MCPServer {
	s := server.NewMCPServer("streamloop-test", "1.0.0", server.WithToolCapabilities(true))
	s.AddTool(
		mcp.NewTool("add",
			mcp.WithDescription("Add two numbers"),
			mcp.WithNumber("a", mcp.Required()),
			mcp.WithNumber("b", mcp.Required()),
		),
		func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := request.GetArguments()
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			return mcp.NewToolResultText(fmt.Sprint(a + b)), nil
		},
	)
	s.AddTool(
		mcp.NewTool("refuse", mcp.WithDescription("Always reports an error")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("not today"), nil
		},
	)
	return s
}

func newTestMCPExecutor(t *testing.T) *MCPExecutor {
	t.Helper()
	c, err := client.NewInProcessClient(newTestMCPServer())
	require.NoError(t, err)
	require.NoError(t, Initialize(context.Background(), c))
	e := NewMCPExecutor("test", c)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestMCPExecutorDefinitions(t *testing.T) {
	e := newTestMCPExecutor(t)
	defs, err := e.Definitions(context.Background())
	require.NoError(t, err)

	byName := map[string]unifiedllm.ToolDefinition{}
	for _, d := range defs {
		byName[d.Name] = d
	}
	require.Contains(t, byName, "add")
	assert.Equal(t, "Add two numbers", byName["add"].Description)
	assert.Equal(t, "object", byName["add"].Parameters["type"])
	assert.Contains(t, byName["add"].Parameters, "properties")

	assert.True(t, e.Has("add"))
	assert.False(t, e.Has("subtract"))
}

func TestMCPExecutorExecute(t *testing.T) {
	e := newTestMCPExecutor(t)
	_, err := e.Definitions(context.Background())
	require.NoError(t, err)

	out, err := e.Execute(context.Background(), "add", json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.Equal(t, "5", out)

	_, err = e.Execute(context.Background(), "refuse", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, "not today", err.Error())
}

func TestMCPExecutorThroughDispatcher(t *testing.T) {
	e := newTestMCPExecutor(t)
	_, err := e.Definitions(context.Background())
	require.NoError(t, err)

	results := New(e).Dispatch(context.Background(), []unifiedllm.ToolCall{
		{ID: "1", Name: "add", Arguments: `{"a":1,"b":1}`},
		{ID: "2", Name: "refuse", Arguments: `{}`},
		{ID: "3", Name: "subtract", Arguments: `{}`},
	})
	require.Len(t, results, 3)
	assert.Equal(t, "2", results["1"].Content)
	assert.True(t, results["2"].IsError)
	assert.Contains(t, results["2"].Content, "not today")
	assert.True(t, results["3"].IsError)
	assert.Contains(t, results["3"].Content, "Unknown tool")
}
