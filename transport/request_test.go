package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/martinemde/streamloop/unifiedllm"
)

func toolConversation() unifiedllm.Request {
	temp := 0.2
	assistant := unifiedllm.Message{
		Role: unifiedllm.RoleAssistant,
		Content: []unifiedllm.ContentBlock{
			unifiedllm.TextBlock(0, "Looking."),
			unifiedllm.ToolUseBlock(1, unifiedllm.ToolCall{ID: "call_a", Name: "search", Arguments: `{"q":"go"}`}),
			unifiedllm.ToolUseBlock(2, unifiedllm.ToolCall{ID: "call_b", Name: "lookup", Arguments: `{"id":`}),
		},
	}
	return unifiedllm.Request{
		Model:  "claude-sonnet-4-5",
		System: "Be brief.",
		Messages: []unifiedllm.Message{
			unifiedllm.UserMessage("find go"),
			assistant,
			unifiedllm.ToolResultMessage(unifiedllm.ToolResult{CallID: "call_a", Content: "found"}),
			unifiedllm.ToolResultMessage(unifiedllm.ToolResult{CallID: "call_b", Content: "bad arguments", IsError: true}),
		},
		Tools: []unifiedllm.ToolDefinition{{
			Name:        "search",
			Description: "Search the index",
			Parameters: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"q": map[string]any{"type": "string"}},
				"required":             []any{"q"},
				"additionalProperties": false,
			},
		}},
		MaxTokens:   256,
		Temperature: &temp,
	}
}

func TestAnthropicRequest(t *testing.T) {
	data, err := AnthropicRequest(toolConversation())
	require.NoError(t, err)
	body := gjson.ParseBytes(data)

	assert.True(t, body.Get("stream").Bool())
	assert.Equal(t, "claude-sonnet-4-5", body.Get("model").String())
	assert.Equal(t, int64(256), body.Get("max_tokens").Int())
	assert.InDelta(t, 0.2, body.Get("temperature").Float(), 1e-9)
	assert.Equal(t, "Be brief.", body.Get("system.0.text").String())

	msgs := body.Get("messages").Array()
	require.Len(t, msgs, 3, "consecutive tool messages merge into one user message")
	assert.Equal(t, "user", msgs[0].Get("role").String())
	assert.Equal(t, "assistant", msgs[1].Get("role").String())
	assert.Equal(t, "user", msgs[2].Get("role").String())

	assistant := msgs[1].Get("content").Array()
	require.Len(t, assistant, 3)
	assert.Equal(t, "tool_use", assistant[1].Get("type").String())
	assert.Equal(t, "go", assistant[1].Get("input.q").String())
	assert.Equal(t, "{}", assistant[2].Get("input").Raw, "unparseable arguments replay as an empty object")

	results := msgs[2].Get("content").Array()
	require.Len(t, results, 2)
	assert.Equal(t, "call_a", results[0].Get("tool_use_id").String())
	assert.False(t, results[0].Get("is_error").Bool())
	assert.Equal(t, "call_b", results[1].Get("tool_use_id").String())
	assert.True(t, results[1].Get("is_error").Bool())

	tool := body.Get("tools.0")
	assert.Equal(t, "search", tool.Get("name").String())
	assert.Equal(t, "Search the index", tool.Get("description").String())
	assert.Equal(t, "object", tool.Get("input_schema.type").String())
	assert.Equal(t, "q", tool.Get("input_schema.required.0").String())
	assert.True(t, tool.Get("input_schema.additionalProperties").Exists())
}

func TestAnthropicRequestDefaults(t *testing.T) {
	data, err := AnthropicRequest(unifiedllm.Request{
		Model:    "unknown-model",
		Messages: []unifiedllm.Message{unifiedllm.UserMessage("hi")},
	})
	require.NoError(t, err)
	body := gjson.ParseBytes(data)
	assert.Equal(t, int64(defaultAnthropicMaxTokens), body.Get("max_tokens").Int())
	assert.False(t, body.Get("system").Exists())
	assert.False(t, body.Get("tools").Exists())
}

func TestAnthropicRequestErrors(t *testing.T) {
	_, err := AnthropicRequest(unifiedllm.Request{Messages: []unifiedllm.Message{unifiedllm.UserMessage("hi")}})
	assert.ErrorContains(t, err, "model identifier is required")

	_, err = AnthropicRequest(unifiedllm.Request{Model: "m", Messages: []unifiedllm.Message{unifiedllm.SystemMessage("only system")}})
	assert.ErrorContains(t, err, "at least one user/assistant message")

	_, err = AnthropicRequest(unifiedllm.Request{
		Model:    "m",
		Messages: []unifiedllm.Message{unifiedllm.UserMessage("hi")},
		Tools:    []unifiedllm.ToolDefinition{{Description: "nameless"}},
	})
	assert.ErrorContains(t, err, "missing name")
}

func TestOpenAIRequest(t *testing.T) {
	req := toolConversation()
	req.Model = "gpt-4o-mini"
	data, err := OpenAIRequest(req)
	require.NoError(t, err)
	body := gjson.ParseBytes(data)

	assert.True(t, body.Get("stream").Bool())
	assert.True(t, body.Get("stream_options.include_usage").Bool())
	assert.Equal(t, "gpt-4o-mini", body.Get("model").String())
	assert.Equal(t, int64(256), body.Get("max_completion_tokens").Int())

	msgs := body.Get("messages").Array()
	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].Get("role").String())
	assert.Equal(t, "Be brief.", msgs[0].Get("content").String())
	assert.Equal(t, "user", msgs[1].Get("role").String())

	assistant := msgs[2]
	assert.Equal(t, "assistant", assistant.Get("role").String())
	assert.Equal(t, "Looking.", assistant.Get("content").String())
	calls := assistant.Get("tool_calls").Array()
	require.Len(t, calls, 2)
	assert.Equal(t, "call_a", calls[0].Get("id").String())
	assert.Equal(t, "search", calls[0].Get("function.name").String())
	assert.JSONEq(t, `{"q":"go"}`, calls[0].Get("function.arguments").String())
	assert.Equal(t, "{}", calls[1].Get("function.arguments").String())

	assert.Equal(t, "tool", msgs[3].Get("role").String())
	assert.Equal(t, "call_a", msgs[3].Get("tool_call_id").String())
	assert.Equal(t, "call_b", msgs[4].Get("tool_call_id").String())

	fn := body.Get("tools.0.function")
	assert.Equal(t, "search", fn.Get("name").String())
	assert.Equal(t, "string", fn.Get("parameters.properties.q.type").String())
}

func TestOpenAIRequestErrors(t *testing.T) {
	_, err := OpenAIRequest(unifiedllm.Request{Messages: []unifiedllm.Message{unifiedllm.UserMessage("hi")}})
	assert.ErrorContains(t, err, "model identifier is required")

	_, err = OpenAIRequest(unifiedllm.Request{Model: "m"})
	assert.ErrorContains(t, err, "messages are required")
}
