package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/sjson"

	"github.com/martinemde/streamloop/unifiedllm"
)

// defaultAnthropicMaxTokens is used when neither the request nor the catalog
// provides a limit; the Messages API requires one.
const defaultAnthropicMaxTokens = 4096

// AnthropicRequest builds a streaming Messages API payload. Consecutive tool
// messages are merged into a single user message of tool_result blocks.
func AnthropicRequest(req unifiedllm.Request) ([]byte, error) {
	if req.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	msgs, system, err := anthropicMessages(req)
	if err != nil {
		return nil, err
	}
	tools, err := anthropicTools(req.Tools)
	if err != nil {
		return nil, err
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(anthropicMaxTokens(req)),
		Messages:  msgs,
		Model:     sdk.Model(req.Model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}
	return sjson.SetBytes(data, "stream", true)
}

func anthropicMaxTokens(req unifiedllm.Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if info := unifiedllm.GetModelInfo(req.Model); info != nil && info.MaxOutput > 0 {
		return info.MaxOutput
	}
	return defaultAnthropicMaxTokens
}

func anthropicMessages(req unifiedllm.Request) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var (
		conversation []sdk.MessageParam
		system       []sdk.TextBlockParam
		results      []sdk.ContentBlockParamUnion
	)
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}
	flushResults := func() {
		if len(results) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case unifiedllm.RoleSystem:
			if text := m.TextContent(); text != "" {
				system = append(system, sdk.TextBlockParam{Text: text})
			}
		case unifiedllm.RoleTool:
			for _, r := range m.ToolResults() {
				results = append(results, sdk.NewToolResultBlock(r.CallID, r.Content, r.IsError))
			}
		case unifiedllm.RoleUser:
			flushResults()
			blocks := anthropicBlocks(m)
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewUserMessage(blocks...))
			}
		case unifiedllm.RoleAssistant:
			flushResults()
			blocks := anthropicBlocks(m)
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flushResults()

	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func anthropicBlocks(m unifiedllm.Message) []sdk.ContentBlockParamUnion {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
	for _, b := range m.Content {
		switch b.Kind {
		case unifiedllm.BlockText:
			if b.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(b.Text))
			}
		case unifiedllm.BlockThinking:
			if b.Thinking == nil {
				continue
			}
			if b.Thinking.Redacted {
				blocks = append(blocks, sdk.NewRedactedThinkingBlock(b.Thinking.Signature))
			} else if b.Thinking.Signature != "" {
				blocks = append(blocks, sdk.NewThinkingBlock(b.Thinking.Signature, b.Thinking.Text))
			}
		case unifiedllm.BlockToolUse:
			if b.ToolUse != nil {
				blocks = append(blocks, sdk.NewToolUseBlock(b.ToolUse.ID, toolInput(*b.ToolUse), b.ToolUse.Name))
			}
		case unifiedllm.BlockToolResult:
			if r := b.ToolResult; r != nil {
				blocks = append(blocks, sdk.NewToolResultBlock(r.CallID, r.Content, r.IsError))
			}
		}
	}
	return blocks
}

// toolInput returns the call's arguments in a form that always encodes to a
// JSON object. Calls whose arguments never parsed are replayed with an empty
// input; their error result explains what happened.
func toolInput(call unifiedllm.ToolCall) any {
	raw := call.RawArguments()
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return raw
}

func anthropicTools(defs []unifiedllm.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("anthropic: tool definition missing name")
		}
		u := sdk.ToolUnionParamOfTool(anthropicSchema(def.Parameters), def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func anthropicSchema(schema map[string]any) sdk.ToolInputSchemaParam {
	var p sdk.ToolInputSchemaParam
	for k, v := range schema {
		switch k {
		case "type":
		case "properties":
			p.Properties = v
		case "required":
			p.Required = stringList(v)
		default:
			if p.ExtraFields == nil {
				p.ExtraFields = make(map[string]any)
			}
			p.ExtraFields[k] = v
		}
	}
	return p
}

func stringList(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, s := range vs {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
