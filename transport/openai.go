package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/sjson"

	"github.com/martinemde/streamloop/unifiedllm"
)

// OpenAIRequest builds a streaming Chat Completions payload with usage
// reporting enabled. Thinking blocks are not replayed.
func OpenAIRequest(req unifiedllm.Request) ([]byte, error) {
	if req.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	msgs, err := openaiMessages(req)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: msgs,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	for _, def := range req.Tools {
		if def.Name == "" {
			return nil, errors.New("openai: tool definition missing name")
		}
		fn := shared.FunctionDefinitionParam{
			Name:       def.Name,
			Parameters: shared.FunctionParameters(def.Parameters),
		}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{Function: fn})
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}
	return sjson.SetBytes(data, "stream", true)
}

func openaiMessages(req unifiedllm.Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case unifiedllm.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.TextContent()))
		case unifiedllm.RoleUser:
			msgs = append(msgs, openai.UserMessage(m.TextContent()))
		case unifiedllm.RoleAssistant:
			msgs = append(msgs, openaiAssistant(m))
		case unifiedllm.RoleTool:
			for _, r := range m.ToolResults() {
				msgs = append(msgs, openai.ToolMessage(r.Content, r.CallID))
			}
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	return msgs, nil
}

func openaiAssistant(m unifiedllm.Message) openai.ChatCompletionMessageParamUnion {
	var p openai.ChatCompletionAssistantMessageParam
	if text := m.TextContent(); text != "" {
		p.Content.OfString = openai.String(text)
	}
	for _, call := range m.ToolCalls() {
		args := string(call.RawArguments())
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		p.ToolCalls = append(p.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: call.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: args,
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &p}
}
