package wire

import (
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/martinemde/streamloop/unifiedllm"
)

type openAIHead struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// OpenAIFrames maps one Chat Completions chunk onto canonical events. A chunk
// can carry several updates at once (a tool call fragment and a finish
// reason, say), so it may fan out into more than one event. Only the first
// choice is read.
//
// Text and reasoning deltas are emitted at index 0; tool call fragments keep
// the provider's tool call index.
func OpenAIFrames(data []byte) ([]unifiedllm.Event, error) {
	var head openAIHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, unifiedllm.NewDecodeError(0, string(data), "invalid chunk json", err)
	}
	if head.Error != nil {
		return one(unifiedllm.FatalEvent(&unifiedllm.ProviderError{
			SDKError:  unifiedllm.SDKError{Message: head.Error.Message},
			Provider:  "openai",
			ErrorCode: fmt.Sprint(firstNonNil(head.Error.Code, head.Error.Type)),
		})), nil
	}

	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, unifiedllm.NewDecodeError(0, string(data), "invalid chunk", err)
	}

	var events []unifiedllm.Event
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		delta := choice.Delta
		if delta.Role != "" {
			events = append(events, unifiedllm.StartEvent(chunk.ID, chunk.Model, nil))
		}
		if reasoning := reasoningContent(delta); reasoning != "" {
			events = append(events, unifiedllm.BlockDeltaEvent(0, unifiedllm.Delta{Type: unifiedllm.DeltaThinking, Thinking: reasoning}))
		}
		if delta.Content != "" {
			events = append(events, unifiedllm.BlockDeltaEvent(0, unifiedllm.Delta{Type: unifiedllm.DeltaText, Text: delta.Content}))
		}
		if delta.Refusal != "" {
			events = append(events, unifiedllm.BlockDeltaEvent(0, unifiedllm.Delta{Type: unifiedllm.DeltaText, Text: delta.Refusal}))
		}
		for _, tc := range delta.ToolCalls {
			events = append(events, unifiedllm.BlockDeltaEvent(int(tc.Index), unifiedllm.Delta{
				Type:        unifiedllm.DeltaToolCall,
				ID:          tc.ID,
				Name:        tc.Function.Name,
				PartialJSON: tc.Function.Arguments,
			}))
		}
		if choice.FinishReason != "" {
			events = append(events, unifiedllm.TurnDeltaEvent(unifiedllm.NormalizeStopReason(choice.FinishReason), nil))
		}
	}

	if chunk.JSON.Usage.Valid() {
		u := chunk.Usage
		events = append(events, unifiedllm.TurnDeltaEvent(unifiedllm.StopNone, &unifiedllm.Usage{
			InputTokens:     int(u.PromptTokens),
			OutputTokens:    int(u.CompletionTokens),
			CacheReadTokens: int(u.PromptTokensDetails.CachedTokens),
		}))
	}

	return events, nil
}

// reasoningContent reads the non-standard reasoning_content field some
// compatible servers put on the delta.
func reasoningContent(delta openai.ChatCompletionChunkChoiceDelta) string {
	field, ok := delta.JSON.ExtraFields["reasoning_content"]
	if !ok {
		return ""
	}
	raw := field.Raw()
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return ""
	}
	return s
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil && v != "" {
			return v
		}
	}
	return "error"
}
