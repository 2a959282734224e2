package wire

import (
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/martinemde/streamloop/unifiedllm"
)

// anthropicHead is decoded first so that frames the SDK union does not model
// (ping, error) can be handled without a second pass.
type anthropicHead struct {
	Type  string `json:"type"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AnthropicFrames maps one Anthropic Messages stream frame onto exactly one
// canonical event.
func AnthropicFrames(data []byte) ([]unifiedllm.Event, error) {
	var head anthropicHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, unifiedllm.NewDecodeError(0, string(data), "invalid frame json", err)
	}

	switch head.Type {
	case "ping":
		return one(unifiedllm.PingEvent()), nil
	case "error":
		return one(unifiedllm.FatalEvent(anthropicStreamError(head))), nil
	case "message_start", "message_delta", "message_stop",
		"content_block_start", "content_block_delta", "content_block_stop":
	case "":
		return nil, unifiedllm.NewDecodeError(0, string(data), "frame has no type", nil)
	default:
		return nil, unifiedllm.NewDecodeError(0, string(data), fmt.Sprintf("anthropic frame %q", head.Type), ErrUnknownFrame)
	}

	var frame sdk.MessageStreamEventUnion
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, unifiedllm.NewDecodeError(0, string(data), "invalid "+head.Type+" frame", err)
	}
	index := int(frame.Index)

	switch frame.Type {
	case "message_start":
		msg := frame.Message
		return one(unifiedllm.StartEvent(msg.ID, string(msg.Model), &unifiedllm.Usage{
			InputTokens:      int(msg.Usage.InputTokens),
			OutputTokens:     int(msg.Usage.OutputTokens),
			CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
		})), nil

	case "content_block_start":
		block := frame.ContentBlock
		switch block.Type {
		case "text":
			return one(unifiedllm.BlockStartEvent(index, unifiedllm.BlockText,
				unifiedllm.Delta{Type: unifiedllm.DeltaText, Text: block.Text})), nil
		case "thinking":
			return one(unifiedllm.BlockStartEvent(index, unifiedllm.BlockThinking,
				unifiedllm.Delta{Type: unifiedllm.DeltaThinking, Thinking: block.Thinking, Signature: block.Signature})), nil
		case "redacted_thinking":
			return one(unifiedllm.BlockStartEvent(index, unifiedllm.BlockThinking,
				unifiedllm.Delta{Type: unifiedllm.DeltaRedacted, Signature: block.Data})), nil
		case "tool_use", "server_tool_use":
			return one(unifiedllm.BlockStartEvent(index, unifiedllm.BlockToolUse, unifiedllm.Delta{
				Type:        unifiedllm.DeltaInputJSON,
				ID:          block.ID,
				Name:        block.Name,
				PartialJSON: seedInput(block.Input),
			})), nil
		default:
			return nil, unifiedllm.NewDecodeError(0, string(data), fmt.Sprintf("content block %q", block.Type), ErrUnknownFrame)
		}

	case "content_block_delta":
		delta := frame.Delta
		switch delta.Type {
		case "text_delta":
			return one(unifiedllm.BlockDeltaEvent(index, unifiedllm.Delta{Type: unifiedllm.DeltaText, Text: delta.Text})), nil
		case "input_json_delta":
			return one(unifiedllm.BlockDeltaEvent(index, unifiedllm.Delta{Type: unifiedllm.DeltaInputJSON, PartialJSON: delta.PartialJSON})), nil
		case "thinking_delta":
			return one(unifiedllm.BlockDeltaEvent(index, unifiedllm.Delta{Type: unifiedllm.DeltaThinking, Thinking: delta.Thinking})), nil
		case "signature_delta":
			return one(unifiedllm.BlockDeltaEvent(index, unifiedllm.Delta{Type: unifiedllm.DeltaSignature, Signature: delta.Signature})), nil
		case "citations_delta":
			return nil, nil
		default:
			return nil, unifiedllm.NewDecodeError(0, string(data), fmt.Sprintf("content block delta %q", delta.Type), ErrUnknownFrame)
		}

	case "content_block_stop":
		return one(unifiedllm.BlockStopEvent(index)), nil

	case "message_delta":
		var usage *unifiedllm.Usage
		if frame.JSON.Usage.Valid() {
			usage = &unifiedllm.Usage{
				InputTokens:      int(frame.Usage.InputTokens),
				OutputTokens:     int(frame.Usage.OutputTokens),
				CacheReadTokens:  int(frame.Usage.CacheReadInputTokens),
				CacheWriteTokens: int(frame.Usage.CacheCreationInputTokens),
			}
		}
		return one(unifiedllm.TurnDeltaEvent(unifiedllm.NormalizeStopReason(string(frame.Delta.StopReason)), usage)), nil

	default: // message_stop
		return one(unifiedllm.TurnStopEvent()), nil
	}
}

func anthropicStreamError(head anthropicHead) error {
	code, msg := "error", "stream error"
	if head.Error != nil {
		code, msg = head.Error.Type, head.Error.Message
	}
	pe := unifiedllm.ProviderError{
		SDKError:  unifiedllm.SDKError{Message: msg},
		Provider:  "anthropic",
		ErrorCode: code,
	}
	switch code {
	case "overloaded_error":
		pe.Retryable = true
		return &unifiedllm.OverloadedError{ProviderError: pe}
	case "rate_limit_error":
		pe.Retryable = true
		return &unifiedllm.RateLimitError{ProviderError: pe}
	case "api_error":
		pe.Retryable = true
		return &unifiedllm.ServerError{ProviderError: pe}
	case "invalid_request_error":
		return &unifiedllm.InvalidRequestError{ProviderError: pe}
	default:
		return &pe
	}
}

// seedInput returns the tool input carried on a block start when it is a
// non-empty object. The streamed input_json deltas normally start from an
// empty object, which is not a useful prefix.
func seedInput(input any) string {
	obj, ok := input.(map[string]any)
	if !ok || len(obj) == 0 {
		return ""
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	return string(b)
}

func one(ev unifiedllm.Event) []unifiedllm.Event {
	return []unifiedllm.Event{ev}
}
