package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/martinemde/streamloop/unifiedllm"
)

// CanonicalFrames decodes frames that are already canonical events encoded as
// JSON, as written by the replay recorder.
func CanonicalFrames(data []byte) ([]unifiedllm.Event, error) {
	var ev unifiedllm.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, unifiedllm.NewDecodeError(0, string(data), "invalid event json", err)
	}
	switch ev.Type {
	case unifiedllm.EventStart, unifiedllm.EventBlockStart, unifiedllm.EventBlockDelta,
		unifiedllm.EventBlockStop, unifiedllm.EventTurnDelta, unifiedllm.EventTurnStop,
		unifiedllm.EventPing:
	case unifiedllm.EventError:
		ev.Err = errors.New(ev.Message)
	default:
		return nil, unifiedllm.NewDecodeError(0, string(data), fmt.Sprintf("event %q", ev.Type), ErrUnknownFrame)
	}
	return one(ev), nil
}

// AdapterFor returns the frame adapter for a provider name.
func AdapterFor(provider string) (FrameAdapter, error) {
	switch provider {
	case "anthropic":
		return AnthropicFrames, nil
	case "openai", "openai_compatible":
		return OpenAIFrames, nil
	case "canonical":
		return CanonicalFrames, nil
	default:
		return nil, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("no frame adapter for provider %q", provider),
		}}
	}
}
