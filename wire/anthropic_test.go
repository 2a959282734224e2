package wire

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/streamloop/unifiedllm"
)

const anthropicToolStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":25,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Need the weather."}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig=="}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: ping
data: {"type":"ping"}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Checking."}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: content_block_start
data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_01","name":"get_weather","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":2}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":42}}

event: message_stop
data: {"type":"message_stop"}
`

func TestAnthropicFramesToolStream(t *testing.T) {
	events, err := Collect(context.Background(), strings.NewReader(anthropicToolStream), AnthropicFrames)
	require.NoError(t, err)

	var types []unifiedllm.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []unifiedllm.EventType{
		unifiedllm.EventStart,
		unifiedllm.EventBlockStart, unifiedllm.EventBlockDelta, unifiedllm.EventBlockDelta, unifiedllm.EventBlockStop,
		unifiedllm.EventPing,
		unifiedllm.EventBlockStart, unifiedllm.EventBlockDelta, unifiedllm.EventBlockStop,
		unifiedllm.EventBlockStart, unifiedllm.EventBlockDelta, unifiedllm.EventBlockDelta, unifiedllm.EventBlockStop,
		unifiedllm.EventTurnDelta, unifiedllm.EventTurnStop,
	}, types)

	start := events[0]
	assert.Equal(t, "msg_01", start.MessageID)
	assert.Equal(t, "claude-sonnet-4-5", start.Model)
	require.NotNil(t, start.Usage)
	assert.Equal(t, 25, start.Usage.InputTokens)

	assert.Equal(t, unifiedllm.BlockThinking, events[1].Kind)
	assert.Equal(t, "Need the weather.", events[2].Delta.Thinking)
	assert.Equal(t, unifiedllm.DeltaSignature, events[3].Delta.Type)
	assert.Equal(t, "sig==", events[3].Delta.Signature)

	tool := events[9]
	assert.Equal(t, 2, tool.Index)
	assert.Equal(t, unifiedllm.BlockToolUse, tool.Kind)
	assert.Equal(t, "toolu_01", tool.Delta.ID)
	assert.Equal(t, "get_weather", tool.Delta.Name)
	assert.Empty(t, tool.Delta.PartialJSON, "empty input object is not a seed")
	assert.Equal(t, `{"city":`, events[10].Delta.PartialJSON)

	turn := events[13]
	assert.Equal(t, unifiedllm.StopToolUse, turn.StopReason)
	require.NotNil(t, turn.Usage)
	assert.Equal(t, 42, turn.Usage.OutputTokens)
}

func TestAnthropicFramesSeedsNonEmptyInput(t *testing.T) {
	events, err := AnthropicFrames([]byte(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t","name":"n","input":{"a":1}}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"a":1}`, events[0].Delta.PartialJSON)
}

func TestAnthropicFramesRedactedThinking(t *testing.T) {
	events, err := AnthropicFrames([]byte(`{"type":"content_block_start","index":0,"content_block":{"type":"redacted_thinking","data":"opaque"}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, unifiedllm.BlockThinking, events[0].Kind)
	assert.Equal(t, unifiedllm.DeltaRedacted, events[0].Delta.Type)
	assert.Equal(t, "opaque", events[0].Delta.Signature)
}

func TestAnthropicFramesErrorFrameIsFatal(t *testing.T) {
	events, err := AnthropicFrames([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, unifiedllm.EventError, events[0].Type)
	assert.True(t, events[0].Fatal)

	var oe *unifiedllm.OverloadedError
	require.ErrorAs(t, events[0].Err, &oe)
	assert.Equal(t, "Overloaded", oe.Message)
	assert.True(t, oe.Retryable)
}

func TestAnthropicFramesRejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		unknown bool
	}{
		{"not json", `{"type":`, false},
		{"missing type", `{"index":0}`, false},
		{"unknown type", `{"type":"message_paused"}`, true},
		{"unknown block", `{"type":"content_block_start","index":0,"content_block":{"type":"hologram"}}`, true},
		{"unknown delta", `{"type":"content_block_delta","index":0,"delta":{"type":"smell_delta"}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := AnthropicFrames([]byte(tt.data))
			require.Error(t, err)
			assert.Empty(t, events)
			var derr *unifiedllm.DecodeError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.data, derr.Raw)
			assert.Equal(t, tt.unknown, errorIsUnknown(err))
		})
	}
}

func TestAnthropicFramesIgnoresCitations(t *testing.T) {
	events, err := AnthropicFrames([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"citations_delta","citation":{"type":"char_location"}}}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAnthropicStreamRecoversFromMalformedFrame(t *testing.T) {
	body := `data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}
data: {"type":"content_block_delta","index":0,"delta":
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}
data: {"type":"content_block_stop","index":0}
`
	events, err := Collect(context.Background(), strings.NewReader(body), AnthropicFrames)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, unifiedllm.EventError, events[2].Type)
	assert.False(t, events[2].Fatal)
	assert.Equal(t, "lo", events[3].Delta.Text)
}
