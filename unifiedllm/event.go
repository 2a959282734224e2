package unifiedllm

import "fmt"

// EventType identifies the variant of a canonical stream Event.
type EventType string

const (
	EventStart      EventType = "start"
	EventBlockStart EventType = "block_start"
	EventBlockDelta EventType = "block_delta"
	EventBlockStop  EventType = "block_stop"
	EventTurnDelta  EventType = "turn_delta"
	EventTurnStop   EventType = "turn_stop"
	EventPing       EventType = "ping"
	EventError      EventType = "error"
)

// DeltaType identifies the payload carried by a block delta.
type DeltaType string

const (
	DeltaText      DeltaType = "text"
	DeltaInputJSON DeltaType = "input_json"
	DeltaThinking  DeltaType = "thinking"
	DeltaSignature DeltaType = "signature"
	// DeltaRedacted marks a redacted thinking block; the payload is in Signature.
	DeltaRedacted  DeltaType = "redacted_thinking"
	// DeltaToolCall carries indexed id/name/argument fragments.
	DeltaToolCall  DeltaType = "tool_call"
)

// Delta is the payload of a block delta. On a block start it carries the
// block's initial values (tool ID and name, leading text).
type Delta struct {
	Type        DeltaType `json:"type"`
	Text        string    `json:"text,omitempty"`
	PartialJSON string    `json:"partial_json,omitempty"`
	Thinking    string    `json:"thinking,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name,omitempty"`
}

// Event is the provider-independent wire event. Exactly one variant is set
// per event, selected by Type.
type Event struct {
	Type       EventType  `json:"type"`
	Index      int        `json:"index,omitempty"`
	Kind       BlockKind  `json:"kind,omitempty"`
	Delta      Delta      `json:"delta,omitempty"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
	MessageID  string     `json:"message_id,omitempty"`
	Model      string     `json:"model,omitempty"`

	// Error variant.
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// StartEvent begins a turn.
func StartEvent(messageID, model string, usage *Usage) Event {
	return Event{Type: EventStart, MessageID: messageID, Model: model, Usage: usage}
}

// BlockStartEvent opens the block at index.
func BlockStartEvent(index int, kind BlockKind, initial Delta) Event {
	return Event{Type: EventBlockStart, Index: index, Kind: kind, Delta: initial}
}

// BlockDeltaEvent appends payload to the block at index.
func BlockDeltaEvent(index int, payload Delta) Event {
	return Event{Type: EventBlockDelta, Index: index, Delta: payload}
}

// BlockStopEvent finalizes the block at index.
func BlockStopEvent(index int) Event {
	return Event{Type: EventBlockStop, Index: index}
}

// TurnDeltaEvent carries turn-level updates: stop reason and usage.
func TurnDeltaEvent(reason StopReason, usage *Usage) Event {
	return Event{Type: EventTurnDelta, StopReason: reason, Usage: usage}
}

// TurnStopEvent ends the turn.
func TurnStopEvent() Event {
	return Event{Type: EventTurnStop}
}

// PingEvent is a keepalive.
func PingEvent() Event {
	return Event{Type: EventPing}
}

// ErrorEvent reports a recoverable problem with one frame.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Message: err.Error(), Err: err}
}

// FatalEvent reports a problem that ends the stream.
func FatalEvent(err error) Event {
	return Event{Type: EventError, Message: err.Error(), Err: err, Fatal: true}
}

func (e Event) String() string {
	switch e.Type {
	case EventBlockStart:
		return fmt.Sprintf("%s(%d, %s)", e.Type, e.Index, e.Kind)
	case EventBlockDelta:
		return fmt.Sprintf("%s(%d, %s)", e.Type, e.Index, e.Delta.Type)
	case EventBlockStop:
		return fmt.Sprintf("%s(%d)", e.Type, e.Index)
	case EventTurnDelta:
		return fmt.Sprintf("%s(%s)", e.Type, e.StopReason)
	case EventError:
		return fmt.Sprintf("%s(%q, fatal=%v)", e.Type, e.Message, e.Fatal)
	default:
		return string(e.Type)
	}
}
