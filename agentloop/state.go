package agentloop

import (
	"context"
	"fmt"

	"github.com/martinemde/streamloop/aggregate"
	"github.com/martinemde/streamloop/unifiedllm"
)

// State is the lifecycle state of a Controller.
type State string

const (
	StateIdle                State = "idle"
	StateStreaming           State = "streaming"
	StateAwaitingToolResults State = "awaiting_tool_results"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

// Terminal reports whether the loop has stopped in s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Reasons reported in Outcome.Reason.
const (
	ReasonNoToolCalls = "no tool calls"
	ReasonTurnLimit   = "turn limit reached"
	ReasonCancelled   = "cancelled"
	ReasonIncomplete  = "incomplete tool calls"
)

// IncompletePolicy decides what happens to a turn whose tool-use intent
// could not be fully reconstructed: the model asked for tools but one or
// more calls never reached a block stop or finish reason.
type IncompletePolicy string

const (
	// SynthesizeErrors answers every incomplete call with an error result so
	// the model sees what went wrong on the next turn.
	SynthesizeErrors IncompletePolicy = "synthesize"
	// FailTurn stops the loop in Failed without appending the turn.
	FailTurn IncompletePolicy = "fail"
	// ProceedPartial drops the incomplete calls from the assistant message
	// and dispatches only the complete ones.
	ProceedPartial IncompletePolicy = "proceed"
)

// ParseIncompletePolicy maps a configuration value onto an IncompletePolicy.
// The empty string selects SynthesizeErrors.
func ParseIncompletePolicy(s string) (IncompletePolicy, error) {
	switch IncompletePolicy(s) {
	case "", SynthesizeErrors:
		return SynthesizeErrors, nil
	case FailTurn, ProceedPartial:
		return IncompletePolicy(s), nil
	default:
		return "", &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("unknown incomplete results policy %q (want synthesize, fail or proceed)", s),
		}}
	}
}

// Outcome is what Run returns. Messages holds only the messages appended
// during the run, in order; callers rebuild the full conversation by
// concatenating them onto the history they passed in.
type Outcome struct {
	State    State
	Reason   string
	Messages []unifiedllm.Message
	Turns    int
	Usage    unifiedllm.Usage
	Err      error
}

// Provider opens one streaming turn. The returned channel must be closed at
// the end of the stream; a fatal error is delivered as an Error event with
// Fatal set. Cancelling ctx must stop the producer.
type Provider interface {
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.Event, error)
	Shape() aggregate.Shape
}

// Sink receives every message the loop appends, in order. A Sink error
// fails the loop.
type Sink interface {
	Append(ctx context.Context, msg unifiedllm.Message) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, msg unifiedllm.Message) error

// Append calls f(ctx, msg).
func (f SinkFunc) Append(ctx context.Context, msg unifiedllm.Message) error {
	return f(ctx, msg)
}
