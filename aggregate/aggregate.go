// Package aggregate folds a turn's canonical event stream into a finalized
// assistant message.
//
// Two shapes are supported. BlockLifecycle expects explicit block start,
// delta and stop events per index. IndexedDelta expects a single evolving
// delta whose tool call fragments are keyed by index and frozen by the
// finish reason. Both produce content ordered by ascending index and both
// finalize whatever they hold when the stream ends early.
//
// An Aggregator owns all per-turn state and must not be reused across turns
// or shared between goroutines.
package aggregate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/unifiedllm"
)

// Shape selects the aggregation state machine.
type Shape string

const (
	BlockLifecycle Shape = unifiedllm.ShapeBlockLifecycle
	IndexedDelta   Shape = unifiedllm.ShapeIndexedDelta
)

// ShapeForProvider returns the shape a provider's stream uses.
func ShapeForProvider(provider string) Shape {
	return Shape(unifiedllm.ShapeForProvider(provider))
}

const (
	DefaultMaxBlockBytes = 4 * 1024 * 1024
	DefaultMaxBlocks     = 256
)

// Result is a finalized turn.
type Result struct {
	// Message is the assistant message with content ordered by index.
	Message unifiedllm.Message
	// ToolCalls holds every call whose block reached a stop (or, for the
	// indexed shape, was frozen by a finish reason), in index order. Calls
	// whose arguments failed to finalize carry Err and must not be dispatched.
	ToolCalls []unifiedllm.ToolCall
	// Incomplete holds calls whose block never stopped before the stream
	// ended. They appear in Message but are not part of ToolCalls.
	Incomplete []unifiedllm.ToolCall
	// Errors lists aggregation problems in the order they occurred.
	Errors []*unifiedllm.AggregationError
	// Truncated is set when the stream ended before the turn was closed, a
	// block was left open, or a buffer hit its size guard.
	Truncated bool
	// Events counts the events applied.
	Events int
}

// Option configures an Aggregator.
type Option func(*options)

type options struct {
	maxBlockBytes int
	maxBlocks     int
	logger        telemetry.Logger
	newID         func() string
}

// WithMaxBlockBytes caps the size of any single text, thinking or argument
// buffer.
func WithMaxBlockBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBlockBytes = n
		}
	}
}

// WithMaxBlocks caps the number of distinct indices in one turn.
func WithMaxBlocks(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBlocks = n
		}
	}
}

// WithLogger sets the logger for aggregation diagnostics.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithIDGenerator sets the function used to name tool calls that arrive
// without an ID.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

func defaultID() string {
	return "call_" + uuid.NewString()
}

// folder is the shape-specific state machine.
type folder interface {
	apply(ctx context.Context, ev unifiedllm.Event) *unifiedllm.AggregationError
	finalize(ctx context.Context) finalized
}

type finalized struct {
	content    []unifiedllm.ContentBlock
	calls      []unifiedllm.ToolCall
	incomplete []unifiedllm.ToolCall
	errs       []*unifiedllm.AggregationError
	truncated  bool
}

// Aggregator folds one turn.
type Aggregator struct {
	shape  Shape
	opts   options
	folder folder

	messageID  string
	model      string
	stopReason unifiedllm.StopReason
	usage      unifiedllm.Usage
	sawUsage   bool
	stopped    bool
	events     int
	errs       []*unifiedllm.AggregationError
	final      *Result
}

// New returns an Aggregator for shape. An unknown shape falls back to
// IndexedDelta.
func New(shape Shape, opts ...Option) *Aggregator {
	o := options{
		maxBlockBytes: DefaultMaxBlockBytes,
		maxBlocks:     DefaultMaxBlocks,
		logger:        telemetry.NewNoopLogger(),
		newID:         defaultID,
	}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Aggregator{shape: shape, opts: o}
	switch shape {
	case BlockLifecycle:
		a.folder = newBlockFolder(&a.opts)
	default:
		a.shape = IndexedDelta
		a.folder = newIndexedFolder(&a.opts)
	}
	return a
}

// Shape returns the aggregator's shape.
func (a *Aggregator) Shape() Shape {
	return a.shape
}

// Apply folds one event. The returned error is an AggregationError that has
// also been recorded on the Result; it never means the turn must stop.
// Error events are not handled here: the caller decides whether they are
// fatal.
func (a *Aggregator) Apply(ev unifiedllm.Event) error {
	return a.ApplyContext(context.Background(), ev)
}

// ApplyContext is Apply with a context for logging.
func (a *Aggregator) ApplyContext(ctx context.Context, ev unifiedllm.Event) error {
	if a.final != nil {
		return a.record(ctx, unifiedllm.NewAggregationError(ev.Index, "", fmt.Sprintf("%s after finalize", ev.Type), nil))
	}
	a.events++

	switch ev.Type {
	case unifiedllm.EventStart:
		if ev.MessageID != "" {
			a.messageID = ev.MessageID
		}
		if ev.Model != "" {
			a.model = ev.Model
		}
		a.mergeUsage(ev.Usage)
		return nil
	case unifiedllm.EventTurnDelta:
		if ev.StopReason != unifiedllm.StopNone {
			a.stopReason = ev.StopReason
		}
		a.mergeUsage(ev.Usage)
	case unifiedllm.EventTurnStop:
		a.stopped = true
	case unifiedllm.EventPing, unifiedllm.EventError:
		return nil
	}

	if err := a.folder.apply(ctx, ev); err != nil {
		return a.record(ctx, err)
	}
	return nil
}

// mergeUsage keeps the latest non-zero value per field. Providers report
// cumulative counts, so later values supersede earlier ones.
func (a *Aggregator) mergeUsage(u *unifiedllm.Usage) {
	if u == nil {
		return
	}
	a.sawUsage = true
	if u.InputTokens > 0 {
		a.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		a.usage.OutputTokens = u.OutputTokens
	}
	if u.CacheReadTokens > 0 {
		a.usage.CacheReadTokens = u.CacheReadTokens
	}
	if u.CacheWriteTokens > 0 {
		a.usage.CacheWriteTokens = u.CacheWriteTokens
	}
}

func (a *Aggregator) record(ctx context.Context, err *unifiedllm.AggregationError) error {
	a.errs = append(a.errs, err)
	a.opts.logger.Warn(ctx, "aggregation error", "index", err.Index, "call_id", err.CallID, "err", err)
	return err
}

// Finalize closes the turn and returns the result. Open blocks are finalized
// as they are. Calling Finalize again returns the same result.
func (a *Aggregator) Finalize() Result {
	return a.FinalizeContext(context.Background())
}

// FinalizeContext is Finalize with a context for logging.
func (a *Aggregator) FinalizeContext(ctx context.Context) Result {
	if a.final != nil {
		return *a.final
	}

	f := a.folder.finalize(ctx)
	msg := unifiedllm.Message{
		ID:         a.messageID,
		Role:       unifiedllm.RoleAssistant,
		Content:    f.content,
		StopReason: a.stopReason,
		Model:      a.model,
	}
	if a.sawUsage {
		u := a.usage
		msg.Usage = &u
	}

	for _, err := range f.errs {
		_ = a.record(ctx, err)
	}

	res := Result{
		Message:    msg,
		ToolCalls:  f.calls,
		Incomplete: f.incomplete,
		Errors:     a.errs,
		Truncated:  f.truncated || (!a.stopped && a.stopReason == unifiedllm.StopNone),
		Events:     a.events,
	}
	if res.Truncated {
		a.opts.logger.Debug(ctx, "turn finalized without a clean stop", "message_id", a.messageID, "events", a.events)
	}
	a.final = &res
	return res
}

// Run applies events until the channel closes or a fatal error event is
// received. Non-fatal error events are skipped. On
// a fatal event or cancellation Run returns the best-effort result together
// with the error.
func (a *Aggregator) Run(ctx context.Context, events <-chan unifiedllm.Event) (Result, error) {
	for {
		select {
		case <-ctx.Done():
			return a.FinalizeContext(ctx), &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "aggregation cancelled", Cause: ctx.Err()}}
		case ev, ok := <-events:
			if !ok {
				return a.FinalizeContext(ctx), nil
			}
			if ev.Type == unifiedllm.EventError {
				if ev.Fatal {
					return a.FinalizeContext(ctx), ev.Err
				}
				a.opts.logger.Debug(ctx, "skipping error event", "message", ev.Message)
				continue
			}
			_ = a.ApplyContext(ctx, ev)
		}
	}
}
