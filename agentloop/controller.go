package agentloop

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/martinemde/streamloop/aggregate"
	"github.com/martinemde/streamloop/dispatch"
	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/unifiedllm"
)

// Controller runs the streaming agent loop. A Controller may be reused for
// several runs but not concurrently.
type Controller struct {
	provider   Provider
	dispatcher *dispatch.Dispatcher
	sink       Sink

	model      string
	system     string
	tools      []unifiedllm.ToolDefinition
	maxTokens  int
	maxTurns   int
	policy     IncompletePolicy
	loopWindow int
	aggOpts    []aggregate.Option

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	emitter *EventEmitter

	mu    sync.Mutex
	state State
}

// New returns a Controller that streams turns from provider and executes
// tool calls with executor.
func New(provider Provider, executor dispatch.ToolExecutor, opts ...Option) *Controller {
	c := &Controller{
		provider: provider,
		maxTurns: DefaultMaxTurns,
		policy:   SynthesizeErrors,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatcher == nil {
		c.dispatcher = dispatch.New(executor,
			dispatch.WithLogger(c.logger),
			dispatch.WithMetrics(c.metrics),
		)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Events returns the observer channel, or nil when WithObserver was not
// given.
func (c *Controller) Events() <-chan LoopEvent {
	return c.emitter.Events()
}

// Close closes the observer channel.
func (c *Controller) Close() {
	c.emitter.Close()
}

// run holds the state of a single Run call.
type run struct {
	c            *Controller
	id           string
	turn         int
	conversation []unifiedllm.Message
	appended     []unifiedllm.Message
	usage        unifiedllm.Usage
}

// Run drives the loop starting from history until it completes or fails.
// history is not modified.
func (c *Controller) Run(ctx context.Context, history []unifiedllm.Message) Outcome {
	r := &run{
		c:            c,
		id:           uuid.NewString(),
		conversation: slices.Clone(history),
	}
	ctx, span := c.tracer.Start(ctx, "agentloop.run", "run_id", r.id, "model", c.model)
	defer span.End()

	c.setState(StateIdle)
	c.logger.Info(ctx, "loop started", "run_id", r.id, "model", c.model, "history", len(history), "max_turns", c.maxTurns)
	c.emitter.Emit(r.id, 0, EventLoopStart, map[string]any{"history": len(history), "max_turns": c.maxTurns})

	out := r.loop(ctx)

	if out.State == StateFailed {
		span.SetStatus(codes.Error, out.Reason)
		if out.Err != nil {
			span.RecordError(out.Err)
		}
	}
	c.metrics.RecordGauge(telemetry.MetricLoopTurns, float64(out.Turns), "state", string(out.State))
	c.metrics.RecordGauge(telemetry.MetricConversationSize, float64(len(r.conversation)))
	c.emitter.Emit(r.id, r.turn, EventLoopEnd, map[string]any{
		"state":    string(out.State),
		"reason":   out.Reason,
		"turns":    out.Turns,
		"messages": len(out.Messages),
	})
	c.logger.Info(ctx, "loop finished", "run_id", r.id, "state", out.State, "reason", out.Reason, "turns", out.Turns)
	return out
}

func (r *run) loop(ctx context.Context) Outcome {
	c := r.c
	for r.turn = 1; ; r.turn++ {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, cancelled(err))
		}

		c.setState(StateStreaming)
		res, err := r.stream(ctx)
		if err != nil {
			return r.fail(ctx, err)
		}

		msg := res.Message
		calls := res.ToolCalls
		pending := msg.StopReason == unifiedllm.StopToolUse && len(calls)+len(res.Incomplete) > 0

		var synthesized []unifiedllm.ToolResult
		if pending && len(res.Incomplete) > 0 {
			c.logger.Warn(ctx, "incomplete tool calls", "run_id", r.id, "turn", r.turn, "count", len(res.Incomplete), "policy", c.policy)
			c.emitter.Emit(r.id, r.turn, EventWarning, map[string]any{
				"message": ReasonIncomplete,
				"count":   len(res.Incomplete),
				"policy":  string(c.policy),
			})
			switch c.policy {
			case FailTurn:
				return r.failReason(ctx, ReasonIncomplete, res.Incomplete[0].Err)
			case ProceedPartial:
				msg = withoutCalls(msg, res.Incomplete)
				pending = len(calls) > 0
			default:
				for _, call := range res.Incomplete {
					synthesized = append(synthesized, incompleteResult(call))
				}
			}
		}

		if err := r.append(ctx, msg); err != nil {
			return r.fail(ctx, err)
		}
		c.emitter.Emit(r.id, r.turn, EventTurnEnd, map[string]any{
			"stop_reason": string(msg.StopReason),
			"tool_calls":  len(calls),
			"truncated":   res.Truncated,
		})

		if !pending {
			reason := ReasonNoToolCalls
			if msg.StopReason != unifiedllm.StopNone {
				reason = string(msg.StopReason)
			}
			return r.complete(reason)
		}

		c.setState(StateAwaitingToolResults)
		if c.loopWindow > 0 && DetectLoop(r.conversation, c.loopWindow) {
			c.logger.Warn(ctx, "repeated tool calls detected", "run_id", r.id, "turn", r.turn, "window", c.loopWindow)
			c.emitter.Emit(r.id, r.turn, EventLoopDetected, map[string]any{"window": c.loopWindow})
		}

		if err := r.dispatch(ctx, msg, calls, synthesized); err != nil {
			return r.fail(ctx, err)
		}
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, cancelled(err))
		}

		if r.turn >= c.maxTurns {
			c.logger.Info(ctx, "turn limit reached", "run_id", r.id, "turns", r.turn)
			c.emitter.Emit(r.id, r.turn, EventTurnLimit, map[string]any{"max_turns": c.maxTurns})
			return r.complete(ReasonTurnLimit)
		}
	}
}

// stream opens one turn and folds its events into a Result. Nothing is
// appended to the conversation here.
func (r *run) stream(ctx context.Context) (aggregate.Result, error) {
	c := r.c
	ctx, span := c.tracer.Start(ctx, "agentloop.turn", "run_id", r.id, "turn", r.turn)
	defer span.End()

	start := time.Now()
	c.emitter.Emit(r.id, r.turn, EventTurnStart, map[string]any{"messages": len(r.conversation)})
	c.logger.Debug(ctx, "turn started", "run_id", r.id, "turn", r.turn, "messages", len(r.conversation))

	// The turn context stops the producer on every exit path.
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := c.provider.Stream(tctx, c.request(r.conversation))
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return aggregate.Result{}, cancelled(ctx.Err())
		}
		return aggregate.Result{}, fmt.Errorf("open stream: %w", err)
	}

	agg := aggregate.New(c.provider.Shape(), append([]aggregate.Option{aggregate.WithLogger(c.logger)}, c.aggOpts...)...)
	res, err := r.consume(tctx, agg, events)
	if err != nil {
		span.RecordError(err)
		return aggregate.Result{}, err
	}

	c.metrics.RecordTimer(telemetry.MetricTurnDuration, time.Since(start), "model", c.model)
	c.metrics.IncCounter(telemetry.MetricTurnEvents, float64(res.Events), "model", c.model)
	if len(res.Errors) > 0 {
		c.metrics.IncCounter(telemetry.MetricAggregateErrors, float64(len(res.Errors)), "model", c.model)
	}
	if res.Truncated {
		c.logger.Warn(ctx, "turn stream truncated", "run_id", r.id, "turn", r.turn, "stop_reason", res.Message.StopReason)
		span.AddEvent("truncated")
	}
	if res.Message.Usage != nil {
		r.usage = r.usage.Add(*res.Message.Usage)
	}
	return res, nil
}

func (r *run) consume(ctx context.Context, agg *aggregate.Aggregator, events <-chan unifiedllm.Event) (aggregate.Result, error) {
	c := r.c
	for {
		select {
		case <-ctx.Done():
			return aggregate.Result{}, cancelled(ctx.Err())
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return aggregate.Result{}, cancelled(err)
				}
				return agg.FinalizeContext(ctx), nil
			}
			switch {
			case ev.Type == unifiedllm.EventError && ev.Fatal:
				if err := ctx.Err(); err != nil {
					return aggregate.Result{}, cancelled(err)
				}
				return aggregate.Result{}, fatalError(ev)
			case ev.Type == unifiedllm.EventError:
				c.emitter.Emit(r.id, r.turn, EventWarning, map[string]any{"message": ev.Message})
				continue
			case ev.Type == unifiedllm.EventBlockDelta && ev.Delta.Type == unifiedllm.DeltaText && ev.Delta.Text != "":
				c.emitter.Emit(r.id, r.turn, EventTextDelta, map[string]any{"index": ev.Index, "text": ev.Delta.Text})
			}
			_ = agg.ApplyContext(ctx, ev)
		}
	}
}

// dispatch runs the turn's calls and appends one tool message per tool_use
// block of msg, in block order.
func (r *run) dispatch(ctx context.Context, msg unifiedllm.Message, calls []unifiedllm.ToolCall, synthesized []unifiedllm.ToolResult) error {
	c := r.c
	for _, call := range calls {
		c.emitter.Emit(r.id, r.turn, EventToolCallStart, map[string]any{"call_id": call.ID, "name": call.Name})
	}

	results := c.dispatcher.Dispatch(ctx, calls)
	for _, res := range synthesized {
		results[res.CallID] = res
	}

	// Results are persisted even when ctx was cancelled during dispatch so
	// the stored conversation never ends on an unanswered tool_use.
	persist := context.WithoutCancel(ctx)
	for _, call := range msg.ToolCalls() {
		res, ok := results[call.ID]
		if !ok {
			res = unifiedllm.ToolResult{CallID: call.ID, Content: fmt.Sprintf("No result for tool call %s", call.ID), IsError: true}
		}
		c.emitter.Emit(r.id, r.turn, EventToolCallEnd, map[string]any{
			"call_id":  call.ID,
			"name":     call.Name,
			"is_error": res.IsError,
		})
		if err := r.append(persist, unifiedllm.ToolResultMessage(res)); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) append(ctx context.Context, msg unifiedllm.Message) error {
	if r.c.sink != nil {
		if err := r.c.sink.Append(ctx, msg.Clone()); err != nil {
			if ctx.Err() != nil {
				return cancelled(err)
			}
			return fmt.Errorf("append to sink: %w", err)
		}
	}
	r.conversation = append(r.conversation, msg)
	r.appended = append(r.appended, msg)
	return nil
}

func (r *run) complete(reason string) Outcome {
	r.c.setState(StateCompleted)
	return r.outcome(StateCompleted, reason, nil)
}

func (r *run) fail(ctx context.Context, err error) Outcome {
	reason := err.Error()
	if unifiedllm.IsAbort(err) {
		reason = ReasonCancelled
	}
	return r.failReason(ctx, reason, err)
}

func (r *run) failReason(ctx context.Context, reason string, err error) Outcome {
	r.c.setState(StateFailed)
	r.c.logger.Error(ctx, "loop failed", "run_id", r.id, "turn", r.turn, "reason", reason, "err", err)
	r.c.emitter.Emit(r.id, r.turn, EventError, map[string]any{"reason": reason})
	return r.outcome(StateFailed, reason, err)
}

func (r *run) outcome(state State, reason string, err error) Outcome {
	return Outcome{
		State:    state,
		Reason:   reason,
		Messages: slices.Clone(r.appended),
		Turns:    r.turn,
		Usage:    r.usage,
		Err:      err,
	}
}

func (c *Controller) request(conversation []unifiedllm.Message) unifiedllm.Request {
	return unifiedllm.Request{
		Model:     c.model,
		System:    c.system,
		Messages:  slices.Clone(conversation),
		Tools:     c.tools,
		MaxTokens: c.maxTokens,
	}
}

// withoutCalls returns msg without the tool_use blocks of the given calls.
// Remaining blocks are renumbered from zero.
func withoutCalls(msg unifiedllm.Message, drop []unifiedllm.ToolCall) unifiedllm.Message {
	ids := make(map[string]bool, len(drop))
	for _, call := range drop {
		ids[call.ID] = true
	}
	out := msg.Clone()
	kept := out.Content[:0]
	for _, b := range out.Content {
		if b.Kind == unifiedllm.BlockToolUse && b.ToolUse != nil && ids[b.ToolUse.ID] {
			continue
		}
		b.Index = len(kept)
		kept = append(kept, b)
	}
	out.Content = kept
	return out
}

func incompleteResult(call unifiedllm.ToolCall) unifiedllm.ToolResult {
	content := fmt.Sprintf("Tool call %s was not received completely", call.ID)
	if call.Name != "" {
		content = fmt.Sprintf("Tool call %s (%s) was not received completely", call.ID, call.Name)
	}
	if call.Err != nil {
		content += ": " + call.Err.Error()
	}
	return unifiedllm.ToolResult{CallID: call.ID, Content: content, IsError: true}
}

func cancelled(err error) error {
	return &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "loop cancelled", Cause: err}}
}

func fatalError(ev unifiedllm.Event) error {
	if ev.Err != nil {
		return ev.Err
	}
	return &unifiedllm.StreamError{SDKError: unifiedllm.SDKError{Message: ev.Message}}
}
