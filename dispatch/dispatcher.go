package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/unifiedllm"
)

// Hooks observe individual calls. Both run on the goroutine executing the
// call and must be safe for concurrent use.
type Hooks struct {
	Start func(call unifiedllm.ToolCall)
	End   func(call unifiedllm.ToolCall, result unifiedllm.ToolResult, elapsed time.Duration)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds the whole dispatch. Calls still running when it expires
// get a timeout result.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		x.timeout = d
	}
}

// WithCallTimeout bounds each individual call.
func WithCallTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		x.callTimeout = d
	}
}

// WithMaxParallel limits how many calls run at once. Zero means no limit;
// one runs calls sequentially.
func WithMaxParallel(n int) Option {
	return func(x *Dispatcher) {
		x.maxParallel = n
	}
}

// WithOutputLimit truncates successful output to n characters.
func WithOutputLimit(n int) Option {
	return func(x *Dispatcher) {
		x.truncator = NewTruncator(n)
	}
}

// WithTruncator sets a per-tool truncation policy.
func WithTruncator(t *Truncator) Option {
	return func(x *Dispatcher) {
		x.truncator = t
	}
}

// WithHooks sets call observers.
func WithHooks(h Hooks) Option {
	return func(x *Dispatcher) {
		x.hooks = h
	}
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(x *Dispatcher) {
		x.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(x *Dispatcher) {
		x.metrics = m
	}
}

// Dispatcher fans a turn's tool calls out to an executor and collects one
// result per call. Failures of any kind become error results; Dispatch never
// returns an error.
type Dispatcher struct {
	executor    ToolExecutor
	timeout     time.Duration
	callTimeout time.Duration
	maxParallel int
	truncator   *Truncator
	hooks       Hooks
	logger      telemetry.Logger
	metrics     telemetry.Metrics
}

// New returns a Dispatcher for executor.
func New(executor ToolExecutor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		executor:  executor,
		truncator: NewTruncator(DefaultOutputLimit),
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes calls and returns results keyed by call ID. It waits for
// every call to finish or time out before returning.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []unifiedllm.ToolCall) map[string]unifiedllm.ToolResult {
	results := d.DispatchOrdered(ctx, calls)
	out := make(map[string]unifiedllm.ToolResult, len(results))
	for _, r := range results {
		if _, dup := out[r.CallID]; dup {
			d.logger.Warn(ctx, "duplicate tool call id", "call_id", r.CallID)
		}
		out[r.CallID] = r
	}
	return out
}

// DispatchOrdered is Dispatch returning results in call order.
func (d *Dispatcher) DispatchOrdered(ctx context.Context, calls []unifiedllm.ToolCall) []unifiedllm.ToolResult {
	results := make([]unifiedllm.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	dctx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	var g errgroup.Group
	if d.maxParallel > 0 {
		g.SetLimit(d.maxParallel)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = d.run(dctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) run(ctx context.Context, call unifiedllm.ToolCall) unifiedllm.ToolResult {
	if d.hooks.Start != nil {
		d.hooks.Start(call)
	}
	start := time.Now()
	result, err := d.execute(ctx, call)
	elapsed := time.Since(start)

	d.metrics.RecordTimer(telemetry.MetricToolDuration, elapsed, "tool", call.Name)
	if err != nil {
		d.metrics.IncCounter(telemetry.MetricToolErrors, 1, "tool", call.Name, "kind", errorKind(err))
		d.logger.Warn(ctx, "tool call failed", "tool", call.Name, "call_id", call.ID, "err", err)
		result = unifiedllm.ToolResult{CallID: call.ID, Content: err.Error(), IsError: true}
	} else {
		d.logger.Debug(ctx, "tool call finished", "tool", call.Name, "call_id", call.ID, "elapsed", elapsed)
	}

	if d.hooks.End != nil {
		d.hooks.End(call, result, elapsed)
	}
	return result
}

func (d *Dispatcher) execute(ctx context.Context, call unifiedllm.ToolCall) (unifiedllm.ToolResult, error) {
	if call.Err != nil {
		return unifiedllm.ToolResult{}, &unifiedllm.InvalidToolCallError{
			SDKError: unifiedllm.SDKError{Message: "Invalid tool call", Cause: call.Err},
			CallID:   call.ID,
		}
	}
	if r, ok := d.executor.(Resolver); ok && !r.Has(call.Name) {
		return unifiedllm.ToolResult{}, &unifiedllm.ToolNotFoundError{
			SDKError: unifiedllm.SDKError{Message: "Unknown tool: " + call.Name},
			Name:     call.Name,
		}
	}
	args := call.RawArguments()
	if !isObject(args) {
		return unifiedllm.ToolResult{}, &unifiedllm.InvalidToolCallError{
			SDKError: unifiedllm.SDKError{Message: fmt.Sprintf("Invalid arguments for %s: not a JSON object", call.Name)},
			CallID:   call.ID,
		}
	}
	if err := ctx.Err(); err != nil {
		return unifiedllm.ToolResult{}, d.deadlineError(call, err)
	}

	cctx := ctx
	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				d.logger.Error(cctx, "tool panicked", "tool", call.Name, "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := d.executor.Execute(cctx, call.Name, args)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if cctx.Err() != nil && errors.Is(o.err, cctx.Err()) {
				return unifiedllm.ToolResult{}, d.deadlineError(call, cctx.Err())
			}
			return unifiedllm.ToolResult{}, &unifiedllm.ToolExecutionError{
				SDKError: unifiedllm.SDKError{Message: fmt.Sprintf("Tool error (%s)", call.Name), Cause: o.err},
				Name:     call.Name,
			}
		}
		return unifiedllm.ToolResult{CallID: call.ID, Content: d.truncator.Apply(call.Name, o.output)}, nil
	case <-cctx.Done():
		return unifiedllm.ToolResult{}, d.deadlineError(call, cctx.Err())
	}
}

func (d *Dispatcher) deadlineError(call unifiedllm.ToolCall, err error) error {
	if errors.Is(err, context.Canceled) {
		return &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: fmt.Sprintf("Tool %s cancelled", call.Name), Cause: err}}
	}
	return &unifiedllm.ToolTimeoutError{
		SDKError: unifiedllm.SDKError{Message: fmt.Sprintf("Tool %s timed out", call.Name), Cause: err},
		Name:     call.Name,
	}
}

func errorKind(err error) string {
	var (
		notFound *unifiedllm.ToolNotFoundError
		invalid  *unifiedllm.InvalidToolCallError
		timeout  *unifiedllm.ToolTimeoutError
		abort    *unifiedllm.AbortError
	)
	switch {
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &invalid):
		return "invalid"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &abort):
		return "cancelled"
	default:
		return "execution"
	}
}

func isObject(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}
