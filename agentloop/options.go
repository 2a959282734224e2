package agentloop

import (
	"github.com/martinemde/streamloop/aggregate"
	"github.com/martinemde/streamloop/dispatch"
	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/unifiedllm"
)

// DefaultMaxTurns bounds a run when WithMaxTurns is not given.
const DefaultMaxTurns = 10

// Option configures a Controller.
type Option func(*Controller)

// WithMaxTurns sets the number of assistant turns after which the loop
// completes even if tool calls are pending.
func WithMaxTurns(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxTurns = n
		}
	}
}

// WithModel sets the model identifier sent with every request.
func WithModel(model string) Option {
	return func(c *Controller) { c.model = model }
}

// WithSystemPrompt sets the system prompt sent with every request.
func WithSystemPrompt(prompt string) Option {
	return func(c *Controller) { c.system = prompt }
}

// WithTools sets the tool definitions advertised to the model.
func WithTools(defs []unifiedllm.ToolDefinition) Option {
	return func(c *Controller) { c.tools = defs }
}

// WithMaxTokens sets the per-turn output token limit.
func WithMaxTokens(n int) Option {
	return func(c *Controller) { c.maxTokens = n }
}

// WithDispatcher replaces the default dispatcher built around the executor.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(c *Controller) { c.dispatcher = d }
}

// WithSink sets the conversation sink.
func WithSink(s Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithIncompletePolicy sets how turns with incomplete tool calls are handled.
func WithIncompletePolicy(p IncompletePolicy) Option {
	return func(c *Controller) {
		if p != "" {
			c.policy = p
		}
	}
}

// WithLoopDetection enables repeated tool-call detection over the last window
// calls. A window of zero disables it.
func WithLoopDetection(window int) Option {
	return func(c *Controller) { c.loopWindow = window }
}

// WithAggregatorOptions passes options to every turn's aggregator.
func WithAggregatorOptions(opts ...aggregate.Option) Option {
	return func(c *Controller) { c.aggOpts = append(c.aggOpts, opts...) }
}

// WithObserver enables the event channel returned by Events.
func WithObserver(buffer int) Option {
	return func(c *Controller) { c.emitter = NewEventEmitter(buffer) }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}
