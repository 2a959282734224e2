// Package telemetry defines the logging, metrics and tracing hooks injected
// into the decoder, aggregators, dispatcher and agent loop. Nothing in this
// module logs through a process-wide singleton; callers pass a Logger in and
// get the noop implementation by default.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
)

type (
	// Logger emits structured, leveled log lines. keyvals are alternating
	// key/value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges. tags are alternating
	// key/value pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, d time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, keyvals ...any) (context.Context, Span)
	}

	// Span is the subset of a trace span used by the loop.
	Span interface {
		End()
		AddEvent(name string, keyvals ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error)
	}
)

// Metric names recorded by this module.
const (
	MetricTurnDuration     = "streamloop.turn.duration"
	MetricTurnEvents       = "streamloop.turn.events"
	MetricDecodeErrors     = "streamloop.decode.errors"
	MetricAggregateErrors  = "streamloop.aggregate.errors"
	MetricToolDuration     = "streamloop.tool.duration"
	MetricToolErrors       = "streamloop.tool.errors"
	MetricLoopTurns        = "streamloop.loop.turns"
	MetricConversationSize = "streamloop.conversation.messages"
)
