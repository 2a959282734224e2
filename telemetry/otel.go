package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/martinemde/streamloop"

// OtelMetrics records metrics through the global OpenTelemetry MeterProvider.
// Instruments are created once per name.
type OtelMetrics struct {
	meter      metric.Meter
	counters   sync.Map // name -> metric.Float64Counter
	histograms sync.Map // name -> metric.Float64Histogram
}

// NewOtelMetrics returns Metrics backed by otel.Meter. Configure the provider
// with otel.SetMeterProvider before use.
func NewOtelMetrics() *OtelMetrics {
	return &OtelMetrics{meter: otel.Meter(instrumentationName)}
}

func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	c, ok := m.counters.Load(name)
	if !ok {
		counter, err := m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		c, _ = m.counters.LoadOrStore(name, counter)
	}
	c.(metric.Float64Counter).Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *OtelMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	m.record(name, d.Seconds(), tags)
}

// RecordGauge is recorded as a histogram; the synchronous gauge API is not
// used here.
func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.record(name, value, tags)
}

func (m *OtelMetrics) record(name string, value float64, tags []string) {
	h, ok := m.histograms.Load(name)
	if !ok {
		hist, err := m.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		h, _ = m.histograms.LoadOrStore(name, hist)
	}
	h.(metric.Float64Histogram).Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// OtelTracer starts spans on the global TracerProvider.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer returns a Tracer backed by otel.Tracer.
func NewOtelTracer() *OtelTracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (t *OtelTracer) Start(ctx context.Context, name string, keyvals ...any) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(kvAttrs(keyvals)...))
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End() { s.span.End() }

func (s otelSpan) AddEvent(name string, keyvals ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvAttrs(keyvals)...))
}

func (s otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

func kvAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		switch v := keyvals[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return attrs
}
