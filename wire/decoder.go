// Package wire turns a raw SSE byte stream into canonical unifiedllm.Event
// values. Framing is provider-independent; each provider contributes a
// FrameAdapter that maps one JSON payload onto zero or more events.
package wire

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/unifiedllm"
)

// DoneSentinel terminates a stream when it appears as a data payload.
const DoneSentinel = "[DONE]"

const (
	DefaultMaxFrameBytes     = 8 * 1024 * 1024
	DefaultMaxDecodeFailures = 8
	initialBufferBytes       = 64 * 1024
)

// ErrUnknownFrame is wrapped by adapters when a frame's discriminator is not
// recognized. Such frames become Error events but do not count towards the
// consecutive failure limit.
var ErrUnknownFrame = errors.New("unrecognized frame type")

// FrameAdapter maps one data payload onto canonical events. Returning no
// events and no error skips the frame.
type FrameAdapter func(data []byte) ([]unifiedllm.Event, error)

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxFrameBytes caps the size of a single line. A longer line ends the
// stream with a StreamError.
func WithMaxFrameBytes(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxFrameBytes = n
		}
	}
}

// WithMaxDecodeFailures sets how many consecutive frames may fail to decode
// before the stream is treated as broken. Zero disables the limit.
func WithMaxDecodeFailures(n int) Option {
	return func(d *Decoder) {
		d.maxFailures = n
	}
}

// WithLogger sets the logger used for decode diagnostics.
func WithLogger(l telemetry.Logger) Option {
	return func(d *Decoder) {
		d.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(d *Decoder) {
		if m != nil {
			d.metrics = m
		}
	}
}

// Decoder reads newline-delimited SSE records and yields events in arrival
// order. It is not safe for concurrent use.
type Decoder struct {
	r             io.Reader
	scanner       *bufio.Scanner
	adapt         FrameAdapter
	pending       []unifiedllm.Event
	line          int
	failures      int
	maxFailures   int
	maxFrameBytes int
	done          bool
	logger        telemetry.Logger
	metrics       telemetry.Metrics
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, adapt FrameAdapter, opts ...Option) *Decoder {
	d := &Decoder{
		r:             r,
		adapt:         adapt,
		maxFailures:   DefaultMaxDecodeFailures,
		maxFrameBytes: DefaultMaxFrameBytes,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.scanner = bufio.NewScanner(r)
	initial := initialBufferBytes
	if initial > d.maxFrameBytes {
		initial = d.maxFrameBytes
	}
	d.scanner.Buffer(make([]byte, 0, initial), d.maxFrameBytes)
	return d
}

// Next returns the next event. It returns io.EOF once the sentinel or the end
// of input is reached. Any other error is fatal for the stream and is a
// *unifiedllm.StreamError.
func (d *Decoder) Next(ctx context.Context) (unifiedllm.Event, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			return ev, nil
		}
		if d.done {
			return unifiedllm.Event{}, io.EOF
		}
		if !d.scanner.Scan() {
			d.done = true
			if err := d.scanner.Err(); err != nil {
				return unifiedllm.Event{}, d.readError(err)
			}
			return unifiedllm.Event{}, io.EOF
		}
		d.line++

		payload, ok := framePayload(d.scanner.Bytes())
		if !ok {
			continue
		}
		if string(payload) == DoneSentinel {
			d.done = true
			d.logger.Debug(ctx, "stream sentinel received", "line", d.line)
			return unifiedllm.Event{}, io.EOF
		}

		events, err := d.adapt(payload)
		if err != nil {
			ev, fatal := d.decodeFailure(ctx, payload, err)
			if fatal != nil {
				return unifiedllm.Event{}, fatal
			}
			return ev, nil
		}
		d.failures = 0
		d.pending = append(d.pending, events...)
	}
}

// Line returns the number of lines consumed so far.
func (d *Decoder) Line() int {
	return d.line
}

func (d *Decoder) decodeFailure(ctx context.Context, payload []byte, err error) (unifiedllm.Event, error) {
	var derr *unifiedllm.DecodeError
	if !errors.As(err, &derr) {
		derr = unifiedllm.NewDecodeError(d.line, string(payload), "decoding frame", err)
	} else if derr.Line == 0 {
		derr.Line = d.line
	}

	d.metrics.IncCounter(telemetry.MetricDecodeErrors, 1)
	d.logger.Warn(ctx, "frame decode failed", "line", d.line, "err", err)

	if !errors.Is(err, ErrUnknownFrame) {
		d.failures++
	}
	if d.maxFailures > 0 && d.failures >= d.maxFailures {
		d.done = true
		return unifiedllm.Event{}, &unifiedllm.StreamError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("%d consecutive frames failed to decode", d.failures),
			Cause:   derr,
		}}
	}
	return unifiedllm.ErrorEvent(derr), nil
}

func (d *Decoder) readError(err error) error {
	if errors.Is(err, bufio.ErrTooLong) {
		return &unifiedllm.StreamError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("frame at line %d exceeds %d bytes", d.line+1, d.maxFrameBytes),
			Cause:   err,
		}}
	}
	return &unifiedllm.StreamError{SDKError: unifiedllm.SDKError{Message: "reading stream", Cause: err}}
}

var dataPrefix = []byte("data:")

// framePayload extracts the payload of one SSE line. Blank lines, comments
// and the event/id/retry fields carry no payload. A line without a field name
// is treated as a bare payload.
func framePayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return nil, false
	}
	if bytes.HasPrefix(line, dataPrefix) {
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		return payload, len(payload) > 0
	}
	if field, _, ok := strings.Cut(string(line), ":"); ok {
		switch field {
		case "event", "id", "retry":
			return nil, false
		}
	}
	return bytes.TrimSpace(line), true
}
