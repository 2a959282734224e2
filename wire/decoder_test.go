package wire

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/unifiedllm"
)

// echoFrames turns every payload into a text delta carrying the payload.
func echoFrames(data []byte) ([]unifiedllm.Event, error) {
	if string(data) == "bad" {
		return nil, errors.New("bad frame")
	}
	if string(data) == "mystery" {
		return nil, unifiedllm.NewDecodeError(0, "mystery", "mystery frame", ErrUnknownFrame)
	}
	return one(unifiedllm.BlockDeltaEvent(0, unifiedllm.Delta{Type: unifiedllm.DeltaText, Text: string(data)})), nil
}

func texts(events []unifiedllm.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == unifiedllm.EventBlockDelta {
			out = append(out, ev.Delta.Text)
		}
	}
	return out
}

func TestFramePayload(t *testing.T) {
	tests := []struct {
		line    string
		payload string
		ok      bool
	}{
		{"data: {\"a\":1}", `{"a":1}`, true},
		{"data:{\"a\":1}", `{"a":1}`, true},
		{"data: [DONE]\r", "[DONE]", true},
		{"", "", false},
		{"   ", "", false},
		{": keepalive", "", false},
		{"event: message_start", "", false},
		{"id: 42", "", false},
		{"retry: 1000", "", false},
		{"data:", "", false},
		{`{"bare":true}`, `{"bare":true}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			payload, ok := framePayload([]byte(tt.line))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.payload, string(payload))
		})
	}
}

func TestDecoderStopsAtSentinel(t *testing.T) {
	body := "event: x\ndata: one\n\n: comment\ndata:two\n\ndata: [DONE]\n\ndata: three\n"
	events, err := Collect(context.Background(), strings.NewReader(body), echoFrames)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, texts(events))
}

func TestDecoderEndsAtEOFWithoutSentinel(t *testing.T) {
	events, err := Collect(context.Background(), strings.NewReader("data: one\ndata: two"), echoFrames)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, texts(events))
}

func TestDecoderSkipsBadFrames(t *testing.T) {
	rec := telemetry.NewRecorder()
	body := "data: one\ndata: bad\ndata: two\n"
	events, err := Collect(context.Background(), strings.NewReader(body), echoFrames, WithLogger(rec), WithMetrics(rec))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, unifiedllm.EventError, events[1].Type)
	assert.False(t, events[1].Fatal)
	var derr *unifiedllm.DecodeError
	require.ErrorAs(t, events[1].Err, &derr)
	assert.Equal(t, 2, derr.Line)
	assert.Equal(t, "bad", derr.Raw)

	assert.Equal(t, []string{"one", "two"}, texts(events))
	assert.Equal(t, float64(1), rec.Counter(telemetry.MetricDecodeErrors))
	assert.Len(t, rec.Messages("warn"), 1)
}

func TestDecoderConsecutiveFailureLimit(t *testing.T) {
	body := "data: bad\ndata: bad\ndata: one\ndata: bad\ndata: bad\ndata: bad\ndata: two\n"
	d := NewDecoder(strings.NewReader(body), echoFrames, WithMaxDecodeFailures(3))

	var got []unifiedllm.Event
	var err error
	for {
		var ev unifiedllm.Event
		ev, err = d.Next(context.Background())
		if err != nil {
			break
		}
		got = append(got, ev)
	}

	var serr *unifiedllm.StreamError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Error(), "3 consecutive frames")
	assert.Equal(t, []string{"one"}, texts(got))

	_, err = d.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderUnknownFramesDoNotCountAsFailures(t *testing.T) {
	body := strings.Repeat("data: mystery\n", 5) + "data: one\n"
	events, err := Collect(context.Background(), strings.NewReader(body), echoFrames, WithMaxDecodeFailures(2))
	require.NoError(t, err)
	assert.Len(t, events, 6)
	assert.Equal(t, []string{"one"}, texts(events))
}

func TestDecoderFrameTooLarge(t *testing.T) {
	body := "data: one\ndata: " + strings.Repeat("x", 200) + "\ndata: two\n"
	events, err := Collect(context.Background(), strings.NewReader(body), echoFrames, WithMaxFrameBytes(64))

	var serr *unifiedllm.StreamError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Error(), "exceeds 64 bytes")
	assert.Equal(t, []string{"one"}, texts(events))
}

func TestDecoderFansOutEvents(t *testing.T) {
	double := func(data []byte) ([]unifiedllm.Event, error) {
		ev := unifiedllm.BlockDeltaEvent(0, unifiedllm.Delta{Type: unifiedllm.DeltaText, Text: string(data)})
		return []unifiedllm.Event{ev, ev}, nil
	}
	events, err := Collect(context.Background(), strings.NewReader("data: a\ndata: b\n"), double)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a", "b", "b"}, texts(events))
}

type blockingBody struct {
	closed chan struct{}
}

func (b *blockingBody) Read([]byte) (int, error) {
	<-b.closed
	return 0, errors.New("read on closed body")
}

func (b *blockingBody) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func TestStreamDeliversInOrder(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: one\ndata: two\ndata: [DONE]\n"))
	var got []unifiedllm.Event
	for ev := range Stream(context.Background(), body, echoFrames) {
		got = append(got, ev)
	}
	assert.Equal(t, []string{"one", "two"}, texts(got))
}

func TestStreamCancellationClosesBody(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	body := &blockingBody{closed: make(chan struct{})}
	events := Stream(ctx, body, echoFrames)

	cancel()
	for ev := range events {
		if ev.Type == unifiedllm.EventError {
			assert.True(t, ev.Fatal)
			assert.True(t, unifiedllm.IsAbort(ev.Err))
		}
	}
	select {
	case <-body.closed:
	default:
		t.Fatal("body was not closed")
	}
}

func TestStreamReportsTransportFailure(t *testing.T) {
	body := io.NopCloser(io.MultiReader(strings.NewReader("data: one\n"), &failingReader{}))
	var got []unifiedllm.Event
	for ev := range Stream(context.Background(), body, echoFrames) {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	last := got[1]
	assert.Equal(t, unifiedllm.EventError, last.Type)
	assert.True(t, last.Fatal)
	var serr *unifiedllm.StreamError
	assert.ErrorAs(t, last.Err, &serr)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func errorIsUnknown(err error) bool {
	return errors.Is(err, ErrUnknownFrame)
}
