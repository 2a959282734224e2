package wire

import (
	"context"
	"errors"
	"io"

	"github.com/martinemde/streamloop/unifiedllm"
)

// Stream decodes body on its own goroutine and delivers events on the
// returned channel in arrival order. The channel is closed at the end of the
// stream. A transport failure is delivered as a final fatal Error event.
// Cancelling ctx closes body, which unblocks any pending read.
func Stream(ctx context.Context, body io.ReadCloser, adapt FrameAdapter, opts ...Option) <-chan unifiedllm.Event {
	out := make(chan unifiedllm.Event, 16)
	d := NewDecoder(body, adapt, opts...)
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })

	go func() {
		defer close(out)
		defer stop()
		defer body.Close()

		for {
			ev, err := d.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "stream cancelled", Cause: ctx.Err()}}
				}
				ev = unifiedllm.FatalEvent(err)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == unifiedllm.EventError && ev.Fatal {
				return
			}
		}
	}()

	return out
}

// Collect drains a decoder into a slice. It stops at the first fatal error.
func Collect(ctx context.Context, r io.Reader, adapt FrameAdapter, opts ...Option) ([]unifiedllm.Event, error) {
	d := NewDecoder(r, adapt, opts...)
	var events []unifiedllm.Event
	for {
		ev, err := d.Next(ctx)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
