package aggregate

import (
	"context"
	"fmt"
	"sort"

	"github.com/martinemde/streamloop/unifiedllm"
)

type pendingCall struct {
	index int
	id    buffer
	name  buffer
	args  buffer
}

// indexedFolder implements the indexed-delta shape. Text and reasoning go to
// message-level buffers; tool call fragments are concatenated per index until
// a finish reason freezes them.
type indexedFolder struct {
	opts     *options
	text     buffer
	thinking buffer
	calls    map[int]*pendingCall
	frozen   bool
	// frozenCalls are finalized calls in index order, set when frozen.
	frozenCalls []unifiedllm.ToolCall
	frozenErrs  []*unifiedllm.AggregationError
}

func newIndexedFolder(opts *options) *indexedFolder {
	return &indexedFolder{
		opts:     opts,
		text:     buffer{limit: opts.maxBlockBytes},
		thinking: buffer{limit: opts.maxBlockBytes},
		calls:    make(map[int]*pendingCall),
	}
}

func (f *indexedFolder) apply(ctx context.Context, ev unifiedllm.Event) *unifiedllm.AggregationError {
	switch ev.Type {
	case unifiedllm.EventBlockStart:
		if ev.Kind == unifiedllm.BlockToolUse {
			_, err := f.call(ev.Index)
			return err
		}
	case unifiedllm.EventBlockDelta:
		return f.delta(ev)
	case unifiedllm.EventBlockStop:
		if _, ok := f.calls[ev.Index]; !ok && ev.Index != 0 {
			return unifiedllm.NewAggregationError(ev.Index, "", "stop for an index that never received a delta", nil)
		}
	case unifiedllm.EventTurnDelta:
		if ev.StopReason != unifiedllm.StopNone {
			f.freeze(ctx)
		}
	case unifiedllm.EventTurnStop:
		f.freeze(ctx)
	}
	return nil
}

func (f *indexedFolder) call(index int) (*pendingCall, *unifiedllm.AggregationError) {
	if c, ok := f.calls[index]; ok {
		return c, nil
	}
	if f.frozen {
		return nil, unifiedllm.NewAggregationError(index, "", "tool call delta after finish", nil)
	}
	if len(f.calls) >= f.opts.maxBlocks {
		return nil, unifiedllm.NewAggregationError(index, "", fmt.Sprintf("turn exceeds %d tool calls", f.opts.maxBlocks), nil)
	}
	limit := f.opts.maxBlockBytes
	c := &pendingCall{
		index: index,
		id:    buffer{limit: limit},
		name:  buffer{limit: limit},
		args:  buffer{limit: limit},
	}
	f.calls[index] = c
	return c, nil
}

func (f *indexedFolder) delta(ev unifiedllm.Event) *unifiedllm.AggregationError {
	d := ev.Delta
	switch d.Type {
	case unifiedllm.DeltaText:
		return limitError(ev.Index, "", f.text.append(ev.Index, d.Text))
	case unifiedllm.DeltaThinking:
		return limitError(ev.Index, "", f.thinking.append(ev.Index, d.Thinking))
	case unifiedllm.DeltaToolCall, unifiedllm.DeltaInputJSON:
		c, err := f.call(ev.Index)
		if err != nil {
			return err
		}
		if f.frozen {
			return unifiedllm.NewAggregationError(ev.Index, c.id.String(), "tool call delta after finish", nil)
		}
		if lerr := c.id.append(ev.Index, d.ID); lerr != nil {
			return limitError(ev.Index, "", lerr)
		}
		if lerr := c.name.append(ev.Index, d.Name); lerr != nil {
			return limitError(ev.Index, c.id.String(), lerr)
		}
		return limitError(ev.Index, c.id.String(), c.args.append(ev.Index, d.PartialJSON))
	case unifiedllm.DeltaSignature, unifiedllm.DeltaRedacted:
		return nil
	default:
		return unifiedllm.NewAggregationError(ev.Index, "", fmt.Sprintf("unsupported delta %q", d.Type), nil)
	}
}

// freeze moves every pending call with a name into the finalized set. Calls
// that never received a name are dropped with an error.
func (f *indexedFolder) freeze(ctx context.Context) {
	if f.frozen {
		return
	}
	f.frozen = true
	f.frozenCalls, f.frozenErrs = f.settle(ctx, nil)
}

func (f *indexedFolder) settle(ctx context.Context, incomplete func(index int, call *unifiedllm.ToolCall) *unifiedllm.AggregationError) ([]unifiedllm.ToolCall, []*unifiedllm.AggregationError) {
	indices := make([]int, 0, len(f.calls))
	for i := range f.calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var calls []unifiedllm.ToolCall
	var errs []*unifiedllm.AggregationError
	for _, i := range indices {
		c := f.calls[i]
		call := unifiedllm.ToolCall{ID: c.id.String(), Name: c.name.String(), Arguments: c.args.String()}
		if call.Name == "" {
			err := unifiedllm.NewAggregationError(i, call.ID, "tool call never received a name", nil)
			errs = append(errs, err)
			f.opts.logger.Warn(ctx, "dropping unnamed tool call", "index", i)
			continue
		}
		if call.ID == "" {
			call.ID = f.opts.newID()
		}
		var err *unifiedllm.AggregationError
		if incomplete != nil {
			err = incomplete(i, &call)
		} else {
			err = finalizeArguments(i, &call, c.args.overflow || c.id.overflow || c.name.overflow)
		}
		if err != nil {
			errs = append(errs, err)
		}
		calls = append(calls, call)
	}
	return calls, errs
}

func (f *indexedFolder) finalize(ctx context.Context) finalized {
	var out finalized
	out.truncated = f.text.overflow || f.thinking.overflow

	if f.thinking.Len() > 0 || f.thinking.overflow {
		out.content = append(out.content, unifiedllm.ThinkingBlock(0, f.thinking.String(), ""))
	}
	if f.text.Len() > 0 || f.text.overflow {
		out.content = append(out.content, unifiedllm.TextBlock(0, f.text.String()))
	}

	var calls []unifiedllm.ToolCall
	if f.frozen {
		calls, out.errs = f.frozenCalls, f.frozenErrs
		out.calls = calls
	} else {
		// No finish reason arrived; keep what accumulated but do not treat it
		// as dispatchable.
		calls, out.errs = f.settle(ctx, func(index int, call *unifiedllm.ToolCall) *unifiedllm.AggregationError {
			if call.Arguments == "" {
				call.Arguments = "{}"
			}
			err := unifiedllm.NewAggregationError(index, call.ID, "stream ended before finish", nil)
			call.Err = err
			return err
		})
		out.incomplete = calls
		if len(calls) > 0 {
			out.truncated = true
		}
	}
	for _, c := range calls {
		out.content = append(out.content, unifiedllm.ToolUseBlock(0, c))
	}
	for _, c := range f.calls {
		if c.args.overflow || c.name.overflow || c.id.overflow {
			out.truncated = true
		}
	}

	// Content is thinking, then text, then calls by index; positions are
	// renumbered so the message reads in order.
	for i := range out.content {
		out.content[i].Index = i
	}
	return out
}
