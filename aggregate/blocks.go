package aggregate

import (
	"context"
	"fmt"
	"sort"

	"github.com/martinemde/streamloop/unifiedllm"
)

type blockState int

const (
	blockLazy blockState = iota // created by a delta before its start
	blockOpen
	blockStopped
)

type block struct {
	index     int
	kind      unifiedllm.BlockKind
	state     blockState
	text      buffer
	args      buffer
	signature buffer
	redacted  bool
	id        string
	name      string
}

// blockFolder implements the block-lifecycle shape.
type blockFolder struct {
	opts   *options
	blocks map[int]*block
}

func newBlockFolder(opts *options) *blockFolder {
	return &blockFolder{opts: opts, blocks: make(map[int]*block)}
}

func (f *blockFolder) newBlock(index int, kind unifiedllm.BlockKind) (*block, *unifiedllm.AggregationError) {
	if len(f.blocks) >= f.opts.maxBlocks {
		return nil, unifiedllm.NewAggregationError(index, "", fmt.Sprintf("turn exceeds %d blocks", f.opts.maxBlocks), nil)
	}
	b := &block{
		index:     index,
		kind:      kind,
		text:      buffer{limit: f.opts.maxBlockBytes},
		args:      buffer{limit: f.opts.maxBlockBytes},
		signature: buffer{limit: f.opts.maxBlockBytes},
	}
	f.blocks[index] = b
	return b, nil
}

func (f *blockFolder) apply(ctx context.Context, ev unifiedllm.Event) *unifiedllm.AggregationError {
	switch ev.Type {
	case unifiedllm.EventBlockStart:
		return f.start(ctx, ev)
	case unifiedllm.EventBlockDelta:
		return f.delta(ev)
	case unifiedllm.EventBlockStop:
		b, ok := f.blocks[ev.Index]
		if !ok {
			return unifiedllm.NewAggregationError(ev.Index, "", "stop for a block that was never started", nil)
		}
		if b.state == blockStopped {
			return unifiedllm.NewAggregationError(ev.Index, b.id, "block stopped twice", nil)
		}
		lazy := b.state == blockLazy
		b.state = blockStopped
		if lazy {
			// The content collected from deltas is still kept.
			return unifiedllm.NewAggregationError(ev.Index, b.id, "stop for a block that was never started", nil)
		}
	}
	return nil
}

func (f *blockFolder) start(ctx context.Context, ev unifiedllm.Event) *unifiedllm.AggregationError {
	b, ok := f.blocks[ev.Index]
	if ok && b.state != blockLazy {
		return unifiedllm.NewAggregationError(ev.Index, b.id, fmt.Sprintf("duplicate start for %s block", b.kind), nil)
	}
	if !ok {
		var err *unifiedllm.AggregationError
		if b, err = f.newBlock(ev.Index, ev.Kind); err != nil {
			return err
		}
	} else {
		f.opts.logger.Debug(ctx, "block started after its first delta", "index", ev.Index)
		b.kind = ev.Kind
	}
	b.state = blockOpen

	d := ev.Delta
	if d.ID != "" {
		b.id = d.ID
	}
	if d.Name != "" {
		b.name = d.Name
	}
	if d.Type == unifiedllm.DeltaRedacted {
		b.redacted = true
	}
	// Initial payload precedes anything a lazily created block already holds.
	return f.seed(b, d)
}

func (f *blockFolder) seed(b *block, d unifiedllm.Delta) *unifiedllm.AggregationError {
	if b.text.Len() > 0 || b.args.Len() > 0 {
		return nil
	}
	if err := b.text.append(b.index, d.Text+d.Thinking); err != nil {
		return limitError(b.index, b.id, err)
	}
	if err := b.signature.append(b.index, d.Signature); err != nil {
		return limitError(b.index, b.id, err)
	}
	return limitError(b.index, b.id, b.args.append(b.index, d.PartialJSON))
}

func (f *blockFolder) delta(ev unifiedllm.Event) *unifiedllm.AggregationError {
	d := ev.Delta
	b, ok := f.blocks[ev.Index]
	if !ok {
		var err *unifiedllm.AggregationError
		if b, err = f.newBlock(ev.Index, kindForDelta(d.Type)); err != nil {
			return err
		}
	}
	if b.state == blockStopped {
		return unifiedllm.NewAggregationError(ev.Index, b.id, fmt.Sprintf("%s delta after block stop", d.Type), nil)
	}
	if want := kindForDelta(d.Type); want != b.kind {
		return unifiedllm.NewAggregationError(ev.Index, b.id, fmt.Sprintf("%s delta for %s block", d.Type, b.kind), nil)
	}

	var err *unifiedllm.BufferLimitError
	switch d.Type {
	case unifiedllm.DeltaText:
		err = b.text.append(ev.Index, d.Text)
	case unifiedllm.DeltaThinking:
		err = b.text.append(ev.Index, d.Thinking)
	case unifiedllm.DeltaSignature:
		err = b.signature.append(ev.Index, d.Signature)
	case unifiedllm.DeltaRedacted:
		b.redacted = true
		err = b.signature.append(ev.Index, d.Signature)
	case unifiedllm.DeltaInputJSON, unifiedllm.DeltaToolCall:
		if d.ID != "" && b.id == "" {
			b.id = d.ID
		}
		if d.Name != "" && b.name == "" {
			b.name = d.Name
		}
		err = b.args.append(ev.Index, d.PartialJSON)
	}
	return limitError(ev.Index, b.id, err)
}

func kindForDelta(t unifiedllm.DeltaType) unifiedllm.BlockKind {
	switch t {
	case unifiedllm.DeltaInputJSON, unifiedllm.DeltaToolCall:
		return unifiedllm.BlockToolUse
	case unifiedllm.DeltaThinking, unifiedllm.DeltaSignature, unifiedllm.DeltaRedacted:
		return unifiedllm.BlockThinking
	default:
		return unifiedllm.BlockText
	}
}

func (f *blockFolder) finalize(ctx context.Context) finalized {
	indices := make([]int, 0, len(f.blocks))
	for i := range f.blocks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var out finalized
	for _, i := range indices {
		b := f.blocks[i]
		open := b.state != blockStopped
		if open {
			out.truncated = true
			f.opts.logger.Debug(ctx, "finalizing open block", "index", i, "kind", b.kind)
		}
		if b.text.overflow || b.args.overflow || b.signature.overflow {
			out.truncated = true
		}

		switch b.kind {
		case unifiedllm.BlockToolUse:
			call := unifiedllm.ToolCall{ID: b.id, Name: b.name, Arguments: b.args.String()}
			if call.ID == "" {
				call.ID = f.opts.newID()
			}
			if open {
				err := unifiedllm.NewAggregationError(i, call.ID, "stream ended before block stop", nil)
				call.Err = err
				if call.Arguments == "" {
					call.Arguments = "{}"
				}
				out.errs = append(out.errs, err)
				out.incomplete = append(out.incomplete, call)
			} else {
				if err := finalizeArguments(i, &call, b.args.overflow); err != nil {
					out.errs = append(out.errs, err)
				}
				out.calls = append(out.calls, call)
			}
			out.content = append(out.content, unifiedllm.ToolUseBlock(i, call))
		case unifiedllm.BlockThinking:
			blk := unifiedllm.ThinkingBlock(i, b.text.String(), b.signature.String())
			blk.Thinking.Redacted = b.redacted
			out.content = append(out.content, blk)
		default:
			out.content = append(out.content, unifiedllm.TextBlock(i, b.text.String()))
		}
	}
	return out
}
