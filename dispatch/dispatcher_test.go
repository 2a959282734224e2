package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/unifiedllm"
)

func testRegistry() *Registry {
	r := NewRegistry()
	r.RegisterFunc("echo", "Echo the text argument", map[string]any{"type": "object"},
		func(_ context.Context, args json.RawMessage) (string, error) {
			parsed, err := ParseArguments(args)
			if err != nil {
				return "", err
			}
			s, _ := StringArg(parsed, "text")
			return s, nil
		})
	r.RegisterFunc("fail", "Always fails", nil, func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("disk on fire")
	})
	r.RegisterFunc("panic", "Panics", nil, func(context.Context, json.RawMessage) (string, error) {
		panic("boom")
	})
	r.RegisterFunc("sleep", "Blocks until cancelled", nil, func(ctx context.Context, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	r.RegisterFunc("stubborn", "Ignores cancellation", nil, func(context.Context, json.RawMessage) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})
	return r
}

func call(id, name, args string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestDispatchResultCardinality(t *testing.T) {
	d := New(testRegistry(), WithCallTimeout(50*time.Millisecond))
	results := d.Dispatch(context.Background(), []unifiedllm.ToolCall{
		call("c1", "echo", `{"text":"hi"}`),
		call("c2", "fail", `{}`),
		call("c3", "sleep", `{}`),
	})

	require.Len(t, results, 3)
	assert.Equal(t, unifiedllm.ToolResult{CallID: "c1", Content: "hi"}, results["c1"])

	assert.True(t, results["c2"].IsError)
	assert.Contains(t, results["c2"].Content, "Tool error (fail)")
	assert.Contains(t, results["c2"].Content, "disk on fire")

	assert.True(t, results["c3"].IsError)
	assert.Contains(t, results["c3"].Content, "timed out")
}

func TestDispatchRecoversPanics(t *testing.T) {
	results := New(testRegistry()).Dispatch(context.Background(), []unifiedllm.ToolCall{
		call("p", "panic", `{}`),
		call("e", "echo", `{"text":"still here"}`),
	})
	require.Len(t, results, 2)
	assert.True(t, results["p"].IsError)
	assert.Contains(t, results["p"].Content, "panic: boom")
	assert.Equal(t, "still here", results["e"].Content)
}

func TestDispatchRejectsWithoutInvoking(t *testing.T) {
	var invoked atomic.Int32
	exec := ExecutorFunc(func(context.Context, string, json.RawMessage) (string, error) {
		invoked.Add(1)
		return "ok", nil
	})
	reg := NewRegistry()
	reg.Register(Tool{Definition: unifiedllm.ToolDefinition{Name: "known"}, Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
		return exec.Execute(ctx, "known", args)
	}})

	results := New(reg).Dispatch(context.Background(), []unifiedllm.ToolCall{
		call("a", "missing", `{}`),
		call("b", "known", `{"x":`),
		call("c", "known", `[1,2]`),
		{ID: "d", Name: "known", Arguments: `{}`, Err: errors.New("stream ended before block stop")},
	})

	require.Len(t, results, 4)
	assert.Contains(t, results["a"].Content, "Unknown tool: missing")
	assert.Contains(t, results["b"].Content, "Invalid arguments")
	assert.Contains(t, results["c"].Content, "Invalid arguments")
	assert.Contains(t, results["d"].Content, "stream ended before block stop")
	for _, r := range results {
		assert.True(t, r.IsError)
	}
	assert.Zero(t, invoked.Load())
}

func TestDispatchEmptyArgumentsAreAnObject(t *testing.T) {
	results := New(testRegistry()).Dispatch(context.Background(), []unifiedllm.ToolCall{call("e", "echo", "")})
	assert.False(t, results["e"].IsError)
}

func TestDispatchOverallTimeout(t *testing.T) {
	d := New(testRegistry(), WithTimeout(30*time.Millisecond))
	start := time.Now()
	results := d.Dispatch(context.Background(), []unifiedllm.ToolCall{
		call("s1", "stubborn", `{}`),
		call("s2", "sleep", `{}`),
	})
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	require.Len(t, results, 2)
	assert.True(t, results["s1"].IsError)
	assert.True(t, results["s2"].IsError)
}

func TestDispatchCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	results := New(testRegistry()).Dispatch(ctx, []unifiedllm.ToolCall{call("s", "sleep", `{}`)})
	assert.True(t, results["s"].IsError)
	assert.Contains(t, results["s"].Content, "cancelled")
}

func TestDispatchMaxParallel(t *testing.T) {
	var running, peak atomic.Int32
	reg := NewRegistry()
	reg.RegisterFunc("work", "", nil, func(context.Context, json.RawMessage) (string, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return "done", nil
	})

	calls := make([]unifiedllm.ToolCall, 6)
	for i := range calls {
		calls[i] = call(string(rune('a'+i)), "work", `{}`)
	}
	results := New(reg, WithMaxParallel(2)).DispatchOrdered(context.Background(), calls)
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, calls[i].ID, r.CallID)
		assert.False(t, r.IsError)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatchTruncatesOutput(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("big", "", nil, func(context.Context, json.RawMessage) (string, error) {
		return strings.Repeat("x", 1000), nil
	})
	results := New(reg, WithOutputLimit(100)).Dispatch(context.Background(), []unifiedllm.ToolCall{call("b", "big", `{}`)})
	assert.Contains(t, results["b"].Content, "characters were removed from the middle")
	assert.Less(t, len(results["b"].Content), 1000)
}

func TestDispatchHooksAndMetrics(t *testing.T) {
	rec := telemetry.NewRecorder()
	var mu sync.Mutex
	var started, ended []string
	d := New(testRegistry(),
		WithLogger(rec),
		WithMetrics(rec),
		WithHooks(Hooks{
			Start: func(c unifiedllm.ToolCall) {
				mu.Lock()
				defer mu.Unlock()
				started = append(started, c.ID)
			},
			End: func(c unifiedllm.ToolCall, r unifiedllm.ToolResult, _ time.Duration) {
				mu.Lock()
				defer mu.Unlock()
				ended = append(ended, c.ID)
			},
		}),
	)
	d.Dispatch(context.Background(), []unifiedllm.ToolCall{
		call("ok", "echo", `{"text":"a"}`),
		call("bad", "fail", `{}`),
	})

	assert.ElementsMatch(t, []string{"ok", "bad"}, started)
	assert.ElementsMatch(t, []string{"ok", "bad"}, ended)
	assert.Equal(t, float64(1), rec.Counter(telemetry.MetricToolErrors, "tool", "fail", "kind", "execution"))
	assert.Len(t, rec.Timings(telemetry.MetricToolDuration, "tool", "echo"), 1)
}

func TestDispatchNoCalls(t *testing.T) {
	assert.Empty(t, New(testRegistry()).Dispatch(context.Background(), nil))
}

func TestMulti(t *testing.T) {
	a := NewRegistry()
	a.RegisterFunc("alpha", "", nil, func(context.Context, json.RawMessage) (string, error) { return "from a", nil })
	b := NewRegistry()
	b.RegisterFunc("beta", "", nil, func(context.Context, json.RawMessage) (string, error) { return "from b", nil })
	m := Multi{a, b}

	assert.True(t, m.Has("beta"))
	assert.False(t, m.Has("gamma"))

	out, err := m.Execute(context.Background(), "beta", nil)
	require.NoError(t, err)
	assert.Equal(t, "from b", out)

	_, err = m.Execute(context.Background(), "gamma", nil)
	var nf *unifiedllm.ToolNotFoundError
	assert.ErrorAs(t, err, &nf)

	fallback := ExecutorFunc(func(_ context.Context, name string, _ json.RawMessage) (string, error) { return "fallback " + name, nil })
	out, err = Multi{a, fallback}.Execute(context.Background(), "gamma", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback gamma", out)
}
