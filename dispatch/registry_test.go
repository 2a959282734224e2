package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/streamloop/unifiedllm"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("b", "second", nil, func(context.Context, json.RawMessage) (string, error) { return "b", nil })
	r.RegisterFunc("a", "first", nil, func(context.Context, json.RawMessage) (string, error) { return "a", nil })

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"a", "b"}, r.Names())
	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "first", defs[0].Description)

	out, err := r.Execute(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", out)

	r.Unregister("a")
	assert.False(t, r.Has("a"))
	_, err = r.Execute(context.Background(), "a", nil)
	var nf *unifiedllm.ToolNotFoundError
	assert.ErrorAs(t, err, &nf)

	other := NewRegistry()
	other.RegisterFunc("b", "replaced", nil, func(context.Context, json.RawMessage) (string, error) { return "b2", nil })
	other.RegisterFunc("c", "third", nil, func(context.Context, json.RawMessage) (string, error) { return "c", nil })
	r.MergeFrom(other)
	assert.Equal(t, []string{"b", "c"}, r.Names())
	assert.Equal(t, "replaced", r.Get("b").Definition.Description)
}

func TestArgumentHelpers(t *testing.T) {
	args, err := ParseArguments(json.RawMessage(`{"s":"x","n":3,"b":true}`))
	require.NoError(t, err)

	s, ok := StringArg(args, "s")
	assert.True(t, ok)
	assert.Equal(t, "x", s)

	n, ok := IntArg(args, "n")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	b, ok := BoolArg(args, "b")
	assert.True(t, ok)
	assert.True(t, b)

	_, ok = StringArg(args, "n")
	assert.False(t, ok)
	_, ok = IntArg(args, "missing")
	assert.False(t, ok)

	_, err = ParseArguments(json.RawMessage(`[`))
	assert.Error(t, err)
}

func TestTruncateOutput(t *testing.T) {
	in := strings.Repeat("a", 50) + strings.Repeat("b", 50)

	assert.Equal(t, in, TruncateOutput(in, 100, TruncateHeadTail))

	ht := TruncateOutput(in, 20, TruncateHeadTail)
	assert.True(t, strings.HasPrefix(ht, strings.Repeat("a", 10)))
	assert.True(t, strings.HasSuffix(ht, strings.Repeat("b", 10)))
	assert.Contains(t, ht, "80 characters were removed")

	tail := TruncateOutput(in, 20, TruncateTail)
	assert.True(t, strings.HasSuffix(tail, strings.Repeat("b", 20)))
	assert.Contains(t, tail, "First 80 characters")
}

func TestTruncateLines(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = string(rune('0' + i))
	}
	out := TruncateLines(strings.Join(lines, "\n"), 4)
	assert.Equal(t, "0\n1\n[... 6 lines omitted ...]\n8\n9", out)
}

func TestTruncatorPerTool(t *testing.T) {
	tr := &Truncator{
		CharLimit:  1000,
		CharLimits: map[string]int{"grep": 10},
		Modes:      map[string]TruncationMode{"grep": TruncateTail},
		LineLimits: map[string]int{"ls": 2},
	}
	assert.Equal(t, strings.Repeat("z", 500), tr.Apply("cat", strings.Repeat("z", 500)))
	assert.Contains(t, tr.Apply("grep", strings.Repeat("z", 50)), "First 40 characters")
	assert.Contains(t, tr.Apply("ls", "a\nb\nc\nd"), "lines omitted")

	var none *Truncator
	assert.Equal(t, "x", none.Apply("any", "x"))
}
