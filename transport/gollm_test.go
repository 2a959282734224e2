package transport

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/streamloop/aggregate"
	"github.com/martinemde/streamloop/unifiedllm"
)

func tokens(parts ...string) nextToken {
	i := 0
	return func(context.Context) (string, error) {
		if i >= len(parts) {
			return "", io.EOF
		}
		i++
		return parts[i-1], nil
	}
}

func collectTokens(t *testing.T, next nextToken) aggregate.Result {
	t.Helper()
	s := &tokenStream{provider: "openai", model: "gpt-4o-mini", input: 7}
	res, err := aggregate.New(aggregate.BlockLifecycle).Run(context.Background(), s.run(context.Background(), next, nil))
	require.NoError(t, err)
	return res
}

func TestTokenStreamText(t *testing.T) {
	res := collectTokens(t, tokens("Hel", "", "lo"))

	assert.Equal(t, "Hello", res.Message.TextContent())
	assert.Equal(t, unifiedllm.StopEndTurn, res.Message.StopReason)
	assert.Equal(t, "gpt-4o-mini", res.Message.Model)
	require.NotNil(t, res.Message.Usage)
	assert.Equal(t, 7, res.Message.Usage.InputTokens)
	assert.Empty(t, res.ToolCalls)
}

func TestTokenStreamEmbeddedToolCalls(t *testing.T) {
	res := collectTokens(t, onceTokens(`Calling. [{"name":"search","arguments":{"q":"go"}},{"name":"ls","arguments":{}}]`))

	assert.Equal(t, unifiedllm.StopToolUse, res.Message.StopReason)
	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "search", res.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, res.ToolCalls[0].Arguments)
	assert.Equal(t, "ls", res.ToolCalls[1].Name)
	assert.NotEqual(t, res.ToolCalls[0].ID, res.ToolCalls[1].ID)
}

func TestTokenStreamError(t *testing.T) {
	s := &tokenStream{provider: "openai", model: "m"}
	failing := func(context.Context) (string, error) { return "", errors.New("429 rate limit exceeded") }
	_, err := aggregate.New(aggregate.BlockLifecycle).Run(context.Background(), s.run(context.Background(), failing, nil))

	var rl *unifiedllm.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "openai", rl.Provider)
}

func TestTokenStreamClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	closed := make(chan struct{})
	s := &tokenStream{provider: "openai", model: "m"}
	endless := func(context.Context) (string, error) { return "x", nil }

	events := s.run(ctx, endless, func() { close(closed) })
	<-events
	cancel()
	for range events {
	}
	<-closed
}

func TestParseToolCalls(t *testing.T) {
	assert.Nil(t, parseToolCalls("no tools here"))
	assert.Nil(t, parseToolCalls(`[{"name": broken`))
	calls := parseToolCalls(`[{"name":"a","arguments":{"x":1}},{"name":"","arguments":{}}]`)
	require.Len(t, calls, 1)
	assert.Equal(t, "a", calls[0].Name)
}

func TestTranslateGollmError(t *testing.T) {
	tests := []struct {
		msg   string
		check func(error) bool
	}{
		{"401 Unauthorized", func(err error) bool { var e *unifiedllm.AuthenticationError; return errors.As(err, &e) }},
		{"403 forbidden", func(err error) bool { var e *unifiedllm.AccessDeniedError; return errors.As(err, &e) }},
		{"model not found", func(err error) bool { var e *unifiedllm.NotFoundError; return errors.As(err, &e) }},
		{"rate limit hit", func(err error) bool { var e *unifiedllm.RateLimitError; return errors.As(err, &e) }},
		{"context length exceeded", func(err error) bool { var e *unifiedllm.ContextLengthError; return errors.As(err, &e) }},
		{"server overloaded", func(err error) bool { var e *unifiedllm.OverloadedError; return errors.As(err, &e) }},
		{"500 internal server error", func(err error) bool { var e *unifiedllm.ServerError; return errors.As(err, &e) }},
		{"i/o timeout", func(err error) bool { var e *unifiedllm.RequestTimeoutError; return errors.As(err, &e) }},
		{"something odd", func(err error) bool { return unifiedllm.IsRetryable(err) }},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.True(t, tt.check(translateGollmError("openai", errors.New(tt.msg))))
		})
	}
	assert.NoError(t, translateGollmError("openai", nil))
}

func TestFlattenConversation(t *testing.T) {
	system, text := flatten(toolConversation())
	assert.Equal(t, "Be brief.", system)
	assert.Contains(t, text, "find go")
	assert.Contains(t, text, "[Assistant]: Looking.")
	assert.Contains(t, text, `[Tool Call call_a]: search {"q":"go"}`)
	assert.Contains(t, text, "[Tool Result]: found")
	assert.Contains(t, text, "[Tool Error]: bad arguments")

	system, text = flatten(unifiedllm.Request{})
	assert.Empty(t, system)
	assert.Equal(t, "Hello", text)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 10, estimateTokens(unifiedllm.Request{}))
	assert.Equal(t, 2, estimateTokens(unifiedllm.Request{Messages: []unifiedllm.Message{unifiedllm.UserMessage("12345678")}}))
}

func TestNewGollmProviderName(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic"} {
		p, err := NewGollmProvider(provider, WithAPIKey("test-key-not-real"))
		if err != nil {
			t.Logf("skipping %s provider creation: %v", provider, err)
			continue
		}
		assert.Equal(t, provider, p.Name())
		assert.Equal(t, aggregate.BlockLifecycle, p.Shape())
	}
}

func TestNewGollmProviderFromLLMSeedsModel(t *testing.T) {
	p := NewGollmProviderFromLLM("anthropic", nil)
	latest := unifiedllm.GetLatestModel("anthropic")
	require.NotNil(t, latest)
	assert.Equal(t, latest.ID, p.model)
	assert.Equal(t, "anthropic", p.Name())

	assert.Equal(t, "gpt-4o-mini", NewGollmProviderFromLLM("no-such-backend", nil).model)
}
