package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/streamloop/aggregate"
	"github.com/martinemde/streamloop/unifiedllm"
)

type stubProvider struct {
	name   string
	err    error
	calls  int
	closed bool
}

func (s *stubProvider) Name() string           { return s.name }
func (s *stubProvider) Shape() aggregate.Shape { return aggregate.BlockLifecycle }
func (s *stubProvider) Close() error           { s.closed = true; return nil }

func (s *stubProvider) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.Event, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan unifiedllm.Event, 1)
	ch <- unifiedllm.StartEvent("msg", req.Model, nil)
	close(ch)
	return ch, nil
}

func TestWrapRunsMiddlewareInOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(ctx context.Context, req unifiedllm.Request, next StreamFunc) (<-chan unifiedllm.Event, error) {
			order = append(order, name+" before")
			ch, err := next(ctx, req)
			order = append(order, name+" after")
			return ch, err
		}
	}
	stub := &stubProvider{name: "stub"}
	p := Wrap(stub, mark("outer"), mark("inner"))

	_, err := p.Stream(context.Background(), unifiedllm.Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer before", "inner before", "inner after", "outer after"}, order)
	assert.Equal(t, "stub", p.Name())
	assert.Equal(t, 1, stub.calls)
	assert.Same(t, stub, Wrap(stub), "no middleware returns the provider unchanged")
}

func TestMiddlewareCanRewriteRequest(t *testing.T) {
	stub := &stubProvider{name: "stub"}
	p := Wrap(stub, func(ctx context.Context, req unifiedllm.Request, next StreamFunc) (<-chan unifiedllm.Event, error) {
		req.Model = "rewritten"
		return next(ctx, req)
	})
	events, err := p.Stream(context.Background(), unifiedllm.Request{Model: "m"})
	require.NoError(t, err)
	ev := <-events
	assert.Equal(t, "rewritten", ev.Model)
}

func TestClientResolvesProviders(t *testing.T) {
	anthropic := &stubProvider{name: "anthropic"}
	openai := &stubProvider{name: "openai"}
	var seen int
	client := NewClient(
		WithProvider(anthropic),
		WithProvider(openai),
		WithDefaultProvider("openai"),
		WithMiddleware(func(ctx context.Context, req unifiedllm.Request, next StreamFunc) (<-chan unifiedllm.Event, error) {
			seen++
			return next(ctx, req)
		}),
	)

	p, err := client.ForModel("claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())

	p, err = client.ForModel("not-in-catalog")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	_, err = p.Stream(context.Background(), unifiedllm.Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)

	_, err = client.Provider("gemini")
	var cfg *unifiedllm.ConfigurationError
	assert.ErrorAs(t, err, &cfg)

	require.NoError(t, client.Close())
	assert.True(t, anthropic.closed)
	assert.True(t, openai.closed)
}

func TestClientSingleProviderIsDefault(t *testing.T) {
	client := NewClient(WithProvider(&stubProvider{name: "only"}))
	p, err := client.ForModel("whatever")
	require.NoError(t, err)
	assert.Equal(t, "only", p.Name())

	empty := NewClient()
	_, err = empty.ForModel("whatever")
	assert.Error(t, err)

	empty.Register(&stubProvider{name: "late"})
	p, err = empty.ForModel("whatever")
	require.NoError(t, err)
	assert.Equal(t, "late", p.Name())
}

func TestRateLimiterBacksOffAndRecovers(t *testing.T) {
	l := NewRateLimiter(6000)
	stub := &stubProvider{name: "stub", err: &unifiedllm.RateLimitError{ProviderError: unifiedllm.ProviderError{Retryable: true}}}
	p := Wrap(stub, l.Middleware())

	_, err := p.Stream(context.Background(), unifiedllm.Request{})
	require.Error(t, err)
	assert.Equal(t, 3000.0, l.Limit())

	stub.err = nil
	_, err = p.Stream(context.Background(), unifiedllm.Request{})
	require.NoError(t, err)
	assert.Equal(t, 3300.0, l.Limit())

	stub.err = errors.New("boom")
	_, err = p.Stream(context.Background(), unifiedllm.Request{})
	require.Error(t, err)
	assert.Equal(t, 3300.0, l.Limit(), "other errors leave the limit alone")
}

func TestRateLimiterFloor(t *testing.T) {
	l := NewRateLimiter(6000)
	for range 10 {
		l.observe(&unifiedllm.RateLimitError{})
	}
	assert.Equal(t, 600.0, l.Limit())
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	p := RateLimited(&stubProvider{name: "stub"}, 1)
	_, err := p.Stream(context.Background(), unifiedllm.Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Stream(ctx, unifiedllm.Request{})
	assert.True(t, unifiedllm.IsAbort(err))
}
