package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/martinemde/streamloop/aggregate"
	"github.com/martinemde/streamloop/unifiedllm"
)

// Provider is a named source of streaming turns. It satisfies
// agentloop.Provider.
type Provider interface {
	Name() string
	Shape() aggregate.Shape
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.Event, error)
}

// StreamFunc opens a stream for req.
type StreamFunc func(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.Event, error)

// Middleware wraps the opening of a stream. It receives the request and a
// next function that calls the downstream handler. Middleware only sees the
// call that opens the stream; events flow through untouched.
type Middleware func(ctx context.Context, req unifiedllm.Request, next StreamFunc) (<-chan unifiedllm.Event, error)

type wrapped struct {
	Provider
	stream StreamFunc
}

func (w *wrapped) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.Event, error) {
	return w.stream(ctx, req)
}

// Wrap applies middleware to p. The first middleware runs first.
func Wrap(p Provider, mw ...Middleware) Provider {
	if len(mw) == 0 {
		return p
	}
	handler := StreamFunc(p.Stream)
	for i := len(mw) - 1; i >= 0; i-- {
		m := mw[i]
		next := handler
		handler = func(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.Event, error) {
			return m(ctx, req, next)
		}
	}
	return &wrapped{Provider: p, stream: handler}
}

// Closer is implemented by providers that hold resources.
type Closer interface {
	Close() error
}

// Client holds registered providers, resolves them by name or model, and
// applies shared middleware.
type Client struct {
	providers       map[string]Provider
	defaultProvider string
	middleware      []Middleware
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider under its name.
func WithProvider(p Provider) ClientOption {
	return func(c *Client) {
		c.providers[p.Name()] = p
	}
}

// WithDefaultProvider sets the provider used when a model is not in the
// catalog.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware applied to every resolved provider.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]Provider),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// Register adds a provider to the client.
func (c *Client) Register(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[p.Name()] = p
	if c.defaultProvider == "" {
		c.defaultProvider = p.Name()
	}
}

// Provider returns the named provider wrapped in the client's middleware.
func (c *Client) Provider(name string) (Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[name]
	if !ok {
		return nil, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return Wrap(p, c.middleware...), nil
}

// ForModel resolves the provider serving model through the catalog, falling
// back to the default provider.
func (c *Client) ForModel(model string) (Provider, error) {
	name := ""
	if info := unifiedllm.GetModelInfo(model); info != nil {
		name = info.Provider
	}
	c.mu.RLock()
	if _, ok := c.providers[name]; !ok {
		name = c.defaultProvider
	}
	c.mu.RUnlock()
	if name == "" {
		return nil, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("no provider for model %q and no default provider configured", model),
		}}
	}
	return c.Provider(name)
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, p := range c.providers {
		if closer, ok := p.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
