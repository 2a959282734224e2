package transport

import (
	"net/http"

	"github.com/teilomillet/gollm"

	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/unifiedllm"
	"github.com/martinemde/streamloop/wire"
)

// Option configures a provider. HTTP and gollm providers share one option
// set; each ignores the fields it has no use for.
type Option func(*config)

type config struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	headers     http.Header
	retry       unifiedllm.RetryPolicy
	decoderOpts []wire.Option
	logger      telemetry.Logger

	model       string
	maxTokens   int
	temperature float64
	gollmOpts   []gollm.ConfigOption
}

func newConfig(opts []Option) *config {
	cfg := &config{
		httpClient:  http.DefaultClient,
		headers:     make(http.Header),
		logger:      telemetry.NewNoopLogger(),
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithBaseURL overrides the dialect's default endpoint root.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithHTTPClient sets the HTTP client used to open streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *config) { c.headers.Add(key, value) }
}

// WithConnectRetry retries failures to open a stream. Nothing is retried
// once the first byte of the body has been read.
func WithConnectRetry(policy unifiedllm.RetryPolicy) Option {
	return func(c *config) { c.retry = policy }
}

// WithDecoderOptions passes options to the wire decoder.
func WithDecoderOptions(opts ...wire.Option) Option {
	return func(c *config) { c.decoderOpts = append(c.decoderOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithModel sets the default model for requests that do not name one.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = n }
}

// WithTemperature sets the default temperature for gollm providers.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) Option {
	return func(c *config) { c.gollmOpts = append(c.gollmOpts, opts...) }
}
