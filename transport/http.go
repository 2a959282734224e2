package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/martinemde/streamloop/aggregate"
	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/unifiedllm"
	"github.com/martinemde/streamloop/wire"
)

// maxErrorBody bounds how much of a non-2xx response is read for its
// error message.
const maxErrorBody = 64 << 10

// HTTPProvider streams turns from an SSE endpoint. It builds the payload with
// the dialect's RequestBuilder, POSTs it, and pipes the response body through
// wire.Stream.
type HTTPProvider struct {
	dialect Dialect
	baseURL string
	apiKey  string
	client  *http.Client
	headers http.Header
	retry   unifiedllm.RetryPolicy
	decOpts []wire.Option
	model   string
	logger  telemetry.Logger
}

// NewHTTPProvider returns a provider speaking dialect.
func NewHTTPProvider(dialect Dialect, opts ...Option) *HTTPProvider {
	cfg := newConfig(opts)
	baseURL := cfg.baseURL
	if baseURL == "" {
		baseURL = dialect.BaseURL
	}
	return &HTTPProvider{
		dialect: dialect,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.apiKey,
		client:  cfg.httpClient,
		headers: cfg.headers,
		retry:   cfg.retry,
		decOpts: append([]wire.Option{wire.WithLogger(cfg.logger)}, cfg.decoderOpts...),
		model:   cfg.model,
		logger:  cfg.logger,
	}
}

// Name returns the dialect name.
func (p *HTTPProvider) Name() string { return p.dialect.Name }

// Shape returns the stream shape of the dialect.
func (p *HTTPProvider) Shape() aggregate.Shape { return p.dialect.Shape }

// Stream opens the stream for req. Errors returned here happened before any
// event was produced; later failures arrive as a fatal Error event.
func (p *HTTPProvider) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.Event, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	body, err := p.dialect.Build(req)
	if err != nil {
		return nil, &unifiedllm.InvalidRequestError{ProviderError: unifiedllm.ProviderError{
			SDKError: unifiedllm.SDKError{Message: "build request", Cause: err},
			Provider: p.dialect.Name,
		}}
	}

	resp, err := unifiedllm.Retry(ctx, p.retry, func(ctx context.Context) (*http.Response, error) {
		return p.open(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug(ctx, "stream opened", "provider", p.dialect.Name, "model", req.Model, "status", resp.StatusCode)
	return wire.Stream(ctx, resp.Body, p.dialect.Frames, p.decOpts...), nil
}

func (p *HTTPProvider) open(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.dialect.Path, bytes.NewReader(body))
	if err != nil {
		return nil, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{Message: "build http request", Cause: err}}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range p.dialect.Headers {
		httpReq.Header.Set(k, v)
	}
	if p.apiKey != "" && p.dialect.Auth != nil {
		p.dialect.Auth(httpReq.Header, p.apiKey)
	}
	for k, vs := range p.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "request cancelled", Cause: ctx.Err()}}
		}
		return nil, &unifiedllm.NetworkError{SDKError: unifiedllm.SDKError{Message: "open stream", Cause: err}}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, p.statusError(resp)
	}
	return resp, nil
}

// statusError maps a non-2xx response onto the provider error hierarchy.
// Both the Anthropic ({"error":{"type","message"}}) and OpenAI
// ({"error":{"message","type","code"}}) envelopes are understood.
func (p *HTTPProvider) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	message := strings.TrimSpace(string(data))
	if message == "" {
		message = resp.Status
	}
	var code string
	var raw map[string]any
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		code = envelope.Error.Type
		if c, ok := envelope.Error.Code.(string); ok && c != "" {
			code = c
		}
		_ = json.Unmarshal(data, &raw)
	}

	var retryAfter *float64
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			retryAfter = &secs
		}
	}
	return unifiedllm.ErrorFromStatusCode(resp.StatusCode, message, p.dialect.Name, code, raw, retryAfter)
}
