package transport

import (
	"fmt"
	"net/http"

	"github.com/martinemde/streamloop/aggregate"
	"github.com/martinemde/streamloop/unifiedllm"
	"github.com/martinemde/streamloop/wire"
)

// RequestBuilder turns a canonical request into a provider payload with
// streaming enabled.
type RequestBuilder func(req unifiedllm.Request) ([]byte, error)

// Dialect bundles everything provider-specific about a streaming HTTP
// endpoint: where it lives, how requests are built and authenticated, and
// how its frames decode.
type Dialect struct {
	Name    string
	BaseURL string
	Path    string
	Build   RequestBuilder
	Frames  wire.FrameAdapter
	Shape   aggregate.Shape
	// Auth sets the credential headers for key.
	Auth    func(h http.Header, key string)
	Headers map[string]string
}

// Anthropic is the Messages API dialect.
var Anthropic = Dialect{
	Name:    "anthropic",
	BaseURL: "https://api.anthropic.com",
	Path:    "/v1/messages",
	Build:   AnthropicRequest,
	Frames:  wire.AnthropicFrames,
	Shape:   aggregate.BlockLifecycle,
	Auth:    func(h http.Header, key string) { h.Set("x-api-key", key) },
	Headers: map[string]string{"anthropic-version": "2023-06-01"},
}

// OpenAI is the Chat Completions dialect. It also serves OpenAI-compatible
// endpoints through WithBaseURL.
var OpenAI = Dialect{
	Name:    "openai",
	BaseURL: "https://api.openai.com",
	Path:    "/v1/chat/completions",
	Build:   OpenAIRequest,
	Frames:  wire.OpenAIFrames,
	Shape:   aggregate.IndexedDelta,
	Auth:    func(h http.Header, key string) { h.Set("Authorization", "Bearer "+key) },
}

// DialectFor returns the dialect for a provider name.
func DialectFor(provider string) (Dialect, error) {
	switch provider {
	case "anthropic":
		return Anthropic, nil
	case "openai", "openai_compatible":
		d := OpenAI
		d.Name = provider
		return d, nil
	default:
		return Dialect{}, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("no HTTP dialect for provider %q", provider),
		}}
	}
}
