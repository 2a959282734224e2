package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"

	"github.com/martinemde/streamloop/aggregate"
	"github.com/martinemde/streamloop/unifiedllm"
)

// GollmProvider streams turns through a gollm.LLM. gollm yields plain text
// tokens, so the provider synthesizes block-lifecycle events: one text block,
// followed by tool_use blocks for any tool calls embedded as JSON in the text.
//
// Per-request model, temperature and max tokens are set on the shared LLM,
// so a GollmProvider serves one loop at a time. Requests are serialized
// until their stream is open.
type GollmProvider struct {
	provider string
	llm      gollm.LLM
	model    string
	mu       sync.Mutex
}

// defaultGollmModel is the catalog's latest model for provider.
func defaultGollmModel(provider string) string {
	if info := unifiedllm.GetLatestModel(provider); info != nil {
		return info.ID
	}
	return "gpt-4o-mini"
}

// NewGollmProvider creates a provider backed by gollm for the named backend.
// If no API key option is given, gollm reads it from the environment.
func NewGollmProvider(provider string, opts ...Option) (*GollmProvider, error) {
	cfg := newConfig(opts)

	model := cfg.model
	if model == "" {
		model = defaultGollmModel(provider)
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // connect retries belong to the caller
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.gollmOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("create gollm LLM for provider %s", provider), Cause: err,
		}}
	}
	return &GollmProvider{provider: provider, llm: llm, model: model}, nil
}

// NewGollmProviderFromLLM wraps an existing gollm.LLM instance. Start events
// report the catalog's latest model for provider unless a request names one.
func NewGollmProviderFromLLM(provider string, llm gollm.LLM) *GollmProvider {
	return &GollmProvider{provider: provider, llm: llm, model: defaultGollmModel(provider)}
}

// Name returns the provider identifier.
func (p *GollmProvider) Name() string { return p.provider }

// Shape reports the block-lifecycle shape the synthesized events follow.
func (p *GollmProvider) Shape() aggregate.Shape { return aggregate.BlockLifecycle }

// Stream generates a response and delivers it as canonical events.
func (p *GollmProvider) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.Event, error) {
	prompt := gollmPrompt(req)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyRequestOptions(req)

	model := req.Model
	if model == "" {
		model = p.model
	}
	s := &tokenStream{provider: p.provider, model: model, input: estimateTokens(req)}

	if !p.llm.SupportsStreaming() {
		text, err := p.llm.Generate(ctx, prompt)
		if err != nil {
			return nil, translateGollmError(p.provider, err)
		}
		return s.run(ctx, onceTokens(text), nil), nil
	}

	stream, err := p.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, translateGollmError(p.provider, err)
	}
	next := func(ctx context.Context) (string, error) {
		token, err := stream.Next(ctx)
		if err != nil {
			return "", err
		}
		if token == nil {
			return "", nil
		}
		return token.Text, nil
	}
	return s.run(ctx, next, func() { _ = stream.Close() }), nil
}

func (p *GollmProvider) applyRequestOptions(req unifiedllm.Request) {
	if req.Model != "" {
		p.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		p.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens > 0 {
		p.llm.SetOption("max_tokens", req.MaxTokens)
	}
}

// tokenStream turns a sequence of text tokens into block-lifecycle events.
type tokenStream struct {
	provider string
	model    string
	input    int
}

type nextToken func(ctx context.Context) (string, error)

func onceTokens(text string) nextToken {
	done := false
	return func(context.Context) (string, error) {
		if done {
			return "", io.EOF
		}
		done = true
		return text, nil
	}
}

func (s *tokenStream) run(ctx context.Context, next nextToken, closeFn func()) <-chan unifiedllm.Event {
	ch := make(chan unifiedllm.Event, 64)
	go func() {
		defer close(ch)
		if closeFn != nil {
			defer closeFn()
		}
		send := func(ev unifiedllm.Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		id := "msg_" + newID()
		if !send(unifiedllm.StartEvent(id, s.model, &unifiedllm.Usage{InputTokens: s.input})) {
			return
		}

		var text strings.Builder
		started := false
		for {
			token, err := next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					err = &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "stream cancelled", Cause: ctx.Err()}}
				} else {
					err = translateGollmError(s.provider, err)
				}
				send(unifiedllm.FatalEvent(err))
				return
			}
			if token == "" {
				continue
			}
			if !started {
				if !send(unifiedllm.BlockStartEvent(0, unifiedllm.BlockText, unifiedllm.Delta{Type: unifiedllm.DeltaText})) {
					return
				}
				started = true
			}
			if !send(unifiedllm.BlockDeltaEvent(0, unifiedllm.Delta{Type: unifiedllm.DeltaText, Text: token})) {
				return
			}
			text.WriteString(token)
		}
		if started && !send(unifiedllm.BlockStopEvent(0)) {
			return
		}

		reason := unifiedllm.StopEndTurn
		for i, call := range parseToolCalls(text.String()) {
			index := i + 1
			events := []unifiedllm.Event{
				unifiedllm.BlockStartEvent(index, unifiedllm.BlockToolUse, unifiedllm.Delta{Type: unifiedllm.DeltaInputJSON, ID: call.ID, Name: call.Name}),
				unifiedllm.BlockDeltaEvent(index, unifiedllm.Delta{Type: unifiedllm.DeltaInputJSON, PartialJSON: call.Arguments}),
				unifiedllm.BlockStopEvent(index),
			}
			for _, ev := range events {
				if !send(ev) {
					return
				}
			}
			reason = unifiedllm.StopToolUse
		}

		// gollm does not expose usage; output is estimated from text length.
		usage := &unifiedllm.Usage{OutputTokens: text.Len() / 4}
		if send(unifiedllm.TurnDeltaEvent(reason, usage)) {
			send(unifiedllm.TurnStopEvent())
		}
	}()
	return ch
}

// gollmPrompt flattens a canonical request into a single gollm prompt.
func gollmPrompt(req unifiedllm.Request) *gollm.Prompt {
	systemPrompt, promptText := flatten(req)

	var opts []gollm.PromptOption
	if systemPrompt != "" {
		opts = append(opts, gollm.WithSystemPrompt(systemPrompt, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, gollm.WithMaxLength(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	return gollm.NewPrompt(promptText, opts...)
}

// flatten renders the conversation as a system prompt and a transcript,
// since gollm takes a single input string.
func flatten(req unifiedllm.Request) (system, text string) {
	system = req.System
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case unifiedllm.RoleSystem:
			system += "\n" + msg.TextContent()
		case unifiedllm.RoleUser:
			parts = append(parts, msg.TextContent())
		case unifiedllm.RoleAssistant:
			if said := msg.TextContent(); said != "" {
				parts = append(parts, "[Assistant]: "+said)
			}
			for _, call := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s %s", call.ID, call.Name, call.RawArguments()))
			}
		case unifiedllm.RoleTool:
			for _, r := range msg.ToolResults() {
				prefix := "[Tool Result]"
				if r.IsError {
					prefix = "[Tool Error]"
				}
				parts = append(parts, prefix+": "+r.Content)
			}
		}
	}

	text = strings.Join(parts, "\n")
	if text == "" {
		text = "Hello"
	}
	return strings.TrimSpace(system), text
}

// parseToolCalls extracts a JSON array of {"name","arguments"} objects that
// some backends embed in the response text.
func parseToolCalls(text string) []unifiedllm.ToolCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}
	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &raw); err != nil {
		return nil
	}
	calls := make([]unifiedllm.ToolCall, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		calls = append(calls, unifiedllm.ToolCall{
			ID:        "call_" + newID(),
			Name:      rc.Name,
			Arguments: string(rc.Arguments),
		})
	}
	return calls
}

// translateGollmError converts a gollm error into the provider error
// hierarchy by inspecting its message.
func translateGollmError(provider string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	pe := func(status int, retryable bool) unifiedllm.ProviderError {
		return unifiedllm.ProviderError{
			SDKError:   unifiedllm.SDKError{Message: msg, Cause: err},
			Provider:   provider,
			StatusCode: status,
			Retryable:  retryable,
		}
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return &unifiedllm.AuthenticationError{ProviderError: pe(401, false)}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		return &unifiedllm.AccessDeniedError{ProviderError: pe(403, false)}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		return &unifiedllm.NotFoundError{ProviderError: pe(404, false)}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return &unifiedllm.RateLimitError{ProviderError: pe(429, true)}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &unifiedllm.ContextLengthError{ProviderError: pe(413, false)}
	case strings.Contains(lower, "overloaded") || strings.Contains(lower, "529"):
		return &unifiedllm.OverloadedError{ProviderError: pe(529, true)}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		return &unifiedllm.ServerError{ProviderError: pe(500, true)}
	case strings.Contains(lower, "timeout"):
		return &unifiedllm.RequestTimeoutError{SDKError: unifiedllm.SDKError{Message: msg, Cause: err}}
	default:
		p := pe(0, true)
		return &p
	}
}

// estimateTokens gives a rough input token count for a request.
func estimateTokens(req unifiedllm.Request) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		total += len(msg.TextContent()) / 4
	}
	if total == 0 {
		total = 10
	}
	return total
}

func newID() string {
	return uuid.NewString()[:8]
}
