package unifiedllm

// Stream shapes a provider can produce. The aggregate package maps these to
// its aggregator implementations.
const (
	ShapeBlockLifecycle = "block_lifecycle"
	ShapeIndexedDelta   = "indexed_delta"
)

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID               string   `json:"id"`
	Provider         string   `json:"provider"`
	DisplayName      string   `json:"display_name"`
	ContextWindow    int      `json:"context_window"`
	MaxOutput        int      `json:"max_output"`
	SupportsTools    bool     `json:"supports_tools"`
	SupportsThinking bool     `json:"supports_thinking"`
	Aliases          []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog.
var Models = []ModelInfo{
	// Anthropic
	{
		ID: "claude-opus-4-6", Provider: "anthropic", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200000, MaxOutput: 32768,
		SupportsTools: true, SupportsThinking: true,
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: 16384,
		SupportsTools: true, SupportsThinking: true,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: 8192,
		SupportsTools: true,
		Aliases: []string{"haiku"},
	},

	// OpenAI
	{
		ID: "gpt-5.2", Provider: "openai", DisplayName: "GPT-5.2",
		ContextWindow: 1047576, MaxOutput: 32768,
		SupportsTools: true, SupportsThinking: true,
		Aliases: []string{"gpt5"},
	},
	{
		ID: "gpt-5.2-mini", Provider: "openai", DisplayName: "GPT-5.2 Mini",
		ContextWindow: 1047576, MaxOutput: 16384,
		SupportsTools: true, SupportsThinking: true,
		Aliases: []string{"gpt5-mini"},
	},
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o Mini",
		ContextWindow: 128000, MaxOutput: 16384,
		SupportsTools: true,
	},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// GetLatestModel returns the first (newest) model for a provider.
func GetLatestModel(provider string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider == provider {
			return &Models[i]
		}
	}
	return nil
}

// ShapeForProvider returns the stream shape a provider's wire format uses.
// Unknown providers are assumed to speak the indexed-delta dialect, which is
// what most OpenAI-compatible endpoints emit.
func ShapeForProvider(provider string) string {
	switch provider {
	case "anthropic", "gollm":
		return ShapeBlockLifecycle
	default:
		return ShapeIndexedDelta
	}
}
