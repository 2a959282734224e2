// Package config provides layered configuration using Viper.
//
// Precedence, highest first: STREAMLOOP_* environment variables, the project
// file ./streamloop.yml, the global file under $XDG_CONFIG_HOME, defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/streamloop/agentloop"
	"github.com/martinemde/streamloop/aggregate"
	"github.com/martinemde/streamloop/dispatch"
	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/transport"
	"github.com/martinemde/streamloop/unifiedllm"
	"github.com/martinemde/streamloop/wire"
)

// Config holds all configuration values for streamloop.
type Config struct {
	Provider     string `mapstructure:"provider" yaml:"provider"`
	Model        string `mapstructure:"model" yaml:"model"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	APIKeyEnv    string `mapstructure:"api_key_env" yaml:"api_key_env,omitempty"`
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`

	MaxTurns          int    `mapstructure:"max_turns" yaml:"max_turns"`
	MaxTokens         int    `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	IncompleteResults string `mapstructure:"incomplete_results" yaml:"incomplete_results"`
	LoopWindow        int    `mapstructure:"loop_window" yaml:"loop_window"`

	ToolTimeout      time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout,omitempty"`
	DispatchTimeout  time.Duration `mapstructure:"dispatch_timeout" yaml:"dispatch_timeout,omitempty"`
	MaxParallelTools int           `mapstructure:"max_parallel_tools" yaml:"max_parallel_tools,omitempty"`
	ToolOutputLimit  int           `mapstructure:"tool_output_limit" yaml:"tool_output_limit"`

	MaxBlockBytes     int `mapstructure:"max_block_bytes" yaml:"max_block_bytes"`
	MaxBlocks         int `mapstructure:"max_blocks" yaml:"max_blocks"`
	MaxFrameBytes     int `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	MaxDecodeFailures int `mapstructure:"max_decode_failures" yaml:"max_decode_failures"`

	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute,omitempty"`
	ConnectRetries    int     `mapstructure:"connect_retries" yaml:"connect_retries"`

	DBPath    string `mapstructure:"db_path" yaml:"db_path"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format,omitempty"`
	Debug     bool   `mapstructure:"debug" yaml:"debug,omitempty"`

	MCPServers []dispatch.MCPServerConfig `mapstructure:"mcp_servers" yaml:"mcp_servers,omitempty"`
}

var defaults = map[string]any{
	"provider":            "anthropic",
	"model":               "",
	"base_url":            "",
	"api_key_env":         "",
	"system_prompt":       "",
	"max_turns":           agentloop.DefaultMaxTurns,
	"max_tokens":          0,
	"incomplete_results":  string(agentloop.SynthesizeErrors),
	"loop_window":         agentloop.DefaultLoopWindow,
	"tool_timeout":        "0s",
	"dispatch_timeout":    "0s",
	"max_parallel_tools":  0,
	"tool_output_limit":   dispatch.DefaultOutputLimit,
	"max_block_bytes":     aggregate.DefaultMaxBlockBytes,
	"max_blocks":          aggregate.DefaultMaxBlocks,
	"max_frame_bytes":     wire.DefaultMaxFrameBytes,
	"max_decode_failures": wire.DefaultMaxDecodeFailures,
	"requests_per_minute": 0,
	"connect_retries":     2,
	"db_path":             filepath.Join(".streamloop", "streamloop.db"),
	"log_format":          "",
	"debug":               false,
}

// Load loads configuration from the default global and project paths.
func Load() (*Config, error) {
	return LoadFrom(GlobalPath(), ProjectPath())
}

// LoadFrom loads configuration with globalPath merged under projectPath.
// Missing files are skipped.
func LoadFrom(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("STREAMLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Explicit bindings so Unmarshal sees env values for keys with no file entry.
	for key := range defaults {
		if err := v.BindEnv(key, "STREAMLOOP_"+strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}

	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be fixed by a default.
func (c *Config) Validate() error {
	if _, err := agentloop.ParseIncompletePolicy(c.IncompleteResults); err != nil {
		return err
	}
	switch c.Provider {
	case "anthropic", "openai", "openai_compatible", "gollm":
	default:
		return &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("unknown provider %q (want anthropic, openai, openai_compatible or gollm)", c.Provider),
		}}
	}
	if c.MaxTurns < 0 || c.MaxTokens < 0 || c.MaxParallelTools < 0 || c.ConnectRetries < 0 {
		return &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: "max_turns, max_tokens, max_parallel_tools and connect_retries must not be negative",
		}}
	}
	switch c.LogFormat {
	case "", "json", "text", "terminal":
	default:
		return &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("unknown log_format %q (want json, text or terminal)", c.LogFormat),
		}}
	}
	return nil
}

// APIKey reads the API key from the environment variable named by
// api_key_env, or from the provider's conventional variable. gollm reads
// its backend's key itself, so it gets none unless api_key_env is set.
func (c *Config) APIKey() string {
	name := c.APIKeyEnv
	if name == "" {
		switch c.Provider {
		case "anthropic":
			name = "ANTHROPIC_API_KEY"
		case "openai", "openai_compatible":
			name = "OPENAI_API_KEY"
		default:
			return ""
		}
	}
	return os.Getenv(name)
}

// LoopOptions converts the loop settings to agentloop options.
func (c *Config) LoopOptions() ([]agentloop.Option, error) {
	policy, err := agentloop.ParseIncompletePolicy(c.IncompleteResults)
	if err != nil {
		return nil, err
	}
	return []agentloop.Option{
		agentloop.WithModel(c.Model),
		agentloop.WithSystemPrompt(c.SystemPrompt),
		agentloop.WithMaxTurns(c.MaxTurns),
		agentloop.WithMaxTokens(c.MaxTokens),
		agentloop.WithIncompletePolicy(policy),
		agentloop.WithLoopDetection(c.LoopWindow),
		agentloop.WithAggregatorOptions(
			aggregate.WithMaxBlockBytes(c.MaxBlockBytes),
			aggregate.WithMaxBlocks(c.MaxBlocks),
		),
	}, nil
}

// DecoderOptions converts the decoder settings to wire options.
func (c *Config) DecoderOptions() []wire.Option {
	return []wire.Option{
		wire.WithMaxFrameBytes(c.MaxFrameBytes),
		wire.WithMaxDecodeFailures(c.MaxDecodeFailures),
	}
}

// DispatchOptions converts the tool settings to dispatch options.
func (c *Config) DispatchOptions() []dispatch.Option {
	return []dispatch.Option{
		dispatch.WithTimeout(c.DispatchTimeout),
		dispatch.WithCallTimeout(c.ToolTimeout),
		dispatch.WithMaxParallel(c.MaxParallelTools),
		dispatch.WithOutputLimit(c.ToolOutputLimit),
	}
}

// TransportOptions converts the provider settings to transport options.
// Decode failures are counted on metrics.
func (c *Config) TransportOptions(logger telemetry.Logger, metrics telemetry.Metrics) []transport.Option {
	decoder := append(c.DecoderOptions(), wire.WithMetrics(metrics))
	opts := []transport.Option{
		transport.WithModel(c.Model),
		transport.WithLogger(logger),
		transport.WithDecoderOptions(decoder...),
	}
	if c.BaseURL != "" {
		opts = append(opts, transport.WithBaseURL(c.BaseURL))
	}
	if key := c.APIKey(); key != "" {
		opts = append(opts, transport.WithAPIKey(key))
	}
	if c.MaxTokens > 0 {
		opts = append(opts, transport.WithMaxTokens(c.MaxTokens))
	}
	if c.ConnectRetries > 0 {
		policy := unifiedllm.DefaultRetryPolicy()
		policy.MaxRetries = c.ConnectRetries
		opts = append(opts, transport.WithConnectRetry(policy))
	}
	return opts
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns the XDG global config path.
// Returns ~/.config/streamloop/streamloop.yml or $XDG_CONFIG_HOME/streamloop/streamloop.yml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "streamloop", "streamloop.yml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "streamloop", "streamloop.yml")
}

// ProjectPath returns the project-local config path.
func ProjectPath() string {
	return "streamloop.yml"
}

// Write writes cfg as YAML to path, creating parent directories.
func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
