package unifiedllm

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockKind is the discriminator tag for ContentBlock.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockThinking   BlockKind = "thinking"
	BlockImage      BlockKind = "image"
	BlockToolResult BlockKind = "tool_result"
)

// StopReason is the terminal classification of why generation ended for a turn.
type StopReason string

const (
	StopNone      StopReason = ""
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopToolUse   StopReason = "tool_use"
	StopSequence  StopReason = "stop_sequence"
	StopPauseTurn StopReason = "pause_turn"
	StopRefusal   StopReason = "refusal"
)

// Terminal reports whether the stop reason ends the loop regardless of any
// tool calls left in the message.
func (r StopReason) Terminal() bool {
	switch r {
	case StopEndTurn, StopMaxTokens, StopSequence, StopRefusal:
		return true
	default:
		return false
	}
}

// NormalizeStopReason maps provider finish reasons onto StopReason. Anthropic
// values pass through; OpenAI finish reasons are translated.
func NormalizeStopReason(raw string) StopReason {
	switch raw {
	case "":
		return StopNone
	case "end_turn", "stop":
		return StopEndTurn
	case "max_tokens", "length":
		return StopMaxTokens
	case "tool_use", "tool_calls", "function_call":
		return StopToolUse
	case "stop_sequence":
		return StopSequence
	case "pause_turn":
		return StopPauseTurn
	case "refusal", "content_filter":
		return StopRefusal
	default:
		return StopReason(raw)
	}
}

// ImageRef points at image content by URL or inline data.
type ImageRef struct {
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ThinkingData holds model reasoning. Redacted blocks keep the opaque payload
// in Signature.
type ThinkingData struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
	Redacted  bool   `json:"redacted,omitempty"`
}

// ToolCall is a model-requested tool invocation reconstructed from deltas.
// Arguments is the concatenated JSON text. Err is set when the call could not
// be finalized cleanly; such a call must not be dispatched.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Err       error  `json:"-"`
}

// Valid reports whether the call can be handed to a tool executor.
func (c ToolCall) Valid() bool {
	return c.Err == nil && c.Name != "" && json.Valid([]byte(c.Arguments))
}

// RawArguments returns the arguments as raw JSON, substituting an empty object
// for an empty buffer.
func (c ToolCall) RawArguments() json.RawMessage {
	if strings.TrimSpace(c.Arguments) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(c.Arguments)
}

// ToolResult is the outcome of one dispatched tool call.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ContentBlock is a tagged union representing one addressable unit of a
// message. Index is stable for the lifetime of the turn that produced it.
type ContentBlock struct {
	Kind       BlockKind     `json:"kind"`
	Index      int           `json:"index"`
	Text       string        `json:"text,omitempty"`
	ToolUse    *ToolCall     `json:"tool_use,omitempty"`
	Thinking   *ThinkingData `json:"thinking,omitempty"`
	Image      *ImageRef     `json:"image,omitempty"`
	ToolResult *ToolResult   `json:"tool_result,omitempty"`
}

// TextBlock creates a text ContentBlock.
func TextBlock(index int, text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Index: index, Text: text}
}

// ToolUseBlock creates a tool-use ContentBlock.
func ToolUseBlock(index int, call ToolCall) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, Index: index, ToolUse: &call}
}

// ThinkingBlock creates a thinking ContentBlock.
func ThinkingBlock(index int, text, signature string) ContentBlock {
	return ContentBlock{Kind: BlockThinking, Index: index, Thinking: &ThinkingData{Text: text, Signature: signature}}
}

// Message is the fundamental unit of conversation.
type Message struct {
	ID         string         `json:"id,omitempty"`
	Role       Role           `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason,omitempty"`
	Model      string         `json:"model,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// TextContent returns the concatenation of all text blocks.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Reasoning returns the concatenated text of non-redacted thinking blocks.
func (m Message) Reasoning() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Kind == BlockThinking && b.Thinking != nil && !b.Thinking.Redacted {
			sb.WriteString(b.Thinking.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool calls carried by the message in block order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Content {
		if b.Kind == BlockToolUse && b.ToolUse != nil {
			calls = append(calls, *b.ToolUse)
		}
	}
	return calls
}

// ToolResults returns the tool results carried by a tool message.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, b := range m.Content {
		if b.Kind == BlockToolResult && b.ToolResult != nil {
			results = append(results, *b.ToolResult)
		}
	}
	return results
}

// Clone returns a deep copy so that the receiver can be handed off by value
// without sharing pointers into its blocks.
func (m Message) Clone() Message {
	out := m
	out.Content = make([]ContentBlock, len(m.Content))
	for i, b := range m.Content {
		if b.ToolUse != nil {
			tc := *b.ToolUse
			b.ToolUse = &tc
		}
		if b.Thinking != nil {
			th := *b.Thinking
			b.Thinking = &th
		}
		if b.Image != nil {
			img := *b.Image
			img.Data = append([]byte(nil), b.Image.Data...)
			b.Image = &img
		}
		if b.ToolResult != nil {
			tr := *b.ToolResult
			b.ToolResult = &tr
		}
		out.Content[i] = b
	}
	if m.Usage != nil {
		u := *m.Usage
		out.Usage = &u
	}
	return out
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentBlock{TextBlock(0, text)}}
}

// UserMessage creates a user Message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(0, text)}}
}

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(0, text)}}
}

// ToolResultMessage creates the tool message that answers one tool call.
func ToolResultMessage(result ToolResult) Message {
	return Message{
		Role:    RoleTool,
		Content: []ContentBlock{{Kind: BlockToolResult, ToolResult: &result}},
	}
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
	}
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Request is what a request builder turns into a provider payload.
type Request struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}
