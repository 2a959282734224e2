package dispatch

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how tool output is shortened.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultOutputLimit is the character limit applied to tools without an
// explicit limit.
const DefaultOutputLimit = 30000

// Truncator bounds the size of tool output before it is fed back to the
// model. Limits are per tool name; a zero limit disables that step.
type Truncator struct {
	CharLimit  int
	LineLimit  int
	Mode       TruncationMode
	CharLimits map[string]int
	LineLimits map[string]int
	Modes      map[string]TruncationMode
}

// NewTruncator returns a Truncator applying charLimit to every tool.
func NewTruncator(charLimit int) *Truncator {
	return &Truncator{CharLimit: charLimit, Mode: TruncateHeadTail}
}

// Apply runs character truncation, then line truncation, for the named
// tool.
func (t *Truncator) Apply(name, output string) string {
	if t == nil {
		return output
	}
	maxChars := t.CharLimit
	if n, ok := t.CharLimits[name]; ok {
		maxChars = n
	}
	mode := t.Mode
	if m, ok := t.Modes[name]; ok {
		mode = m
	}
	result := output
	if maxChars > 0 {
		result = TruncateOutput(result, maxChars, mode)
	}

	maxLines := t.LineLimit
	if n, ok := t.LineLimits[name]; ok {
		maxLines = n
	}
	if maxLines > 0 {
		result = TruncateLines(result, maxLines)
	}
	return result
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", removed) +
			output[len(output)-maxChars:]
	default:
		half := maxChars / 2
		return output[:half] +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
				"If you need to see specific parts, call the tool again with more targeted parameters.]\n\n", removed) +
			output[len(output)-half:]
	}
}

// TruncateLines applies line-based truncation using a head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}
