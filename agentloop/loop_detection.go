package agentloop

import (
	"crypto/sha256"
	"fmt"

	"github.com/martinemde/streamloop/unifiedllm"
)

// DefaultLoopWindow is the number of recent tool calls inspected by
// DetectLoop when loop detection is enabled without an explicit window.
const DefaultLoopWindow = 10

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(call unifiedllm.ToolCall) string {
	h := sha256.Sum256(call.RawArguments())
	return fmt.Sprintf("%s:%x", call.Name, h[:8])
}

// recentSignatures returns the signatures of the last count tool calls made
// by the assistant, oldest first.
func recentSignatures(messages []unifiedllm.Message, count int) []string {
	var sigs []string
	for i := len(messages) - 1; i >= 0 && len(sigs) < count; i-- {
		if messages[i].Role != unifiedllm.RoleAssistant {
			continue
		}
		calls := messages[i].ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j]))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last window tool calls in messages follow a
// repeating pattern of length 1, 2, or 3.
func DetectLoop(messages []unifiedllm.Message, window int) bool {
	if window <= 0 {
		return false
	}
	sigs := recentSignatures(messages, window)
	if len(sigs) < window {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if window%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < window && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
