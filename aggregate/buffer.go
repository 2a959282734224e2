package aggregate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/streamloop/unifiedllm"
)

// buffer is an append-only string builder with a size guard. Once the guard
// trips, further appends are dropped.
type buffer struct {
	b        strings.Builder
	limit    int
	overflow bool
}

func (b *buffer) append(index int, s string) *unifiedllm.BufferLimitError {
	if s == "" || b.overflow {
		return nil
	}
	if b.b.Len()+len(s) > b.limit {
		b.overflow = true
		return &unifiedllm.BufferLimitError{
			SDKError: unifiedllm.SDKError{Message: fmt.Sprintf("buffer for block %d exceeds %d bytes", index, b.limit)},
			Index:    index,
			Limit:    b.limit,
		}
	}
	b.b.WriteString(s)
	return nil
}

func (b *buffer) String() string {
	return b.b.String()
}

func (b *buffer) Len() int {
	return b.b.Len()
}

func limitError(index int, callID string, err *unifiedllm.BufferLimitError) *unifiedllm.AggregationError {
	if err == nil {
		return nil
	}
	return unifiedllm.NewAggregationError(index, callID, "buffer limit reached", err)
}

// finalizeArguments validates a finalized argument buffer. An empty buffer is
// an empty object.
func finalizeArguments(index int, call *unifiedllm.ToolCall, overflow bool) *unifiedllm.AggregationError {
	if strings.TrimSpace(call.Arguments) == "" {
		call.Arguments = "{}"
	}
	var err *unifiedllm.AggregationError
	switch {
	case overflow:
		err = unifiedllm.NewAggregationError(index, call.ID, "arguments truncated at buffer limit", nil)
	case call.Name == "":
		err = unifiedllm.NewAggregationError(index, call.ID, "tool call has no name", nil)
	case !validJSONObject(call.Arguments):
		err = unifiedllm.NewAggregationError(index, call.ID, fmt.Sprintf("arguments for %s are not a valid JSON object", call.Name), nil)
	}
	if err != nil {
		call.Err = err
	}
	return err
}

func validJSONObject(s string) bool {
	b := bytes.TrimSpace([]byte(s))
	if len(b) == 0 || b[0] != '{' {
		return false
	}
	return json.Valid(b)
}
