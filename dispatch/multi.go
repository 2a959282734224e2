package dispatch

import (
	"context"
	"encoding/json"

	"github.com/martinemde/streamloop/unifiedllm"
)

// Multi routes each call to the first executor that resolves its name.
// Executors that do not implement Resolver are tried last, in order, and
// the first of them receives any unresolved name.
type Multi []ToolExecutor

// Has reports whether any executor resolves name, or whether some executor
// cannot say.
func (m Multi) Has(name string) bool {
	return m.route(name) != nil
}

// Execute runs name on the executor that owns it.
func (m Multi) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	e := m.route(name)
	if e == nil {
		return "", &unifiedllm.ToolNotFoundError{SDKError: unifiedllm.SDKError{Message: "unknown tool: " + name}, Name: name}
	}
	return e.Execute(ctx, name, args)
}

func (m Multi) route(name string) ToolExecutor {
	var fallback ToolExecutor
	for _, e := range m {
		r, ok := e.(Resolver)
		if !ok {
			if fallback == nil {
				fallback = e
			}
			continue
		}
		if r.Has(name) {
			return e
		}
	}
	return fallback
}
