// Package dispatch runs a turn's tool calls against a ToolExecutor and
// returns exactly one result per call.
package dispatch

import (
	"context"
	"encoding/json"
)

// ToolExecutor runs one named tool. Implementations must honor ctx
// cancellation where they can; the dispatcher stops waiting either way.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Resolver is implemented by executors that can tell ahead of time whether a
// name resolves. Calls to unresolved names are answered without invoking the
// executor.
type Resolver interface {
	Has(name string) bool
}

// ExecutorFunc adapts a function to ToolExecutor.
type ExecutorFunc func(ctx context.Context, name string, args json.RawMessage) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	return f(ctx, name, args)
}
