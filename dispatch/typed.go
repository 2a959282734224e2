package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects T into a JSON Schema object suitable for
// ToolDefinition.Parameters. Fields without omitempty are required.
func SchemaFor[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	data, err := json.Marshal(reflector.Reflect(zero))
	if err != nil {
		panic(fmt.Sprintf("dispatch: schema for %T: %v", zero, err))
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		panic(fmt.Sprintf("dispatch: schema for %T: %v", zero, err))
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}

// RegisterTyped registers fn under name with parameters reflected from T.
// Arguments are decoded into T before fn runs; a decode failure is returned
// as the tool's error.
func RegisterTyped[T any](r *Registry, name, description string, fn func(ctx context.Context, args T) (string, error)) {
	r.RegisterFunc(name, description, SchemaFor[T](), func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
			}
		}
		return fn(ctx, args)
	})
}
