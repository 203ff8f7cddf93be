package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileParameters compiles a definition's parameter object into a
// reusable validator. The registry core never calls this itself — schema
// correctness is the tool author's responsibility, and validation is
// opt-in per handler.
func CompileParameters(def ToolDefinition) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameter schema: %w", err)
	}

	var schemaObj any
	if err := json.Unmarshal(raw, &schemaObj); err != nil {
		return nil, fmt.Errorf("unmarshal parameter schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("params.json", schemaObj); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("params.json")
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return sch, nil
}

// ValidatedHandler wraps a handler so params are checked against the
// definition's compiled schema before the handler body runs. Violations
// surface as a structured INVALID_PARAMS ToolError. Panics if the schema
// itself does not compile — a registration-time programming error.
func ValidatedHandler(def ToolDefinition, h Handler) Handler {
	sch, err := CompileParameters(def)
	if err != nil {
		panic(fmt.Sprintf("tool %q: %v", def.Name, err))
	}

	return func(ctx context.Context, params json.RawMessage, ec ExecutionContext) (any, error) {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return nil, &ToolError{
				Code:    CodeInvalidParams,
				Message: "params are not valid JSON",
				Details: map[string]any{"parse_error": err.Error()},
			}
		}
		if err := sch.Validate(decoded); err != nil {
			return nil, &ToolError{
				Code:    CodeInvalidParams,
				Message: "params do not match the tool's parameter schema",
				Details: map[string]any{"validation_error": err.Error()},
			}
		}
		return h(ctx, params, ec)
	}
}
