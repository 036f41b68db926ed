package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentgate/internal/domain"
)

// validated rejects arguments that break the tool's parameter schema.
// Violations are error results, not Go errors, so the model sees them and
// can retry with corrected arguments.
type validated struct {
	domain.Tool
	params *jsonschema.Schema
}

// WithSchemaValidation wraps t. Tools without a parameter schema are
// returned unchanged.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}
	compiled, err := jsonschema.CompileString(t.Name()+".params.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("tool %q: parameter schema: %w", t.Name(), err)
	}
	return &validated{Tool: t, params: compiled}, nil
}

func (v *validated) Execute(ctx context.Context, args json.RawMessage) (*domain.ToolResult, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return errorResult(fmt.Errorf("arguments are not JSON: %w", err)), nil
	}
	if err := v.params.Validate(doc); err != nil {
		return errorResult(fmt.Errorf("arguments rejected: %w", err)), nil
	}
	return v.Tool.Execute(ctx, args)
}
