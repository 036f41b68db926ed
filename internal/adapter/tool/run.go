package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/domain"
	"agentgate/internal/infra/tracer"
)

// handlerFunc is a tool body working on decoded arguments. A returned error
// becomes an error result the model can read; it never fails the turn.
type handlerFunc[A any] func(ctx context.Context, span trace.Span, args A) (any, error)

// run decodes args into A inside a span named after the tool, calls fn and
// renders its value as the tool result: strings verbatim, anything else as
// JSON.
func run[A any](ctx context.Context, name string, logger *slog.Logger, raw json.RawMessage, fn handlerFunc[A]) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "tool."+name,
		trace.WithAttributes(tracer.StringAttr("tool.name", name)),
	)
	defer span.End()

	var args A
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			err = fmt.Errorf("invalid arguments: %w", err)
			tracer.RecordError(span, err)
			return errorResult(err), nil
		}
	}

	value, err := fn(ctx, span, args)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Debug("tool call failed", "tool", name, "error", err)
		return errorResult(err), nil
	}

	if s, ok := value.(string); ok {
		tracer.SetOK(span)
		return &domain.ToolResult{Content: s}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		tracer.RecordError(span, err)
		return errorResult(errors.New("result could not be encoded")), nil
	}
	tracer.SetOK(span)
	return &domain.ToolResult{Content: string(data)}, nil
}

func errorResult(err error) *domain.ToolResult {
	return &domain.ToolResult{IsError: true, Content: err.Error()}
}
