package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/domain"
	"agentgate/internal/infra/tracer"
)

const calculatorName = "calculator"

var calculatorSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "operation": {"type": "string", "enum": ["add", "subtract", "multiply", "divide", "power"]},
    "a": {"type": "number"},
    "b": {"type": "number"}
  },
  "required": ["operation", "a", "b"],
  "additionalProperties": false
}`)

// Calculator performs binary arithmetic on two numbers.
type Calculator struct {
	logger *slog.Logger
}

// NewCalculator creates the calculator tool.
func NewCalculator(logger *slog.Logger) *Calculator {
	return &Calculator{logger: logger}
}

type calcParams struct {
	Operation string  `json:"operation"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
}

type calcResult struct {
	Operation string  `json:"operation"`
	Result    float64 `json:"result"`
}

func (t *Calculator) Name() string { return calculatorName }
func (t *Calculator) Description() string {
	return "Apply an arithmetic operation (add, subtract, multiply, divide, power) to two numbers a and b."
}

func (t *Calculator) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: calculatorSchema}
}

// operations maps each operation name to its arithmetic.
var operations = map[string]func(a, b float64) (float64, error){
	"add":      func(a, b float64) (float64, error) { return a + b, nil },
	"subtract": func(a, b float64) (float64, error) { return a - b, nil },
	"multiply": func(a, b float64) (float64, error) { return a * b, nil },
	"divide": func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, errors.New("division by zero")
		}
		return a / b, nil
	},
	"power": func(a, b float64) (float64, error) { return math.Pow(a, b), nil },
}

func (t *Calculator) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return run(ctx, calculatorName, t.logger, params, func(_ context.Context, span trace.Span, p calcParams) (any, error) {
		span.SetAttributes(tracer.StringAttr("tool.operation", p.Operation))
		op, ok := operations[p.Operation]
		if !ok {
			return nil, fmt.Errorf("unknown operation %q", p.Operation)
		}
		v, err := op(p.A, p.B)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("result is not a finite number")
		}
		return calcResult{Operation: p.Operation, Result: v}, nil
	})
}
