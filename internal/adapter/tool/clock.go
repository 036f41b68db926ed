package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/domain"
	"agentgate/internal/infra/tracer"
)

const currentTimeName = "current_time"

var currentTimeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "timezone": {"type": "string", "description": "IANA time zone name, e.g. Europe/Paris"}
  },
  "additionalProperties": false
}`)

// CurrentTime reports the current time in an IANA time zone.
type CurrentTime struct {
	defaultZone string
	now         func() time.Time
	logger      *slog.Logger
}

// NewCurrentTime creates the current_time tool. An empty defaultZone means UTC.
func NewCurrentTime(defaultZone string, logger *slog.Logger) *CurrentTime {
	if defaultZone == "" {
		defaultZone = "UTC"
	}
	return &CurrentTime{defaultZone: defaultZone, now: time.Now, logger: logger}
}

type clockParams struct {
	Timezone string `json:"timezone"`
}

type clockResult struct {
	Timezone string `json:"timezone"`
	Time     string `json:"time"`
	Weekday  string `json:"weekday"`
}

func (t *CurrentTime) Name() string        { return currentTimeName }
func (t *CurrentTime) Description() string { return "Get the current date and time in a time zone." }

func (t *CurrentTime) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: currentTimeSchema}
}

func (t *CurrentTime) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return run(ctx, currentTimeName, t.logger, params,
		func(_ context.Context, span trace.Span, p clockParams) (any, error) {
			zone := p.Timezone
			if zone == "" {
				zone = t.defaultZone
			}
			span.SetAttributes(tracer.StringAttr("tool.timezone", zone))

			loc, err := time.LoadLocation(zone)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", zone)
			}
			now := t.now().In(loc)
			return clockResult{
				Timezone: loc.String(),
				Time:     now.Format(time.RFC3339),
				Weekday:  now.Weekday().String(),
			}, nil
		},
	)
}
