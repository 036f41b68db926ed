package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// AgentDescriptor is the immutable configuration that drives a generation
// invocation: who the agent is, what it is told, and what it may call.
type AgentDescriptor struct {
	ID           string          `json:"id"                      yaml:"id"`
	Name         string          `json:"name"                    yaml:"name"`
	Description  string          `json:"description,omitempty"   yaml:"description,omitempty"`
	Instructions string          `json:"instructions"            yaml:"instructions"`
	Model        string          `json:"model"                   yaml:"model"`
	Tools        []string        `json:"tools"                   yaml:"tools,omitempty"`
	Handoffs     []string        `json:"handoffs,omitempty"      yaml:"handoffs,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty" yaml:"-"`
	BuiltIn      bool            `json:"built_in"                yaml:"-"`
	CreatedAt    time.Time       `json:"created_at"              yaml:"-"`
}

// Validate reports the first structural problem with the descriptor.
// Field-level detail is attached so the gateway can surface it.
func (d AgentDescriptor) Validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(d.ID) == "" {
		fields["id"] = "must not be empty"
	}
	if strings.TrimSpace(d.Name) == "" {
		fields["name"] = "must not be empty"
	}
	if strings.TrimSpace(d.Instructions) == "" {
		fields["instructions"] = "must not be empty"
	}
	if len(d.OutputSchema) > 0 && !json.Valid(d.OutputSchema) {
		fields["output_schema"] = "must be valid JSON"
	}
	for i, t := range d.Tools {
		if strings.TrimSpace(t) == "" {
			fields[fmt.Sprintf("tools[%d]", i)] = "must not be empty"
		}
	}
	if slices.Contains(d.Handoffs, d.ID) {
		fields["handoffs"] = "must not include the agent itself"
	}
	if len(fields) > 0 {
		return NewFieldError("agent", "AgentDescriptor.Validate", ErrInvalidInput, "invalid agent descriptor", fields)
	}
	return nil
}

// HasSchema reports whether the agent expects structured output.
func (d AgentDescriptor) HasSchema() bool {
	return len(d.OutputSchema) > 0 && string(d.OutputSchema) != "null"
}

// Clone returns a deep copy so callers never share slices with the registry.
func (d AgentDescriptor) Clone() AgentDescriptor {
	c := d
	c.Tools = slices.Clone(d.Tools)
	c.Handoffs = slices.Clone(d.Handoffs)
	if d.OutputSchema != nil {
		c.OutputSchema = slices.Clone(d.OutputSchema)
	}
	return c
}

// AgentLookup resolves descriptors by ID. Implemented by the agent registry.
type AgentLookup interface {
	Get(id string) (AgentDescriptor, error)
}

// AgentStore persists custom descriptors across restarts.
type AgentStore interface {
	Save(ctx context.Context, d AgentDescriptor) error
	List(ctx context.Context) ([]AgentDescriptor, error)
	Close() error
}
