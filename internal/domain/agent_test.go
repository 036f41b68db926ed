package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDescriptor() AgentDescriptor {
	return AgentDescriptor{
		ID:           "support",
		Name:         "Support Agent",
		Instructions: "You are a support agent.",
		Model:        "gpt-4o-mini",
		Tools:        []string{"calculator"},
		Handoffs:     []string{"billing"},
		OutputSchema: json.RawMessage(`{"type":"object"}`),
	}
}

func TestAgentDescriptorValidate(t *testing.T) {
	require.NoError(t, validDescriptor().Validate())

	tests := []struct {
		name  string
		mut   func(*AgentDescriptor)
		field string
	}{
		{"blank name", func(d *AgentDescriptor) { d.Name = "   " }, "name"},
		{"blank instructions", func(d *AgentDescriptor) { d.Instructions = "" }, "instructions"},
		{"malformed schema", func(d *AgentDescriptor) { d.OutputSchema = json.RawMessage(`{"type":`) }, "output_schema"},
		{"self handoff", func(d *AgentDescriptor) { d.Handoffs = []string{"support"} }, "handoffs"},
		{"blank tool", func(d *AgentDescriptor) { d.Tools = []string{""} }, "tools[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mut(&d)
			err := d.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
			assert.Equal(t, CodeInvalidDescriptor, ErrorCodeOf(err))
			assert.Contains(t, FieldsOf(err), tt.field)
		})
	}
}

func TestAgentDescriptorClone(t *testing.T) {
	orig := validDescriptor()
	c := orig.Clone()
	c.Tools[0] = "changed"
	c.Handoffs[0] = "changed"
	c.OutputSchema[0] = '['

	assert.Equal(t, "calculator", orig.Tools[0])
	assert.Equal(t, "billing", orig.Handoffs[0])
	assert.Equal(t, `{"type":"object"}`, string(orig.OutputSchema))
}

func TestAgentDescriptorHasSchema(t *testing.T) {
	d := validDescriptor()
	assert.True(t, d.HasSchema())
	d.OutputSchema = nil
	assert.False(t, d.HasSchema())
	d.OutputSchema = json.RawMessage("null")
	assert.False(t, d.HasSchema())
}
