package generation

import (
	"strings"
	"time"

	"agentgate/internal/domain"
)

const handoffPrefix = "transfer_to_"

var handoffParams = []byte(`{"type":"object","properties":{},"additionalProperties":false}`)

// systemMessage renders the agent's instructions, appending the output
// contract when the agent has a schema.
func systemMessage(d domain.AgentDescriptor) domain.Message {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(d.Instructions))
	if d.HasSchema() {
		b.WriteString("\n\nRespond with a single JSON document that conforms to the JSON Schema below. ")
		b.WriteString("Do not wrap it in code fences and do not add commentary.\n\n")
		b.Write(d.OutputSchema)
	}
	return domain.Message{Role: domain.RoleSystem, Content: b.String(), Timestamp: time.Now()}
}

// buildMessages converts the client history into provider messages. The
// system message is always first; the new user message is always last.
func buildMessages(d domain.AgentDescriptor, history domain.History, message string) []domain.Message {
	msgs := make([]domain.Message, 0, len(history)+2)
	msgs = append(msgs, systemMessage(d))
	for _, t := range history {
		msgs = append(msgs, domain.Message{Role: t.Role, Content: t.Text()})
	}
	return append(msgs, domain.Message{Role: domain.RoleUser, Content: message, Timestamp: time.Now()})
}

// toolSchemas lists the declared tools the catalog knows plus one synthetic
// transfer tool per handoff target.
func (c *Client) toolSchemas(d domain.AgentDescriptor) []domain.ToolSchema {
	var out []domain.ToolSchema
	for _, name := range d.Tools {
		if c.tools == nil {
			break
		}
		t, err := c.tools.Get(name)
		if err != nil {
			c.logger.Warn("agent tool unavailable", "agent_id", d.ID, "tool", name)
			continue
		}
		out = append(out, t.Schema())
	}
	for _, id := range d.Handoffs {
		desc := "Transfer the conversation to agent " + id + "."
		if target, err := c.lookup(id); err == nil && target.Description != "" {
			desc = "Transfer the conversation to " + target.Name + ": " + target.Description
		}
		out = append(out, domain.ToolSchema{
			Name:        handoffPrefix + id,
			Description: desc,
			Parameters:  handoffParams,
		})
	}
	return out
}

// handoffTarget reports the agent a transfer tool name points at, if it is
// one of d's declared handoffs.
func handoffTarget(d domain.AgentDescriptor, toolName string) (string, bool) {
	id, ok := strings.CutPrefix(toolName, handoffPrefix)
	if !ok {
		return "", false
	}
	for _, h := range d.Handoffs {
		if h == id {
			return id, true
		}
	}
	return "", false
}
