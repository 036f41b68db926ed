package generation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"agentgate/internal/domain"
)

var codeFenceRe = regexp.MustCompile("(?si)^```(?:json)?\\s*(.*?)\\s*```$")

// stripCodeFences removes a surrounding markdown code fence, if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) == 2 {
		return m[1]
	}
	return s
}

// schemaCache holds compiled output schemas keyed by their source text.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{entries: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) get(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.entries[key]; ok {
		return s, nil
	}
	s, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return nil, err
	}
	c.entries[key] = s
	return s, nil
}

// finalOutput turns the model's last message into the result payload.
// Agents without a schema answer with text; the rest must produce a JSON
// document that validates.
func (c *Client) finalOutput(d domain.AgentDescriptor, content string) (json.RawMessage, error) {
	if !d.HasSchema() {
		return json.Marshal(content)
	}

	schema, err := c.schemas.get(d.OutputSchema)
	if err != nil {
		return nil, schemaMismatch(d.ID, fmt.Errorf("compile output schema: %w", err))
	}

	text := stripCodeFences(content)
	var data any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, schemaMismatch(d.ID, fmt.Errorf("output is not JSON: %w", err))
	}

	if result := schema.Validate(data); !result.IsValid() {
		return nil, schemaMismatch(d.ID, fmt.Errorf("%s", result.Error()))
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(text)); err != nil {
		return nil, schemaMismatch(d.ID, err)
	}
	return buf.Bytes(), nil
}

// schemaMismatch is retryable: a fresh generation may conform.
func schemaMismatch(agentID string, err error) *domain.GenerationFailure {
	return &domain.GenerationFailure{
		Code:      domain.CodeSchemaMismatch,
		Message:   fmt.Sprintf("agent %s returned output that does not match its schema", agentID),
		Retryable: true,
		Err:       fmt.Errorf("%w: %w", domain.ErrSchemaMismatch, err),
	}
}
