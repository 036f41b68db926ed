package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChatInput is a client chat request: a message plus prior history.
type ChatInput struct {
	Message string  `json:"message"`
	History History `json:"history"`
	Stream  bool    `json:"stream,omitempty"`
}

// Validate checks the request shape, reporting problems per field.
func (in ChatInput) Validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(in.Message) == "" {
		fields["message"] = "must not be empty"
	}
	for i, t := range in.History {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			fields[fmt.Sprintf("history[%d].role", i)] = "must be user or assistant"
		}
		if !json.Valid(t.Content) || !(t.IsStructured() || isJSONString(t.Content)) {
			fields[fmt.Sprintf("history[%d].content", i)] = "must be a string or object"
		}
	}
	if len(fields) > 0 {
		return NewFieldError("request", "ChatInput.Validate", ErrInvalidInput, "invalid chat request", fields)
	}
	return nil
}

// ChatResult is the answer to a single-agent or quick chat.
type ChatResult struct {
	Response  json.RawMessage `json:"response"`
	History   History         `json:"history"`
	AgentUsed string          `json:"agent_used"`
	LastAgent string          `json:"last_agent,omitempty"`
	ToolsUsed []string        `json:"tools_used,omitempty"`
}

// GenerationFailure is the typed error returned by the generation client.
type GenerationFailure struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Err       error
}

func (f *GenerationFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("generation %s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("generation %s: %s", f.Code, f.Message)
}

func (f *GenerationFailure) Unwrap() error { return f.Err }

// isJSONString reports whether raw is a JSON string literal. A literal null
// decodes without error and leaves the pointer nil, so it is rejected.
func isJSONString(raw json.RawMessage) bool {
	var s *string
	return json.Unmarshal(raw, &s) == nil && s != nil
}
