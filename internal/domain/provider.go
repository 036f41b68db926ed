package domain

import "context"

// LLMProvider is a model backend the generation client talks to.
type LLMProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name is the provider's configured name, used for routing and logs.
	Name() string
}

// StreamDelta is one chunk of a streamed response. Tool-call fragments
// carrying an ID start a new call; fragments without one extend the last.
// Err is set on the final delta when the stream broke before completing.
type StreamDelta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Err       error      `json:"-"`
}

// StreamingLLMProvider is implemented by providers that can stream. The
// channel is closed when the response ends.
type StreamingLLMProvider interface {
	LLMProvider
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// ModelRouter resolves a descriptor's model identifier to a provider and
// the model name to request from it. An empty model name means the
// provider's configured default.
type ModelRouter interface {
	Route(model string) (LLMProvider, string, error)
}
