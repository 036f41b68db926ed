package domain

import "errors"

// StreamEventType names one event in a chat stream.
type StreamEventType string

// A stream is start, content*, result, end; or it stops at a single error.
const (
	StreamEventStart   StreamEventType = "start"
	StreamEventContent StreamEventType = "content"
	StreamEventResult  StreamEventType = "result"
	StreamEventEnd     StreamEventType = "end"
	StreamEventError   StreamEventType = "error"
)

// StreamEvent is a transport-independent chat stream event.
type StreamEvent struct {
	Type   StreamEventType `json:"type"`
	Agent  string          `json:"agent,omitempty"`
	Delta  string          `json:"delta,omitempty"`
	Result *ChatResult     `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// Terminal reports whether no further events may follow this one.
func (e StreamEvent) Terminal() bool {
	return e.Type == StreamEventEnd || e.Type == StreamEventError
}

// ErrorPayload is the wire shape for a failure.
type ErrorPayload struct {
	Code    ErrorCode         `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ErrorPayloadOf converts any error into its wire shape. Generation
// failures report their own message; the wrapped provider error stays in
// the logs.
func ErrorPayloadOf(err error) *ErrorPayload {
	p := &ErrorPayload{Code: ErrorCodeOf(err), Message: err.Error()}
	var gf *GenerationFailure
	if errors.As(err, &gf) {
		p.Message = gf.Message
	}
	if fields := FieldsOf(err); len(fields) > 0 {
		p.Details = fields
	}
	if p.Code == CodeInternal {
		p.Message = "internal error"
	}
	return p
}
