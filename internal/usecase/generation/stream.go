package generation

import (
	"strings"
	"time"

	"agentgate/internal/domain"
)

// maxStreamToolCalls bounds the calls one streamed message may carry.
const maxStreamToolCalls = 50

// streamAccumulator collects incremental deltas into a complete message.
// A tool-call fragment carrying an ID opens a new call; fragments without
// one extend the arguments of the most recent call.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for _, tc := range delta.ToolCalls {
		if tc.ID != "" {
			if len(acc.toolCalls) >= maxStreamToolCalls {
				continue
			}
			acc.toolCalls = append(acc.toolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: append([]byte(nil), tc.Arguments...),
			})
			continue
		}
		if len(acc.toolCalls) == 0 {
			continue
		}
		last := &acc.toolCalls[len(acc.toolCalls)-1]
		if tc.Name != "" {
			last.Name = tc.Name
		}
		last.Arguments = append(last.Arguments, tc.Arguments...)
	}

	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

func (acc *streamAccumulator) build() (domain.Message, domain.Usage) {
	return domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		ToolCalls: acc.toolCalls,
		Timestamp: time.Now(),
	}, acc.usage
}
