package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"agentgate/internal/domain"
)

// maxSSELine bounds a single SSE line. Tool-call argument chunks can be large.
const maxSSELine = 1024 * 1024

// parseSSEStream reads SSE "data:" lines from body and converts each payload
// into a StreamDelta using the provider-specific parseLine function.
// The channel always ends with a Done delta unless ctx is cancelled; a broken
// stream sets Err on that final delta.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Bytes()
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				// Blank separators, comments and "event:" lines carry nothing we need.
				continue
			}
			data = bytes.TrimSpace(data)

			if bytes.Equal(data, []byte("[DONE]")) {
				send(domain.StreamDelta{Done: true})
				return
			}

			delta, err := parseLine(data)
			if err != nil || delta == nil {
				continue
			}
			if !send(*delta) || delta.Done {
				return
			}
		}

		final := domain.StreamDelta{Done: true}
		switch err := scanner.Err(); {
		case ctx.Err() != nil:
			return
		case err != nil:
			final.Err = fmt.Errorf("%w: stream read: %w", domain.ErrProviderServer, err)
		}
		send(final)
	}()
	return ch
}
