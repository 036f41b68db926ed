package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/domain"
	"agentgate/internal/infra/tracer"
)

const (
	maxResponseBody = 10 << 20 // cap on any provider response we buffer
	maxErrorBody    = 4 << 10
	maxErrorDetail  = 512
)

// post sends a JSON body and returns the response once a 200 arrives. Any
// other status is drained into a classified error.
func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, mapHTTPError(resp.StatusCode, detail)
	}
	return resp, nil
}

func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	resp, err := post(ctx, client, url, body, headers, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return out, nil
}

// doStreamRequest returns the open SSE response; the caller closes Body.
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	return post(ctx, client, url, body, headers, true)
}

// recordUsage annotates span with token counts and logs the completion.
func recordUsage(span trace.Span, logger *slog.Logger, provider string, resp *domain.ChatResponse) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", resp.Usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	logger.Debug("llm chat completed", "provider", provider, "model", resp.Model, "tokens", resp.Usage.TotalTokens)
}

// mapHTTPError classifies a non-200 provider status so retry policy and
// the circuit breaker can tell transient failures from permanent ones.
func mapHTTPError(status int, body []byte) error {
	if len(body) > maxErrorDetail {
		body = body[:maxErrorDetail]
	}
	kind := domain.ErrProviderError
	switch {
	case status == http.StatusTooManyRequests:
		kind = domain.ErrRateLimit
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = domain.ErrAuthInvalid
	case status == http.StatusRequestEntityTooLarge:
		kind = domain.ErrContextOverflow
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		kind = domain.ErrTimeout
	case status >= http.StatusInternalServerError:
		kind = domain.ErrProviderServer
	}
	return fmt.Errorf("%w: API error %d: %s", kind, status, body)
}

// mapTransportError marks network-level failures as retryable server errors,
// leaving context cancellation untouched.
func mapTransportError(err error) error {
	if isContextErr(err) {
		return fmt.Errorf("http request: %w", err)
	}
	return fmt.Errorf("http request: %w: %w", domain.ErrProviderServer, err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
