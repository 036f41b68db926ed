package llm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*CircuitBreakerProvider)(nil)
	_ domain.StreamingLLMProvider = (*CircuitBreakerProvider)(nil)
)

// CircuitBreakerProvider fails fast once a provider keeps failing. Failover
// wraps the breakers and moves on to the next provider.
type CircuitBreakerProvider struct {
	inner   domain.LLMProvider
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewCircuitBreakerProvider wraps inner. Zero settings take the defaults:
// 5 consecutive failures trip the breaker, it probes again after 30s, and
// counts reset every 60s while closed.
func NewCircuitBreakerProvider(inner domain.LLMProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	trip := cmp.Or(cfg.MaxFailures, 5)
	st := gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1,
		Interval:    cmp.Or(cfg.Interval, time.Minute),
		Timeout:     cmp.Or(cfg.Timeout, 30*time.Second),
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
		// Cancelled or expired callers say nothing about provider health.
		IsSuccessful: func(err error) bool { return err == nil || isContextErr(err) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &CircuitBreakerProvider{inner: inner, breaker: gobreaker.NewCircuitBreaker[struct{}](st)}
}

func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

func (p *CircuitBreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var resp *domain.ChatResponse
	err := p.guard(func() (err error) {
		resp, err = p.inner.Chat(ctx, req)
		return err
	})
	return resp, err
}

// ChatStream guards only stream setup; a stream that breaks later reports
// the failure on its channel and is not counted.
func (p *CircuitBreakerProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %q cannot stream", domain.ErrProviderError, p.inner.Name())
	}
	var ch <-chan domain.StreamDelta
	err := p.guard(func() (err error) {
		ch, err = sp.ChatStream(ctx, req)
		return err
	})
	return ch, err
}

// guard runs call through the breaker. A rejected call is reported as a
// retryable server-side failure.
func (p *CircuitBreakerProvider) guard(call func() error) error {
	_, err := p.breaker.Execute(func() (struct{}, error) { return struct{}{}, call() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("provider %q circuit open: %w: %w", p.inner.Name(), domain.ErrProviderServer, err)
	}
	return err
}

// State reports the breaker state.
func (p *CircuitBreakerProvider) State() gobreaker.State { return p.breaker.State() }

// Counts reports the breaker counters for the current interval.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts { return p.breaker.Counts() }
