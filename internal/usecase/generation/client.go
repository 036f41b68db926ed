// Package generation invokes one agent against an LLM provider: it builds
// the prompt from the descriptor, runs the tool loop, follows handoffs and
// enforces the agent's output schema.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
	"agentgate/internal/infra/tracer"
)

const (
	defaultMaxIterations = 8
	defaultMaxHandoffs   = 3
)

// GenerateRequest is a single agent invocation.
type GenerateRequest struct {
	Agent   domain.AgentDescriptor
	History domain.History
	Message string
	// OnDelta receives content as it streams from the provider. Streaming
	// is used only when set and the resolved provider supports it.
	OnDelta func(delta string)
}

// GenerateResult is the outcome of a successful invocation.
type GenerateResult struct {
	// Output is a JSON string for text agents and the validated JSON
	// document for agents with an output schema.
	Output    json.RawMessage
	Text      string
	LastAgent string
	ToolsUsed []string
	Usage     domain.Usage
}

// Observer is notified once per Generate call.
type Observer func(agentID string, err error)

// Option configures a Client.
type Option func(*Client)

// WithObserver registers a completion callback, used for metrics.
func WithObserver(obs Observer) Option {
	return func(c *Client) { c.observe = obs }
}

// Client is the generation service client shared by every handler.
type Client struct {
	router  domain.ModelRouter
	tools   domain.ToolExecutor
	agents  domain.AgentLookup
	cfg     config.GenerationConfig
	logger  *slog.Logger
	observe Observer
	schemas *schemaCache
}

// New creates a Client. tools may be nil when no agent declares tools;
// agents may be nil when no agent declares handoffs.
func New(router domain.ModelRouter, tools domain.ToolExecutor, agents domain.AgentLookup, cfg config.GenerationConfig, logger *slog.Logger, opts ...Option) *Client {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxHandoffs < 0 {
		cfg.MaxHandoffs = 0
	} else if cfg.MaxHandoffs == 0 {
		cfg.MaxHandoffs = defaultMaxHandoffs
	}
	c := &Client{
		router:  router,
		tools:   tools,
		agents:  agents,
		cfg:     cfg,
		logger:  logger,
		schemas: newSchemaCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate runs the agent until it answers without tool calls. Every error
// it returns is a *domain.GenerationFailure.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	ctx, span := tracer.StartSpan(ctx, "generation.generate",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", req.Agent.ID),
			tracer.BoolAttr("generation.stream", req.OnDelta != nil),
		),
	)
	defer span.End()

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	result, err := c.run(ctx, req)
	if err != nil {
		err = c.failure(err)
		tracer.RecordError(span, err)
	} else {
		span.SetAttributes(
			tracer.StringAttr("agent.last", result.LastAgent),
			tracer.IntAttr("llm.tokens.total", result.Usage.TotalTokens),
		)
		tracer.SetOK(span)
	}
	if c.observe != nil {
		c.observe(req.Agent.ID, err)
	}
	return result, err
}

func (c *Client) run(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	active := req.Agent
	messages := buildMessages(active, req.History, req.Message)

	var (
		usage     domain.Usage
		toolsUsed []string
		handoffs  int
	)

	for i := 0; i < c.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		provider, model, err := c.router.Route(active.Model)
		if err != nil {
			return nil, err
		}

		chatReq := domain.ChatRequest{
			Model:       model,
			Messages:    messages,
			Tools:       c.toolSchemas(active),
			MaxTokens:   c.cfg.MaxTokens,
			Temperature: c.cfg.Temperature,
		}
		if active.HasSchema() {
			chatReq.ResponseFormat = &domain.ResponseFormat{Name: active.ID, Schema: active.OutputSchema}
		}

		msg, callUsage, err := c.call(ctx, provider, chatReq, req.OnDelta)
		if err != nil {
			return nil, err
		}
		usage.Add(callUsage)

		c.logger.Debug("llm response",
			"agent_id", active.ID,
			"provider", provider.Name(),
			"iteration", i,
			"tool_calls", len(msg.ToolCalls),
			"tokens", callUsage.TotalTokens,
		)

		if len(msg.ToolCalls) == 0 {
			output, err := c.finalOutput(active, msg.Content)
			if err != nil {
				return nil, err
			}
			return &GenerateResult{
				Output:    output,
				Text:      msg.Content,
				LastAgent: active.ID,
				ToolsUsed: toolsUsed,
				Usage:     usage,
			}, nil
		}

		messages = append(messages, msg)

		next := ""
		results := make([]domain.Message, len(msg.ToolCalls))
		var wg sync.WaitGroup
		for idx, call := range msg.ToolCalls {
			if target, ok := handoffTarget(active, call.Name); ok {
				switch {
				case next != "":
					results[idx] = toolMessage(call, "only one transfer per turn is allowed")
				case handoffs >= c.cfg.MaxHandoffs:
					results[idx] = toolMessage(call, "transfer limit reached; answer the user directly")
				default:
					next = target
					handoffs++
					results[idx] = toolMessage(call, "transferred to "+target)
				}
				continue
			}

			if !slices.Contains(active.Tools, call.Name) {
				results[idx] = toolMessage(call, "tool "+call.Name+" is not available to this agent")
				continue
			}
			if !slices.Contains(toolsUsed, call.Name) {
				toolsUsed = append(toolsUsed, call.Name)
			}
			wg.Add(1)
			go func(idx int, call domain.ToolCall) {
				defer wg.Done()
				results[idx] = c.executeTool(ctx, call)
			}(idx, call)
		}
		wg.Wait()
		messages = append(messages, results...)

		if next != "" {
			target, err := c.lookup(next)
			if err != nil {
				return nil, err
			}
			c.logger.Info("agent handoff", "from", active.ID, "to", target.ID, "handoffs", handoffs)
			active = target
			messages[0] = systemMessage(active)
		}
	}

	return nil, domain.ErrMaxIterations
}

// call performs one provider round trip, streaming when asked and possible.
func (c *Client) call(ctx context.Context, provider domain.LLMProvider, req domain.ChatRequest, onDelta func(string)) (domain.Message, domain.Usage, error) {
	if sp, ok := provider.(domain.StreamingLLMProvider); ok && onDelta != nil {
		req.Stream = true
		ch, err := sp.ChatStream(ctx, req)
		if err != nil {
			return domain.Message{}, domain.Usage{}, err
		}
		acc := newStreamAccumulator()
		for {
			select {
			case <-ctx.Done():
				return domain.Message{}, domain.Usage{}, ctx.Err()
			case delta, ok := <-ch:
				if !ok {
					msg, usage := acc.build()
					return msg, usage, nil
				}
				if delta.Err != nil {
					return domain.Message{}, domain.Usage{}, delta.Err
				}
				acc.addDelta(delta)
				if delta.Content != "" {
					onDelta(delta.Content)
				}
			}
		}
	}

	resp, err := provider.Chat(ctx, req)
	if err != nil {
		return domain.Message{}, domain.Usage{}, err
	}
	return resp.Message, resp.Usage, nil
}

func (c *Client) executeTool(ctx context.Context, call domain.ToolCall) domain.Message {
	ctx, span := tracer.StartSpan(ctx, "generation.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	if c.tools == nil {
		err := domain.NewSubSystemError("tool", "Client.executeTool", domain.ErrNotFound, call.Name)
		tracer.RecordError(span, err)
		return toolMessage(call, err.Error())
	}
	tool, err := c.tools.Get(call.Name)
	if err != nil {
		tracer.RecordError(span, err)
		return toolMessage(call, err.Error())
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		tracer.RecordError(span, err)
		return toolMessage(call, err.Error())
	}
	if result.IsError {
		c.logger.Debug("tool returned error", "tool", call.Name, "content", result.Content)
	}
	tracer.SetOK(span)
	return toolMessage(call, result.Content)
}

func (c *Client) lookup(id string) (domain.AgentDescriptor, error) {
	if c.agents == nil {
		return domain.AgentDescriptor{}, domain.NewSubSystemError("agent", "Client.lookup", domain.ErrNotFound, id)
	}
	return c.agents.Get(id)
}

// failure normalizes any error from a run into a GenerationFailure.
func (c *Client) failure(err error) error {
	var gf *domain.GenerationFailure
	if errors.As(err, &gf) {
		return gf
	}

	code := domain.CodeGenerationFailed
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		code = domain.CodeTimeout
	case errors.Is(err, domain.ErrMaxIterations):
		code = domain.CodeMaxIterations
	}
	return &domain.GenerationFailure{
		Code:      code,
		Message:   failureMessage(code, err),
		Retryable: domain.IsRetryableError(err),
		Err:       err,
	}
}

// failureMessage describes the failure without leaking provider payloads.
func failureMessage(code domain.ErrorCode, err error) string {
	switch {
	case code == domain.CodeTimeout:
		return "generation timed out"
	case code == domain.CodeMaxIterations:
		return "agent did not finish within the iteration limit"
	case errors.Is(err, domain.ErrRateLimit):
		return "provider rate limit reached"
	case errors.Is(err, domain.ErrAuthInvalid):
		return "provider rejected the credentials"
	case domain.ErrorCodeOf(err) == domain.CodeProviderNotFound:
		return "no provider for the agent's model"
	case domain.ErrorCodeOf(err) == domain.CodeAgentNotFound:
		return "handoff target is not registered"
	default:
		return "generation failed"
	}
}

func toolMessage(call domain.ToolCall, content string) domain.Message {
	return domain.Message{
		Role:    domain.RoleTool,
		Name:    call.Name,
		Content: content,
		ToolCalls: []domain.ToolCall{{
			ID:   call.ID,
			Name: call.Name,
		}},
		Timestamp: time.Now(),
	}
}
