// Package chat serves single-agent conversations and coordinator-routed
// quick chat on top of the generation client.
package chat

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/domain"
	"agentgate/internal/infra/logger"
	"agentgate/internal/infra/tracer"
	"agentgate/internal/usecase/generation"
)

// Generator runs one agent invocation.
type Generator interface {
	Generate(ctx context.Context, req generation.GenerateRequest) (*generation.GenerateResult, error)
}

// streamBuffer is the event channel capacity for ChatStream.
const streamBuffer = 16

// Service handles chat requests against registered agents.
type Service struct {
	agents      domain.AgentLookup
	gen         Generator
	coordinator string
	logger      *slog.Logger
}

// NewService creates a chat service. coordinator is the agent quick chat
// is addressed to.
func NewService(agents domain.AgentLookup, gen Generator, coordinator string, logger *slog.Logger) *Service {
	if coordinator == "" {
		coordinator = "coordinator"
	}
	return &Service{agents: agents, gen: gen, coordinator: coordinator, logger: logger}
}

// Coordinator returns the ID quick chat is addressed to.
func (s *Service) Coordinator() string { return s.coordinator }

// Chat answers one message with the given agent.
func (s *Service) Chat(ctx context.Context, agentID string, in domain.ChatInput) (*domain.ChatResult, error) {
	ctx, span := tracer.StartSpan(ctx, "chat.chat",
		trace.WithAttributes(tracer.StringAttr("agent.id", agentID)),
	)
	defer span.End()

	agent, err := s.prepare(agentID, in)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	res, err := s.gen.Generate(ctx, generation.GenerateRequest{Agent: agent, History: in.History, Message: in.Message})
	if err != nil {
		tracer.RecordError(span, err)
		logger.FromContext(ctx, s.logger).Warn("chat failed", "agent_id", agentID, "error", err)
		return nil, err
	}

	tracer.SetOK(span)
	return buildResult(agentID, in, res), nil
}

// QuickChat addresses the coordinator, which may hand the conversation to
// a specialist. The result names both.
func (s *Service) QuickChat(ctx context.Context, in domain.ChatInput) (*domain.ChatResult, error) {
	return s.Chat(ctx, s.coordinator, in)
}

// ChatStream answers one message as an event stream. Lookup and validation
// errors are returned directly; once the channel is returned, failures are
// reported as a single error event. The channel is always closed, and
// cancelling ctx stops the producer.
func (s *Service) ChatStream(ctx context.Context, agentID string, in domain.ChatInput) (<-chan domain.StreamEvent, error) {
	agent, err := s.prepare(agentID, in)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.StreamEvent, streamBuffer)
	go s.produce(ctx, agent, in, ch)
	return ch, nil
}

func (s *Service) produce(ctx context.Context, agent domain.AgentDescriptor, in domain.ChatInput, ch chan<- domain.StreamEvent) {
	defer close(ch)

	ctx, span := tracer.StartSpan(ctx, "chat.stream",
		trace.WithAttributes(tracer.StringAttr("agent.id", agent.ID)),
	)
	defer span.End()
	log := logger.FromContext(ctx, s.logger)

	send := func(ev domain.StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(domain.StreamEvent{Type: domain.StreamEventStart, Agent: agent.ID}) {
		return
	}

	res, err := s.gen.Generate(ctx, generation.GenerateRequest{
		Agent:   agent,
		History: in.History,
		Message: in.Message,
		OnDelta: func(delta string) {
			send(domain.StreamEvent{Type: domain.StreamEventContent, Delta: delta})
		},
	})
	if err != nil {
		tracer.RecordError(span, err)
		if ctx.Err() != nil {
			log.Debug("chat stream abandoned", "agent_id", agent.ID)
			return
		}
		log.Warn("chat stream failed", "agent_id", agent.ID, "error", err)
		send(domain.StreamEvent{Type: domain.StreamEventError, Error: domain.ErrorPayloadOf(err)})
		return
	}

	if !send(domain.StreamEvent{Type: domain.StreamEventResult, Result: buildResult(agent.ID, in, res)}) {
		return
	}
	send(domain.StreamEvent{Type: domain.StreamEventEnd})
	tracer.SetOK(span)
}

// prepare resolves the agent and validates the input, in that order.
func (s *Service) prepare(agentID string, in domain.ChatInput) (domain.AgentDescriptor, error) {
	agent, err := s.agents.Get(agentID)
	if err != nil {
		return domain.AgentDescriptor{}, err
	}
	if err := in.Validate(); err != nil {
		return domain.AgentDescriptor{}, err
	}
	return agent, nil
}

func buildResult(agentID string, in domain.ChatInput, res *generation.GenerateResult) *domain.ChatResult {
	history := in.History.Append(
		domain.TextTurn(domain.RoleUser, in.Message),
		domain.Turn{Role: domain.RoleAssistant, Content: res.Output, Agent: res.LastAgent},
	)
	return &domain.ChatResult{
		Response:  res.Output,
		History:   history,
		AgentUsed: agentID,
		LastAgent: res.LastAgent,
		ToolsUsed: res.ToolsUsed,
	}
}
