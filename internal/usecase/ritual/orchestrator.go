// Package ritual runs the ritual workflow: five perspectives composed in
// parallel, synthesized into one artifact, screened, and revised at most
// once when screening flags it.
package ritual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
	"agentgate/internal/infra/logger"
	"agentgate/internal/infra/tracer"
	"agentgate/internal/usecase/generation"
)

// Generator runs one agent invocation.
type Generator interface {
	Generate(ctx context.Context, req generation.GenerateRequest) (*generation.GenerateResult, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers a callback invoked with every finished run.
func WithObserver(fn func(run *domain.WorkflowRun)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// WithClock overrides the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator drives ritual workflow runs. It reads agents from the
// registry and never modifies them.
type Orchestrator struct {
	agents  domain.AgentLookup
	gen     Generator
	cfg     config.WorkflowConfig
	logger  *slog.Logger
	now     func() time.Time
	observe func(run *domain.WorkflowRun)
}

// New creates an Orchestrator. Zero durations in cfg fall back to defaults.
func New(agents domain.AgentLookup, gen Generator, cfg config.WorkflowConfig, logger *slog.Logger, opts ...Option) *Orchestrator {
	defaults := config.Defaults().Workflow
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaults.RunTimeout
	}
	if cfg.PerspectiveTimeout <= 0 {
		cfg.PerspectiveTimeout = defaults.PerspectiveTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = defaults.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaults.RetryMax
	}
	cfg.PerspectiveRetries = max(cfg.PerspectiveRetries, 0)
	cfg.SynthesisRetries = max(cfg.SynthesisRetries, 0)

	o := &Orchestrator{
		agents: agents,
		gen:    gen,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one workflow for the message. The run is detached from the
// caller's cancellation and bounded by the configured run timeout.
func (o *Orchestrator) Run(ctx context.Context, in domain.ChatInput) (*domain.RitualResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx, o.logger)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RunTimeout)
	defer cancel()

	run := domain.NewWorkflowRun(newRunID(), in.Message, in.History, o.now())
	ctx, span := tracer.StartSpan(ctx, "ritual.run",
		trace.WithAttributes(tracer.StringAttr("workflow.run_id", run.ID)),
	)
	defer span.End()

	err := o.execute(ctx, run)
	run.FinishedAt = o.now()
	if err != nil {
		run.State = domain.WorkflowFailed
		run.FailureCode = domain.ErrorCodeOf(err)
		tracer.RecordError(span, err)
	} else {
		run.State = domain.WorkflowDone
		tracer.SetOK(span)
	}

	log.Info("ritual run finished",
		"run_id", run.ID,
		"state", run.State,
		"failure_code", run.FailureCode,
		"steps", run.Steps,
		"duration", run.FinishedAt.Sub(run.StartedAt),
	)
	if o.observe != nil {
		o.observe(run)
	}
	if err != nil {
		return nil, err
	}

	response, err := json.Marshal(run.Final())
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.Run", err)
	}
	return &domain.RitualResult{
		Response: response,
		History: in.History.Append(
			domain.TextTurn(domain.RoleUser, in.Message),
			domain.Turn{Role: domain.RoleAssistant, Content: response, Agent: domain.RitualAgentID},
		),
		AgentUsed:     domain.RitualAgentID,
		WorkflowSteps: run.Steps,
		RunID:         run.ID,
		Perspectives:  run.StatusMap(),
	}, nil
}

// execute advances the state machine until Done or the first failure.
func (o *Orchestrator) execute(ctx context.Context, run *domain.WorkflowRun) error {
	run.State = domain.WorkflowComposing
	outputs := o.compose(ctx, run)
	if ctx.Err() != nil {
		return timeoutError(run)
	}
	if len(outputs) == 0 {
		return stageError(run, domain.StageCompose, "every perspective failed")
	}
	run.State = domain.WorkflowCollected
	run.Steps = append(run.Steps, lo.Map(run.Succeeded(), func(p domain.Perspective, _ int) string {
		return p.ComposeStep()
	})...)

	run.State = domain.WorkflowSynthesizing
	synthesis, err := runStage[domain.Artifact](ctx, o, domain.StageSynthesize, domain.SynthesisAgentID, synthesisPrompt(run.Message, outputs))
	if err != nil {
		return o.stageFailure(ctx, run, domain.StageSynthesize, err)
	}
	run.Synthesis = synthesis
	run.Steps = append(run.Steps, domain.StageSynthesize)

	run.State = domain.WorkflowScreening
	screening, err := runStage[domain.ScreeningResult](ctx, o, domain.StageScreen, domain.ScreeningAgentID, screeningPrompt(synthesis))
	if err != nil {
		return o.stageFailure(ctx, run, domain.StageScreen, err)
	}
	run.Screening = screening
	run.Steps = append(run.Steps, domain.StageScreen)

	if !screening.Flagged {
		return nil
	}

	run.State = domain.WorkflowRevising
	revision, err := runStage[domain.Artifact](ctx, o, domain.StageRevise, domain.RevisionAgentID, revisionPrompt(synthesis, screening))
	if err != nil {
		return o.stageFailure(ctx, run, domain.StageRevise, err)
	}
	run.Revision = revision
	run.Steps = append(run.Steps, domain.StageRevise)
	return nil
}

// perspectiveOutput is a successful perspective's text, kept in canonical order.
type perspectiveOutput struct {
	Perspective domain.Perspective
	Text        string
}

// compose invokes every perspective concurrently. Each goroutine writes only
// its own slot; the run is updated after all of them return.
func (o *Orchestrator) compose(ctx context.Context, run *domain.WorkflowRun) []perspectiveOutput {
	ctx, span := tracer.StartSpan(ctx, "ritual.compose")
	defer span.End()

	perspectives := domain.Perspectives()
	slots := make([]domain.PerspectiveOutcome, len(perspectives))

	var g errgroup.Group
	for i, p := range perspectives {
		g.Go(func() error {
			slots[i] = o.perspective(ctx, run, p)
			return nil
		})
	}
	_ = g.Wait()

	var outputs []perspectiveOutput
	for i, p := range perspectives {
		outcome := slots[i]
		*run.Perspectives[p] = outcome
		if outcome.Status == domain.OutcomeSucceeded {
			outputs = append(outputs, perspectiveOutput{Perspective: p, Text: outputText(outcome.Result)})
		}
	}
	span.SetAttributes(tracer.IntAttr("workflow.perspectives_succeeded", len(outputs)))
	tracer.SetOK(span)
	return outputs
}

func (o *Orchestrator) perspective(ctx context.Context, run *domain.WorkflowRun, p domain.Perspective) domain.PerspectiveOutcome {
	ctx, span := tracer.StartSpan(ctx, "ritual.perspective",
		trace.WithAttributes(tracer.StringAttr("workflow.perspective", string(p))),
	)
	defer span.End()

	outcome := domain.PerspectiveOutcome{Status: domain.OutcomePending}
	agent, err := o.agents.Get(p.AgentID())
	if err != nil {
		outcome.Status = domain.OutcomeFailed
		outcome.Reason = err.Error()
		tracer.RecordError(span, err)
		return outcome
	}

	op := func() (json.RawMessage, error) {
		outcome.Attempts++
		pctx, cancel := context.WithTimeout(ctx, o.cfg.PerspectiveTimeout)
		defer cancel()

		res, err := o.gen.Generate(pctx, generation.GenerateRequest{Agent: agent, History: run.History, Message: run.Message})
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res.Output, nil
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(o.backOff()),
		backoff.WithMaxTries(uint(o.cfg.PerspectiveRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn("retrying perspective", "run_id", run.ID, "perspective", p, "attempt", outcome.Attempts, "delay", next, "error", err)
		}),
	)
	if err != nil {
		outcome.Status = domain.OutcomeFailed
		outcome.Reason = failureReason(err)
		tracer.RecordError(span, err)
		o.logger.Warn("perspective failed", "run_id", run.ID, "perspective", p, "attempts", outcome.Attempts, "error", err)
		return outcome
	}

	outcome.Status = domain.OutcomeSucceeded
	outcome.Result = result
	tracer.SetOK(span)
	return outcome
}

// runStage invokes a sequential stage agent and decodes its structured
// output into T. Retryable failures, including schema mismatches, are
// retried within the configured budget.
func runStage[T any](ctx context.Context, o *Orchestrator, stage, agentID, message string) (*T, error) {
	ctx, span := tracer.StartSpan(ctx, "ritual."+stage)
	defer span.End()

	agent, err := o.agents.Get(agentID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	attempts := 0
	op := func() (*T, error) {
		attempts++
		res, err := o.gen.Generate(ctx, generation.GenerateRequest{Agent: agent, Message: message})
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		var out T
		if err := json.Unmarshal(res.Output, &out); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode %s output: %w", stage, err))
		}
		return &out, nil
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(o.backOff()),
		backoff.WithMaxTries(uint(o.cfg.SynthesisRetries+1)),
	)
	span.SetAttributes(tracer.IntAttr("workflow.attempts", attempts))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return out, nil
}

func (o *Orchestrator) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitial
	b.MaxInterval = o.cfg.RetryMax
	return b
}

// stageFailure converts a stage error into the run's failure, preferring
// the run deadline when it has passed.
func (o *Orchestrator) stageFailure(ctx context.Context, run *domain.WorkflowRun, stage string, err error) error {
	if ctx.Err() != nil {
		return timeoutError(run)
	}
	o.logger.Warn("ritual stage failed", "run_id", run.ID, "stage", stage, "error", err)
	return stageError(run, stage, failureReason(err))
}

func stageError(run *domain.WorkflowRun, stage, reason string) error {
	return domain.NewFieldError(stage, "Orchestrator.Run", domain.ErrStageFailed, reason,
		map[string]string{"run_id": run.ID})
}

func timeoutError(run *domain.WorkflowRun) error {
	return domain.NewFieldError("workflow", "Orchestrator.Run", domain.ErrTimeout, "run deadline exceeded",
		map[string]string{"run_id": run.ID})
}

func retryable(err error) bool {
	var gf *domain.GenerationFailure
	if errors.As(err, &gf) {
		return gf.Retryable
	}
	return domain.IsRetryableError(err)
}

// failureReason is the client-safe description of a failed invocation.
func failureReason(err error) string {
	var gf *domain.GenerationFailure
	if errors.As(err, &gf) {
		return fmt.Sprintf("%s: %s", gf.Code, gf.Message)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeInternal {
		return string(code)
	}
	return "invocation failed"
}

func newRunID() string {
	return ulid.Make().String()
}
