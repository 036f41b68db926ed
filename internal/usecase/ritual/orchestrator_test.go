package ritual

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
	"agentgate/internal/infra/logger"
	"agentgate/internal/usecase/generation"
)

type handler func(ctx context.Context, attempt int, req generation.GenerateRequest) (*generation.GenerateResult, error)

// fakeGenerator dispatches on the agent ID and counts calls per agent.
type fakeGenerator struct {
	mu       sync.Mutex
	calls    map[string]int
	messages map[string][]string
	handlers map[string]handler
}

func newFakeGenerator() *fakeGenerator {
	g := &fakeGenerator{
		calls:    map[string]int{},
		messages: map[string][]string{},
		handlers: map[string]handler{},
	}
	for _, p := range domain.Perspectives() {
		g.handlers[p.AgentID()] = textAnswer(string(p) + " view")
	}
	g.handlers[domain.SynthesisAgentID] = jsonAnswer(artifact("Dawn Circle"))
	g.handlers[domain.ScreeningAgentID] = jsonAnswer(domain.ScreeningResult{Issues: []string{}, Suggestions: []string{}})
	g.handlers[domain.RevisionAgentID] = jsonAnswer(artifact("Inclusive Dawn Circle"))
	return g
}

func (g *fakeGenerator) Generate(ctx context.Context, req generation.GenerateRequest) (*generation.GenerateResult, error) {
	g.mu.Lock()
	g.calls[req.Agent.ID]++
	attempt := g.calls[req.Agent.ID]
	g.messages[req.Agent.ID] = append(g.messages[req.Agent.ID], req.Message)
	h := g.handlers[req.Agent.ID]
	g.mu.Unlock()
	return h(ctx, attempt, req)
}

func (g *fakeGenerator) count(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id]
}

func (g *fakeGenerator) lastMessage(id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	msgs := g.messages[id]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func artifact(name string) domain.Artifact {
	return domain.Artifact{
		Narrative:    "The household gathers at first light.",
		ActivityName: name,
		Description:  "A short shared morning practice.",
		Themes:       []string{"community", "light"},
	}
}

func textAnswer(text string) handler {
	return func(_ context.Context, _ int, req generation.GenerateRequest) (*generation.GenerateResult, error) {
		out, _ := json.Marshal(text)
		return &generation.GenerateResult{Output: out, Text: text, LastAgent: req.Agent.ID}, nil
	}
}

func jsonAnswer(v any) handler {
	return func(_ context.Context, _ int, req generation.GenerateRequest) (*generation.GenerateResult, error) {
		out, _ := json.Marshal(v)
		return &generation.GenerateResult{Output: out, Text: string(out), LastAgent: req.Agent.ID}, nil
	}
}

func failWith(code domain.ErrorCode, retryable bool) handler {
	return func(context.Context, int, generation.GenerateRequest) (*generation.GenerateResult, error) {
		return nil, &domain.GenerationFailure{Code: code, Message: "scripted failure", Retryable: retryable}
	}
}

func blockUntilDone(ctx context.Context, _ int, _ generation.GenerateRequest) (*generation.GenerateResult, error) {
	<-ctx.Done()
	return nil, &domain.GenerationFailure{Code: domain.CodeTimeout, Retryable: true, Err: ctx.Err()}
}

type agentMap map[string]domain.AgentDescriptor

func (m agentMap) Get(id string) (domain.AgentDescriptor, error) {
	d, ok := m[id]
	if !ok {
		return domain.AgentDescriptor{}, domain.NewSubSystemError("agent", "agentMap.Get", domain.ErrNotFound, id)
	}
	return d, nil
}

func workflowAgents() agentMap {
	m := agentMap{}
	ids := []string{domain.SynthesisAgentID, domain.ScreeningAgentID, domain.RevisionAgentID}
	for _, p := range domain.Perspectives() {
		ids = append(ids, p.AgentID())
	}
	for _, id := range ids {
		m[id] = domain.AgentDescriptor{ID: id, Name: id, Instructions: "act as " + id}
	}
	return m
}

func testConfig() config.WorkflowConfig {
	return config.WorkflowConfig{
		RunTimeout:         5 * time.Second,
		PerspectiveTimeout: time.Second,
		PerspectiveRetries: 2,
		SynthesisRetries:   1,
		RetryInitial:       time.Millisecond,
		RetryMax:           2 * time.Millisecond,
	}
}

func newOrchestrator(gen *fakeGenerator, cfg config.WorkflowConfig, opts ...Option) *Orchestrator {
	return New(workflowAgents(), gen, cfg, logger.Discard(), opts...)
}

func input() domain.ChatInput {
	return domain.ChatInput{Message: "Design a morning ritual for a shared flat."}
}

func TestRunHappyPath(t *testing.T) {
	gen := newFakeGenerator()
	var observed *domain.WorkflowRun
	o := newOrchestrator(gen, testConfig(), WithObserver(func(run *domain.WorkflowRun) { observed = run }))

	res, err := o.Run(context.Background(), input())
	require.NoError(t, err)

	assert.Equal(t, domain.RitualAgentID, res.AgentUsed)
	assert.Equal(t, []string{
		"compose:anthropology", "compose:biology", "compose:psychology", "compose:economy", "compose:ergonomics",
		"synthesize", "screen",
	}, res.WorkflowSteps)
	assert.Len(t, res.RunID, 26)
	for _, status := range res.Perspectives {
		assert.Equal(t, domain.OutcomeSucceeded, status)
	}

	var final domain.Artifact
	require.NoError(t, json.Unmarshal(res.Response, &final))
	assert.Equal(t, "Dawn Circle", final.ActivityName)

	require.Len(t, res.History, 2)
	assert.Equal(t, domain.RitualAgentID, res.History[1].Agent)
	assert.True(t, res.History[1].IsStructured())

	assert.Zero(t, gen.count(domain.RevisionAgentID))
	require.NotNil(t, observed)
	assert.Equal(t, domain.WorkflowDone, observed.State)
	assert.Equal(t, res.RunID, observed.ID)
	assert.False(t, observed.FinishedAt.Before(observed.StartedAt))
}

func TestRunBiologyFails(t *testing.T) {
	gen := newFakeGenerator()
	gen.handlers["biology"] = failWith(domain.CodeGenerationFailed, false)
	var observed *domain.WorkflowRun
	o := newOrchestrator(gen, testConfig(), WithObserver(func(run *domain.WorkflowRun) { observed = run }))

	res, err := o.Run(context.Background(), input())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"compose:anthropology", "compose:psychology", "compose:economy", "compose:ergonomics",
		"synthesize", "screen",
	}, res.WorkflowSteps)
	assert.Equal(t, domain.OutcomeFailed, res.Perspectives["biology"])
	assert.Equal(t, 1, gen.count("biology"), "permanent failures are not retried")
	assert.Equal(t, 1, observed.Perspectives[domain.PerspectiveBiology].Attempts)
	assert.Contains(t, observed.Perspectives[domain.PerspectiveBiology].Reason, "generation_failed")

	prompt := gen.lastMessage(domain.SynthesisAgentID)
	assert.NotContains(t, prompt, "biology")
	assertOrdered(t, prompt, "## anthropology", "## psychology", "## economy", "## ergonomics")
}

func TestRunRetriesTransientPerspectiveFailure(t *testing.T) {
	gen := newFakeGenerator()
	gen.handlers["economy"] = func(ctx context.Context, attempt int, req generation.GenerateRequest) (*generation.GenerateResult, error) {
		if attempt == 1 {
			return nil, &domain.GenerationFailure{Code: domain.CodeGenerationFailed, Retryable: true}
		}
		return textAnswer("economy view")(ctx, attempt, req)
	}
	o := newOrchestrator(gen, testConfig())

	res, err := o.Run(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, res.Perspectives["economy"])
	assert.Equal(t, 2, gen.count("economy"))
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	gen := newFakeGenerator()
	gen.handlers["psychology"] = failWith(domain.CodeGenerationFailed, true)
	o := newOrchestrator(gen, testConfig())

	res, err := o.Run(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, res.Perspectives["psychology"])
	assert.Equal(t, 3, gen.count("psychology"))
}

func TestRunAllPerspectivesFail(t *testing.T) {
	gen := newFakeGenerator()
	for _, p := range domain.Perspectives() {
		gen.handlers[p.AgentID()] = failWith(domain.CodeGenerationFailed, false)
	}
	var observed *domain.WorkflowRun
	o := newOrchestrator(gen, testConfig(), WithObserver(func(run *domain.WorkflowRun) { observed = run }))

	_, err := o.Run(context.Background(), input())
	require.Error(t, err)
	assert.Equal(t, domain.CodeCompositionFailed, domain.ErrorCodeOf(err))
	assert.Contains(t, domain.FieldsOf(err), "run_id")
	assert.Zero(t, gen.count(domain.SynthesisAgentID))
	assert.Zero(t, gen.count(domain.ScreeningAgentID))
	assert.Equal(t, domain.WorkflowFailed, observed.State)
	assert.Equal(t, domain.CodeCompositionFailed, observed.FailureCode)
	assert.Empty(t, observed.Steps)
}

func TestRunFlaggedRevisesOnce(t *testing.T) {
	gen := newFakeGenerator()
	gen.handlers[domain.ScreeningAgentID] = jsonAnswer(domain.ScreeningResult{
		Flagged:     true,
		Issues:      []string{"requires expensive equipment"},
		Suggestions: []string{"use household items"},
	})
	o := newOrchestrator(gen, testConfig())

	res, err := o.Run(context.Background(), input())
	require.NoError(t, err)

	assert.Equal(t, 1, gen.count(domain.RevisionAgentID))
	assert.Equal(t, 1, gen.count(domain.ScreeningAgentID), "revision is not re-screened")
	assert.Equal(t, "revise", res.WorkflowSteps[len(res.WorkflowSteps)-1])

	var final domain.Artifact
	require.NoError(t, json.Unmarshal(res.Response, &final))
	assert.Equal(t, "Inclusive Dawn Circle", final.ActivityName)

	prompt := gen.lastMessage(domain.RevisionAgentID)
	assert.Contains(t, prompt, "requires expensive equipment")
	assert.Contains(t, prompt, "use household items")
	assert.Contains(t, prompt, "Dawn Circle")
}

func TestRunSynthesisRetriesSchemaMismatchOnce(t *testing.T) {
	gen := newFakeGenerator()
	gen.handlers[domain.SynthesisAgentID] = func(ctx context.Context, attempt int, req generation.GenerateRequest) (*generation.GenerateResult, error) {
		if attempt == 1 {
			return nil, &domain.GenerationFailure{Code: domain.CodeSchemaMismatch, Retryable: true}
		}
		return jsonAnswer(artifact("Second Try"))(ctx, attempt, req)
	}
	o := newOrchestrator(gen, testConfig())

	res, err := o.Run(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, 2, gen.count(domain.SynthesisAgentID))
	assert.Contains(t, string(res.Response), "Second Try")
}

func TestRunStageFailures(t *testing.T) {
	tests := []struct {
		name    string
		agentID string
		flagged bool
		code    domain.ErrorCode
		calls   int
	}{
		{"synthesis", domain.SynthesisAgentID, false, domain.CodeSynthesisFailed, 2},
		{"screening", domain.ScreeningAgentID, false, domain.CodeScreeningFailed, 2},
		{"revision", domain.RevisionAgentID, true, domain.CodeRevisionFailed, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := newFakeGenerator()
			if tt.flagged {
				gen.handlers[domain.ScreeningAgentID] = jsonAnswer(domain.ScreeningResult{Flagged: true, Issues: []string{"x"}, Suggestions: []string{"y"}})
			}
			gen.handlers[tt.agentID] = failWith(domain.CodeSchemaMismatch, true)
			o := newOrchestrator(gen, testConfig())

			res, err := o.Run(context.Background(), input())
			require.Error(t, err)
			assert.Nil(t, res, "no partial artifact on failure")
			assert.Equal(t, tt.code, domain.ErrorCodeOf(err))
			assert.Equal(t, tt.calls, gen.count(tt.agentID))
		})
	}
}

func TestRunUndecodableStageOutput(t *testing.T) {
	gen := newFakeGenerator()
	gen.handlers[domain.ScreeningAgentID] = textAnswer("looks fine to me")
	o := newOrchestrator(gen, testConfig())

	_, err := o.Run(context.Background(), input())
	assert.Equal(t, domain.CodeScreeningFailed, domain.ErrorCodeOf(err))
	assert.Equal(t, 1, gen.count(domain.ScreeningAgentID))
}

func TestRunMissingStageAgent(t *testing.T) {
	gen := newFakeGenerator()
	agents := workflowAgents()
	delete(agents, domain.SynthesisAgentID)
	o := New(agents, gen, testConfig(), logger.Discard())

	_, err := o.Run(context.Background(), input())
	assert.Equal(t, domain.CodeSynthesisFailed, domain.ErrorCodeOf(err))
}

func TestRunTimeout(t *testing.T) {
	gen := newFakeGenerator()
	for _, p := range domain.Perspectives() {
		gen.handlers[p.AgentID()] = blockUntilDone
	}
	cfg := testConfig()
	cfg.RunTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := newOrchestrator(gen, cfg).Run(context.Background(), input())
	require.Error(t, err)
	assert.Equal(t, domain.CodeTimeout, domain.ErrorCodeOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, gen.count(domain.SynthesisAgentID))
}

func TestRunDetachedFromCallerCancellation(t *testing.T) {
	gen := newFakeGenerator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newOrchestrator(gen, testConfig()).Run(ctx, input())
	require.NoError(t, err)
	assert.NotEmpty(t, res.WorkflowSteps)
}

func TestRunOrdersOutputsCanonically(t *testing.T) {
	gen := newFakeGenerator()
	delays := map[domain.Perspective]time.Duration{
		domain.PerspectiveAnthropology: 40 * time.Millisecond,
		domain.PerspectiveBiology:      30 * time.Millisecond,
		domain.PerspectivePsychology:   20 * time.Millisecond,
		domain.PerspectiveEconomy:      10 * time.Millisecond,
	}
	for p, d := range delays {
		next := textAnswer(string(p) + " view")
		gen.handlers[p.AgentID()] = func(ctx context.Context, attempt int, req generation.GenerateRequest) (*generation.GenerateResult, error) {
			time.Sleep(d)
			return next(ctx, attempt, req)
		}
	}

	_, err := newOrchestrator(gen, testConfig()).Run(context.Background(), input())
	require.NoError(t, err)
	assertOrdered(t, gen.lastMessage(domain.SynthesisAgentID),
		"## anthropology", "## biology", "## psychology", "## economy", "## ergonomics")
}

func TestRunRejectsInvalidInput(t *testing.T) {
	gen := newFakeGenerator()
	_, err := newOrchestrator(gen, testConfig()).Run(context.Background(), domain.ChatInput{Message: " "})
	assert.Equal(t, domain.CodeValidation, domain.ErrorCodeOf(err))
	for _, p := range domain.Perspectives() {
		assert.Zero(t, gen.count(p.AgentID()))
	}
}

func TestRunPassesHistoryToPerspectives(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	gen := newFakeGenerator()
	for _, p := range domain.Perspectives() {
		next := gen.handlers[p.AgentID()]
		gen.handlers[p.AgentID()] = func(ctx context.Context, attempt int, req generation.GenerateRequest) (*generation.GenerateResult, error) {
			mu.Lock()
			seen = append(seen, len(req.History))
			mu.Unlock()
			return next(ctx, attempt, req)
		}
	}
	in := input()
	in.History = domain.History{domain.TextTurn(domain.RoleUser, "we are four people")}

	res, err := newOrchestrator(gen, testConfig()).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 1, 1}, seen)
	assert.Len(t, res.History, 3)
}

func assertOrdered(t *testing.T, s string, parts ...string) {
	t.Helper()
	last := -1
	for _, part := range parts {
		idx := strings.Index(s, part)
		require.GreaterOrEqual(t, idx, 0, fmt.Sprintf("%q missing", part))
		assert.Greater(t, idx, last, fmt.Sprintf("%q out of order", part))
		last = idx
	}
}
