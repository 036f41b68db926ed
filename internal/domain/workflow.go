package domain

import (
	"encoding/json"
	"time"
)

// Workflow stage identifiers. They double as subsystem tags so a stage
// failure resolves to its own error code.
const (
	StageCompose    = "compose"
	StageSynthesize = "synthesize"
	StageScreen     = "screen"
	StageRevise     = "revise"
)

// RitualAgentID is reported as agent_used for ritual workflow responses.
const RitualAgentID = "ritual_workflow"

// Registry IDs of the agents driving the sequential stages.
const (
	SynthesisAgentID = "synthesis"
	ScreeningAgentID = "ethics_screening"
	RevisionAgentID  = "revision"
)

// Perspective is one of the fixed viewpoints composed in parallel.
type Perspective string

const (
	PerspectiveAnthropology Perspective = "anthropology"
	PerspectiveBiology      Perspective = "biology"
	PerspectivePsychology   Perspective = "psychology"
	PerspectiveEconomy      Perspective = "economy"
	PerspectiveErgonomics   Perspective = "ergonomics"
)

// Perspectives returns the perspectives in their canonical order.
// Synthesis input is always ordered this way, whatever order outputs arrive in.
func Perspectives() []Perspective {
	return []Perspective{
		PerspectiveAnthropology,
		PerspectiveBiology,
		PerspectivePsychology,
		PerspectiveEconomy,
		PerspectiveErgonomics,
	}
}

// AgentID is the registry ID of the agent composing this perspective.
func (p Perspective) AgentID() string { return string(p) }

// ComposeStep is the workflow step name recorded for a successful perspective.
func (p Perspective) ComposeStep() string { return StageCompose + ":" + string(p) }

// WorkflowState is a state of the ritual workflow state machine.
type WorkflowState string

const (
	WorkflowPending      WorkflowState = "pending"
	WorkflowComposing    WorkflowState = "composing"
	WorkflowCollected    WorkflowState = "collected"
	WorkflowSynthesizing WorkflowState = "synthesizing"
	WorkflowScreening    WorkflowState = "screening"
	WorkflowRevising     WorkflowState = "revising"
	WorkflowDone         WorkflowState = "done"
	WorkflowFailed       WorkflowState = "failed"
)

// Terminal reports whether the state machine has stopped.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowDone || s == WorkflowFailed
}

// OutcomeStatus is the status of a single perspective.
type OutcomeStatus string

const (
	OutcomePending   OutcomeStatus = "pending"
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

// PerspectiveOutcome records what happened to one perspective.
type PerspectiveOutcome struct {
	Status   OutcomeStatus   `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Attempts int             `json:"attempts"`
}

// Artifact is the structured output of synthesis and revision.
type Artifact struct {
	Narrative    string   `json:"narrative"`
	ActivityName string   `json:"activity_name"`
	Description  string   `json:"description"`
	Themes       []string `json:"themes"`
}

// ScreeningResult is the structured output of the ethics screening stage.
type ScreeningResult struct {
	Flagged     bool     `json:"flagged"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

// WorkflowRun is the per-request state of one ritual workflow execution.
// It is owned by the goroutine driving the run and never persisted.
type WorkflowRun struct {
	ID           string
	Message      string
	History      History
	Perspectives map[Perspective]*PerspectiveOutcome
	Synthesis    *Artifact
	Screening    *ScreeningResult
	Revision     *Artifact
	State        WorkflowState
	Steps        []string
	FailureCode  ErrorCode
	StartedAt    time.Time
	FinishedAt   time.Time
}

// NewWorkflowRun creates a pending run with every perspective pending.
func NewWorkflowRun(id, message string, history History, now time.Time) *WorkflowRun {
	run := &WorkflowRun{
		ID:           id,
		Message:      message,
		History:      history,
		Perspectives: make(map[Perspective]*PerspectiveOutcome, 5),
		State:        WorkflowPending,
		StartedAt:    now,
	}
	for _, p := range Perspectives() {
		run.Perspectives[p] = &PerspectiveOutcome{Status: OutcomePending}
	}
	return run
}

// Final returns the artifact a completed run answers with: the revision
// when one was produced, otherwise the synthesis.
func (r *WorkflowRun) Final() *Artifact {
	if r.Revision != nil {
		return r.Revision
	}
	return r.Synthesis
}

// Succeeded returns the successful perspectives in canonical order.
func (r *WorkflowRun) Succeeded() []Perspective {
	var out []Perspective
	for _, p := range Perspectives() {
		if o := r.Perspectives[p]; o != nil && o.Status == OutcomeSucceeded {
			out = append(out, p)
		}
	}
	return out
}

// StatusMap summarizes per-perspective status for the response body.
func (r *WorkflowRun) StatusMap() map[string]OutcomeStatus {
	out := make(map[string]OutcomeStatus, len(r.Perspectives))
	for p, o := range r.Perspectives {
		out[string(p)] = o.Status
	}
	return out
}

// RitualResult is the response of a completed ritual workflow.
type RitualResult struct {
	Response      json.RawMessage          `json:"response"`
	History       History                  `json:"history"`
	AgentUsed     string                   `json:"agent_used"`
	WorkflowSteps []string                 `json:"workflow_steps"`
	RunID         string                   `json:"run_id"`
	Perspectives  map[string]OutcomeStatus `json:"perspectives"`
}
