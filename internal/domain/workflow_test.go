package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewWorkflowRun(t *testing.T) {
	run := NewWorkflowRun("run-1", "hello", nil, time.Unix(0, 0))
	assert.Equal(t, WorkflowPending, run.State)
	assert.Len(t, run.Perspectives, 5)
	for _, p := range Perspectives() {
		assert.Equal(t, OutcomePending, run.Perspectives[p].Status)
	}
	assert.Nil(t, run.Final())
}

func TestWorkflowRunSucceededIsOrdered(t *testing.T) {
	run := NewWorkflowRun("run-1", "hello", nil, time.Now())
	run.Perspectives[PerspectiveErgonomics].Status = OutcomeSucceeded
	run.Perspectives[PerspectiveAnthropology].Status = OutcomeSucceeded
	run.Perspectives[PerspectiveBiology].Status = OutcomeFailed

	assert.Equal(t, []Perspective{PerspectiveAnthropology, PerspectiveErgonomics}, run.Succeeded())
	assert.Equal(t, OutcomeFailed, run.StatusMap()["biology"])
}

func TestWorkflowRunFinalPrefersRevision(t *testing.T) {
	run := NewWorkflowRun("run-1", "hello", nil, time.Now())
	run.Synthesis = &Artifact{ActivityName: "first"}
	assert.Equal(t, "first", run.Final().ActivityName)
	run.Revision = &Artifact{ActivityName: "second"}
	assert.Equal(t, "second", run.Final().ActivityName)
}

func TestPerspectiveComposeStep(t *testing.T) {
	assert.Equal(t, "compose:biology", PerspectiveBiology.ComposeStep())
	assert.True(t, WorkflowFailed.Terminal())
	assert.False(t, WorkflowScreening.Terminal())
}
