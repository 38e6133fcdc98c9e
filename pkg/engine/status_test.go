package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func steps(statuses ...StepStatus) []Step {
	out := make([]Step, len(statuses))
	for i, s := range statuses {
		out[i] = Step{ID: string(rune('a' + i)), Status: s}
	}
	return out
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  PlanStatus
	}{
		{"all succeeded", steps(StepStatusSucceeded, StepStatusSucceeded), PlanStatusCompleted},
		{"succeeded and rejected", steps(StepStatusSucceeded, StepStatusRejected), PlanStatusCompleted},
		{"all rejected", steps(StepStatusRejected, StepStatusRejected), PlanStatusCompleted},
		{"one failed one succeeded", steps(StepStatusFailed, StepStatusSucceeded), PlanStatusPartiallyFailed},
		{"failed and rejected", steps(StepStatusFailed, StepStatusRejected), PlanStatusPartiallyFailed},
		{"all failed", steps(StepStatusFailed, StepStatusFailed), PlanStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.steps))
		})
	}
}

func TestPlanStatusTerminal(t *testing.T) {
	for _, s := range []PlanStatus{PlanStatusCompleted, PlanStatusPartiallyFailed, PlanStatusFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []PlanStatus{PlanStatusDraft, PlanStatusAwaitingApproval, PlanStatusExecuting} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.Error(t, PlanStatus("bogus").Validate())
}

func TestSummarize(t *testing.T) {
	p := &Plan{Steps: steps(StepStatusPending, StepStatusApproved, StepStatusSucceeded, StepStatusFailed)}
	s := Summarize(p)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.Approved)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
}

func TestOperationValidate(t *testing.T) {
	op := NewOperation(QueryRequest{Query: "q"})
	require.NoError(t, op.Validate())
	op.Capability = CapabilityIndex
	assert.True(t, IsKind(op.Validate(), ErrorKindInvalid), "mismatched payload is Invalid")
}
