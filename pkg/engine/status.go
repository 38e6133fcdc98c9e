package engine

import (
	"encoding/json"
	"fmt"
)

// PlanStatus represents where a plan is in its approval lifecycle.
type PlanStatus string

const (
	// PlanStatusDraft is a plan whose steps are still being normalized.
	PlanStatusDraft PlanStatus = "draft"

	// PlanStatusAwaitingApproval is a plan waiting for an execute call.
	PlanStatusAwaitingApproval PlanStatus = "awaiting_approval"

	// PlanStatusExecuting is a plan whose steps are running.
	PlanStatusExecuting PlanStatus = "executing"

	// PlanStatusCompleted means every attempted step succeeded.
	PlanStatusCompleted PlanStatus = "completed"

	// PlanStatusPartiallyFailed means some steps failed and others succeeded
	// or were rejected.
	PlanStatusPartiallyFailed PlanStatus = "partially_failed"

	// PlanStatusFailed means steps failed and none succeeded.
	PlanStatusFailed PlanStatus = "failed"
)

// IsTerminal returns true if the plan can no longer change.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusPartiallyFailed || s == PlanStatusFailed
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusDraft, PlanStatusAwaitingApproval, PlanStatusExecuting,
		PlanStatusCompleted, PlanStatusPartiallyFailed, PlanStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// StepStatus represents the state of a single step.
type StepStatus string

const (
	// StepStatusPending is a step waiting for approval.
	StepStatusPending StepStatus = "pending"

	// StepStatusApproved is a step cleared to run.
	StepStatusApproved StepStatus = "approved"

	// StepStatusRejected is a step that will not run.
	StepStatusRejected StepStatus = "rejected"

	// StepStatusRunning is a step currently dispatched to a backend.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded is a step that ran successfully.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed is a step that ran and failed.
	StepStatusFailed StepStatus = "failed"
)

// IsTerminal returns true if the step can no longer change.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusRejected || s == StepStatusSucceeded || s == StepStatusFailed
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusApproved, StepStatusRejected,
		StepStatusRunning, StepStatusSucceeded, StepStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// Aggregate derives the terminal plan status from its steps. A plan whose
// steps were all rejected ran nothing and failed nothing, so it completes.
func Aggregate(steps []Step) PlanStatus {
	var succeeded, failed, rejected int
	for _, s := range steps {
		switch s.Status {
		case StepStatusSucceeded:
			succeeded++
		case StepStatusFailed:
			failed++
		case StepStatusRejected:
			rejected++
		}
	}
	switch {
	case failed == 0:
		return PlanStatusCompleted
	case succeeded > 0 || rejected > 0:
		return PlanStatusPartiallyFailed
	default:
		return PlanStatusFailed
	}
}

// PlanSummary counts steps by status for display.
type PlanSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Summarize counts the plan's steps by status.
func Summarize(p *Plan) PlanSummary {
	s := PlanSummary{Total: len(p.Steps)}
	for _, step := range p.Steps {
		switch step.Status {
		case StepStatusPending:
			s.Pending++
		case StepStatusApproved, StepStatusRunning:
			s.Approved++
		case StepStatusRejected:
			s.Rejected++
		case StepStatusSucceeded:
			s.Succeeded++
		case StepStatusFailed:
			s.Failed++
		}
	}
	return s
}

// String returns a JSON representation of the summary.
func (s PlanSummary) String() string {
	data, _ := json.Marshal(s)
	return string(data)
}
