package policy

import (
	"time"
)

// PackagePrefix is the Rego package every step policy must live under.
const PackagePrefix = "data.mahi.steps"

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the service.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document a policy sees for one step.
type Input struct {
	Step    StepInput    `json:"step"`
	Plan    PlanInput    `json:"plan"`
	Context InputContext `json:"context"`
}

// StepInput describes the step under review.
type StepInput struct {
	ID                   string                 `json:"id"`
	Action               string                 `json:"action"`
	Description          string                 `json:"description"`
	Params               map[string]interface{} `json:"params"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
}

// PlanInput describes the plan the step belongs to.
type PlanInput struct {
	ID        string `json:"id"`
	Goal      string `json:"goal"`
	StepCount int    `json:"step_count"`
}

// InputContext carries evaluation context.
type InputContext struct {
	Timestamp time.Time `json:"timestamp"`
}

// Verdict is what one policy said about one step.
type Verdict struct {
	Policy  string   `json:"policy"`
	Deny    []string `json:"deny,omitempty"`
	Confirm []string `json:"confirm,omitempty"`
}
