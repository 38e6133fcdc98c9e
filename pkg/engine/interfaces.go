package engine

import (
	"context"
	"time"
)

// Adapter translates operations into one backend's native protocol.
// Implementations must classify every failure with an *Error so the
// dispatcher can tell a request that never left the process from one whose
// outcome is unknown.
type Adapter interface {
	// ID returns the unique backend identifier.
	ID() string

	// Kind returns the transport kind, e.g. "http" or "rpc".
	Kind() string

	// Capabilities returns the capabilities this backend serves.
	Capabilities() []Capability

	// Invoke performs a unary operation.
	Invoke(ctx context.Context, op Operation) (Result, error)

	// OpenStream starts a streaming operation. The handle owns the
	// underlying connection until a terminal token is delivered or Cancel
	// returns.
	OpenStream(ctx context.Context, op Operation) (StreamHandle, error)

	// Close releases connections held by the adapter.
	Close() error
}

// StreamHandle is a live, cancellable stream of tokens.
type StreamHandle interface {
	// ID returns the stream identifier.
	ID() string

	// Tokens returns the channel tokens are delivered on. It is closed
	// after the terminal token.
	Tokens() <-chan StreamToken

	// Cancel withdraws the stream. A terminal token with error Cancelled is
	// delivered within the grace period and backend resources are released
	// before Cancel returns.
	Cancel()
}

// Supports reports whether adapter declares capability c.
func Supports(a Adapter, c Capability) bool {
	for _, have := range a.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// Dispatcher routes an operation to a backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, op Operation) (Result, error)
}

// PlanStore persists plans and their execution history.
type PlanStore interface {
	// SavePlan inserts or replaces a plan and its steps.
	SavePlan(ctx context.Context, plan *Plan) error

	// GetPlan loads a plan. A missing plan is a NotFound error.
	GetPlan(ctx context.Context, id string) (*Plan, error)

	// ListPlans returns plans newest first, up to limit.
	ListPlans(ctx context.Context, limit int) ([]*Plan, error)

	// AppendExecution records one step attempt.
	AppendExecution(ctx context.Context, exec Execution) error

	// ListExecutions returns a plan's executions in the order they ran.
	ListExecutions(ctx context.Context, planID string) ([]Execution, error)
}

// StepDecision is a policy verdict for a single step.
type StepDecision struct {
	StepID string `json:"step_id"`

	// Deny rejects the step before approval is asked for.
	Deny bool `json:"deny"`

	// RequireConfirmation forces the step to wait for a positive approval.
	RequireConfirmation bool `json:"require_confirmation"`

	// Reasons explains the verdict.
	Reasons []string `json:"reasons,omitempty"`
}

// StepPolicy reviews a drafted plan before it is offered for approval.
type StepPolicy interface {
	Review(ctx context.Context, plan *Plan) ([]StepDecision, error)
}

// EventType names a plan lifecycle event.
type EventType string

const (
	EventPlanCreated      EventType = "plan.created"
	EventPlanApproved     EventType = "plan.approved"
	EventPlanAwaiting     EventType = "plan.awaiting_approval"
	EventPlanCompleted    EventType = "plan.completed"
	EventStepStarted      EventType = "step.started"
	EventStepSucceeded    EventType = "step.succeeded"
	EventStepFailed       EventType = "step.failed"
	EventStepRejected     EventType = "step.rejected"
	EventBackendUnhealthy EventType = "backend.unhealthy"
	EventBackendHealthy   EventType = "backend.healthy"
)

// Event is a lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	PlanID    string                 `json:"plan_id,omitempty"`
	StepID    string                 `json:"step_id,omitempty"`
	Backend   string                 `json:"backend,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// EventPublisher delivers lifecycle events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}
