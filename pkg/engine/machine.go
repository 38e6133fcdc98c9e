package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Machine owns the plan lifecycle: generate, approve, execute, aggregate.
// Every transition is persisted before the next one starts so a restarted
// process sees a consistent plan.
type Machine struct {
	dispatcher Dispatcher
	store      PlanStore
	policy     StepPolicy
	events     EventPublisher
	normalizer *DraftNormalizer
	locks      *keyedLocks
	now        func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithStepPolicy reviews each drafted plan before approval.
func WithStepPolicy(p StepPolicy) MachineOption {
	return func(m *Machine) { m.policy = p }
}

// WithEventPublisher publishes plan lifecycle events.
func WithEventPublisher(p EventPublisher) MachineOption {
	return func(m *Machine) { m.events = p }
}

// WithActions restricts the action names plans may contain.
func WithActions(actions ActionSet) MachineOption {
	return func(m *Machine) { m.normalizer = NewDraftNormalizer(actions) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a plan state machine.
func NewMachine(dispatcher Dispatcher, store PlanStore, opts ...MachineOption) *Machine {
	m := &Machine{
		dispatcher: dispatcher,
		store:      store,
		normalizer: NewDraftNormalizer(nil),
		locks:      newKeyedLocks(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.normalizer.now = m.now
	return m
}

// Generate asks a backend to draft a plan for req, normalizes it, applies
// the step policy and leaves the plan awaiting approval. Steps that do not
// require confirmation are approved immediately.
func (m *Machine) Generate(ctx context.Context, req PlanRequest) (*Plan, error) {
	res, err := m.dispatcher.Dispatch(ctx, NewOperation(req))
	if err != nil {
		return nil, err
	}
	draft, ok := res.Value.(PlanDraft)
	if !ok {
		return nil, NewAmbiguousError(fmt.Sprintf("backend %s returned %T for a plan", res.Backend, res.Value), nil).
			WithBackend(res.Backend)
	}

	plan := m.normalizer.Normalize(req.Goal, draft)
	plan.Backend = res.Backend
	plan.Metadata["backend"] = res.Backend
	if sources := enabledSources(req.Sources); sources != "" {
		plan.Metadata["sources"] = sources
	}
	if res.Synthesized {
		plan.Metadata["synthesized"] = "true"
	}

	if m.policy != nil {
		decisions, err := m.policy.Review(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("failed to review plan: %w", err)
		}
		applyDecisions(plan, decisions)
	}

	plan.Status = PlanStatusAwaitingApproval
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status == StepStatusPending && !step.RequiresConfirmation {
			step.Status = StepStatusApproved
		}
	}
	plan.UpdatedAt = m.now()

	if err := m.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}

	m.publish(ctx, &Event{
		Type:    EventPlanCreated,
		PlanID:  plan.ID,
		Backend: plan.Backend,
		Message: fmt.Sprintf("Plan created with %d steps", len(plan.Steps)),
		Level:   "info",
		Details: map[string]interface{}{"status": string(plan.Status), "summary": Summarize(plan)},
	})
	return plan, nil
}

// Get loads a plan.
func (m *Machine) Get(ctx context.Context, planID string) (*Plan, error) {
	return m.store.GetPlan(ctx, planID)
}

// Execute applies approvals to a plan and, when every step that needs
// confirmation has a positive approval, runs the approved steps in order.
// A failed step does not stop later steps. Approvals set to false reject the
// step; the plan then stays awaiting approval and ApprovalRequired is
// returned, as it is when an approval is missing.
//
// Steps run on a context detached from ctx's cancellation so a dropped
// client cannot leave a plan stuck half-executed.
func (m *Machine) Execute(ctx context.Context, planID string, approvals map[string]bool) (*ExecutionReport, error) {
	unlock, ok := m.locks.TryLock(planID)
	if !ok {
		return nil, NewConflictError(fmt.Sprintf("plan %s is already being executed", planID), nil)
	}
	defer unlock()

	plan, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	switch {
	case plan.Status.IsTerminal():
		return nil, NewConflictError(fmt.Sprintf("plan %s already finished as %s; generate a new plan", planID, plan.Status), nil)
	case plan.Status != PlanStatusAwaitingApproval:
		return nil, NewConflictError(fmt.Sprintf("plan %s is %s", planID, plan.Status), nil)
	}

	if unknown := unknownSteps(plan, approvals); len(unknown) > 0 {
		return nil, NewInvalidError("approvals reference unknown steps", nil).WithDetail("steps", unknown)
	}

	pending, rejected := m.applyApprovals(ctx, plan, approvals)
	if len(pending) > 0 || len(rejected) > 0 {
		plan.UpdatedAt = m.now()
		if err := m.store.SavePlan(ctx, plan); err != nil {
			return nil, fmt.Errorf("failed to save plan: %w", err)
		}
		m.publish(ctx, &Event{
			Type:    EventPlanAwaiting,
			PlanID:  plan.ID,
			Message: "Plan is still awaiting approval",
			Level:   "warning",
		})
		return nil, NewApprovalRequiredError(fmt.Sprintf("plan %s has steps without a positive approval", planID)).
			WithDetail("pending", pending).
			WithDetail("rejected", rejected)
	}

	runCtx := context.WithoutCancel(ctx)
	plan.Status = PlanStatusExecuting
	plan.UpdatedAt = m.now()
	if err := m.store.SavePlan(runCtx, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}
	m.publish(runCtx, &Event{Type: EventPlanApproved, PlanID: plan.ID, Message: "Plan approved", Level: "info"})

	executions := make([]Execution, 0, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status == StepStatusRejected {
			continue
		}
		exec, err := m.runStep(runCtx, plan, step)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}

	plan.Status = Aggregate(plan.Steps)
	plan.UpdatedAt = m.now()
	if err := m.store.SavePlan(runCtx, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}

	level := "info"
	if plan.Status != PlanStatusCompleted {
		level = "error"
	}
	m.publish(runCtx, &Event{
		Type:    EventPlanCompleted,
		PlanID:  plan.ID,
		Message: fmt.Sprintf("Plan finished as %s", plan.Status),
		Level:   level,
		Details: map[string]interface{}{"status": string(plan.Status), "summary": Summarize(plan)},
	})

	return &ExecutionReport{Plan: plan, Executions: executions}, nil
}

// runStep dispatches one step and records its execution. The returned error
// is reserved for persistence failures; dispatch failures fail the step.
func (m *Machine) runStep(ctx context.Context, plan *Plan, step *Step) (Execution, error) {
	step.Status = StepStatusRunning
	if err := m.store.SavePlan(ctx, plan); err != nil {
		return Execution{}, fmt.Errorf("failed to save plan: %w", err)
	}
	m.publish(ctx, &Event{Type: EventStepStarted, PlanID: plan.ID, StepID: step.ID, Message: step.Description, Level: "info"})

	exec := Execution{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		StepID:    step.ID,
		Action:    step.Action,
		StartedAt: m.now(),
	}

	res, err := m.dispatcher.Dispatch(ctx, NewOperation(ExecuteRequest{PlanID: plan.ID, Step: *step}))
	exec.CompletedAt = m.now()
	exec.Backend = res.Backend

	switch {
	case err != nil:
		env := ToEnvelope(err)
		exec.Status = StepStatusFailed
		exec.Error = &env
	default:
		sr, ok := res.Value.(StepResult)
		switch {
		case !ok:
			exec.Status = StepStatusFailed
			exec.Error = &Envelope{ErrorKind: ErrorKindAmbiguous, Message: fmt.Sprintf("backend returned %T for a step", res.Value)}
		case sr.Status == StepStatusFailed || sr.Error != "":
			exec.Status = StepStatusFailed
			exec.Result = sr.Output
			exec.Error = &Envelope{ErrorKind: ErrorKindBackendRejected, Message: sr.Error}
		default:
			exec.Status = StepStatusSucceeded
			exec.Result = sr.Output
		}
	}
	step.Status = exec.Status

	if err := m.store.AppendExecution(ctx, exec); err != nil {
		return Execution{}, fmt.Errorf("failed to record execution: %w", err)
	}

	evt := &Event{Type: EventStepSucceeded, PlanID: plan.ID, StepID: step.ID, Backend: exec.Backend, Message: "Step succeeded", Level: "info"}
	if exec.Status == StepStatusFailed {
		evt.Type, evt.Level = EventStepFailed, "error"
		evt.Message = exec.Error.Message
	}
	m.publish(ctx, evt)
	return exec, nil
}

// applyApprovals moves pending steps to approved or rejected. It returns
// the ids still waiting and the ids rejected by this call.
func (m *Machine) applyApprovals(ctx context.Context, plan *Plan, approvals map[string]bool) (pending, rejected []string) {
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status != StepStatusPending {
			continue
		}
		approved, given := approvals[step.ID]
		switch {
		case !given:
			pending = append(pending, step.ID)
		case approved:
			step.Status = StepStatusApproved
		default:
			step.Status = StepStatusRejected
			step.Reason = "rejected by approver"
			rejected = append(rejected, step.ID)
			m.publish(ctx, &Event{Type: EventStepRejected, PlanID: plan.ID, StepID: step.ID, Message: step.Reason, Level: "warning"})
		}
	}
	return pending, rejected
}

func (m *Machine) publish(ctx context.Context, event *Event) {
	if m.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	_ = m.events.Publish(ctx, event)
}

// applyDecisions folds policy verdicts into the plan's steps.
func applyDecisions(plan *Plan, decisions []StepDecision) {
	for _, d := range decisions {
		step := plan.Step(d.StepID)
		if step == nil || step.Status == StepStatusRejected {
			continue
		}
		if d.Deny {
			step.Status = StepStatusRejected
			step.Reason = joinReasons(d.Reasons, "denied by policy")
			continue
		}
		if d.RequireConfirmation {
			step.RequiresConfirmation = true
		}
	}
}

func joinReasons(reasons []string, fallback string) string {
	if len(reasons) == 0 {
		return fallback
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

func enabledSources(sources map[string]bool) string {
	var names []string
	for name, on := range sources {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func unknownSteps(plan *Plan, approvals map[string]bool) []string {
	var unknown []string
	for id := range approvals {
		if plan.Step(id) == nil {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// keyedLocks hands out one non-blocking lock per key and forgets keys that
// nobody holds.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[string]struct{})}
}

// TryLock acquires key if it is free.
func (l *keyedLocks) TryLock(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false
	}
	l.held[key] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true
}
