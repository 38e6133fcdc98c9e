package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock dispatcher for testing
type mockDispatcher struct {
	mu        sync.Mutex
	draft     PlanDraft
	planErr   error
	failSteps map[string]bool
	errSteps  map[string]error
	executed  []string
	delay     time.Duration
}

func newMockDispatcher(draft PlanDraft) *mockDispatcher {
	return &mockDispatcher{
		draft:     draft,
		failSteps: make(map[string]bool),
		errSteps:  make(map[string]error),
	}
}

func (m *mockDispatcher) Dispatch(ctx context.Context, op Operation) (Result, error) {
	switch p := op.Payload.(type) {
	case PlanRequest:
		if m.planErr != nil {
			return Result{}, m.planErr
		}
		return Result{Backend: "mock", Value: m.draft}, nil
	case ExecuteRequest:
		if m.delay > 0 {
			time.Sleep(m.delay)
		}
		m.mu.Lock()
		m.executed = append(m.executed, p.Step.ID)
		fail := m.failSteps[p.Step.ID]
		err := m.errSteps[p.Step.ID]
		m.mu.Unlock()
		if err != nil {
			return Result{}, err
		}
		if fail {
			return Result{Backend: "mock", Value: StepResult{Status: StepStatusFailed, Error: "mock failure"}}, nil
		}
		return Result{Backend: "mock", Value: StepResult{Status: StepStatusSucceeded, Output: map[string]interface{}{"ok": true}}}, nil
	default:
		return Result{}, fmt.Errorf("unexpected payload %T", p)
	}
}

func (m *mockDispatcher) getExecuted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.executed...)
}

// Mock plan store for testing
type mockPlanStore struct {
	mu         sync.Mutex
	plans      map[string]*Plan
	executions map[string][]Execution
	saves      int
}

func newMockPlanStore() *mockPlanStore {
	return &mockPlanStore{
		plans:      make(map[string]*Plan),
		executions: make(map[string][]Execution),
	}
}

func (s *mockPlanStore) SavePlan(ctx context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan.Clone()
	s.saves++
	return nil
}

func (s *mockPlanStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, NewNotFoundError("plan not found: "+id, nil)
	}
	return p.Clone(), nil
}

func (s *mockPlanStore) ListPlans(ctx context.Context, limit int) ([]*Plan, error) {
	return nil, nil
}

func (s *mockPlanStore) AppendExecution(ctx context.Context, exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.PlanID] = append(s.executions[exec.PlanID], exec)
	return nil
}

func (s *mockPlanStore) ListExecutions(ctx context.Context, planID string) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Execution{}, s.executions[planID]...), nil
}

// Mock event publisher for testing
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type staticPolicy []StepDecision

func (p staticPolicy) Review(ctx context.Context, plan *Plan) ([]StepDecision, error) {
	return p, nil
}

func threeStepDraft() PlanDraft {
	return PlanDraft{Steps: []StepDraft{
		{ID: "s1", Action: ActionSummarizeText, Description: "Summarize inbox"},
		{ID: "s2", Action: ActionSendEmail, Description: "Send digest", RequiresConfirmation: true},
		{ID: "s3", Action: ActionSetReminder, Description: "Remind me"},
	}}
}

func TestGenerateAutoApprovesUnconfirmedSteps(t *testing.T) {
	store := newMockPlanStore()
	m := NewMachine(newMockDispatcher(threeStepDraft()), store)

	plan, err := m.Generate(context.Background(), PlanRequest{Goal: "digest"})
	require.NoError(t, err)

	assert.Equal(t, PlanStatusAwaitingApproval, plan.Status)
	want := map[string]StepStatus{"s1": StepStatusApproved, "s2": StepStatusPending, "s3": StepStatusApproved}
	for id, status := range want {
		assert.Equal(t, status, plan.Step(id).Status, "step %s", id)
	}
	assert.Equal(t, "mock", plan.Backend)
	assert.Equal(t, "mock", plan.Metadata["backend"])
	_, err = store.GetPlan(context.Background(), plan.ID)
	assert.NoError(t, err, "plan was not persisted")
}

func TestGeneratePropagatesDispatchError(t *testing.T) {
	d := newMockDispatcher(PlanDraft{})
	d.planErr = NewUnavailableError("no backend", nil)
	m := NewMachine(d, newMockPlanStore())

	_, err := m.Generate(context.Background(), PlanRequest{Goal: "x"})
	assert.Equal(t, ErrorKindUnavailable, KindOf(err))
}

func TestGenerateAppliesPolicy(t *testing.T) {
	policy := staticPolicy{
		{StepID: "s1", RequireConfirmation: true},
		{StepID: "s3", Deny: true, Reasons: []string{"reminders are disabled"}},
	}
	m := NewMachine(newMockDispatcher(threeStepDraft()), newMockPlanStore(), WithStepPolicy(policy))

	plan, err := m.Generate(context.Background(), PlanRequest{Goal: "digest"})
	require.NoError(t, err)

	s1 := plan.Step("s1")
	assert.True(t, s1.RequiresConfirmation)
	assert.Equal(t, StepStatusPending, s1.Status)
	s3 := plan.Step("s3")
	assert.Equal(t, StepStatusRejected, s3.Status)
	assert.Equal(t, "reminders are disabled", s3.Reason)
}

func TestExecuteAllApproved(t *testing.T) {
	d := newMockDispatcher(threeStepDraft())
	events := &mockEventPublisher{}
	m := NewMachine(d, newMockPlanStore(), WithEventPublisher(events))
	ctx := context.Background()

	plan, err := m.Generate(ctx, PlanRequest{Goal: "digest"})
	require.NoError(t, err)

	report, err := m.Execute(ctx, plan.ID, map[string]bool{"s2": true})
	require.NoError(t, err)

	assert.Equal(t, PlanStatusCompleted, report.Plan.Status)
	require.Len(t, report.Executions, 3)
	assert.Equal(t, []string{"s1", "s2", "s3"}, d.getExecuted())

	types := events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventPlanCompleted, types[len(types)-1])
}

func TestExecuteRejectedApprovalKeepsPlanWaiting(t *testing.T) {
	d := newMockDispatcher(threeStepDraft())
	store := newMockPlanStore()
	m := NewMachine(d, store)
	ctx := context.Background()

	plan, err := m.Generate(ctx, PlanRequest{Goal: "digest"})
	require.NoError(t, err)

	_, err = m.Execute(ctx, plan.ID, map[string]bool{"s2": false})
	require.Equal(t, ErrorKindApprovalRequired, KindOf(err))
	assert.Empty(t, d.getExecuted())

	stored, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanStatusAwaitingApproval, stored.Status)
	assert.Equal(t, StepStatusRejected, stored.Step("s2").Status)

	// Nothing is pending any more, so the next call runs the rest.
	report, err := m.Execute(ctx, plan.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s3"}, d.getExecuted())
	assert.Equal(t, PlanStatusCompleted, report.Plan.Status)
}

func TestExecuteMissingApproval(t *testing.T) {
	m := NewMachine(newMockDispatcher(threeStepDraft()), newMockPlanStore())
	ctx := context.Background()
	plan, err := m.Generate(ctx, PlanRequest{Goal: "digest"})
	require.NoError(t, err)

	_, err = m.Execute(ctx, plan.ID, map[string]bool{})
	assert.Equal(t, ErrorKindApprovalRequired, KindOf(err))
}

func TestExecuteUnknownStepIsInvalid(t *testing.T) {
	m := NewMachine(newMockDispatcher(threeStepDraft()), newMockPlanStore())
	ctx := context.Background()
	plan, err := m.Generate(ctx, PlanRequest{Goal: "digest"})
	require.NoError(t, err)

	_, err = m.Execute(ctx, plan.ID, map[string]bool{"s2": true, "nope": true})
	assert.Equal(t, ErrorKindInvalid, KindOf(err))
}

func TestExecuteUnknownPlan(t *testing.T) {
	m := NewMachine(newMockDispatcher(PlanDraft{}), newMockPlanStore())
	_, err := m.Execute(context.Background(), "missing", nil)
	assert.Equal(t, ErrorKindNotFound, KindOf(err))
}

func TestExecuteContinuesAfterFailure(t *testing.T) {
	d := newMockDispatcher(threeStepDraft())
	d.failSteps["s1"] = true
	d.errSteps["s3"] = NewAmbiguousError("connection dropped", nil).WithBackend("mock")
	store := newMockPlanStore()
	m := NewMachine(d, store)
	ctx := context.Background()

	plan, err := m.Generate(ctx, PlanRequest{Goal: "digest"})
	require.NoError(t, err)
	report, err := m.Execute(ctx, plan.ID, map[string]bool{"s2": true})
	require.NoError(t, err)

	assert.Equal(t, PlanStatusPartiallyFailed, report.Plan.Status)
	assert.Len(t, d.getExecuted(), 3, "every step runs")
	require.Len(t, report.Executions, 3)
	require.NotNil(t, report.Executions[2].Error)
	assert.Equal(t, ErrorKindAmbiguous, report.Executions[2].Error.ErrorKind)

	execs, err := store.ListExecutions(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 3)
}

func TestExecuteTerminalPlanConflicts(t *testing.T) {
	m := NewMachine(newMockDispatcher(threeStepDraft()), newMockPlanStore())
	ctx := context.Background()
	plan, err := m.Generate(ctx, PlanRequest{Goal: "digest"})
	require.NoError(t, err)

	_, err = m.Execute(ctx, plan.ID, map[string]bool{"s2": true})
	require.NoError(t, err)
	_, err = m.Execute(ctx, plan.ID, map[string]bool{"s2": true})
	assert.Equal(t, ErrorKindConflict, KindOf(err))
}

func TestExecuteConcurrentCallsRunStepsOnce(t *testing.T) {
	d := newMockDispatcher(threeStepDraft())
	d.delay = 20 * time.Millisecond
	m := NewMachine(d, newMockPlanStore())
	ctx := context.Background()
	plan, err := m.Generate(ctx, PlanRequest{Goal: "digest"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Execute(ctx, plan.ID, map[string]bool{"s2": true})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case IsKind(err, ErrorKindConflict):
			conflicts++
		default:
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 1, ok, "successes")
	assert.Equal(t, 1, conflicts, "conflicts")
	assert.Len(t, d.getExecuted(), 3)
}

func TestExecuteSurvivesCallerCancellation(t *testing.T) {
	d := newMockDispatcher(threeStepDraft())
	m := NewMachine(d, newMockPlanStore())
	plan, err := m.Generate(context.Background(), PlanRequest{Goal: "digest"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := m.Execute(ctx, plan.ID, map[string]bool{"s2": true})
	require.NoError(t, err)
	assert.Equal(t, PlanStatusCompleted, report.Plan.Status)
}
