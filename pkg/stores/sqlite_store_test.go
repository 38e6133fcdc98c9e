package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	require.NoError(t, err, "failed to create store")

	ctx := context.Background()
	require.NoError(t, store.Init(ctx), "failed to initialize store")
	require.NoError(t, store.Migrate(ctx), "failed to migrate store")

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testPlan(id string, created time.Time) *engine.Plan {
	return &engine.Plan{
		ID:     id,
		Goal:   "tidy my inbox",
		Status: engine.PlanStatusAwaitingApproval,
		Steps: []engine.Step{
			{ID: "s1", Action: engine.ActionSummarizeText, Description: "Summarize", Params: map[string]interface{}{"text": "hello"}, Status: engine.StepStatusPending},
			{ID: "s2", Action: engine.ActionSetReminder, Description: "Remind", RequiresConfirmation: true, Status: engine.StepStatusPending},
		},
		Metadata:  map[string]string{"mode": "on-device"},
		Backend:   "local",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// forEachStore runs fn against both store implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "mahi.db"),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	// A second run finds nothing to do.
	require.NoError(t, store.Migrate(ctx), "second migrate")
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Close())
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(Config{})
	assert.Error(t, err)
}

func TestMigrateBeforeInit(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	require.NoError(t, err)
	assert.Error(t, store.Migrate(context.Background()), "migrating an unopened store")
}

func TestSaveAndGetPlan(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
		require.NoError(t, s.SavePlan(ctx, testPlan("p1", created)))

		got, err := s.GetPlan(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "tidy my inbox", got.Goal)
		assert.Equal(t, "local", got.Backend)
		assert.True(t, got.CreatedAt.Equal(created), "created_at = %v, want %v", got.CreatedAt, created)

		require.Len(t, got.Steps, 2)
		assert.Equal(t, "s1", got.Steps[0].ID)
		assert.Equal(t, "s2", got.Steps[1].ID)
		assert.True(t, got.Steps[1].RequiresConfirmation)
		assert.Equal(t, "hello", got.Steps[0].Params["text"])
		assert.Equal(t, "on-device", got.Metadata["mode"])
	})
}

func TestSavePlanReplacesSteps(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		plan := testPlan("p1", time.Now())
		require.NoError(t, s.SavePlan(ctx, plan))

		plan.Status = engine.PlanStatusCompleted
		plan.Steps = plan.Steps[:1]
		plan.Steps[0].Status = engine.StepStatusSucceeded
		plan.UpdatedAt = plan.UpdatedAt.Add(time.Second)
		require.NoError(t, s.SavePlan(ctx, plan))

		got, err := s.GetPlan(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, engine.PlanStatusCompleted, got.Status)
		require.Len(t, got.Steps, 1)
		assert.Equal(t, engine.StepStatusSucceeded, got.Steps[0].Status)
	})
}

func TestGetPlanNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetPlan(context.Background(), "missing")
		assert.Equal(t, engine.ErrorKindNotFound, engine.KindOf(err))
	})
}

func TestListPlansNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.SavePlan(ctx, testPlan(id, base.Add(time.Duration(i)*time.Minute))))
		}

		plans, err := s.ListPlans(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, []string{"c", "b"}, planIDs(plans))
		assert.Len(t, plans[0].Steps, 2, "listed plan keeps its steps")

		all, err := s.ListPlans(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestExecutions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SavePlan(ctx, testPlan("p1", time.Now())))

		start := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
		execs := []engine.Execution{
			{
				ID: "e1", PlanID: "p1", StepID: "s1", Action: engine.ActionSummarizeText,
				Status: engine.StepStatusSucceeded, Result: map[string]interface{}{"summary": "hello"},
				Backend: "actions", StartedAt: start, CompletedAt: start.Add(20 * time.Millisecond),
			},
			{
				ID: "e2", PlanID: "p1", StepID: "s2", Action: engine.ActionSetReminder,
				Status: engine.StepStatusFailed,
				Error:  &engine.Envelope{ErrorKind: engine.ErrorKindUnavailable, Message: "no backend"},
				StartedAt: start, CompletedAt: start,
			},
		}
		for _, e := range execs {
			require.NoError(t, s.AppendExecution(ctx, e))
		}

		got, err := s.ListExecutions(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "e1", got[0].ID)
		assert.Equal(t, "e2", got[1].ID)
		assert.Equal(t, 20*time.Millisecond, got[0].Duration())
		assert.Equal(t, "hello", got[0].Result["summary"])
		require.NotNil(t, got[1].Error)
		assert.Equal(t, engine.ErrorKindUnavailable, got[1].Error.ErrorKind)

		none, err := s.ListExecutions(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, none)

		orphan := engine.Execution{ID: "e3", PlanID: "ghost", StepID: "s1", Action: "noop", Status: engine.StepStatusFailed}
		assert.Error(t, s.AppendExecution(ctx, orphan), "execution for an unknown plan")
	})
}

func TestEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		events := []*engine.Event{
			{ID: "ev1", Type: engine.EventPlanCreated, PlanID: "p1", Level: "info", Message: "created", Timestamp: now},
			{ID: "ev2", Type: engine.EventStepFailed, PlanID: "p1", StepID: "s1", Level: "error", Message: "failed", Details: map[string]interface{}{"error": "timeout"}, Timestamp: now},
			{ID: "ev3", Type: engine.EventPlanCreated, PlanID: "p2", Level: "info", Message: "created", Timestamp: now},
		}
		for _, e := range events {
			require.NoError(t, s.AppendEvent(ctx, e))
		}

		got, err := s.ListEvents(ctx, EventQuery{PlanID: "p1"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "ev1", got[0].ID)
		assert.Equal(t, "ev2", got[1].ID)
		assert.Equal(t, "timeout", got[1].Details["error"])

		created, err := s.ListEvents(ctx, EventQuery{Type: engine.EventPlanCreated, Limit: 1})
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, "ev1", created[0].ID)
	})
}

func TestTimeLayoutSortsAsText(t *testing.T) {
	a := formatTime(time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC))
	b := formatTime(time.Date(2026, 1, 1, 0, 0, 5, 500, time.UTC))
	assert.Less(t, a, b)

	parsed, err := parseTime(b)
	require.NoError(t, err)
	assert.Equal(t, 500, parsed.Nanosecond())
}

func planIDs(plans []*engine.Plan) []string {
	ids := make([]string, len(plans))
	for i, p := range plans {
		ids[i] = p.ID
	}
	return ids
}
