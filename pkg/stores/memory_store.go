package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// MemoryStore implements Store in process. Plans are copied on the way in
// and out so callers never share step slices with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	plans      map[string]*engine.Plan
	order      map[string]int
	seq        int
	executions map[string][]engine.Execution
	events     []*engine.Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:      make(map[string]*engine.Plan),
		order:      make(map[string]int),
		executions: make(map[string][]engine.Execution),
	}
}

func (s *MemoryStore) Init(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) SavePlan(_ context.Context, plan *engine.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.order[plan.ID]; !ok {
		s.seq++
		s.order[plan.ID] = s.seq
	} else {
		// created_at is kept from the first save, as in SQLiteStore.
		prev := s.plans[plan.ID]
		c := plan.Clone()
		c.CreatedAt = prev.CreatedAt
		s.plans[plan.ID] = c
		return nil
	}
	s.plans[plan.ID] = plan.Clone()
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (*engine.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("plan %s not found", id), nil)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPlans(_ context.Context, limit int) ([]*engine.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plans := make([]*engine.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		plans = append(plans, p.Clone())
	}
	sort.Slice(plans, func(i, j int) bool {
		a, b := plans[i], plans[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return s.order[a.ID] > s.order[b.ID]
	})
	if limit > 0 && len(plans) > limit {
		plans = plans[:limit]
	}
	return plans, nil
}

func (s *MemoryStore) AppendExecution(_ context.Context, exec engine.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[exec.PlanID]; !ok {
		return engine.NewNotFoundError(fmt.Sprintf("plan %s not found", exec.PlanID), nil)
	}
	s.executions[exec.PlanID] = append(s.executions[exec.PlanID], exec)
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, planID string) ([]engine.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.Execution, len(s.executions[planID]))
	copy(out, s.executions[planID])
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *engine.Event) error {
	e := *event
	s.mu.Lock()
	s.events = append(s.events, &e)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, q EventQuery) ([]*engine.Event, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultEventLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*engine.Event{}
	for _, e := range s.events {
		if q.PlanID != "" && e.PlanID != q.PlanID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}
