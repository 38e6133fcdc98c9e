package router

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/dispatch"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stores"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	last     engine.Payload
	answer   map[engine.Capability]func(engine.Payload) (engine.Result, error)
	tokens   []engine.StreamToken
	openErr  error
	streamed bool

	// hold keeps the stream open after tokens until it is cancelled.
	hold   bool
	handle *fakeHandle
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{answer: map[engine.Capability]func(engine.Payload) (engine.Result, error){
		engine.CapabilityPlan: func(engine.Payload) (engine.Result, error) {
			return engine.Result{Backend: "primary", Value: engine.PlanDraft{Steps: []engine.StepDraft{
				{ID: "s1", Action: engine.ActionSummarizeText, Description: "Summarize inbox"},
				{ID: "s2", Action: engine.ActionSendEmail, Description: "Send digest", RequiresConfirmation: true},
			}}}, nil
		},
		engine.CapabilityExecute: func(engine.Payload) (engine.Result, error) {
			return engine.Result{Backend: "actions", Value: engine.StepResult{Status: engine.StepStatusSucceeded}}, nil
		},
		engine.CapabilityIndex: func(p engine.Payload) (engine.Result, error) {
			req := p.(engine.IndexRequest)
			return engine.Result{Backend: "primary", Value: engine.IndexResult{DocumentID: req.DocumentID, Status: "indexed"}}, nil
		},
		engine.CapabilityQuery: func(engine.Payload) (engine.Result, error) {
			return engine.Result{Backend: "local", Synthesized: true, Value: &engine.QueryResult{Answer: "42"}}, nil
		},
		engine.CapabilityEmbed: func(p engine.Payload) (engine.Result, error) {
			req := p.(engine.EmbedRequest)
			vectors := make([][]float64, len(req.Texts))
			for i := range vectors {
				vectors[i] = []float64{1, 0}
			}
			return engine.Result{Backend: "primary", Value: engine.EmbedResult{Vectors: vectors}}, nil
		},
	}}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, op engine.Operation) (engine.Result, error) {
	f.mu.Lock()
	f.last = op.Payload
	fn := f.answer[op.Capability]
	f.mu.Unlock()
	if fn == nil {
		return engine.Result{}, engine.NewError(engine.ErrorKindUnavailable, "no backend serves "+string(op.Capability), nil)
	}
	return fn(op.Payload)
}

func (f *fakeDispatcher) OpenStream(_ context.Context, op engine.Operation) (engine.StreamHandle, engine.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = op.Payload
	if f.openErr != nil {
		return nil, engine.StreamInfo{}, f.openErr
	}
	f.streamed = true
	f.handle = newFakeHandle(f.tokens, f.hold)
	return f.handle, engine.StreamInfo{Backend: "local", Synthesized: true}, nil
}

func (f *fakeDispatcher) Status() []dispatch.BackendStatus {
	return []dispatch.BackendStatus{{
		ID:           "primary",
		Kind:         "http",
		Capabilities: []engine.Capability{engine.CapabilityQuery},
		Health:       dispatch.HealthSnapshot{Backend: "primary", State: dispatch.HealthHealthy},
	}}
}

func (f *fakeDispatcher) lastPayload() engine.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeHandle struct {
	ch        chan engine.StreamToken
	mu        sync.Mutex
	cancelled bool
}

func newFakeHandle(tokens []engine.StreamToken, hold bool) *fakeHandle {
	ch := make(chan engine.StreamToken, len(tokens))
	for _, t := range tokens {
		ch <- t
	}
	if !hold {
		close(ch)
	}
	return &fakeHandle{ch: ch}
}

func (h *fakeHandle) ID() string                        { return "stream-1" }
func (h *fakeHandle) Tokens() <-chan engine.StreamToken { return h.ch }
func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
}

func (h *fakeHandle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (f *fakeDispatcher) openHandle() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle
}

type countingTokens struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *countingTokens) RecordStreamToken(backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[string]int)
	}
	c.n[backend]++
}

func (c *countingTokens) count(backend string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[backend]
}

func newTestRouter(t *testing.T, opts ...Option) (*Router, *fakeDispatcher, *stores.MemoryStore) {
	t.Helper()
	d := newFakeDispatcher()
	store := stores.NewMemoryStore()
	machine := engine.NewMachine(d, store)
	return New(d, machine, store, opts...), d, store
}

func TestPlanRequiresGoal(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.Plan(context.Background(), engine.PlanRequest{Goal: "   "})
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindInvalid, engine.KindOf(err))
}

func TestPlanAndExecute(t *testing.T) {
	r, _, _ := newTestRouter(t)
	ctx := context.Background()

	plan, err := r.Plan(ctx, engine.PlanRequest{Goal: " send the digest "})
	require.NoError(t, err)
	assert.Equal(t, "send the digest", plan.Goal)
	assert.Equal(t, engine.PlanStatusAwaitingApproval, plan.Status)

	_, err = r.Execute(ctx, plan.ID, map[string]bool{})
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindApprovalRequired, engine.KindOf(err))

	report, err := r.Execute(ctx, plan.ID, map[string]bool{"s2": true})
	require.NoError(t, err)
	assert.Equal(t, engine.PlanStatusCompleted, report.Plan.Status)
	assert.Len(t, report.Executions, 2)

	view, err := r.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.PlanStatusCompleted, view.Plan.Status)
	assert.Len(t, view.Executions, 2)

	_, err = r.Execute(ctx, plan.ID, map[string]bool{"s2": true})
	assert.Equal(t, engine.ErrorKindConflict, engine.KindOf(err))
}

func TestExecuteRejectedApproval(t *testing.T) {
	r, _, _ := newTestRouter(t)
	ctx := context.Background()

	plan, err := r.Plan(ctx, engine.PlanRequest{Goal: "digest"})
	require.NoError(t, err)

	_, err = r.Execute(ctx, plan.ID, map[string]bool{"s2": false})
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindApprovalRequired, engine.KindOf(err))

	view, err := r.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.PlanStatusAwaitingApproval, view.Plan.Status)
	assert.Equal(t, engine.StepStatusRejected, view.Plan.Step("s2").Status)
}

func TestExecuteRequiresPlanID(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.Execute(context.Background(), "", nil)
	assert.Equal(t, engine.ErrorKindInvalid, engine.KindOf(err))
}

func TestGetPlanUnknown(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.GetPlan(context.Background(), "missing")
	assert.Equal(t, engine.ErrorKindNotFound, engine.KindOf(err))
}

func TestGetPlanWithoutExecutions(t *testing.T) {
	r, _, _ := newTestRouter(t)
	ctx := context.Background()

	plan, err := r.Plan(ctx, engine.PlanRequest{Goal: "digest"})
	require.NoError(t, err)

	view, err := r.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.NotNil(t, view.Executions)
	assert.Empty(t, view.Executions)
}

func TestListPlans(t *testing.T) {
	r, _, _ := newTestRouter(t)
	ctx := context.Background()

	for _, goal := range []string{"one", "two", "three"} {
		_, err := r.Plan(ctx, engine.PlanRequest{Goal: goal})
		require.NoError(t, err)
	}

	plans, err := r.ListPlans(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, plans, 2)

	plans, err = r.ListPlans(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, plans, 3)
}

func TestIndexStripsDeclaredHTML(t *testing.T) {
	r, d, _ := newTestRouter(t)

	reply, err := r.Index(context.Background(), engine.IndexRequest{
		DocumentID: "doc-1",
		Text:       "<p>Hello <b>world</b> &amp; friends</p>",
		Metadata:   map[string]string{ContentTypeKey: "text/html; charset=utf-8"},
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", reply.Result.DocumentID)
	assert.Equal(t, "primary", reply.Backend)

	sent, ok := d.lastPayload().(engine.IndexRequest)
	require.True(t, ok)
	assert.Equal(t, "Hello world & friends", sent.Text)
}

func TestIndexKeepsPlainTextVerbatim(t *testing.T) {
	r, d, _ := newTestRouter(t)

	text := "From: John Smith <john@example.com>\nfor i := 0; i<n && n>0; i++ {}\nfunc Map[T any](xs []T) &amp;"
	_, err := r.Index(context.Background(), engine.IndexRequest{DocumentID: "mail-1", Text: text})
	require.NoError(t, err)

	sent, ok := d.lastPayload().(engine.IndexRequest)
	require.True(t, ok)
	assert.Equal(t, text, sent.Text)

	_, err = r.Index(context.Background(), engine.IndexRequest{
		DocumentID: "mail-2",
		Text:       text,
		Metadata:   map[string]string{ContentTypeKey: "text/plain"},
	})
	require.NoError(t, err)
	sent = d.lastPayload().(engine.IndexRequest)
	assert.Equal(t, text, sent.Text)
}

func TestIndexRejectsMarkupOnlyHTML(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.Index(context.Background(), engine.IndexRequest{
		DocumentID: "doc-1",
		Text:       "<br/>",
		Metadata:   map[string]string{ContentTypeKey: "text/html"},
	})
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindInvalid, engine.KindOf(err))
	assert.Contains(t, err.Error(), "text failed required")
}

func TestIndexValidation(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.Index(context.Background(), engine.IndexRequest{Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document_id failed required")
}

func TestQueryTopK(t *testing.T) {
	tests := []struct {
		name    string
		topK    int
		want    int
		wantErr bool
	}{
		{name: "default", topK: 0, want: DefaultTopK},
		{name: "explicit", topK: 3, want: 3},
		{name: "max", topK: MaxTopK, want: MaxTopK},
		{name: "too large", topK: MaxTopK + 1, wantErr: true},
		{name: "negative", topK: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, d, _ := newTestRouter(t)

			reply, err := r.Query(context.Background(), engine.QueryRequest{Query: "what", TopK: tt.topK})
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, engine.ErrorKindInvalid, engine.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "42", reply.Result.Answer)
			assert.True(t, reply.Synthesized)
			assert.Equal(t, tt.want, d.lastPayload().(engine.QueryRequest).TopK)
		})
	}
}

func TestEmbed(t *testing.T) {
	r, _, _ := newTestRouter(t)

	reply, err := r.Embed(context.Background(), engine.EmbedRequest{Texts: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Len(t, reply.Result.Vectors, 2)

	_, err = r.Embed(context.Background(), engine.EmbedRequest{})
	assert.Equal(t, engine.ErrorKindInvalid, engine.KindOf(err))
}

func TestEmbedVectorCountMismatch(t *testing.T) {
	r, d, _ := newTestRouter(t)
	d.answer[engine.CapabilityEmbed] = func(engine.Payload) (engine.Result, error) {
		return engine.Result{Backend: "primary", Value: engine.EmbedResult{Vectors: [][]float64{{1}}}}, nil
	}

	_, err := r.Embed(context.Background(), engine.EmbedRequest{Texts: []string{"a", "b"}})
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindAmbiguous, engine.KindOf(err))
}

func TestUnexpectedResultType(t *testing.T) {
	r, d, _ := newTestRouter(t)
	d.answer[engine.CapabilityQuery] = func(engine.Payload) (engine.Result, error) {
		return engine.Result{Backend: "primary", Value: engine.EmbedResult{}}, nil
	}

	_, err := r.Query(context.Background(), engine.QueryRequest{Query: "what"})
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindAmbiguous, engine.KindOf(err))
}

func TestDispatchErrorPassesThrough(t *testing.T) {
	r, d, _ := newTestRouter(t)
	delete(d.answer, engine.CapabilityEmbed)

	_, err := r.Embed(context.Background(), engine.EmbedRequest{Texts: []string{"a"}})
	assert.Equal(t, engine.ErrorKindUnavailable, engine.KindOf(err))
}

func TestChatStreamValidation(t *testing.T) {
	r, d, _ := newTestRouter(t)

	_, _, err := r.ChatStream(context.Background(), engine.ChatRequest{
		Messages: []engine.Message{{Role: "robot", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindInvalid, engine.KindOf(err))
	assert.Contains(t, err.Error(), "messages[0].role failed oneof")
	assert.False(t, d.streamed)
}

func TestPlanEvents(t *testing.T) {
	r, _, store := newTestRouter(t)
	ctx := context.Background()

	plan, err := r.Plan(ctx, engine.PlanRequest{Goal: "digest"})
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(ctx, &engine.Event{ID: "e1", Type: engine.EventPlanCreated, PlanID: plan.ID}))

	events, err := r.PlanEvents(ctx, plan.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, engine.EventPlanCreated, events[0].Type)

	_, err = r.PlanEvents(ctx, "missing", 0)
	assert.Equal(t, engine.ErrorKindNotFound, engine.KindOf(err))
}

func TestJSONPath(t *testing.T) {
	tests := map[string]string{
		"IndexRequest.DocumentID":      "document_id",
		"QueryRequest.TopK":            "top_k",
		"ChatRequest.Messages[1].Role": "messages[1].role",
		"EmbedRequest.Texts":           "texts",
	}
	for in, want := range tests {
		if got := jsonPath(in); got != want {
			t.Errorf("jsonPath(%q) = %q, want %q", in, got, want)
		}
	}
}
