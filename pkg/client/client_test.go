package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/app"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/config"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Store.Path = filepath.Join(t.TempDir(), "unused.db")
	cfg.Telemetry.Logging.Level = "error"

	a, err := app.New(context.Background(), cfg, "test")
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Close(context.Background())
	})

	c, err := New(srv.URL + "/")
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadAddress(t *testing.T) {
	for _, addr := range []string{"", "localhost:8080", "://nope"} {
		if _, err := New(addr); err == nil {
			t.Errorf("New(%q) should fail", addr)
		}
	}
}

func TestPlanAndExecute(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	plan, err := c.Plan(ctx, engine.PlanRequest{Goal: "plan my week", Sources: map[string]bool{"calendar": true}})
	require.NoError(t, err)

	_, err = c.Execute(ctx, plan.ID, nil)
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindApprovalRequired, engine.KindOf(err))

	approvals := map[string]bool{}
	for _, s := range plan.Steps {
		if s.RequiresConfirmation {
			approvals[s.ID] = true
		}
	}
	report, err := c.Execute(ctx, plan.ID, approvals)
	require.NoError(t, err)
	assert.True(t, report.Plan.Status.IsTerminal())

	view, err := c.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, report.Plan.Status, view.Plan.Status)
	assert.Len(t, view.Executions, len(report.Executions))

	plans, err := c.ListPlans(ctx, 5)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, plan.ID, plans[0].ID)

	require.Eventually(t, func() bool {
		events, err := c.PlanEvents(ctx, plan.ID)
		return err == nil && len(events) > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUnknownPlanIsNotFound(t *testing.T) {
	c := newTestClient(t)

	_, err := c.GetPlan(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindNotFound, engine.KindOf(err))
}

func TestIndexQueryEmbed(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Index(ctx, engine.IndexRequest{DocumentID: "a", Text: "quarterly report is due on monday"})
	require.NoError(t, err)
	_, err = c.Index(ctx, engine.IndexRequest{DocumentID: "b", Text: "dinner with sam at eight"})
	require.NoError(t, err)

	reply, err := c.Query(ctx, engine.QueryRequest{Query: "quarterly report", TopK: 2})
	require.NoError(t, err)
	require.Len(t, reply.Result.Matches, 2)
	assert.Equal(t, "a", reply.Result.Matches[0].DocumentID)

	vectors, err := c.Embed(ctx, engine.EmbedRequest{Texts: []string{"x", "y", "z"}})
	require.NoError(t, err)
	assert.Len(t, vectors.Result.Vectors, 3)

	_, err = c.Query(ctx, engine.QueryRequest{Query: "q", TopK: 50})
	assert.Equal(t, engine.ErrorKindInvalid, engine.KindOf(err))
}

func TestChatStream(t *testing.T) {
	c := newTestClient(t)

	var text strings.Builder
	var seqs []int64
	info, last, err := c.ChatStream(context.Background(), engine.ChatRequest{
		Messages: []engine.Message{{Role: "user", Content: "hello there"}},
	}, func(tok engine.StreamToken) {
		text.WriteString(tok.Content)
		seqs = append(seqs, tok.Sequence)
	})
	require.NoError(t, err)
	assert.Equal(t, app.LocalBackendID, info.Backend)
	assert.True(t, info.Synthesized)
	assert.True(t, last.Terminal)
	assert.Empty(t, last.Error)
	assert.Contains(t, text.String(), "hello there")

	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestBackendsAndPing(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	backends, err := c.Backends(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, backends)
	assert.Equal(t, app.ActionsBackendID, backends[0].ID)
}

func TestNonEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	err = c.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindAmbiguous, engine.KindOf(err))
}

func TestWaitReadyHonoursContext(t *testing.T) {
	c, err := New("http://127.0.0.1:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = c.WaitReady(ctx, 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, engine.ErrorKindTimeout, engine.KindOf(err))
}
