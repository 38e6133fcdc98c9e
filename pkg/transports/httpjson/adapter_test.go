package httpjson

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stream"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports"
)

func newTestAdapter(t *testing.T, h http.Handler) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := New(transports.Settings{ID: "assistant", Address: srv.URL, RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	return a, srv
}

func TestIndexAndQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathIndex, func(w http.ResponseWriter, r *http.Request) {
		var in indexRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "doc-1", in.DocumentID)
		_ = json.NewEncoder(w).Encode(indexResponse{Status: "ok", StoredTokens: 3})
	})
	mux.HandleFunc("POST "+PathQuery, func(w http.ResponseWriter, r *http.Request) {
		var in queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, 2, in.TopK)
		_ = json.NewEncoder(w).Encode(queryResponse{
			Answer:  "Top match: doc-1",
			Matches: []retrievedDocument{{DocumentID: "doc-1", Text: "meeting at noon", Score: 0.9}},
		})
	})
	a, _ := newTestAdapter(t, mux)

	res, err := a.Invoke(context.Background(), engine.NewOperation(engine.IndexRequest{DocumentID: "doc-1", Text: "meeting at noon"}))
	require.NoError(t, err)
	assert.Equal(t, engine.IndexResult{DocumentID: "doc-1", Status: "ok", StoredTokens: 3}, res.Value)

	res, err = a.Invoke(context.Background(), engine.NewOperation(engine.QueryRequest{Query: "when?", TopK: 2}))
	require.NoError(t, err)
	qr := res.Value.(engine.QueryResult)
	require.Len(t, qr.Matches, 1)
	assert.Equal(t, "meeting at noon", qr.Matches[0].Excerpt)
}

func TestPlanAndExecute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathTask, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(taskResponse{Plan: taskPlan{Status: "draft", Steps: []taskStep{
			{ID: "step-1", Action: "summarize_text", Description: "Summarize"},
			{ID: "step-2", Action: "send_email", Description: "Send", RequiresConfirmation: true},
		}}})
	})
	mux.HandleFunc("POST "+PathTaskExecute, func(w http.ResponseWriter, r *http.Request) {
		var in taskExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Len(t, in.Plan.Steps, 1)
		assert.True(t, in.Approvals[in.Plan.Steps[0].ID])
		msg := "smtp down"
		_ = json.NewEncoder(w).Encode(taskExecuteResponse{Executions: []actionExecution{
			{StepID: in.Plan.Steps[0].ID, Action: in.Plan.Steps[0].Action, Status: "failed", Error: &msg},
		}})
	})
	a, _ := newTestAdapter(t, mux)

	res, err := a.Invoke(context.Background(), engine.NewOperation(engine.PlanRequest{Goal: "digest"}))
	require.NoError(t, err)
	draft := res.Value.(engine.PlanDraft)
	require.Len(t, draft.Steps, 2)
	assert.True(t, draft.Steps[1].RequiresConfirmation)

	step := engine.Step{ID: "step-2", Action: "send_email"}
	res, err = a.Invoke(context.Background(), engine.NewOperation(engine.ExecuteRequest{PlanID: "p", Step: step}))
	require.NoError(t, err)
	sr := res.Value.(engine.StepResult)
	assert.Equal(t, engine.StepStatusFailed, sr.Status)
	assert.Equal(t, "smtp down", sr.Error)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   engine.ErrorKind
	}{
		{http.StatusUnprocessableEntity, `{"detail":"top_k must be <= 20"}`, engine.ErrorKindBackendRejected},
		{http.StatusUnauthorized, ``, engine.ErrorKindUnauthenticated},
		{http.StatusInternalServerError, `boom`, engine.ErrorKindAmbiguous},
		{http.StatusServiceUnavailable, ``, engine.ErrorKindAmbiguous},
		{http.StatusGatewayTimeout, ``, engine.ErrorKindTimeout},
		{http.StatusServiceUnavailable, `{"errorKind":"Unavailable","message":"no backend"}`, engine.ErrorKindUnavailable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			_, err := a.Invoke(context.Background(), engine.NewOperation(engine.QueryRequest{Query: "q"}))
			assert.Equal(t, tt.want, engine.KindOf(err))
		})
	}
}

func TestConnectionRefusedIsPreflight(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	a, err := New(transports.Settings{ID: "gone", Address: addr, ConnectTimeout: time.Second})
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), engine.NewOperation(engine.IndexRequest{DocumentID: "d", Text: "t"}))
	assert.Equal(t, engine.ErrorKindPreflight, engine.KindOf(err))
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	a, err := New(transports.Settings{ID: "slow", Address: srv.URL, RequestTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), engine.NewOperation(engine.IndexRequest{DocumentID: "d", Text: "t"}))
	assert.Equal(t, engine.ErrorKindTimeout, engine.KindOf(err))
}

func TestChatStream(t *testing.T) {
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathChatStream, r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		enc := stream.NewSSEEncoder(w)
		for _, tok := range []string{"You", " said", ": hi"} {
			_ = enc.Encode(chatChunk{Token: tok})
		}
		_ = enc.Done()
	}))

	op := engine.NewOperation(engine.ChatRequest{Messages: []engine.Message{{Role: "user", Content: "hi"}}})
	h, err := a.OpenStream(context.Background(), op)
	require.NoError(t, err)

	text, term, err := stream.Collect(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "You said: hi", text)
	assert.Equal(t, int64(4), term.Sequence)
}

func TestChatStreamError(t *testing.T) {
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := stream.NewSSEEncoder(w)
		_ = enc.Encode(chatChunk{Token: "partial"})
		_ = enc.Encode(map[string]interface{}{"terminal": true, "error": "BackendRejected", "message": "filtered"})
	}))

	op := engine.NewOperation(engine.ChatRequest{Messages: []engine.Message{{Role: "user", Content: "hi"}}})
	h, err := a.OpenStream(context.Background(), op)
	require.NoError(t, err)

	text, term, err := stream.Collect(context.Background(), h)
	assert.Equal(t, "partial", text)
	assert.Equal(t, engine.ErrorKindBackendRejected, term.Error)
	assert.Error(t, err)
}

func TestChatStreamTruncatedIsAmbiguous(t *testing.T) {
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"token\":\"Hello\"}\n\n")
	}))

	op := engine.NewOperation(engine.ChatRequest{Messages: []engine.Message{{Role: "user", Content: "hi"}}})
	h, err := a.OpenStream(context.Background(), op)
	require.NoError(t, err)

	text, term, err := stream.Collect(context.Background(), h)
	require.Error(t, err)
	assert.Equal(t, "Hello", text)
	assert.True(t, term.Terminal)
	assert.Equal(t, engine.ErrorKindAmbiguous, term.Error)
	assert.Equal(t, engine.ErrorKindAmbiguous, engine.KindOf(err))
}

func TestPing(t *testing.T) {
	var healthy atomic.Bool
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathPing, r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"errorKind":"Unavailable","message":"warming up"}`)
			return
		}
		_, _ = fmt.Fprint(w, `{"status":"ok"}`)
	}))

	assert.Equal(t, engine.ErrorKindUnavailable, engine.KindOf(a.Ping(context.Background())))
	healthy.Store(true)
	assert.NoError(t, a.Ping(context.Background()))
}

func TestUndeclaredCapabilityIsPreflight(t *testing.T) {
	a, err := New(transports.Settings{ID: "q", Address: "http://127.0.0.1:1", Capabilities: []engine.Capability{engine.CapabilityQuery}})
	require.NoError(t, err)
	_, err = a.Invoke(context.Background(), engine.NewOperation(engine.EmbedRequest{Texts: []string{"x"}}))
	assert.Equal(t, engine.ErrorKindPreflight, engine.KindOf(err))
}
