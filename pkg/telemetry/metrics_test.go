package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/config"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsRecorder(t *testing.T) {
	m := NewMetrics(config.MetricsConfig{Enabled: true, Namespace: "mahi"})

	m.RecordDispatchAttempt("gpu", "query", "success", 20*time.Millisecond)
	m.RecordDispatchAttempt("gpu", "query", "success", 30*time.Millisecond)
	m.RecordSynthesized("chat-stream")
	m.SetBackendHealth("gpu", "unhealthy")
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed("local", "done")
	m.RecordStreamToken("local")
	m.ObserveEvent(engine.Event{Type: engine.EventPlanCompleted, Details: map[string]interface{}{"status": "Failed"}})
	m.ObserveEvent(engine.Event{Type: engine.EventStepStarted})

	body := scrape(t, m)
	for _, line := range []string{
		`mahi_dispatch_attempts_total{backend="gpu",capability="query",outcome="success"} 2`,
		`mahi_dispatch_duration_seconds_count{backend="gpu",capability="query"} 2`,
		`mahi_synthesized_total{capability="chat-stream"} 1`,
		`mahi_backend_health_state{backend="gpu"} 2`,
		`mahi_streams_active 1`,
		`mahi_streams_closed_total{backend="local",outcome="done"} 1`,
		`mahi_stream_tokens_total{backend="local"} 1`,
		`mahi_plan_executions_total{status="Failed"} 1`,
	} {
		assert.True(t, strings.Contains(body, line), "missing %q", line)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m := NewMetrics(config.MetricsConfig{Enabled: false})

	m.RecordDispatchAttempt("gpu", "query", "success", time.Second)
	m.StreamOpened()
	m.ObserveEvent(engine.Event{Type: engine.EventPlanCompleted, Details: map[string]interface{}{"status": "Completed"}})

	assert.Nil(t, m.Registry())
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
