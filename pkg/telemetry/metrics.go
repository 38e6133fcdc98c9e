package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/config"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/dispatch"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// Metrics holds the service's Prometheus collectors. A disabled Metrics
// accepts every call and records nothing.
type Metrics struct {
	enabled bool

	dispatchAttempts *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	backendHealth    *prometheus.GaugeVec
	synthesized      *prometheus.CounterVec
	streamsActive    prometheus.Gauge
	streamsClosed    *prometheus.CounterVec
	streamTokens     *prometheus.CounterVec
	planExecutions   *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ dispatch.Recorder = (*Metrics)(nil)

// healthValues maps health states onto the backend_health_state gauge.
var healthValues = map[string]float64{
	string(dispatch.HealthHealthy):   0,
	string(dispatch.HealthProbing):   1,
	string(dispatch.HealthUnhealthy): 2,
}

// NewMetrics creates collectors on a private registry.
func NewMetrics(cfg config.MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		enabled:  true,
		registry: registry,

		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_attempts_total",
				Help:      "Dispatch attempts per backend, capability and outcome",
			},
			[]string{"backend", "capability", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of dispatch attempts in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend", "capability"},
		),
		backendHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_health_state",
				Help:      "Backend health (0=healthy, 1=probing, 2=unhealthy)",
			},
			[]string{"backend"},
		),
		synthesized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "synthesized_total",
				Help:      "Replies answered by the local generator",
			},
			[]string{"capability"},
		),
		streamsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "streams_active",
				Help:      "Chat streams currently open",
			},
		),
		streamsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_closed_total",
				Help:      "Chat streams closed per backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		streamTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_tokens_total",
				Help:      "Tokens delivered to chat stream clients",
			},
			[]string{"backend"},
		),
		planExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_executions_total",
				Help:      "Plan executions per terminal status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.dispatchAttempts,
		m.dispatchDuration,
		m.backendHealth,
		m.synthesized,
		m.streamsActive,
		m.streamsClosed,
		m.streamTokens,
		m.planExecutions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordDispatchAttempt records one candidate tried by the dispatcher.
func (m *Metrics) RecordDispatchAttempt(backend, capability, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.dispatchAttempts.WithLabelValues(backend, capability, outcome).Inc()
	m.dispatchDuration.WithLabelValues(backend, capability).Observe(duration.Seconds())
}

func (m *Metrics) RecordSynthesized(capability string) {
	if !m.enabled {
		return
	}
	m.synthesized.WithLabelValues(capability).Inc()
}

func (m *Metrics) SetBackendHealth(backend, state string) {
	if !m.enabled {
		return
	}
	m.backendHealth.WithLabelValues(backend).Set(healthValues[state])
}

func (m *Metrics) StreamOpened() {
	if !m.enabled {
		return
	}
	m.streamsActive.Inc()
}

func (m *Metrics) StreamClosed(backend, outcome string) {
	if !m.enabled {
		return
	}
	m.streamsActive.Dec()
	m.streamsClosed.WithLabelValues(backend, outcome).Inc()
}

// RecordStreamToken counts one token written to a client.
func (m *Metrics) RecordStreamToken(backend string) {
	if !m.enabled {
		return
	}
	m.streamTokens.WithLabelValues(backend).Inc()
}

// RecordPlanExecution counts a plan reaching a terminal status.
func (m *Metrics) RecordPlanExecution(status string) {
	if !m.enabled {
		return
	}
	m.planExecutions.WithLabelValues(status).Inc()
}

// ObserveEvent is an event subscriber that counts finished plans.
func (m *Metrics) ObserveEvent(event engine.Event) {
	if event.Type != engine.EventPlanCompleted {
		return
	}
	if status, ok := event.Details["status"].(string); ok {
		m.RecordPlanExecution(status)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
