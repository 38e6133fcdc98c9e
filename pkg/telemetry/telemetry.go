package telemetry

import (
	"context"
	"errors"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/config"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
}

// New creates every telemetry component from cfg. Metrics subscribe to the
// event stream so finished plans are counted without extra calls.
func New(cfg config.TelemetryConfig, version string) (*Telemetry, error) {
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, version, cfg.Environment)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	metrics := NewMetrics(cfg.Metrics)
	events := NewEventPublisher(cfg.Events.BufferSize, logger.Zerolog())
	events.Subscribe("metrics", metrics.ObserveEvent, FilterByType(engine.EventPlanCompleted))
	events.Subscribe("log", LogSubscriber(logger.NewComponentLogger("events").Zerolog()), nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
	}, nil
}

// WithContext adds the logger to ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(ctx)
}

// Shutdown drains events, flushes spans and closes the log file, in that
// order, and reports every failure.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}
