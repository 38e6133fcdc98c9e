// Package telemetry wires structured logging (zerolog), tracing
// (OpenTelemetry), metrics (Prometheus) and plan lifecycle events.
//
// Initialize it once at startup:
//
//	tel, err := telemetry.New(cfg.Telemetry, version)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
// The Metrics type implements dispatch.Recorder and the Tracer satisfies
// dispatch.SpanStarter, so both are handed to the dispatcher directly. The
// EventPublisher implements engine.EventPublisher; subscribers run on one
// goroutine in publish order, and StoreSubscriber persists events through a
// plan store.
//
// Metric names, with the default namespace:
//
//	mahi_dispatch_attempts_total{backend,capability,outcome}
//	mahi_dispatch_duration_seconds{backend,capability}
//	mahi_backend_health_state{backend}
//	mahi_synthesized_total{capability}
//	mahi_streams_active
//	mahi_streams_closed_total{backend,outcome}
//	mahi_stream_tokens_total{backend}
//	mahi_plan_executions_total{status}
package telemetry
