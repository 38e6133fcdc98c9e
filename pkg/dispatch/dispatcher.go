// Package dispatch selects a backend for each operation, fails over between
// candidates when that is provably safe, and tracks backend health.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stream"
)

// Recorder receives dispatch metrics.
type Recorder interface {
	RecordDispatchAttempt(backend, capability, outcome string, duration time.Duration)
	RecordSynthesized(capability string)
	SetBackendHealth(backend, state string)
	StreamOpened()
	StreamClosed(backend, outcome string)
}

// SpanStarter starts trace spans. Both trace.Tracer and the telemetry
// tracer satisfy it.
type SpanStarter interface {
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}

// Attempt records one candidate tried for an operation.
type Attempt struct {
	Backend string           `json:"backend"`
	Outcome string           `json:"outcome"`
	Kind    engine.ErrorKind `json:"error_kind,omitempty"`
	Message string           `json:"message,omitempty"`

	// MayHaveReached is set when the request may have taken effect on the
	// backend even though it failed.
	MayHaveReached bool `json:"may_have_reached_backend,omitempty"`
}

// Pinger is implemented by adapters that can check reachability without
// performing an operation.
type Pinger interface {
	Ping(ctx context.Context) error
}

const outcomeSkipped = "skipped_unhealthy"

// Dispatcher implements engine.Dispatcher over a Registry.
type Dispatcher struct {
	registry *Registry
	health   *HealthTracker
	logger   zerolog.Logger
	tracer   SpanStarter
	metrics  Recorder
	events   engine.EventPublisher
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t SpanStarter) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Recorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithEvents publishes backend health transitions.
func WithEvents(p engine.EventPublisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// New creates a dispatcher. The registry is sealed.
func New(registry *Registry, health *HealthTracker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		health:   health,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer("github.com/gigakumar/mahiLLM-openai-style/pkg/dispatch"),
		metrics:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(d)
	}
	registry.Seal()
	health.OnStateChange(d.onHealthChange)
	for _, b := range registry.Backends() {
		d.metrics.SetBackendHealth(b.ID(), string(HealthHealthy))
	}
	return d
}

// Registry returns the backend registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Health returns the health tracker.
func (d *Dispatcher) Health() *HealthTracker { return d.health }

// Status describes every backend.
func (d *Dispatcher) Status() []BackendStatus {
	return d.registry.Status(d.health)
}

// Dispatch sends op to the first candidate that accepts it. A candidate is
// abandoned for the next one only when its failure proves the request did
// not take effect, or when the capability is read-only. Rejections and
// cancellations are returned unchanged. When every candidate has been
// exhausted the fallback generator, if any, answers with Synthesized set.
func (d *Dispatcher) Dispatch(ctx context.Context, op engine.Operation) (engine.Result, error) {
	if err := op.Validate(); err != nil {
		return engine.Result{}, err
	}
	if op.Capability.IsStreaming() {
		return engine.Result{}, engine.NewInvalidError("streaming capability dispatched as unary; use OpenStream", nil)
	}

	ctx, span := d.tracer.Start(ctx, "dispatch "+string(op.Capability),
		trace.WithAttributes(
			attribute.String("mahi.capability", string(op.Capability)),
			attribute.String("mahi.operation_id", op.ID),
		))
	defer span.End()

	logger := d.logger.With().Str("capability", string(op.Capability)).Str("operation_id", op.ID).Logger()

	var attempts []Attempt
	for _, b := range d.registry.Candidates(op.Capability) {
		if err := ctx.Err(); err != nil {
			return engine.Result{}, d.fail(span, engine.NewCancelledError("dispatch cancelled", err).WithCapability(op.Capability))
		}
		id := b.ID()
		if !d.health.Acquire(id) {
			attempts = append(attempts, Attempt{Backend: id, Outcome: outcomeSkipped})
			continue
		}

		start := time.Now()
		res, err := b.Adapter.Invoke(ctx, op)
		elapsed := time.Since(start)

		if err == nil {
			d.health.Success(id)
			d.metrics.RecordDispatchAttempt(id, string(op.Capability), "success", elapsed)
			res.Backend = id
			res.Synthesized = false
			span.SetAttributes(attribute.String("mahi.backend", id))
			span.SetStatus(codes.Ok, "")
			logger.Debug().Str("backend", id).Dur("duration", elapsed).Msg("Operation served")
			return res, nil
		}

		cerr := engine.Classify(err).WithBackend(id).WithCapability(op.Capability)
		d.metrics.RecordDispatchAttempt(id, string(op.Capability), string(cerr.Kind), elapsed)
		attempts = append(attempts, failedAttempt(id, cerr))
		d.settle(id, cerr.Kind)

		if !engine.CanAdvance(cerr.Kind, op.Capability) {
			logger.Warn().
				Str("backend", id).
				Str("error_kind", string(cerr.Kind)).
				Bool("may_have_reached_backend", cerr.Kind.MayHaveReachedBackend()).
				Err(err).
				Msg("Operation failed")
			return engine.Result{}, d.fail(span, cerr.WithDetail("attempts", attempts))
		}
		logger.Info().Str("backend", id).Str("error_kind", string(cerr.Kind)).Err(err).Msg("Advancing to next backend")
	}

	if fb, ok := d.registry.Fallback(op.Capability); ok {
		res, err := fb.Invoke(ctx, op)
		if err != nil {
			return engine.Result{}, d.fail(span, engine.Classify(err).WithBackend(fb.ID()).WithCapability(op.Capability))
		}
		res.Backend = fb.ID()
		res.Synthesized = true
		d.metrics.RecordSynthesized(string(op.Capability))
		span.SetAttributes(attribute.String("mahi.backend", fb.ID()), attribute.Bool("mahi.synthesized", true))
		logger.Warn().Str("backend", fb.ID()).Int("attempts", len(attempts)).Msg("Serving synthesized response")
		return res, nil
	}

	return engine.Result{}, d.fail(span, unavailable(op.Capability, attempts))
}

// OpenStream opens a stream on the first candidate that yields a first
// token. Until that token arrives nothing has reached the client, so
// failures advance to the next candidate under the same rules as Dispatch.
func (d *Dispatcher) OpenStream(ctx context.Context, op engine.Operation) (engine.StreamHandle, engine.StreamInfo, error) {
	if err := op.Validate(); err != nil {
		return nil, engine.StreamInfo{}, err
	}
	if !op.Capability.IsStreaming() {
		return nil, engine.StreamInfo{}, engine.NewInvalidError(fmt.Sprintf("%s is not a streaming capability", op.Capability), nil)
	}

	ctx, span := d.tracer.Start(ctx, "stream "+string(op.Capability),
		trace.WithAttributes(attribute.String("mahi.operation_id", op.ID)))
	defer span.End()

	logger := d.logger.With().Str("capability", string(op.Capability)).Str("operation_id", op.ID).Logger()

	var attempts []Attempt
	for _, b := range d.registry.Candidates(op.Capability) {
		if err := ctx.Err(); err != nil {
			return nil, engine.StreamInfo{}, d.fail(span, engine.NewCancelledError("dispatch cancelled", err))
		}
		id := b.ID()
		if !d.health.Acquire(id) {
			attempts = append(attempts, Attempt{Backend: id, Outcome: outcomeSkipped})
			continue
		}

		start := time.Now()
		h, err := d.openAndPeek(ctx, b.Adapter, op)
		elapsed := time.Since(start)
		if err == nil {
			d.health.Success(id)
			d.metrics.RecordDispatchAttempt(id, string(op.Capability), "success", elapsed)
			span.SetAttributes(attribute.String("mahi.backend", id))
			logger.Debug().Str("backend", id).Dur("first_token", elapsed).Msg("Stream opened")
			return h, engine.StreamInfo{Backend: id}, nil
		}

		cerr := engine.Classify(err).WithBackend(id).WithCapability(op.Capability)
		d.metrics.RecordDispatchAttempt(id, string(op.Capability), string(cerr.Kind), elapsed)
		attempts = append(attempts, failedAttempt(id, cerr))
		d.settle(id, cerr.Kind)

		if !engine.CanAdvance(cerr.Kind, op.Capability) {
			return nil, engine.StreamInfo{}, d.fail(span, cerr.WithDetail("attempts", attempts))
		}
		logger.Info().Str("backend", id).Str("error_kind", string(cerr.Kind)).Msg("Stream failed before first token, advancing")
	}

	if fb, ok := d.registry.Fallback(op.Capability); ok {
		h, err := d.openAndPeek(ctx, fb, op)
		if err != nil {
			return nil, engine.StreamInfo{}, d.fail(span, engine.Classify(err).WithBackend(fb.ID()))
		}
		d.metrics.RecordSynthesized(string(op.Capability))
		span.SetAttributes(attribute.Bool("mahi.synthesized", true))
		return h, engine.StreamInfo{Backend: fb.ID(), Synthesized: true}, nil
	}

	return nil, engine.StreamInfo{}, d.fail(span, unavailable(op.Capability, attempts))
}

// openAndPeek opens a stream and waits for its first token. A stream whose
// first token is an error terminal is reported as that error.
func (d *Dispatcher) openAndPeek(ctx context.Context, a engine.Adapter, op engine.Operation) (engine.StreamHandle, error) {
	h, err := a.OpenStream(ctx, op)
	if err != nil {
		return nil, err
	}

	select {
	case first, ok := <-h.Tokens():
		if !ok {
			return nil, engine.NewAmbiguousError("stream closed before first token", nil)
		}
		if first.Terminal && first.Error != "" {
			h.Cancel()
			return nil, engine.NewError(first.Error, first.Message, nil)
		}
		id := a.ID()
		d.metrics.StreamOpened()
		return stream.Resume(first, h, func(last engine.StreamToken) {
			outcome := "completed"
			if last.Error != "" {
				outcome = string(last.Error)
				if engine.CountsAgainstHealth(last.Error) {
					d.health.Failure(id)
				}
			}
			d.metrics.StreamClosed(id, outcome)
		}), nil
	case <-ctx.Done():
		h.Cancel()
		return nil, engine.NewCancelledError("stream cancelled before first token", ctx.Err())
	}
}

// settle records the health effect of a failure of kind.
func (d *Dispatcher) settle(id string, kind engine.ErrorKind) {
	switch {
	case kind == engine.ErrorKindCancelled:
		d.health.Release(id)
	case engine.CountsAgainstHealth(kind):
		d.health.Failure(id)
	default:
		d.health.Success(id)
	}
}

func (d *Dispatcher) fail(span trace.Span, err *engine.Error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("mahi.error_kind", string(err.Kind)))
	return err
}

func (d *Dispatcher) onHealthChange(backend string, from, to HealthState) {
	d.metrics.SetBackendHealth(backend, string(to))
	d.logger.Info().Str("backend", backend).Str("from", string(from)).Str("to", string(to)).Msg("Backend health changed")
	if d.events == nil {
		return
	}
	typ := engine.EventBackendHealthy
	level := "info"
	if to == HealthUnhealthy {
		typ, level = engine.EventBackendUnhealthy, "warning"
	}
	_ = d.events.Publish(context.Background(), &engine.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Backend:   backend,
		Message:   fmt.Sprintf("Backend %s is %s", backend, to),
		Level:     level,
	})
}

// Ping checks that backend id is reachable. Adapters without a liveness
// check are assumed reachable. Health is left untouched.
func (d *Dispatcher) Ping(ctx context.Context, id string) error {
	b, ok := d.registry.Get(id)
	if !ok {
		return engine.NewNotFoundError(fmt.Sprintf("backend %q not found", id), nil)
	}
	p, ok := b.Adapter.(Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return engine.Classify(err).WithBackend(id)
	}
	return nil
}

func failedAttempt(id string, err *engine.Error) Attempt {
	return Attempt{
		Backend:        id,
		Outcome:        "failed",
		Kind:           err.Kind,
		Message:        err.Message,
		MayHaveReached: err.Kind.MayHaveReachedBackend(),
	}
}

func unavailable(c engine.Capability, attempts []Attempt) *engine.Error {
	msg := fmt.Sprintf("no backend available for %s", c)
	if len(attempts) == 0 {
		msg = fmt.Sprintf("no backend declares %s", c)
	}
	return engine.NewUnavailableError(msg, nil).WithCapability(c).WithDetail("attempts", attempts)
}

type nopRecorder struct{}

func (nopRecorder) RecordDispatchAttempt(string, string, string, time.Duration) {}
func (nopRecorder) RecordSynthesized(string)                                   {}
func (nopRecorder) SetBackendHealth(string, string)                            {}
func (nopRecorder) StreamOpened()                                              {}
func (nopRecorder) StreamClosed(string, string)                                {}
