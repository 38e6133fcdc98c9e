// Package router is the single entry point for client operations. It
// validates requests, hands them to the dispatcher or the plan state
// machine, and returns either a typed reply, a live stream or an error
// envelope. The HTTP surface in server.go is a thin layer over Router.
package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/dispatch"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stores"
)

const (
	// DefaultTopK is used when a query does not ask for a match count.
	DefaultTopK = 5

	// MaxTopK bounds the matches a query may ask for.
	MaxTopK = 20

	// DefaultPlanListLimit bounds ListPlans when no limit is given.
	DefaultPlanListLimit = 50
)

// Dispatcher is the subset of dispatch.Dispatcher the router needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, op engine.Operation) (engine.Result, error)
	OpenStream(ctx context.Context, op engine.Operation) (engine.StreamHandle, engine.StreamInfo, error)
	Status() []dispatch.BackendStatus
}

// Planner owns the plan lifecycle. *engine.Machine implements it.
type Planner interface {
	Generate(ctx context.Context, req engine.PlanRequest) (*engine.Plan, error)
	Get(ctx context.Context, planID string) (*engine.Plan, error)
	Execute(ctx context.Context, planID string, approvals map[string]bool) (*engine.ExecutionReport, error)
}

// History reads persisted plan history. stores.Store implements it.
type History interface {
	ListPlans(ctx context.Context, limit int) ([]*engine.Plan, error)
	ListExecutions(ctx context.Context, planID string) ([]engine.Execution, error)
	ListEvents(ctx context.Context, q stores.EventQuery) ([]*engine.Event, error)
}

// TokenRecorder counts tokens written to stream clients.
type TokenRecorder interface {
	RecordStreamToken(backend string)
}

// Reply is a dispatched result with its typed value.
type Reply[T any] struct {
	Backend     string `json:"backend"`
	Synthesized bool   `json:"synthesized"`
	Result      T      `json:"result"`
}

// PlanView is a plan with its execution history.
type PlanView struct {
	Plan       *engine.Plan       `json:"plan"`
	Executions []engine.Execution `json:"executions"`
}

// Router validates client operations and routes them.
type Router struct {
	dispatcher Dispatcher
	plans      Planner
	history    History
	validate   *validator.Validate
	sanitizer  *bluemonday.Policy
	logger     zerolog.Logger
	tracer     dispatch.SpanStarter
	tokens     TokenRecorder
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t dispatch.SpanStarter) Option {
	return func(r *Router) { r.tracer = t }
}

// WithTokenRecorder counts streamed tokens.
func WithTokenRecorder(t TokenRecorder) Option {
	return func(r *Router) { r.tokens = t }
}

// New creates a router.
func New(dispatcher Dispatcher, plans Planner, history History, opts ...Option) *Router {
	r := &Router{
		dispatcher: dispatcher,
		plans:      plans,
		history:    history,
		validate:   validator.New(),
		sanitizer:  bluemonday.StrictPolicy(),
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("github.com/gigakumar/mahiLLM-openai-style/pkg/router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plan drafts a plan for a goal and leaves it awaiting approval.
func (r *Router) Plan(ctx context.Context, req engine.PlanRequest) (*engine.Plan, error) {
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		return nil, engine.NewInvalidError("goal is required", nil)
	}
	if err := r.check(req); err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "router.plan")
	defer span.End()

	plan, err := r.plans.Generate(ctx, req)
	if err != nil {
		return nil, r.fail(span, err)
	}
	span.SetAttributes(attribute.String("mahi.plan_id", plan.ID))
	r.logger.Info().Str("plan_id", plan.ID).Str("backend", plan.Backend).Int("steps", len(plan.Steps)).Msg("Plan drafted")
	return plan, nil
}

// Execute approves and runs a plan.
func (r *Router) Execute(ctx context.Context, planID string, approvals map[string]bool) (*engine.ExecutionReport, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, engine.NewInvalidError("plan id is required", nil)
	}

	ctx, span := r.tracer.Start(ctx, "router.execute", trace.WithAttributes(attribute.String("mahi.plan_id", planID)))
	defer span.End()

	report, err := r.plans.Execute(ctx, planID, approvals)
	if err != nil {
		return nil, r.fail(span, err)
	}
	r.logger.Info().Str("plan_id", planID).Str("status", string(report.Plan.Status)).Int("executions", len(report.Executions)).Msg("Plan executed")
	return report, nil
}

// GetPlan returns a plan and its executions.
func (r *Router) GetPlan(ctx context.Context, planID string) (*PlanView, error) {
	plan, err := r.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	execs, err := r.history.ListExecutions(ctx, planID)
	if err != nil {
		return nil, err
	}
	if execs == nil {
		execs = []engine.Execution{}
	}
	return &PlanView{Plan: plan, Executions: execs}, nil
}

// ListPlans returns recent plans, newest first.
func (r *Router) ListPlans(ctx context.Context, limit int) ([]*engine.Plan, error) {
	if limit <= 0 {
		limit = DefaultPlanListLimit
	}
	return r.history.ListPlans(ctx, limit)
}

// PlanEvents returns the lifecycle events recorded for a plan.
func (r *Router) PlanEvents(ctx context.Context, planID string, limit int) ([]*engine.Event, error) {
	if _, err := r.plans.Get(ctx, planID); err != nil {
		return nil, err
	}
	return r.history.ListEvents(ctx, stores.EventQuery{PlanID: planID, Limit: limit})
}

// ContentTypeKey is the metadata key declaring a document's format.
// Documents declared as HTML are reduced to their text before dispatch;
// everything else is stored exactly as sent.
const ContentTypeKey = "content_type"

// Index stores a document.
func (r *Router) Index(ctx context.Context, req engine.IndexRequest) (Reply[engine.IndexResult], error) {
	if isHTML(req.Metadata[ContentTypeKey]) {
		req.Text = strings.TrimSpace(html.UnescapeString(r.sanitizer.Sanitize(req.Text)))
	}
	if err := r.check(req); err != nil {
		return Reply[engine.IndexResult]{}, err
	}
	return invoke[engine.IndexResult](ctx, r, req)
}

// Query answers a question from indexed documents.
func (r *Router) Query(ctx context.Context, req engine.QueryRequest) (Reply[engine.QueryResult], error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.TopK == 0 {
		req.TopK = DefaultTopK
	}
	if req.TopK < 1 || req.TopK > MaxTopK {
		return Reply[engine.QueryResult]{}, engine.NewInvalidError(fmt.Sprintf("top_k must be between 1 and %d", MaxTopK), nil)
	}
	if err := r.check(req); err != nil {
		return Reply[engine.QueryResult]{}, err
	}
	return invoke[engine.QueryResult](ctx, r, req)
}

// Embed computes one vector per text.
func (r *Router) Embed(ctx context.Context, req engine.EmbedRequest) (Reply[engine.EmbedResult], error) {
	if err := r.check(req); err != nil {
		return Reply[engine.EmbedResult]{}, err
	}
	reply, err := invoke[engine.EmbedResult](ctx, r, req)
	if err != nil {
		return reply, err
	}
	if len(reply.Result.Vectors) != len(req.Texts) {
		return Reply[engine.EmbedResult]{}, engine.NewAmbiguousError(
			fmt.Sprintf("backend %s returned %d vectors for %d texts", reply.Backend, len(reply.Result.Vectors), len(req.Texts)), nil).
			WithBackend(reply.Backend)
	}
	return reply, nil
}

// ChatStream opens a token stream for a conversation. The caller owns the
// handle and must drain it or call Cancel.
func (r *Router) ChatStream(ctx context.Context, req engine.ChatRequest) (engine.StreamHandle, engine.StreamInfo, error) {
	if err := r.check(req); err != nil {
		return nil, engine.StreamInfo{}, err
	}
	return r.dispatcher.OpenStream(ctx, engine.NewOperation(req))
}

// Backends describes every registered backend and its health.
func (r *Router) Backends() []dispatch.BackendStatus {
	return r.dispatcher.Status()
}

func (r *Router) recordToken(backend string) {
	if r.tokens != nil {
		r.tokens.RecordStreamToken(backend)
	}
}

// invoke dispatches payload and narrows the result to T.
func invoke[T any](ctx context.Context, r *Router, payload engine.Payload) (Reply[T], error) {
	res, err := r.dispatcher.Dispatch(ctx, engine.NewOperation(payload))
	if err != nil {
		return Reply[T]{}, err
	}

	var value T
	switch v := res.Value.(type) {
	case T:
		value = v
	case *T:
		if v == nil {
			return Reply[T]{}, engine.NewAmbiguousError(fmt.Sprintf("backend %s returned no %s result", res.Backend, payload.Capability()), nil).WithBackend(res.Backend)
		}
		value = *v
	default:
		return Reply[T]{}, engine.NewAmbiguousError(fmt.Sprintf("backend %s returned %T for %s", res.Backend, res.Value, payload.Capability()), nil).WithBackend(res.Backend)
	}
	return Reply[T]{Backend: res.Backend, Synthesized: res.Synthesized, Result: value}, nil
}

// check runs struct validation and reports failures as Invalid.
func (r *Router) check(v interface{}) error {
	err := r.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return engine.NewInvalidError("invalid request", err)
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", jsonPath(fe.Namespace()), fe.Tag()))
	}
	return engine.NewInvalidError(strings.Join(fields, "; "), nil).WithDetail("fields", fields)
}

func (r *Router) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func isHTML(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// jsonPath turns IndexRequest.DocumentID into document_id style paths.
func jsonPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	var b strings.Builder
	for i, c := range ns {
		if c >= 'A' && c <= 'Z' {
			if i > 0 && ns[i-1] != '.' && ns[i-1] != '[' {
				prev := ns[i-1]
				if !(prev >= 'A' && prev <= 'Z') {
					b.WriteByte('_')
				}
			}
			b.WriteRune(c + ('a' - 'A'))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
