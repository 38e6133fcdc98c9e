package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// Engine implements engine.StepPolicy with Rego policies.
type Engine struct {
	mu       sync.RWMutex
	builtins map[string]*compiledPolicy
	loaded   map[string]*compiledPolicy
	disabled map[string]bool
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

var _ engine.StepPolicy = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in policies compiled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		builtins: make(map[string]*compiledPolicy),
		loaded:   make(map[string]*compiledPolicy),
		disabled: make(map[string]bool),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	for _, p := range BuiltinPolicies() {
		cp, err := compile(context.Background(), p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.builtins[p.Name] = cp
	}

	e.logger.Debug().
		Int("count", len(e.builtins)).
		Msg("Built-in policies loaded")

	return e, nil
}

// Review evaluates every enabled policy against every step of plan. A policy
// that fails to evaluate denies the step.
func (e *Engine) Review(ctx context.Context, plan *engine.Plan) ([]engine.StepDecision, error) {
	startTime := time.Now()
	policies := e.active()

	decisions := make([]engine.StepDecision, 0, len(plan.Steps))
	for i := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return nil, engine.Classify(err)
		}
		step := &plan.Steps[i]
		if step.Status == engine.StepStatusRejected {
			continue
		}

		input := e.input(plan, step)
		decision := engine.StepDecision{StepID: step.ID}
		for _, cp := range policies {
			v, err := evaluate(ctx, cp, input)
			if err != nil {
				if ctx.Err() != nil {
					return nil, engine.Classify(ctx.Err())
				}
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("plan_id", plan.ID).
					Str("step_id", step.ID).
					Msg("Policy evaluation failed")
				v = Verdict{Policy: cp.policy.Name, Deny: []string{fmt.Sprintf("policy %s could not be evaluated", cp.policy.Name)}}
			}
			if len(v.Deny) > 0 {
				decision.Deny = true
				decision.Reasons = append(decision.Reasons, v.Deny...)
			}
			if len(v.Confirm) > 0 {
				decision.RequireConfirmation = true
				if !decision.Deny {
					decision.Reasons = append(decision.Reasons, v.Confirm...)
				}
			}
		}
		if decision.Deny || decision.RequireConfirmation {
			decisions = append(decisions, decision)
		}
	}

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("policies", len(policies)).
		Int("decisions", len(decisions)).
		Dur("duration", time.Since(startTime)).
		Msg("Plan policy review completed")

	return decisions, nil
}

// EvaluateStep returns each enabled policy's verdict for one step.
func (e *Engine) EvaluateStep(ctx context.Context, plan *engine.Plan, step *engine.Step) ([]Verdict, error) {
	input := e.input(plan, step)
	var verdicts []Verdict
	for _, cp := range e.active() {
		v, err := evaluate(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		if len(v.Deny) > 0 || len(v.Confirm) > 0 {
			verdicts = append(verdicts, v)
		}
	}
	return verdicts, nil
}

// LoadPolicies replaces the loaded policies with those found at paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetPolicies compiles policies and swaps them in. Nothing changes unless
// every policy compiles.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if _, ok := e.builtins[p.Name]; ok {
			return fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		if _, ok := next[p.Name]; ok {
			return fmt.Errorf("duplicate policy name %s", p.Name)
		}
		cp, err := compile(ctx, p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		next[p.Name] = cp
	}

	e.mu.Lock()
	e.loaded = next
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(next)).
		Msg("Policies loaded successfully")
	return nil
}

// Watch reloads the policies at paths whenever they change, until ctx ends.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	l := NewLoader(e.logger)
	err := l.Watch(ctx, paths, func(policies []Policy) error {
		return e.SetPolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.builtins)+len(e.loaded))
	for _, set := range []map[string]*compiledPolicy{e.builtins, e.loaded} {
		for name, cp := range set {
			p := cp.policy
			p.Enabled = p.Enabled && !e.disabled[name]
			policies = append(policies, p)
		}
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setDisabled(name, false)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setDisabled(name, true)
}

func (e *Engine) setDisabled(name string, disabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, builtin := e.builtins[name]
	_, loaded := e.loaded[name]
	if !builtin && !loaded {
		return fmt.Errorf("policy not found: %s", name)
	}
	e.disabled[name] = disabled
	e.logger.Info().Str("policy", name).Bool("disabled", disabled).Msg("Policy toggled")
	return nil
}

// active returns the enabled policies in name order.
func (e *Engine) active() []*compiledPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*compiledPolicy, 0, len(e.builtins)+len(e.loaded))
	for _, set := range []map[string]*compiledPolicy{e.builtins, e.loaded} {
		for name, cp := range set {
			if cp.policy.Enabled && !e.disabled[name] {
				out = append(out, cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

func (e *Engine) input(plan *engine.Plan, step *engine.Step) Input {
	params := step.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	return Input{
		Step: StepInput{
			ID:                   step.ID,
			Action:               step.Action,
			Description:          step.Description,
			Params:               params,
			RequiresConfirmation: step.RequiresConfirmation,
		},
		Plan: PlanInput{
			ID:        plan.ID,
			Goal:      plan.Goal,
			StepCount: len(plan.Steps),
		},
		Context: InputContext{Timestamp: e.now()},
	}
}

// compile parses p and prepares a query for its package document.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	path := module.Package.Path.String()
	if path != PackagePrefix && !strings.HasPrefix(path, PackagePrefix+".") {
		return nil, fmt.Errorf("package %s is outside %s", strings.TrimPrefix(path, "data."), strings.TrimPrefix(PackagePrefix, "data."))
	}

	query, err := rego.New(
		rego.Query(path),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

// evaluate runs one policy against one step.
func evaluate(ctx context.Context, cp *compiledPolicy, input Input) (Verdict, error) {
	v := Verdict{Policy: cp.policy.Name}

	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return v, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return v, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return v, nil
	}
	v.Deny = messages(doc["deny"])
	v.Confirm = messages(doc["confirm"])
	return v, nil
}

// messages flattens a deny or confirm set into sorted strings.
func messages(set interface{}) []string {
	items, ok := set.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			if msg, ok := v["message"].(string); ok {
				out = append(out, msg)
				continue
			}
			out = append(out, fmt.Sprintf("%v", v))
		default:
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	sort.Strings(out)
	return out
}
