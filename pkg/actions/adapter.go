package actions

import (
	"context"
	"errors"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports"
)

// Adapter serves the execute capability from a Registry. A handler failure
// is a step result, not a dispatch error: the step ran here and failed.
type Adapter struct {
	transports.Base
	registry *Registry
}

// NewAdapter creates an execute-only adapter.
func NewAdapter(id string, registry *Registry) (*Adapter, error) {
	if id == "" {
		id = "actions"
	}
	caps := []engine.Capability{engine.CapabilityExecute}
	base, err := transports.NewBase(id, transports.KindActions, caps, caps)
	if err != nil {
		return nil, err
	}
	return &Adapter{Base: base, registry: registry}, nil
}

// Invoke runs the step.
func (a *Adapter) Invoke(ctx context.Context, op engine.Operation) (engine.Result, error) {
	if err := a.Check(op); err != nil {
		return engine.Result{}, err
	}
	p, err := transports.ExpectPayload[engine.ExecuteRequest](op)
	if err != nil {
		return engine.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return engine.Result{}, engine.Classify(err)
	}

	out, err := a.registry.Run(ctx, Call{
		PlanID:      p.PlanID,
		StepID:      p.Step.ID,
		Action:      p.Step.Action,
		Description: p.Step.Description,
		Params:      p.Step.Params,
	})
	if err != nil {
		res := engine.StepResult{Status: engine.StepStatusFailed, Error: err.Error()}
		var f *Failure
		if errors.As(err, &f) {
			res.Error = f.Code
			res.Output = map[string]interface{}{"message": f.Message}
		}
		return engine.Result{Value: res}, nil
	}
	return engine.Result{Value: engine.StepResult{Status: engine.StepStatusSucceeded, Output: out}}, nil
}

// OpenStream is not supported.
func (a *Adapter) OpenStream(_ context.Context, op engine.Operation) (engine.StreamHandle, error) {
	return nil, a.Unsupported(op)
}

// Close is a no-op.
func (a *Adapter) Close() error { return nil }
