// Package policy reviews drafted plans with Open Policy Agent (OPA) before
// they are offered for approval.
//
// # Rules
//
// A policy is a Rego module whose package lives under mahi.steps. It is
// evaluated once per step and may define two sets:
//
//	deny    - reasons the step must never run; the step is rejected
//	confirm - reasons the step must wait for an explicit approval
//
// Each element is either a string or an object with a "message" field.
// The input document is:
//
//	{
//	  "step": {"id": ..., "action": ..., "description": ..., "params": {...},
//	           "requires_confirmation": ...},
//	  "plan": {"id": ..., "goal": ..., "step_count": ...},
//	  "context": {"timestamp": ...}
//	}
//
// For example, to make every reminder wait for approval:
//
//	package mahi.steps.reminders
//
//	import rego.v1
//
//	confirm contains "reminders are confirmed by hand" if {
//		input.step.action == "set_reminder"
//	}
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/mahi/policies"}); err != nil {
//	    return err
//	}
//	machine := engine.NewMachine(dispatcher, store, engine.WithStepPolicy(eng))
//
// Policies loaded from disk can be reloaded on change with Engine.Watch. The
// built-in policies are always present and can be disabled by name.
package policy
