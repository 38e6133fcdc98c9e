package policy

// BuiltinPolicies returns the policies shipped with the service.
func BuiltinPolicies() []Policy {
	return []Policy{
		outboundConfirmationPolicy(),
		pluginTargetPolicy(),
		bulkEmailPolicy(),
	}
}

// outboundConfirmationPolicy makes steps that act outside the assistant wait
// for approval.
func outboundConfirmationPolicy() Policy {
	return Policy{
		Name:        "outbound-confirmation",
		Description: "Steps that send messages or launch applications require confirmation",
		Enabled:     true,
		Builtin:     true,
		Rego: `package mahi.steps.outbound

import rego.v1

outbound := {"send_email", "open_app"}

confirm contains msg if {
	input.step.action in outbound
	msg := sprintf("%s acts outside the assistant", [input.step.action])
}
`,
	}
}

// pluginTargetPolicy rejects call_plugin steps that do not name a plugin.
func pluginTargetPolicy() Policy {
	return Policy{
		Name:        "plugin-target",
		Description: "call_plugin steps must name the plugin they call",
		Enabled:     true,
		Builtin:     true,
		Rego: `package mahi.steps.plugins

import rego.v1

deny contains "call_plugin needs a plugin parameter" if {
	input.step.action == "call_plugin"
	not valid_plugin
}

valid_plugin if {
	is_string(input.step.params.plugin)
	input.step.params.plugin != ""
}

deny contains msg if {
	input.step.action == "call_plugin"
	valid_plugin
	indexof(input.step.params.plugin, "/") != -1
	msg := sprintf("plugin name '%s' must not contain a path", [input.step.params.plugin])
}
`,
	}
}

// bulkEmailPolicy rejects emails addressed to many recipients at once.
func bulkEmailPolicy() Policy {
	return Policy{
		Name:        "bulk-email",
		Description: "send_email steps may address at most 10 recipients",
		Enabled:     true,
		Builtin:     true,
		Rego: `package mahi.steps.email

import rego.v1

max_recipients := 10

deny contains msg if {
	input.step.action == "send_email"
	is_array(input.step.params.to)
	count(input.step.params.to) > max_recipients
	msg := sprintf("email to %d recipients exceeds the limit of %d", [count(input.step.params.to), max_recipients])
}
`,
	}
}
