package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		moduleNamingPolicy(),
		restartBudgetPolicy(),
		manualDependencyPolicy(),
		scriptTimeoutPolicy(),
	}
}

// moduleNamingPolicy keeps module names usable as metric labels and file names.
func moduleNamingPolicy() Policy {
	return Policy{
		Name:        "module-naming",
		Description: "Module names are lowercase letters, digits, hyphens and underscores",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package modkernel.policies.naming

import rego.v1

deny contains violation if {
	some m in input.modules
	not regex.match("^[a-z0-9][a-z0-9_-]*$", m.name)
	violation := {
		"message": sprintf("module name '%s' must start with a lowercase letter or digit and contain only lowercase letters, digits, '-' and '_'", [m.name]),
		"module": m.name,
	}
}
`,
	}
}

// restartBudgetPolicy flags restart behaviors that can never restart.
func restartBudgetPolicy() Policy {
	return Policy{
		Name:        "restart-budget",
		Description: "Restarting modules need a restart budget",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package modkernel.policies.restarts

import rego.v1

restarting := {"restart", "restart_with_dependents"}

deny contains violation if {
	some m in input.modules
	m.failure_behavior in restarting
	object.get(m, "max_restarts", 0) == 0
	violation := {
		"message": sprintf("module %s uses %s but max_restarts is 0, so its first failure exhausts the budget", [m.name, m.failure_behavior]),
		"module": m.name,
	}
}

deny contains violation if {
	some m in input.modules
	m.failure_behavior in restarting
	object.get(m, "max_restarts", 0) > 0
	not m.restart_window
	violation := {
		"message": sprintf("module %s has no restart_window, so its %d restarts are never refilled", [m.name, m.max_restarts]),
		"module": m.name,
		"severity": "info",
	}
}
`,
	}
}

// manualDependencyPolicy flags automatic modules that wait on manual ones.
func manualDependencyPolicy() Policy {
	return Policy{
		Name:        "manual-dependency",
		Description: "Automatic modules should not depend on manual modules",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package modkernel.policies.manual

import rego.v1

manual := {m.name | some m in input.modules; m.start_behavior == "manual"}

deny contains violation if {
	some m in input.modules
	object.get(m, "start_behavior", "automatic") != "manual"
	some dep in object.get(m, "depends_on", [])
	dep in manual
	violation := {
		"message": sprintf("automatic module %s stays blocked until manual module %s is started", [m.name, dep]),
		"module": m.name,
	}
}
`,
	}
}

// scriptTimeoutPolicy notes scripted modules that rely on the kernel's default timeouts.
func scriptTimeoutPolicy() Policy {
	return Policy{
		Name:        "script-timeouts",
		Description: "Scripted modules declare their own start timeout",
		Severity:    SeverityInfo,
		Enabled:     true,
		Rego: `package modkernel.policies.scripts

import rego.v1

deny contains violation if {
	some m in input.modules
	m.kind in {"starlark", "wasm"}
	not m.start_timeout
	violation := {
		"message": sprintf("%s module %s uses the default start timeout", [m.kind, m.name]),
		"module": m.name,
	}
}
`,
	}
}
