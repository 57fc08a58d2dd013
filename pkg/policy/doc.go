// Package policy checks module registries against Open Policy Agent (OPA)
// policies before the kernel loads them.
//
// A policy is a Rego module that defines a deny set. Each entry is either a
// message string or an object:
//
//	package plant.policies.historian
//
//	import rego.v1
//
//	deny contains violation if {
//		some m in input.modules
//		m.name == "historian"
//		not "database" in object.get(m, "depends_on", [])
//		violation := {"message": "historian must depend on database", "module": m.name}
//	}
//
// The input document has three fields: kernel and modules as written in the
// registry (snake_case keys, durations as strings) and graph, the dependency
// graph snapshot with levels and start/stop order.
//
// # Severity
//
// Every policy has a default severity that an entry may override with a
// "severity" key. Only error violations reject a registry; warning and info
// violations are reported. Policy files set their default with a leading
// comment:
//
//	# Historian needs its database.
//	# severity: error
//
// # Built-in policies
//
//   - module-naming (error): names are lowercase, digits, '-' and '_'
//   - restart-budget (warning): restart behaviors need max_restarts > 0
//   - manual-dependency (warning): automatic modules depending on manual ones
//   - script-timeouts (info): starlark modules without a start timeout
//
// Policies are loaded from .rego and .json files or directories with
// Engine.LoadPolicies. A loaded policy replaces a built-in of the same name,
// and DisablePolicy switches one off.
package policy
