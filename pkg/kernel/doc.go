// Package kernel boots, supervises and tears down the modules of a single process.
//
// # Overview
//
// A module is any value implementing Module. The host registers modules with
// a Descriptor that names their dependencies and how the kernel should react
// when they fail. The ModuleManager then:
//
//  1. Builds a DependencyGraph and rejects unknown dependencies and cycles
//  2. Starts modules dependency-first, independent modules in parallel
//  3. Parks modules whose dependencies are not running in a wait set and
//     starts them as soon as the dependencies come up
//  4. Drives one HealthStateMachine per module
//  5. Applies the module's FailureBehavior when it enters Failure
//  6. Stops modules dependent-first
//
// # Health States
//
//	stopped --start--> starting --started--> running
//	                            --start_failed--> failure
//	running --warning--> warning --recover--> running
//	running, warning --critical--> failure
//	running, warning, failure --stop--> stopping --stopped--> stopped
//
// Only running and warning are operational: dependents may rely on the module.
//
// # Failure Behaviors
//
//   - ignore: the module stays in failure until an operator restarts it
//   - restart: stop and start the module while the restart budget allows it
//   - restart_with_dependents: as restart, stopping running dependents first
//     and starting them again afterwards
//   - stop_dependents: stop every transitive dependent; the module stays in failure
//
// The restart budget is MaxRestarts restarts; the counter resets once
// RestartWindow has passed since the last counted failure. When the budget is
// exhausted a StateChange with Exhausted set is published.
//
// # Concurrency
//
// Transitions of one module are serialized. Callbacks run on their own
// goroutine under a timeout, so a hung module cannot block unrelated ones.
// Each orchestration run claims the modules it touches; overlapping runs
// serialize and disjoint runs proceed concurrently. Failure decisions, sinks,
// health checks and housekeeping run on the BoundedExecutor.
package kernel
