package kernel

import (
	"encoding/json"
	"fmt"
)

// HealthState is the lifecycle status of a single module.
type HealthState string

const (
	// StateStopped is the initial and terminal state; the module holds no resources.
	StateStopped HealthState = "stopped"

	// StateStarting indicates the Initialize/Start callbacks are running.
	StateStarting HealthState = "starting"

	// StateRunning indicates the module is fully operational.
	StateRunning HealthState = "running"

	// StateWarning indicates the module is operational but reported a non-critical error.
	StateWarning HealthState = "warning"

	// StateFailure indicates the module reported a critical error and is non-functional.
	StateFailure HealthState = "failure"

	// StateStopping indicates the Stop callback is running.
	StateStopping HealthState = "stopping"
)

// States lists every health state in lifecycle order.
func States() []HealthState {
	return []HealthState{StateStopped, StateStarting, StateRunning, StateWarning, StateFailure, StateStopping}
}

// IsOperational returns true if dependents may rely on the module.
func (s HealthState) IsOperational() bool {
	return s == StateRunning || s == StateWarning
}

// IsTransitional returns true while a callback is executing.
func (s HealthState) IsTransitional() bool {
	return s == StateStarting || s == StateStopping
}

// Validate checks if the health state is valid.
func (s HealthState) Validate() error {
	switch s {
	case StateStopped, StateStarting, StateRunning,
		StateWarning, StateFailure, StateStopping:
		return nil
	default:
		return fmt.Errorf("invalid health state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s HealthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *HealthState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = HealthState(str)
	return s.Validate()
}

// StartBehavior controls whether StartModules picks a module up.
type StartBehavior string

const (
	// StartManual modules are only started by an explicit StartModule call.
	StartManual StartBehavior = "manual"

	// StartAutomatic modules are started by StartModules.
	StartAutomatic StartBehavior = "automatic"
)

// Validate checks if the start behavior is valid.
func (b StartBehavior) Validate() error {
	switch b {
	case StartManual, StartAutomatic:
		return nil
	default:
		return fmt.Errorf("invalid start behavior: %s", b)
	}
}

// FailureBehavior selects the FailureStrategy reaction to a module entering Failure.
type FailureBehavior string

const (
	// FailureIgnore leaves the module in Failure until an operator intervenes.
	FailureIgnore FailureBehavior = "ignore"

	// FailureRestart restarts the module while the restart budget allows it.
	FailureRestart FailureBehavior = "restart"

	// FailureRestartWithDependents restarts the module and the dependents stopped for it.
	FailureRestartWithDependents FailureBehavior = "restart_with_dependents"

	// FailureStopDependents stops every transitive dependent of the failed module.
	FailureStopDependents FailureBehavior = "stop_dependents"
)

// Restarts returns true if the behavior consumes the restart budget.
func (b FailureBehavior) Restarts() bool {
	return b == FailureRestart || b == FailureRestartWithDependents
}

// Validate checks if the failure behavior is valid.
func (b FailureBehavior) Validate() error {
	switch b {
	case FailureIgnore, FailureRestart, FailureRestartWithDependents, FailureStopDependents:
		return nil
	default:
		return fmt.Errorf("invalid failure behavior: %s", b)
	}
}

// Outcome is the per-module result of an orchestration call.
type Outcome string

const (
	// OutcomeStarted indicates the module was started by this call.
	OutcomeStarted Outcome = "started"

	// OutcomeAlreadyRunning indicates the module was already operational.
	OutcomeAlreadyRunning Outcome = "already_running"

	// OutcomeBlocked indicates the module waits on dependencies that are not running.
	OutcomeBlocked Outcome = "blocked"

	// OutcomeFailed indicates the module ended in Failure or could not transition.
	OutcomeFailed Outcome = "failed"

	// OutcomeStopped indicates the module was stopped by this call.
	OutcomeStopped Outcome = "stopped"

	// OutcomeAlreadyStopped indicates the module was not running.
	OutcomeAlreadyStopped Outcome = "already_stopped"
)

// IsSuccess returns true if the outcome leaves the module in the requested state.
func (o Outcome) IsSuccess() bool {
	switch o {
	case OutcomeStarted, OutcomeAlreadyRunning, OutcomeStopped, OutcomeAlreadyStopped:
		return true
	default:
		return false
	}
}
