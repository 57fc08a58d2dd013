package kernel

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidDescriptor is returned for descriptors that cannot enter a graph.
	ErrInvalidDescriptor = errors.New("invalid module descriptor")

	// ErrReconfigurePending is returned when a reconfiguration was deferred
	// because modules are still running.
	ErrReconfigurePending = errors.New("reconfiguration deferred until modules are stopped")

	// ErrManagerClosed is returned by calls made after Close.
	ErrManagerClosed = errors.New("module manager closed")

	// ErrModulesRunning is returned by Load while loaded modules are not stopped.
	ErrModulesRunning = errors.New("modules are still running")

	// ErrNotLoaded is returned by calls that need a loaded module set.
	ErrNotLoaded = errors.New("no modules loaded")
)

// UnknownDependencyError reports a dependency name that matches no known module.
type UnknownDependencyError struct {
	Module     string
	Dependency string
}

// Error implements the error interface.
func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("module %s depends on unknown module %s", e.Module, e.Dependency)
}

// CycleError reports a dependency cycle. Cycle starts and ends with the same module.
type CycleError struct {
	Cycle []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Cycle, " -> "))
}

// InvalidTransitionError reports a state machine call that is illegal in the current state.
type InvalidTransitionError struct {
	Module string
	State  HealthState
	Event  string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("module %s: %s is not allowed in state %s", e.Module, e.Event, e.State)
}

// Callback phases reported by CallbackError.
const (
	PhaseInitialize = "initialize"
	PhaseStart      = "start"
	PhaseStop       = "stop"
	PhaseHealth     = "health"
	PhaseReported   = "reported"
)

// CallbackError wraps a failure of a module callback: a returned error,
// a recovered panic or an exceeded timeout.
type CallbackError struct {
	Module  string
	Phase   string
	Timeout bool
	Panic   bool
	Err     error
}

// Error implements the error interface.
func (e *CallbackError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("module %s: %s timed out: %v", e.Module, e.Phase, e.Err)
	case e.Panic:
		return fmt.Sprintf("module %s: %s panicked: %v", e.Module, e.Phase, e.Err)
	default:
		return fmt.Sprintf("module %s: %s failed: %v", e.Module, e.Phase, e.Err)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *CallbackError) Unwrap() error {
	return e.Err
}

// RestartBudgetExhaustedError reports that the FailureStrategy gave up on a module.
type RestartBudgetExhaustedError struct {
	Module      string
	MaxRestarts int
	Window      time.Duration
	LastError   error
}

// Error implements the error interface.
func (e *RestartBudgetExhaustedError) Error() string {
	return fmt.Sprintf("module %s: restart budget exhausted (%d restarts within %s)",
		e.Module, e.MaxRestarts, e.Window)
}

// Unwrap returns the failure that exhausted the budget.
func (e *RestartBudgetExhaustedError) Unwrap() error {
	return e.LastError
}

// UnknownModuleError reports a call naming a module the manager does not know.
type UnknownModuleError struct {
	Module string
}

// Error implements the error interface.
func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("unknown module: %s", e.Module)
}

// IsUnknownDependency returns true if err is or wraps an UnknownDependencyError.
func IsUnknownDependency(err error) bool {
	var e *UnknownDependencyError
	return errors.As(err, &e)
}

// IsCycle returns true if err is or wraps a CycleError.
func IsCycle(err error) bool {
	var e *CycleError
	return errors.As(err, &e)
}

// IsInvalidTransition returns true if err is or wraps an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

// IsCallbackError returns true if err is or wraps a CallbackError.
func IsCallbackError(err error) bool {
	var e *CallbackError
	return errors.As(err, &e)
}

// IsTimeout returns true if err wraps a CallbackError caused by a timeout.
func IsTimeout(err error) bool {
	var e *CallbackError
	if errors.As(err, &e) {
		return e.Timeout
	}
	return false
}

// IsRestartBudgetExhausted returns true if err is or wraps a RestartBudgetExhaustedError.
func IsRestartBudgetExhausted(err error) bool {
	var e *RestartBudgetExhaustedError
	return errors.As(err, &e)
}

// IsUnknownModule returns true if err is or wraps an UnknownModuleError.
func IsUnknownModule(err error) bool {
	var e *UnknownModuleError
	return errors.As(err, &e)
}
