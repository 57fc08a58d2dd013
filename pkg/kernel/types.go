package kernel

import (
	"context"
	"fmt"
	"time"
)

// Module is a unit supplied by the hosting application. Callbacks signal
// failure by returning an error; a panic is treated the same way.
type Module interface {
	// Initialize prepares resources. It runs before every Start.
	Initialize(ctx context.Context) error

	// Start begins active operation.
	Start(ctx context.Context) error

	// Stop releases everything acquired by Initialize and Start.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by modules that can be probed while running.
// A probe error is escalated as a critical error of the module.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Descriptor declares a module and its behavior configuration.
type Descriptor struct {
	// Name is the unique module name.
	Name string `json:"name"`

	// Dependencies lists modules that must be running before this one starts.
	// Declaration order breaks ties in start order.
	Dependencies []string `json:"dependencies,omitempty"`

	// StartBehavior controls whether StartModules starts the module.
	StartBehavior StartBehavior `json:"start_behavior"`

	// FailureBehavior selects the reaction to the module entering Failure.
	FailureBehavior FailureBehavior `json:"failure_behavior"`

	// MaxRestarts bounds restarts within RestartWindow.
	MaxRestarts int `json:"max_restarts"`

	// RestartWindow is the quiet period after which the restart counter resets.
	RestartWindow time.Duration `json:"restart_window"`

	// StartTimeout bounds Initialize plus Start. Zero uses the manager default.
	StartTimeout time.Duration `json:"start_timeout,omitempty"`

	// StopTimeout bounds Stop. Zero uses the manager default.
	StopTimeout time.Duration `json:"stop_timeout,omitempty"`
}

// Validate checks the descriptor in isolation. Graph-level checks happen in BuildGraph.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty module name", ErrInvalidDescriptor)
	}
	if err := d.StartBehavior.Validate(); err != nil {
		return fmt.Errorf("%w: module %s: %v", ErrInvalidDescriptor, d.Name, err)
	}
	if err := d.FailureBehavior.Validate(); err != nil {
		return fmt.Errorf("%w: module %s: %v", ErrInvalidDescriptor, d.Name, err)
	}
	if d.MaxRestarts < 0 {
		return fmt.Errorf("%w: module %s: negative max restarts", ErrInvalidDescriptor, d.Name)
	}
	if d.RestartWindow < 0 || d.StartTimeout < 0 || d.StopTimeout < 0 {
		return fmt.Errorf("%w: module %s: negative duration", ErrInvalidDescriptor, d.Name)
	}
	return nil
}

// withDefaults fills unset behaviors.
func (d Descriptor) withDefaults() Descriptor {
	if d.StartBehavior == "" {
		d.StartBehavior = StartAutomatic
	}
	if d.FailureBehavior == "" {
		d.FailureBehavior = FailureIgnore
	}
	return d
}

// Registration pairs a descriptor with the module instance resolved by the host.
type Registration struct {
	Descriptor Descriptor
	Module     Module
}

// RuntimeRecord is a snapshot of one module's mutable runtime state.
type RuntimeRecord struct {
	Name               string      `json:"name"`
	State              HealthState `json:"state"`
	RestartCount       int         `json:"restart_count"`
	RestartWindowStart time.Time   `json:"restart_window_start,omitempty"`
	LastFailure        time.Time   `json:"last_failure,omitempty"`
	LastError          error       `json:"-"`
	Exhausted          bool        `json:"exhausted"`
	LastTransition     time.Time   `json:"last_transition"`
}

// StateChange is published for every transition and failure decision.
type StateChange struct {
	ID           string      `json:"id"`
	Module       string      `json:"module"`
	OldState     HealthState `json:"old_state"`
	NewState     HealthState `json:"new_state"`
	Err          error       `json:"-"`
	Exhausted    bool        `json:"exhausted,omitempty"`
	RestartCount int         `json:"restart_count"`
	Timestamp    time.Time   `json:"timestamp"`
}

// ErrorMessage returns the error text or an empty string.
func (c StateChange) ErrorMessage() string {
	if c.Err == nil {
		return ""
	}
	return c.Err.Error()
}

// ModuleResult is the outcome of one module within an orchestration call.
type ModuleResult struct {
	Module    string      `json:"module"`
	Outcome   Outcome     `json:"outcome"`
	State     HealthState `json:"state"`
	WaitingOn []string    `json:"waiting_on,omitempty"`
	Err       error       `json:"-"`
}

// Result enumerates per-module outcomes in orchestration order.
type Result struct {
	ID        string         `json:"id"`
	Operation string         `json:"operation"`
	Target    string         `json:"target,omitempty"`
	Modules   []ModuleResult `json:"modules"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// Outcome returns the outcome recorded for a module.
func (r *Result) Outcome(name string) (Outcome, bool) {
	for _, m := range r.Modules {
		if m.Module == name {
			return m.Outcome, true
		}
	}
	return "", false
}

// WithOutcome returns the names of modules with the given outcome, in order.
func (r *Result) WithOutcome(outcome Outcome) []string {
	names := make([]string, 0)
	for _, m := range r.Modules {
		if m.Outcome == outcome {
			names = append(names, m.Module)
		}
	}
	return names
}

// Succeeded returns true if every module reached the requested state.
func (r *Result) Succeeded() bool {
	for _, m := range r.Modules {
		if !m.Outcome.IsSuccess() {
			return false
		}
	}
	return true
}

// Counts tallies outcomes.
func (r *Result) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, m := range r.Modules {
		counts[m.Outcome]++
	}
	return counts
}

// GraphNode is one module in a GraphSnapshot.
type GraphNode struct {
	Name         string          `json:"name"`
	Level        int             `json:"level"`
	Dependencies []string        `json:"dependencies"`
	Dependents   []string        `json:"dependents"`
	State        HealthState     `json:"state,omitempty"`
	Start        StartBehavior   `json:"start_behavior"`
	Failure      FailureBehavior `json:"failure_behavior"`
}

// GraphSnapshot is a read-only copy of the dependency graph for diagnostics.
type GraphSnapshot struct {
	Nodes      []GraphNode `json:"nodes"`
	StartOrder []string    `json:"start_order"`
	StopOrder  []string    `json:"stop_order"`
	Depth      int         `json:"depth"`
}
