package stores

import (
	"time"

	"github.com/openfroyo/modkernel/pkg/kernel"
)

// Transition is one journaled state change.
type Transition struct {
	ID           string             `json:"id"`
	Module       string             `json:"module"`
	OldState     kernel.HealthState `json:"old_state"`
	NewState     kernel.HealthState `json:"new_state"`
	Error        string             `json:"error,omitempty"`
	Exhausted    bool               `json:"exhausted,omitempty"`
	RestartCount int                `json:"restart_count"`
	OccurredAt   time.Time          `json:"occurred_at"`
}

// Run is one journaled orchestration run.
type Run struct {
	ID        string        `json:"id"`
	Operation string        `json:"operation"`
	Target    string        `json:"target,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Modules   []RunModule   `json:"modules"`
}

// RunModule is the journaled outcome of one module within a run.
type RunModule struct {
	Module    string             `json:"module"`
	Outcome   kernel.Outcome     `json:"outcome"`
	State     kernel.HealthState `json:"state"`
	WaitingOn []string           `json:"waiting_on,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// TransitionFilter narrows a transition query. Zero fields match everything.
type TransitionFilter struct {
	Module string
	Since  time.Time
	Limit  int
}
