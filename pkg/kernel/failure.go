package kernel

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// FailureStrategy decides what happens after a module enters Failure.
// Decisions run on the executor, outside the transition that triggered them.
type FailureStrategy struct {
	graph    *DependencyGraph
	machines map[string]*HealthStateMachine
	starter  *StartOrchestrator
	stopper  *StopOrchestrator
	clock    func() time.Time
	logger   zerolog.Logger

	// halted reports that the manager is shutting down; no restarts then.
	halted func() bool
}

func newFailureStrategy(graph *DependencyGraph, machines map[string]*HealthStateMachine,
	starter *StartOrchestrator, stopper *StopOrchestrator, clock func() time.Time, logger zerolog.Logger) *FailureStrategy {
	return &FailureStrategy{
		graph:    graph,
		machines: machines,
		starter:  starter,
		stopper:  stopper,
		clock:    clock,
		logger:   logger.With().Str("component", "failure_strategy").Logger(),
		halted:   func() bool { return false },
	}
}

// Handle applies the module's failure behavior. It does nothing if the
// module left Failure before the decision ran.
func (f *FailureStrategy) Handle(ctx context.Context, name string) error {
	m, ok := f.machines[name]
	if !ok {
		return &UnknownModuleError{Module: name}
	}
	if m.State() != StateFailure || f.halted() {
		return nil
	}

	behavior := m.Descriptor().FailureBehavior
	logger := f.logger.With().Str("module", name).Str("behavior", string(behavior)).Logger()

	switch behavior {
	case FailureStopDependents:
		logger.Info().Msg("Stopping dependents of failed module")
		_, err := f.stopper.StopDependents(ctx, name)
		return err

	case FailureRestart, FailureRestartWithDependents:
		return f.restart(ctx, m, behavior == FailureRestartWithDependents, logger)

	default:
		logger.Info().Msg("Failure ignored, module stays in failure")
		return nil
	}
}

// restart reincarnates a failed module within its restart budget.
func (f *FailureStrategy) restart(ctx context.Context, m *HealthStateMachine, withDependents bool, logger zerolog.Logger) error {
	name := m.Name()

	allowed, count := m.consumeRestart(f.clock())
	if !allowed {
		m.markExhausted()
		f.starter.abandon(name)
		return nil
	}

	logger.Info().
		Int("attempt", count).
		Int("max_restarts", m.Descriptor().MaxRestarts).
		Msg("Restarting failed module")

	var stoppedDependents []string
	if withDependents {
		result, err := f.stopper.StopDependents(ctx, name)
		if err != nil {
			return err
		}
		stoppedDependents = result.WithOutcome(OutcomeStopped)
	}

	// Failure -> Stopped releases whatever the failed incarnation held.
	cleanup, err := f.stopper.stopOnly(ctx, OpRestart, name)
	if err != nil {
		return err
	}
	if outcome, _ := cleanup.Outcome(name); outcome != OutcomeStopped {
		// Someone else stopped the module in the meantime; their decision stands.
		logger.Info().Str("outcome", string(outcome)).Msg("Restart abandoned, module no longer failed")
		return nil
	}

	if f.halted() {
		return nil
	}
	if _, err := f.starter.Start(ctx, name); err != nil {
		return err
	}

	if len(stoppedDependents) == 0 {
		return nil
	}

	// Dependents of a module that failed again end up blocked and resume
	// with the next successful restart.
	_, err = f.starter.startNames(ctx, OpRestart, name, stoppedDependents)
	return err
}
