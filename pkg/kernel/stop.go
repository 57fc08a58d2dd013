package kernel

import (
	"context"
)

// StopOrchestrator stops modules dependent-first.
type StopOrchestrator struct {
	orchestration
	starter *StartOrchestrator
}

func newStopOrchestrator(base orchestration, starter *StartOrchestrator) *StopOrchestrator {
	base.logger = base.logger.With().Str("component", "stop_orchestrator").Logger()
	return &StopOrchestrator{orchestration: base, starter: starter}
}

// Stop stops a module and every transitive dependent.
func (o *StopOrchestrator) Stop(ctx context.Context, name string) (*Result, error) {
	order, err := o.graph.StopOrder(name)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, OpStop, name, order)
}

// StopAll stops every module and clears the WaitSet.
func (o *StopOrchestrator) StopAll(ctx context.Context) (*Result, error) {
	result, err := o.run(ctx, OpStopAll, "", o.graph.GlobalStopOrder())
	if err != nil {
		return nil, err
	}
	o.starter.clearAllWaits()
	return result, nil
}

// StopDependents stops every transitive dependent of a module, leaving the module itself alone.
func (o *StopOrchestrator) StopDependents(ctx context.Context, name string) (*Result, error) {
	order, err := o.graph.Dependents(name)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, OpStopDependents, name, order)
}

// stopOnly stops exactly one module. Callers make sure its dependents are handled.
func (o *StopOrchestrator) stopOnly(ctx context.Context, op, name string) (*Result, error) {
	return o.run(ctx, op, name, []string{name})
}

func (o *StopOrchestrator) run(ctx context.Context, op, target string, order []string) (*Result, error) {
	return o.execute(ctx, op, target, order, func(ctx context.Context) []ModuleResult {
		return o.fanOut(ctx, order, o.graph.DirectDependents, o.stopOne)
	})
}

// stopOne stops a single module once its dependents in the same run are done.
func (o *StopOrchestrator) stopOne(ctx context.Context, name string) ModuleResult {
	m := o.machines[name]
	o.starter.clearWait(name)

	if state := m.State(); state == StateStopped {
		return ModuleResult{Module: name, Outcome: OutcomeAlreadyStopped, State: state}
	}

	state, err := m.Stop(ctx)
	if IsInvalidTransition(err) {
		return ModuleResult{Module: name, Outcome: OutcomeFailed, State: state, Err: err}
	}
	return ModuleResult{Module: name, Outcome: OutcomeStopped, State: state, Err: err}
}
