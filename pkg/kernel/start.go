package kernel

import (
	"context"
	"sort"
	"sync"
)

// StartOrchestrator starts modules dependency-first and owns the WaitSet:
// modules that could not start because a dependency was not running.
type StartOrchestrator struct {
	orchestration

	waitMu  sync.Mutex
	waiting map[string]map[string]struct{}
}

func newStartOrchestrator(base orchestration) *StartOrchestrator {
	base.logger = base.logger.With().Str("component", "start_orchestrator").Logger()
	return &StartOrchestrator{
		orchestration: base,
		waiting:       make(map[string]map[string]struct{}),
	}
}

// Start starts a module and every transitive dependency.
func (o *StartOrchestrator) Start(ctx context.Context, name string) (*Result, error) {
	order, err := o.graph.StartOrder(name)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, OpStart, name, order)
}

// StartAll starts every module except those with manual start behavior.
func (o *StartOrchestrator) StartAll(ctx context.Context) (*Result, error) {
	order := make([]string, 0, len(o.machines))
	for _, name := range o.graph.GlobalStartOrder() {
		if d, _ := o.graph.Descriptor(name); d.StartBehavior == StartManual {
			continue
		}
		order = append(order, name)
	}
	return o.run(ctx, OpStartAll, "", order)
}

// startNames starts an arbitrary set of modules in global start order.
func (o *StartOrchestrator) startNames(ctx context.Context, op, target string, names []string) (*Result, error) {
	return o.run(ctx, op, target, o.inGlobalOrder(names))
}

func (o *StartOrchestrator) run(ctx context.Context, op, target string, order []string) (*Result, error) {
	result, err := o.execute(ctx, op, target, order, func(ctx context.Context) []ModuleResult {
		return o.fanOut(ctx, order, o.graph.DirectDependencies, o.startOne)
	})
	if err != nil {
		return nil, err
	}

	o.resume(ctx)
	return result, nil
}

// startOne advances a single module. Its dependencies in the same run have
// already finished their own step.
func (o *StartOrchestrator) startOne(ctx context.Context, name string) ModuleResult {
	m := o.machines[name]

	state := m.State()
	if state.IsOperational() {
		o.clearWait(name)
		return ModuleResult{Module: name, Outcome: OutcomeAlreadyRunning, State: state}
	}
	if state == StateFailure {
		o.clearWait(name)
		return ModuleResult{Module: name, Outcome: OutcomeFailed, State: state, Err: m.Record().LastError}
	}

	blockedOn := o.notOperational(o.graph.DirectDependencies(name))
	if len(blockedOn) > 0 {
		o.setWait(name, blockedOn)
		o.logger.Info().
			Str("module", name).
			Strs("waiting_on", blockedOn).
			Msg("Module blocked on dependencies")
		return ModuleResult{Module: name, Outcome: OutcomeBlocked, State: state, WaitingOn: blockedOn}
	}

	newState, err := m.Start(ctx)
	if err != nil {
		return ModuleResult{Module: name, Outcome: OutcomeFailed, State: newState, Err: err}
	}
	if !newState.IsOperational() {
		o.clearWait(name)
		return ModuleResult{Module: name, Outcome: OutcomeFailed, State: newState, Err: m.Record().LastError}
	}

	o.clearWait(name)
	return ModuleResult{Module: name, Outcome: OutcomeStarted, State: newState}
}

// resume starts waiting modules whose dependencies are all operational.
// Each resumed run resumes again, so starts cascade forward.
func (o *StartOrchestrator) resume(ctx context.Context) {
	ready := o.readyWaiters()
	if len(ready) == 0 {
		return
	}

	o.logger.Info().Strs("modules", ready).Msg("Resuming modules whose dependencies are running")
	if _, err := o.run(ctx, OpResume, "", ready); err != nil {
		o.logger.Warn().Err(err).Strs("modules", ready).Msg("Resuming waiting modules failed")
	}
}

// readyWaiters refreshes every wait set and returns the modules whose wait
// set became empty, in global start order.
func (o *StartOrchestrator) readyWaiters() []string {
	o.waitMu.Lock()
	defer o.waitMu.Unlock()

	ready := make([]string, 0)
	for name := range o.waiting {
		pending := o.notOperational(o.graph.DirectDependencies(name))
		if len(pending) == 0 {
			delete(o.waiting, name)
			ready = append(ready, name)
			continue
		}
		o.waiting[name] = toSet(pending)
	}
	return o.inGlobalOrder(ready)
}

// abandon drops the waits of every transitive dependent of a module that
// will not come back without operator intervention.
func (o *StartOrchestrator) abandon(name string) {
	dependents, err := o.graph.Dependents(name)
	if err != nil {
		return
	}

	o.waitMu.Lock()
	defer o.waitMu.Unlock()

	abandoned := make([]string, 0)
	for _, dependent := range dependents {
		if _, ok := o.waiting[dependent]; ok {
			delete(o.waiting, dependent)
			abandoned = append(abandoned, dependent)
		}
	}
	if len(abandoned) > 0 {
		o.logger.Warn().
			Str("module", name).
			Strs("abandoned", abandoned).
			Msg("Abandoned waits on permanently failed module")
	}
}

// Waiting returns each waiting module with the sorted dependencies it waits on.
func (o *StartOrchestrator) Waiting() map[string][]string {
	o.waitMu.Lock()
	defer o.waitMu.Unlock()

	snapshot := make(map[string][]string, len(o.waiting))
	for name, deps := range o.waiting {
		list := make([]string, 0, len(deps))
		for dep := range deps {
			list = append(list, dep)
		}
		sort.Strings(list)
		snapshot[name] = list
	}
	return snapshot
}

func (o *StartOrchestrator) setWait(name string, deps []string) {
	o.waitMu.Lock()
	defer o.waitMu.Unlock()
	o.waiting[name] = toSet(deps)
}

func (o *StartOrchestrator) clearWait(names ...string) {
	o.waitMu.Lock()
	defer o.waitMu.Unlock()
	for _, name := range names {
		delete(o.waiting, name)
	}
}

func (o *StartOrchestrator) clearAllWaits() {
	o.waitMu.Lock()
	defer o.waitMu.Unlock()
	o.waiting = make(map[string]map[string]struct{})
}

func (o *StartOrchestrator) notOperational(names []string) []string {
	pending := make([]string, 0)
	for _, name := range names {
		if !o.machines[name].State().IsOperational() {
			pending = append(pending, name)
		}
	}
	return pending
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}
