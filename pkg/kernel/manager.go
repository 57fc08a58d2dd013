package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used when no tracer is supplied.
const TracerName = "github.com/openfroyo/modkernel/pkg/kernel"

// Options configures a ModuleManager.
type Options struct {
	// MaxParallel bounds concurrent module transitions within one orchestration run.
	MaxParallel int

	// ExecutorWorkers bounds concurrent executor jobs.
	ExecutorWorkers int

	// DefaultStartTimeout bounds Initialize plus Start when a descriptor sets none.
	DefaultStartTimeout time.Duration

	// DefaultStopTimeout bounds Stop when a descriptor sets none.
	DefaultStopTimeout time.Duration

	// HealthCheckInterval is the probe period for HealthChecker modules. Negative disables probes.
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds a single probe.
	HealthCheckTimeout time.Duration

	// HousekeepingInterval is the period of the restart window job. Negative disables it.
	HousekeepingInterval time.Duration

	// NotificationBuffer is the channel size used by Subscribe(0).
	NotificationBuffer int

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Logger receives kernel logs. Nil disables logging.
	Logger *zerolog.Logger

	// Tracer creates orchestration and transition spans. Defaults to the global provider.
	Tracer trace.Tracer

	// Observer receives measurements. Nil disables them.
	Observer Observer
}

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{
		MaxParallel:          4,
		ExecutorWorkers:      8,
		DefaultStartTimeout:  30 * time.Second,
		DefaultStopTimeout:   30 * time.Second,
		HealthCheckInterval:  10 * time.Second,
		HealthCheckTimeout:   5 * time.Second,
		HousekeepingInterval: 30 * time.Second,
		NotificationBuffer:   64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxParallel <= 0 {
		o.MaxParallel = d.MaxParallel
	}
	if o.ExecutorWorkers <= 0 {
		o.ExecutorWorkers = d.ExecutorWorkers
	}
	if o.DefaultStartTimeout == 0 {
		o.DefaultStartTimeout = d.DefaultStartTimeout
	}
	if o.DefaultStopTimeout == 0 {
		o.DefaultStopTimeout = d.DefaultStopTimeout
	}
	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = d.HealthCheckInterval
	}
	if o.HealthCheckTimeout <= 0 {
		o.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if o.HousekeepingInterval == 0 {
		o.HousekeepingInterval = d.HousekeepingInterval
	}
	if o.NotificationBuffer <= 0 {
		o.NotificationBuffer = d.NotificationBuffer
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// runtime is everything built from one valid configuration.
type runtime struct {
	graph      *DependencyGraph
	machines   map[string]*HealthStateMachine
	starter    *StartOrchestrator
	stopper    *StopOrchestrator
	failure    *FailureStrategy
	healthJobs []JobHandle
}

func (rt *runtime) allStopped() bool {
	for _, m := range rt.machines {
		if m.State() != StateStopped {
			return false
		}
	}
	return true
}

func (rt *runtime) modules() map[string]Module {
	modules := make(map[string]Module, len(rt.machines))
	for name, m := range rt.machines {
		modules[name] = m.module
	}
	return modules
}

// ModuleManager is the kernel facade: it loads modules, starts and stops
// them in dependency order, supervises their health and publishes every
// state change.
type ModuleManager struct {
	opts     Options
	base     zerolog.Logger
	logger   zerolog.Logger
	tracer   trace.Tracer
	observer Observer
	executor *BoundedExecutor
	notifier *Notifier
	claims   *claimSet
	closing  atomic.Bool

	mu           sync.RWMutex
	rt           *runtime
	graphErr     error
	pending      []Registration
	housekeeping JobHandle
	closed       bool
}

// NewModuleManager creates a manager with no modules loaded.
func NewModuleManager(opts Options) *ModuleManager {
	opts = opts.withDefaults()

	base := zerolog.Nop()
	if opts.Logger != nil {
		base = *opts.Logger
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	var observer Observer = nopObserver{}
	if opts.Observer != nil {
		observer = opts.Observer
	}

	mgr := &ModuleManager{
		opts:     opts,
		base:     base,
		logger:   base.With().Str("component", "module_manager").Logger(),
		tracer:   tracer,
		observer: observer,
		claims:   newClaimSet(),
	}
	mgr.executor = NewBoundedExecutor(opts.ExecutorWorkers, mgr.escalate, observer, base)
	mgr.notifier = newNotifier(mgr.executor, base)

	if opts.HousekeepingInterval > 0 {
		handle, err := mgr.executor.Schedule(JobOptions{Name: "housekeeping"}, opts.HousekeepingInterval,
			func(ctx context.Context) error {
				mgr.housekeep(mgr.opts.Clock())
				return nil
			})
		if err != nil {
			mgr.logger.Warn().Err(err).Msg("Failed to schedule housekeeping")
		}
		mgr.housekeeping = handle
	}

	return mgr
}

// Load installs a new module set. Every loaded module must be stopped.
// A graph error is kept and returned by start calls until a valid set is loaded.
func (mgr *ModuleManager) Load(registrations []Registration) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.closed {
		return ErrManagerClosed
	}
	if mgr.rt != nil && !mgr.rt.allStopped() {
		return ErrModulesRunning
	}

	rt, err := mgr.build(registrations, nil)
	if err != nil {
		mgr.graphErr = err
		mgr.logger.Error().Err(err).Msg("Rejected module configuration")
		return err
	}

	mgr.install(rt)
	return nil
}

// Reconfigure replaces the descriptors of the loaded set. A registration
// without a Module reuses the instance of the same name from a deferred
// reconfiguration, or else from the loaded set. While any module is not
// stopped the change is kept and applied by the next StopModules;
// ErrReconfigurePending is returned in that case. A rejected revision
// leaves both the loaded set and a deferred one in place.
func (mgr *ModuleManager) Reconfigure(registrations ...Registration) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.closed {
		return ErrManagerClosed
	}

	previous := make(map[string]Module)
	if mgr.rt != nil {
		previous = mgr.rt.modules()
	}
	for _, reg := range mgr.pending {
		previous[reg.Descriptor.Name] = reg.Module
	}
	registrations = resolve(registrations, previous)

	rt, err := mgr.build(registrations, nil)
	if err != nil {
		// A rejected revision leaves an installed runtime usable.
		if mgr.rt == nil {
			mgr.graphErr = err
		}
		mgr.logger.Error().Err(err).Msg("Rejected module reconfiguration")
		return err
	}

	if mgr.rt != nil && !mgr.rt.allStopped() {
		mgr.pending = registrations
		mgr.logger.Info().Int("modules", len(registrations)).Msg("Reconfiguration deferred until modules are stopped")
		return ErrReconfigurePending
	}

	mgr.pending = nil
	mgr.install(rt)
	return nil
}

// resolve fills registrations without a Module from previous.
func resolve(registrations []Registration, previous map[string]Module) []Registration {
	resolved := make([]Registration, len(registrations))
	for i, reg := range registrations {
		if reg.Module == nil {
			reg.Module = previous[reg.Descriptor.Name]
		}
		resolved[i] = reg
	}
	return resolved
}

// build validates registrations and creates a runtime for them.
func (mgr *ModuleManager) build(registrations []Registration, previous map[string]Module) (*runtime, error) {
	descriptors := make([]Descriptor, 0, len(registrations))
	modules := make(map[string]Module, len(registrations))
	for _, reg := range registrations {
		module := reg.Module
		if module == nil {
			module = previous[reg.Descriptor.Name]
		}
		if module == nil {
			return nil, fmt.Errorf("%w: module %q has no instance", ErrInvalidDescriptor, reg.Descriptor.Name)
		}
		descriptors = append(descriptors, reg.Descriptor)
		modules[reg.Descriptor.Name] = module
	}

	graph, err := BuildGraph(descriptors)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		graph:    graph,
		machines: make(map[string]*HealthStateMachine, len(descriptors)),
	}
	for _, name := range graph.AllModules() {
		desc, _ := graph.Descriptor(name)
		rt.machines[name] = newHealthStateMachine(desc, modules[name], machineOptions{
			startTimeout: mgr.opts.DefaultStartTimeout,
			stopTimeout:  mgr.opts.DefaultStopTimeout,
			clock:        mgr.opts.Clock,
			notify:       func(change StateChange) { mgr.onStateChange(rt, change) },
			logger:       mgr.base,
			tracer:       mgr.tracer,
		})
	}

	base := orchestration{
		graph:       graph,
		machines:    rt.machines,
		claims:      mgr.claims,
		maxParallel: mgr.opts.MaxParallel,
		clock:       mgr.opts.Clock,
		logger:      mgr.base,
		tracer:      mgr.tracer,
		observer:    mgr.observer,
	}
	rt.starter = newStartOrchestrator(base)
	rt.stopper = newStopOrchestrator(base, rt.starter)
	rt.failure = newFailureStrategy(graph, rt.machines, rt.starter, rt.stopper, mgr.opts.Clock, mgr.base)
	rt.failure.halted = mgr.closing.Load

	return rt, nil
}

// install swaps in a runtime. Callers hold mgr.mu.
func (mgr *ModuleManager) install(rt *runtime) {
	if mgr.rt != nil {
		for _, handle := range mgr.rt.healthJobs {
			mgr.executor.Cancel(handle)
		}
	}

	mgr.scheduleHealthChecks(rt)
	mgr.rt = rt
	mgr.graphErr = nil

	mgr.logger.Info().
		Int("modules", len(rt.machines)).
		Strs("start_order", rt.graph.GlobalStartOrder()).
		Msg("Module configuration loaded")
}

// scheduleHealthChecks installs a critical periodic probe for every HealthChecker module.
func (mgr *ModuleManager) scheduleHealthChecks(rt *runtime) {
	if mgr.opts.HealthCheckInterval <= 0 {
		return
	}

	for _, name := range rt.graph.AllModules() {
		m := rt.machines[name]
		checker, ok := m.module.(HealthChecker)
		if !ok {
			continue
		}
		handle, err := mgr.executor.Schedule(
			JobOptions{Name: "health:" + name, Module: name, Critical: true},
			mgr.opts.HealthCheckInterval,
			func(ctx context.Context) error {
				return m.probe(ctx, checker, mgr.opts.HealthCheckTimeout)
			})
		if err != nil {
			mgr.logger.Warn().Err(err).Str("module", name).Msg("Failed to schedule health check")
			continue
		}
		rt.healthJobs = append(rt.healthJobs, handle)
	}
}

// onStateChange fans a transition out and hands failures to the FailureStrategy.
func (mgr *ModuleManager) onStateChange(rt *runtime, change StateChange) {
	mgr.observer.ObserveStateChange(change)
	mgr.notifier.Publish(change)

	if change.NewState != StateFailure || change.OldState == StateFailure || mgr.closing.Load() {
		return
	}

	err := mgr.executor.Submit(JobOptions{Name: "failure:" + change.Module, Module: change.Module},
		func(ctx context.Context) error {
			return rt.failure.Handle(ctx, change.Module)
		})
	if err != nil {
		mgr.logger.Warn().Err(err).Str("module", change.Module).Msg("Failure handling not scheduled")
	}
}

// escalate turns a critical job failure into a critical module error.
func (mgr *ModuleManager) escalate(module string, err error) {
	rt, rerr := mgr.current(false)
	if rerr != nil {
		return
	}
	m, ok := rt.machines[module]
	if !ok {
		return
	}
	if _, terr := m.ErrorOccured(err, true); terr != nil {
		mgr.logger.Debug().Err(terr).Str("module", module).Msg("Escalation ignored")
	}
}

// housekeep resets restart counters whose window has elapsed.
func (mgr *ModuleManager) housekeep(now time.Time) {
	rt, err := mgr.current(false)
	if err != nil {
		return
	}
	for _, name := range rt.graph.AllModules() {
		if rt.machines[name].expireRestartWindow(now) {
			mgr.logger.Info().Str("module", name).Msg("Restart window elapsed, restart counter reset")
		}
	}
}

// current returns the installed runtime. Start calls also fail on a kept graph error.
func (mgr *ModuleManager) current(forStart bool) (*runtime, error) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	if mgr.closed {
		return nil, ErrManagerClosed
	}
	if forStart && mgr.graphErr != nil {
		return nil, mgr.graphErr
	}
	if mgr.rt == nil {
		if mgr.graphErr != nil {
			return nil, mgr.graphErr
		}
		return nil, ErrNotLoaded
	}
	return mgr.rt, nil
}

func (mgr *ModuleManager) machine(name string, forStart bool) (*runtime, *HealthStateMachine, error) {
	rt, err := mgr.current(forStart)
	if err != nil {
		return nil, nil, err
	}
	m, ok := rt.machines[name]
	if !ok {
		return nil, nil, &UnknownModuleError{Module: name}
	}
	return rt, m, nil
}

// StartModules starts every automatic module in dependency order.
func (mgr *ModuleManager) StartModules(ctx context.Context) (*Result, error) {
	rt, err := mgr.current(true)
	if err != nil {
		return nil, err
	}
	return rt.starter.StartAll(ctx)
}

// StartModule starts one module and its dependencies, regardless of start behavior.
func (mgr *ModuleManager) StartModule(ctx context.Context, name string) (*Result, error) {
	rt, _, err := mgr.machine(name, true)
	if err != nil {
		return nil, err
	}
	return rt.starter.Start(ctx, name)
}

// StopModules stops every module and applies a deferred reconfiguration.
func (mgr *ModuleManager) StopModules(ctx context.Context) (*Result, error) {
	rt, err := mgr.current(false)
	if err != nil {
		return nil, err
	}

	result, err := rt.stopper.StopAll(ctx)
	if err != nil {
		return nil, err
	}

	mgr.applyPending()
	return result, nil
}

// applyPending installs a deferred reconfiguration once everything is stopped.
func (mgr *ModuleManager) applyPending() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.pending == nil || mgr.rt == nil || !mgr.rt.allStopped() {
		return
	}

	registrations := mgr.pending
	mgr.pending = nil

	rt, err := mgr.build(registrations, mgr.rt.modules())
	if err != nil {
		mgr.graphErr = err
		mgr.logger.Error().Err(err).Msg("Deferred reconfiguration rejected")
		return
	}
	mgr.install(rt)
}

// StopModule stops a module and every module that depends on it.
func (mgr *ModuleManager) StopModule(ctx context.Context, name string) (*Result, error) {
	rt, _, err := mgr.machine(name, false)
	if err != nil {
		return nil, err
	}
	return rt.stopper.Stop(ctx, name)
}

// RestartModule is the operator action for a failed or exhausted module:
// it stops the module with its dependents, resets the restart budget and
// starts it again together with the dependents it stopped and every
// automatic dependent.
func (mgr *ModuleManager) RestartModule(ctx context.Context, name string) (*Result, error) {
	rt, m, err := mgr.machine(name, true)
	if err != nil {
		return nil, err
	}

	stopped, err := rt.stopper.Stop(ctx, name)
	if err != nil {
		return nil, err
	}
	m.resetRestarts()

	names, err := rt.graph.StartOrder(name)
	if err != nil {
		return nil, err
	}
	names = append(names, stopped.WithOutcome(OutcomeStopped)...)
	dependents, _ := rt.graph.Dependents(name)
	for _, dependent := range dependents {
		if d, _ := rt.graph.Descriptor(dependent); d.StartBehavior == StartAutomatic {
			names = append(names, dependent)
		}
	}
	return rt.starter.startNames(ctx, OpRestart, name, names)
}

// ReportError records an error raised by a running module.
func (mgr *ModuleManager) ReportError(name string, err error, critical bool) (HealthState, error) {
	_, m, merr := mgr.machine(name, false)
	if merr != nil {
		return "", merr
	}
	return m.ErrorOccured(err, critical)
}

// ReportRecovered clears a Warning.
func (mgr *ModuleManager) ReportRecovered(name string) (HealthState, error) {
	_, m, err := mgr.machine(name, false)
	if err != nil {
		return "", err
	}
	return m.Recover()
}

// GetState returns the health state of a module.
func (mgr *ModuleManager) GetState(name string) (HealthState, error) {
	_, m, err := mgr.machine(name, false)
	if err != nil {
		return "", err
	}
	return m.State(), nil
}

// Status returns the runtime record of a module.
func (mgr *ModuleManager) Status(name string) (RuntimeRecord, error) {
	_, m, err := mgr.machine(name, false)
	if err != nil {
		return RuntimeRecord{}, err
	}
	return m.Record(), nil
}

// Statuses returns every runtime record in declaration order.
func (mgr *ModuleManager) Statuses() ([]RuntimeRecord, error) {
	rt, err := mgr.current(false)
	if err != nil {
		return nil, err
	}
	records := make([]RuntimeRecord, 0, len(rt.machines))
	for _, name := range rt.graph.AllModules() {
		records = append(records, rt.machines[name].Record())
	}
	return records, nil
}

// WaitingModules returns the modules blocked on dependencies and what they wait on.
func (mgr *ModuleManager) WaitingModules() (map[string][]string, error) {
	rt, err := mgr.current(false)
	if err != nil {
		return nil, err
	}
	return rt.starter.Waiting(), nil
}

// GetDependencyTree returns a snapshot of the graph with current states.
func (mgr *ModuleManager) GetDependencyTree() (GraphSnapshot, error) {
	rt, err := mgr.current(false)
	if err != nil {
		return GraphSnapshot{}, err
	}
	return rt.graph.Snapshot(func(name string) HealthState {
		return rt.machines[name].State()
	}), nil
}

// DependencyDOT renders the graph with current states in Graphviz format.
func (mgr *ModuleManager) DependencyDOT() (string, error) {
	rt, err := mgr.current(false)
	if err != nil {
		return "", err
	}
	return rt.graph.ToDOT(func(name string) HealthState {
		return rt.machines[name].State()
	}), nil
}

// Subscribe returns a channel of state changes. A buffer of zero uses the
// configured default. Changes that do not fit the buffer are dropped.
func (mgr *ModuleManager) Subscribe(buffer int) Subscription {
	if buffer <= 0 {
		buffer = mgr.opts.NotificationBuffer
	}
	return mgr.notifier.Subscribe(buffer)
}

// Unsubscribe removes a subscription and closes its channel.
func (mgr *ModuleManager) Unsubscribe(id string) bool {
	return mgr.notifier.Unsubscribe(id)
}

// AddSink registers a sink for every state change.
func (mgr *ModuleManager) AddSink(sink Sink) {
	mgr.notifier.AddSink(sink)
}

// ExecutorStats returns the executor counters.
func (mgr *ModuleManager) ExecutorStats() ExecutorStats {
	return mgr.executor.Stats()
}

// Close stops every module, drains the executor and closes subscriptions.
func (mgr *ModuleManager) Close(ctx context.Context) error {
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return nil
	}
	mgr.closed = true
	rt := mgr.rt
	mgr.mu.Unlock()

	mgr.closing.Store(true)

	var errs []error
	if rt != nil {
		if _, err := rt.stopper.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := mgr.executor.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	// A restart decision that was already past its checks may have started a module again.
	if rt != nil && !rt.allStopped() {
		if _, err := rt.stopper.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	mgr.notifier.close()

	mgr.logger.Info().Msg("Module manager closed")
	return errors.Join(errs...)
}
