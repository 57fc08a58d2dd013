package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// event is an input to the health state machine.
type event string

const (
	eventStart       event = "start"
	eventStarted     event = "started"
	eventStartFailed event = "start_failed"
	eventWarning     event = "warning"
	eventCritical    event = "critical"
	eventRecover     event = "recover"
	eventStop        event = "stop"
	eventStopped     event = "stopped"
)

// transitions is the complete table of legal (state, event) pairs.
var transitions = map[HealthState]map[event]HealthState{
	StateStopped: {
		eventStart: StateStarting,
	},
	StateStarting: {
		eventStarted:     StateRunning,
		eventStartFailed: StateFailure,
	},
	StateRunning: {
		eventWarning:  StateWarning,
		eventCritical: StateFailure,
		eventStop:     StateStopping,
	},
	StateWarning: {
		eventWarning:  StateWarning,
		eventCritical: StateFailure,
		eventRecover:  StateRunning,
		eventStop:     StateStopping,
	},
	StateFailure: {
		eventStop: StateStopping,
	},
	StateStopping: {
		eventStopped: StateStopped,
	},
}

// HealthStateMachine drives one module through its lifecycle.
// All transitions of a module are serialized; reads never wait for callbacks.
type HealthStateMachine struct {
	name   string
	module Module
	desc   Descriptor

	// op serializes transitions and is held while callbacks run
	op sync.Mutex

	// mu protects rec
	mu                 sync.RWMutex
	rec                RuntimeRecord
	lastCountedFailure time.Time

	startTimeout time.Duration
	stopTimeout  time.Duration
	clock        func() time.Time
	notify       func(StateChange)
	logger       zerolog.Logger
	tracer       trace.Tracer
}

// machineOptions carries the manager-level settings a state machine needs.
type machineOptions struct {
	startTimeout time.Duration
	stopTimeout  time.Duration
	clock        func() time.Time
	notify       func(StateChange)
	logger       zerolog.Logger
	tracer       trace.Tracer
}

// newHealthStateMachine creates a state machine in the Stopped state.
func newHealthStateMachine(desc Descriptor, module Module, opts machineOptions) *HealthStateMachine {
	startTimeout := desc.StartTimeout
	if startTimeout == 0 {
		startTimeout = opts.startTimeout
	}
	stopTimeout := desc.StopTimeout
	if stopTimeout == 0 {
		stopTimeout = opts.stopTimeout
	}
	notify := opts.notify
	if notify == nil {
		notify = func(StateChange) {}
	}

	return &HealthStateMachine{
		name:   desc.Name,
		module: module,
		desc:   desc,
		rec: RuntimeRecord{
			Name:           desc.Name,
			State:          StateStopped,
			LastTransition: opts.clock(),
		},
		startTimeout: startTimeout,
		stopTimeout:  stopTimeout,
		clock:        opts.clock,
		notify:       notify,
		logger:       opts.logger.With().Str("module", desc.Name).Logger(),
		tracer:       opts.tracer,
	}
}

// Name returns the module name.
func (m *HealthStateMachine) Name() string {
	return m.name
}

// Descriptor returns the module descriptor.
func (m *HealthStateMachine) Descriptor() Descriptor {
	return m.desc
}

// State returns the current health state.
func (m *HealthStateMachine) State() HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.State
}

// Record returns a snapshot of the runtime record.
func (m *HealthStateMachine) Record() RuntimeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec
}

// Start runs Initialize and Start when the module is Stopped.
// In any other state it returns the current state without side effects,
// except Stopping, which is rejected with an InvalidTransitionError.
// Callback failures move the module to Failure and are not returned.
func (m *HealthStateMachine) Start(ctx context.Context) (HealthState, error) {
	if current := m.State(); current == StateStopping {
		return current, &InvalidTransitionError{Module: m.name, State: current, Event: string(eventStart)}
	}

	m.op.Lock()
	defer m.op.Unlock()

	if current := m.State(); current != StateStopped {
		return current, nil
	}

	ctx, span := m.tracer.Start(ctx, "module.start", trace.WithAttributes(
		attribute.String("module.name", m.name),
	))
	defer span.End()

	if _, err := m.fire(eventStart, nil); err != nil {
		return m.State(), err
	}

	startCtx, cancel := withOptionalTimeout(ctx, m.startTimeout)
	defer cancel()

	err := m.call(startCtx, PhaseInitialize, m.module.Initialize)
	if err == nil {
		err = m.call(startCtx, PhaseStart, m.module.Start)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return m.fire(eventStartFailed, err)
	}

	span.SetStatus(codes.Ok, "")
	return m.fire(eventStarted, nil)
}

// Stop runs the Stop callback from Running, Warning or Failure.
// The module always ends Stopped; a callback failure is recorded and
// returned as a warning.
func (m *HealthStateMachine) Stop(ctx context.Context) (HealthState, error) {
	m.op.Lock()
	defer m.op.Unlock()

	current := m.State()
	if current == StateStopped {
		return current, nil
	}

	ctx, span := m.tracer.Start(ctx, "module.stop", trace.WithAttributes(
		attribute.String("module.name", m.name),
		attribute.String("module.from_state", string(current)),
	))
	defer span.End()

	if _, err := m.fire(eventStop, nil); err != nil {
		return current, err
	}

	stopCtx, cancel := withOptionalTimeout(ctx, m.stopTimeout)
	defer cancel()

	err := m.call(stopCtx, PhaseStop, m.module.Stop)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn().Err(err).Msg("Stop callback failed, module forced to stopped")
	}

	state, fireErr := m.fire(eventStopped, err)
	if fireErr != nil {
		return state, fireErr
	}
	return state, err
}

// ErrorOccured records an error reported by or about a running module.
// Critical errors move it to Failure, others to Warning. On a module already
// in Failure only the last error is refreshed. Reports made while the module
// is not up, including from its own Start callback, are rejected.
func (m *HealthStateMachine) ErrorOccured(err error, critical bool) (HealthState, error) {
	if current := m.State(); current == StateStopped || current == StateStarting || current == StateStopping {
		return current, &InvalidTransitionError{Module: m.name, State: current, Event: "error_occured"}
	}

	m.op.Lock()
	defer m.op.Unlock()

	current := m.State()
	if current == StateFailure {
		m.mu.Lock()
		m.rec.LastError = err
		m.mu.Unlock()
		return current, nil
	}

	ev := eventWarning
	if critical {
		ev = eventCritical
	}
	return m.fire(ev, err)
}

// Recover moves a module from Warning back to Running.
func (m *HealthStateMachine) Recover() (HealthState, error) {
	if current := m.State(); current == StateStarting || current == StateStopping {
		return current, &InvalidTransitionError{Module: m.name, State: current, Event: string(eventRecover)}
	}

	m.op.Lock()
	defer m.op.Unlock()

	if current := m.State(); current == StateRunning {
		return current, nil
	}
	return m.fire(eventRecover, nil)
}

// fire applies one transition from the table and publishes it.
func (m *HealthStateMachine) fire(ev event, err error) (HealthState, error) {
	now := m.clock()

	m.mu.Lock()
	from := m.rec.State
	to, ok := transitions[from][ev]
	if !ok {
		m.mu.Unlock()
		return from, &InvalidTransitionError{Module: m.name, State: from, Event: string(ev)}
	}
	m.rec.State = to
	m.rec.LastTransition = now
	switch {
	case err != nil:
		m.rec.LastError = err
	case ev == eventStarted:
		m.rec.LastError = nil
	}
	if ev == eventStart {
		m.rec.Exhausted = false
	}
	if to == StateFailure {
		m.rec.LastFailure = now
	}
	restarts := m.rec.RestartCount
	m.mu.Unlock()

	entry := m.logger.Info()
	if to == StateFailure || to == StateWarning {
		entry = m.logger.Warn().Err(err)
	}
	entry.Str("from", string(from)).Str("to", string(to)).Msg("Module state changed")

	m.notify(StateChange{
		ID:           uuid.New().String(),
		Module:       m.name,
		OldState:     from,
		NewState:     to,
		Err:          err,
		RestartCount: restarts,
		Timestamp:    now,
	})
	return to, nil
}

// consumeRestart applies the sliding restart window and counts one restart
// if the budget allows it.
func (m *HealthStateMachine) consumeRestart(now time.Time) (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireWindowLocked(now)
	if m.rec.RestartCount >= m.desc.MaxRestarts {
		return false, m.rec.RestartCount
	}
	if m.rec.RestartCount == 0 {
		m.rec.RestartWindowStart = now
	}
	m.rec.RestartCount++
	m.lastCountedFailure = now
	return true, m.rec.RestartCount
}

// expireRestartWindow resets the restart counter once RestartWindow has
// elapsed since the last counted failure.
func (m *HealthStateMachine) expireRestartWindow(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireWindowLocked(now)
}

func (m *HealthStateMachine) expireWindowLocked(now time.Time) bool {
	// A zero window never expires: the budget covers the module's lifetime.
	if m.rec.RestartCount == 0 || m.desc.RestartWindow <= 0 {
		return false
	}
	if now.Sub(m.lastCountedFailure) < m.desc.RestartWindow {
		return false
	}
	m.rec.RestartCount = 0
	m.rec.RestartWindowStart = time.Time{}
	return true
}

// resetRestarts clears the restart budget after operator intervention.
func (m *HealthStateMachine) resetRestarts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.RestartCount = 0
	m.rec.RestartWindowStart = time.Time{}
	m.rec.Exhausted = false
}

// markExhausted flags the module as needing operator intervention.
func (m *HealthStateMachine) markExhausted() *RestartBudgetExhaustedError {
	now := m.clock()

	m.mu.Lock()
	m.rec.Exhausted = true
	exhausted := &RestartBudgetExhaustedError{
		Module:      m.name,
		MaxRestarts: m.desc.MaxRestarts,
		Window:      m.desc.RestartWindow,
		LastError:   m.rec.LastError,
	}
	state := m.rec.State
	restarts := m.rec.RestartCount
	m.mu.Unlock()

	m.logger.Error().Err(exhausted).Msg("Restart budget exhausted, operator intervention required")

	m.notify(StateChange{
		ID:           uuid.New().String(),
		Module:       m.name,
		OldState:     state,
		NewState:     state,
		Err:          exhausted,
		Exhausted:    true,
		RestartCount: restarts,
		Timestamp:    now,
	})
	return exhausted
}

// probe runs a health check while the module is operational.
func (m *HealthStateMachine) probe(ctx context.Context, checker HealthChecker, timeout time.Duration) error {
	if !m.State().IsOperational() {
		return nil
	}
	ctx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()
	return m.call(ctx, PhaseHealth, checker.HealthCheck)
}

// call runs a callback on its own goroutine, converting errors, panics and
// context expiry into a CallbackError.
func (m *HealthStateMachine) call(ctx context.Context, phase string, fn func(context.Context) error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &CallbackError{Module: m.name, Phase: phase, Panic: true, Err: fmt.Errorf("%v", r)}
			}
		}()
		if err := fn(ctx); err != nil {
			done <- &CallbackError{Module: m.name, Phase: phase, Err: err}
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		var cbErr *CallbackError
		if errors.As(err, &cbErr) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cbErr.Timeout = true
		}
		return err
	case <-ctx.Done():
		return &CallbackError{
			Module:  m.name,
			Phase:   phase,
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     ctx.Err(),
		}
	}
}

// withOptionalTimeout derives a context bounded by timeout when it is positive.
func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
