package kernel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recorder keeps the global order of callback invocations across modules.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// modules returns, in order, the modules that recorded the given callback.
func (r *recorder) modules(callback string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0)
	for _, e := range r.events {
		name, cb, _ := strings.Cut(e, ":")
		if cb == callback {
			names = append(names, name)
		}
	}
	return names
}

// testModule is a hand-written Module whose callbacks can be scripted.
type testModule struct {
	name string
	rec  *recorder

	mu      sync.Mutex
	initErr error
	startFn func(ctx context.Context) error
	stopFn  func(ctx context.Context) error

	starts atomic.Int32
	stops  atomic.Int32
}

func newTestModule(name string, rec *recorder) *testModule {
	if rec == nil {
		rec = &recorder{}
	}
	return &testModule{name: name, rec: rec}
}

func (m *testModule) Initialize(ctx context.Context) error {
	m.rec.add(m.name + ":init")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initErr
}

func (m *testModule) Start(ctx context.Context) error {
	m.starts.Add(1)
	m.rec.add(m.name + ":start")
	m.mu.Lock()
	fn := m.startFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (m *testModule) Stop(ctx context.Context) error {
	m.stops.Add(1)
	m.rec.add(m.name + ":stop")
	m.mu.Lock()
	fn := m.stopFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (m *testModule) failStart(err error) {
	m.setStart(func(context.Context) error { return err })
}

func (m *testModule) setStart(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startFn = fn
}

func (m *testModule) setStop(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopFn = fn
}

// checkedModule adds a health check that fails once unhealthy is set.
type checkedModule struct {
	*testModule
	unhealthy atomic.Bool
	probes    atomic.Int32
}

func (m *checkedModule) HealthCheck(ctx context.Context) error {
	m.probes.Add(1)
	if m.unhealthy.Load() {
		return errors.New("probe failed")
	}
	return nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestManager creates a manager with background jobs disabled unless requested.
func newTestManager(t *testing.T, opts Options) *ModuleManager {
	t.Helper()
	if opts.HealthCheckInterval == 0 {
		opts.HealthCheckInterval = -1
	}
	if opts.HousekeepingInterval == 0 {
		opts.HousekeepingInterval = -1
	}
	if opts.DefaultStartTimeout == 0 {
		opts.DefaultStartTimeout = 5 * time.Second
	}
	if opts.DefaultStopTimeout == 0 {
		opts.DefaultStopTimeout = 5 * time.Second
	}

	mgr := NewModuleManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return mgr
}

// loadChain loads A <- B <- C with the given failure behavior on A.
func loadChain(t *testing.T, mgr *ModuleManager, rec *recorder, behavior FailureBehavior) map[string]*testModule {
	t.Helper()
	modules := map[string]*testModule{
		"A": newTestModule("A", rec),
		"B": newTestModule("B", rec),
		"C": newTestModule("C", rec),
	}
	err := mgr.Load([]Registration{
		{Descriptor: Descriptor{Name: "A", FailureBehavior: behavior, MaxRestarts: 3, RestartWindow: time.Hour}, Module: modules["A"]},
		{Descriptor: Descriptor{Name: "B", Dependencies: []string{"A"}}, Module: modules["B"]},
		{Descriptor: Descriptor{Name: "C", Dependencies: []string{"B"}}, Module: modules["C"]},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return modules
}

// loadDiamond loads A, B <- A and C <- A, B with the given failure behavior on A.
func loadDiamond(t *testing.T, mgr *ModuleManager, rec *recorder, behavior FailureBehavior) map[string]*testModule {
	t.Helper()
	modules := map[string]*testModule{
		"A": newTestModule("A", rec),
		"B": newTestModule("B", rec),
		"C": newTestModule("C", rec),
	}
	err := mgr.Load([]Registration{
		{Descriptor: Descriptor{Name: "A", FailureBehavior: behavior}, Module: modules["A"]},
		{Descriptor: Descriptor{Name: "B", Dependencies: []string{"A"}}, Module: modules["B"]},
		{Descriptor: Descriptor{Name: "C", Dependencies: []string{"A", "B"}}, Module: modules["C"]},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return modules
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func stateOf(t *testing.T, mgr *ModuleManager, name string) HealthState {
	t.Helper()
	state, err := mgr.GetState(name)
	if err != nil {
		t.Fatalf("GetState(%s) failed: %v", name, err)
	}
	return state
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
