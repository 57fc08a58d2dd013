package kernel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFailureStrategy_RestartBudgetExactlyN(t *testing.T) {
	mgr := newTestManager(t, Options{})
	module := newTestModule("plc", nil)
	module.failStart(errors.New("fieldbus unreachable"))

	err := mgr.Load([]Registration{{
		Descriptor: Descriptor{Name: "plc", FailureBehavior: FailureRestart, MaxRestarts: 3, RestartWindow: time.Hour},
		Module:     module,
	}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	sub := mgr.Subscribe(256)
	if _, err := mgr.StartModule(context.Background(), "plc"); err != nil {
		t.Fatalf("StartModule failed: %v", err)
	}

	var exhausted StateChange
	timeout := time.After(5 * time.Second)
	for exhausted.ID == "" {
		select {
		case change := <-sub.C:
			if change.Exhausted {
				exhausted = change
			}
		case <-timeout:
			t.Fatal("Timed out waiting for exhaustion")
		}
	}

	if !IsRestartBudgetExhausted(exhausted.Err) {
		t.Errorf("Expected RestartBudgetExhaustedError, got %v", exhausted.Err)
	}
	if exhausted.Module != "plc" || exhausted.NewState != StateFailure {
		t.Errorf("Unexpected exhaustion change: %+v", exhausted)
	}

	// One initial attempt plus exactly three restarts.
	if n := module.starts.Load(); n != 4 {
		t.Errorf("Expected 4 start attempts, got %d", n)
	}

	status, _ := mgr.Status("plc")
	if !status.Exhausted || status.RestartCount != 3 || status.State != StateFailure {
		t.Errorf("Unexpected status after exhaustion: %+v", status)
	}

	time.Sleep(50 * time.Millisecond)
	if n := module.starts.Load(); n != 4 {
		t.Errorf("No restarts expected after exhaustion, got %d attempts", n)
	}
}

func TestFailureStrategy_RestartRecovers(t *testing.T) {
	mgr := newTestManager(t, Options{})
	module := newTestModule("io", nil)
	attempts := 0
	module.setStart(func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	})

	_ = mgr.Load([]Registration{{
		Descriptor: Descriptor{Name: "io", FailureBehavior: FailureRestart, MaxRestarts: 2, RestartWindow: time.Minute},
		Module:     module,
	}})

	_, _ = mgr.StartModule(context.Background(), "io")

	waitFor(t, 2*time.Second, "io to recover", func() bool {
		return stateOf(t, mgr, "io") == StateRunning
	})
	status, _ := mgr.Status("io")
	if status.RestartCount != 1 {
		t.Errorf("Expected one counted restart, got %d", status.RestartCount)
	}
	if n := module.stops.Load(); n != 1 {
		t.Errorf("Expected the failed incarnation to be stopped once, got %d", n)
	}
}

func TestFailureStrategy_RestartCounterResetsAfterWindow(t *testing.T) {
	clock := newFakeClock()
	mgr := newTestManager(t, Options{Clock: clock.Now})
	module := newTestModule("scanner", nil)

	_ = mgr.Load([]Registration{{
		Descriptor: Descriptor{Name: "scanner", FailureBehavior: FailureRestart, MaxRestarts: 1, RestartWindow: time.Minute},
		Module:     module,
	}})
	ctx := context.Background()
	_, _ = mgr.StartModule(ctx, "scanner")

	restartedOnce := func() bool {
		status, _ := mgr.Status("scanner")
		return status.State == StateRunning && status.RestartCount == 1
	}

	_, _ = mgr.ReportError("scanner", errors.New("jam"), true)
	waitFor(t, 2*time.Second, "first restart", restartedOnce)

	clock.Advance(30 * time.Second)
	mgr.housekeep(clock.Now())
	if status, _ := mgr.Status("scanner"); status.RestartCount != 1 {
		t.Fatalf("Counter must survive inside the window, got %d", status.RestartCount)
	}

	clock.Advance(31 * time.Second)
	mgr.housekeep(clock.Now())
	if status, _ := mgr.Status("scanner"); status.RestartCount != 0 {
		t.Fatalf("Expected counter reset after the window, got %d", status.RestartCount)
	}

	// With the budget restored the next failure is restarted again.
	_, _ = mgr.ReportError("scanner", errors.New("jam again"), true)
	waitFor(t, 2*time.Second, "second restart", restartedOnce)

	if n := module.starts.Load(); n != 3 {
		t.Errorf("Expected 3 starts, got %d", n)
	}
}

func TestFailureStrategy_StopDependents(t *testing.T) {
	mgr := newTestManager(t, Options{})
	loadChain(t, mgr, nil, FailureStopDependents)
	ctx := context.Background()

	_, _ = mgr.StartModules(ctx)
	if _, err := mgr.ReportError("A", errors.New("sensor lost"), true); err != nil {
		t.Fatalf("ReportError failed: %v", err)
	}

	waitFor(t, 2*time.Second, "dependents to stop", func() bool {
		return stateOf(t, mgr, "B") == StateStopped && stateOf(t, mgr, "C") == StateStopped
	})
	if state := stateOf(t, mgr, "A"); state != StateFailure {
		t.Errorf("Expected A to stay in failure, got %s", state)
	}
}

func TestFailureStrategy_RestartWithDependents(t *testing.T) {
	rec := &recorder{}
	mgr := newTestManager(t, Options{})
	modules := loadChain(t, mgr, rec, FailureRestartWithDependents)
	ctx := context.Background()

	_, _ = mgr.StartModules(ctx)
	_, _ = mgr.ReportError("A", errors.New("reset"), true)

	waitFor(t, 2*time.Second, "chain to come back", func() bool {
		return modules["C"].starts.Load() == 2 && stateOf(t, mgr, "C") == StateRunning
	})

	for _, name := range []string{"A", "B", "C"} {
		if state := stateOf(t, mgr, name); state != StateRunning {
			t.Errorf("Expected %s running, got %s", name, state)
		}
		if n := modules[name].stops.Load(); n != 1 {
			t.Errorf("Expected %s stopped once, got %d", name, n)
		}
	}
	if got := rec.modules("stop"); !equalStrings(got, []string{"C", "B", "A"}) {
		t.Errorf("Expected dependents stopped first, got %v", got)
	}
	if got := rec.modules("start"); !equalStrings(got, []string{"A", "B", "C", "A", "B", "C"}) {
		t.Errorf("Expected restart in dependency order, got %v", got)
	}
}

func TestFailureStrategy_Ignore(t *testing.T) {
	mgr := newTestManager(t, Options{})
	modules := loadChain(t, mgr, nil, FailureIgnore)
	ctx := context.Background()

	_, _ = mgr.StartModules(ctx)
	_, _ = mgr.ReportError("A", errors.New("bad"), true)

	time.Sleep(50 * time.Millisecond)
	if state := stateOf(t, mgr, "A"); state != StateFailure {
		t.Errorf("Expected A in failure, got %s", state)
	}
	if stateOf(t, mgr, "B") != StateRunning {
		t.Error("Ignore must leave dependents alone")
	}
	if n := modules["A"].starts.Load(); n != 1 {
		t.Errorf("Ignore must not restart, got %d starts", n)
	}
}

func TestFailureStrategy_ExhaustionAbandonsWaits(t *testing.T) {
	mgr := newTestManager(t, Options{})
	db := newTestModule("db", nil)
	db.failStart(errors.New("disk full"))

	_ = mgr.Load([]Registration{
		{Descriptor: Descriptor{Name: "db", FailureBehavior: FailureRestart, MaxRestarts: 1, RestartWindow: time.Hour}, Module: db},
		{Descriptor: Descriptor{Name: "api", Dependencies: []string{"db"}}, Module: newTestModule("api", nil)},
	})

	result, _ := mgr.StartModules(context.Background())
	if outcome, _ := result.Outcome("api"); outcome != OutcomeBlocked {
		t.Fatalf("Expected api blocked, got %s", outcome)
	}

	waitFor(t, 2*time.Second, "exhaustion", func() bool {
		status, _ := mgr.Status("db")
		return status.Exhausted
	})
	waitFor(t, time.Second, "abandoned waits", func() bool {
		waiting, _ := mgr.WaitingModules()
		return len(waiting) == 0
	})
}

func TestFailureStrategy_RestartFromWarningTransition(t *testing.T) {
	mgr := newTestManager(t, Options{})
	module := newTestModule("hmi", nil)
	_ = mgr.Load([]Registration{{
		Descriptor: Descriptor{Name: "hmi", FailureBehavior: FailureRestart, MaxRestarts: 1, RestartWindow: time.Minute},
		Module:     module,
	}})
	_, _ = mgr.StartModule(context.Background(), "hmi")

	if state, _ := mgr.ReportError("hmi", errors.New("slow"), false); state != StateWarning {
		t.Fatalf("Expected warning, got %s", state)
	}
	time.Sleep(20 * time.Millisecond)
	if module.starts.Load() != 1 {
		t.Fatal("A warning must not trigger the failure strategy")
	}

	_, _ = mgr.ReportError("hmi", errors.New("dead"), true)
	waitFor(t, 2*time.Second, "restart from warning", func() bool {
		return module.starts.Load() == 2 && stateOf(t, mgr, "hmi") == StateRunning
	})
}

func TestFailureStrategy_StopDependentsDiamond(t *testing.T) {
	rec := &recorder{}
	mgr := newTestManager(t, Options{MaxParallel: 1})
	modules := loadDiamond(t, mgr, rec, FailureStopDependents)
	ctx := context.Background()

	result, err := mgr.StartModules(ctx)
	if err != nil {
		t.Fatalf("StartModules failed: %v", err)
	}
	if got := rec.modules("start"); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Errorf("Expected start order [A B C], got %v", got)
	}
	if got := result.WithOutcome(OutcomeStarted); len(got) != 3 {
		t.Fatalf("Expected all modules started, got %+v", result.Modules)
	}

	if _, err := mgr.ReportError("A", errors.New("bus fault"), true); err != nil {
		t.Fatalf("ReportError failed: %v", err)
	}
	waitFor(t, 2*time.Second, "dependents to stop", func() bool {
		return stateOf(t, mgr, "B") == StateStopped && stateOf(t, mgr, "C") == StateStopped
	})

	if state := stateOf(t, mgr, "A"); state != StateFailure {
		t.Errorf("Expected A in failure, got %s", state)
	}
	if got := rec.modules("stop"); !equalStrings(got, []string{"C", "B"}) {
		t.Errorf("Expected C stopped before B, got %v", got)
	}
	if n := modules["C"].stops.Load(); n != 1 {
		t.Errorf("Expected C stopped once, got %d", n)
	}
}
