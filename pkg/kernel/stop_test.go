package kernel

import (
	"context"
	"errors"
	"testing"
)

func TestStopModules_DependentFirst(t *testing.T) {
	rec := &recorder{}
	mgr := newTestManager(t, Options{})
	loadChain(t, mgr, rec, FailureIgnore)
	ctx := context.Background()

	if _, err := mgr.StartModules(ctx); err != nil {
		t.Fatalf("StartModules failed: %v", err)
	}

	result, err := mgr.StopModules(ctx)
	if err != nil {
		t.Fatalf("StopModules failed: %v", err)
	}

	if got := rec.modules("stop"); !equalStrings(got, []string{"C", "B", "A"}) {
		t.Errorf("Expected stop order [C B A], got %v", got)
	}
	if got := result.WithOutcome(OutcomeStopped); !equalStrings(got, []string{"C", "B", "A"}) {
		t.Errorf("Unexpected outcomes: %+v", result.Modules)
	}

	result, _ = mgr.StopModules(ctx)
	if got := result.WithOutcome(OutcomeAlreadyStopped); len(got) != 3 {
		t.Errorf("Expected second stop to be a no-op, got %+v", result.Modules)
	}
}

func TestStopModule_StopsTransitiveDependentsOnly(t *testing.T) {
	rec := &recorder{}
	mgr := newTestManager(t, Options{})
	modules := loadChain(t, mgr, rec, FailureIgnore)
	ctx := context.Background()

	_, _ = mgr.StartModules(ctx)

	result, err := mgr.StopModule(ctx, "C")
	if err != nil {
		t.Fatalf("StopModule failed: %v", err)
	}
	if len(result.Modules) != 1 || result.Modules[0].Module != "C" {
		t.Errorf("Expected only C stopped, got %+v", result.Modules)
	}
	if stateOf(t, mgr, "B") != StateRunning {
		t.Error("Dependencies must keep running")
	}

	_, _ = mgr.StopModule(ctx, "A")
	if got := rec.modules("stop"); !equalStrings(got, []string{"C", "B", "A"}) {
		t.Errorf("Expected stop order [C B A], got %v", got)
	}
	if n := modules["C"].stops.Load(); n != 1 {
		t.Errorf("Already stopped module must not be stopped again, got %d stops", n)
	}
}

func TestStopModule_StopFailureIsWarning(t *testing.T) {
	mgr := newTestManager(t, Options{})
	modules := loadChain(t, mgr, nil, FailureIgnore)
	modules["B"].setStop(func(context.Context) error { return errors.New("flush failed") })
	ctx := context.Background()

	_, _ = mgr.StartModules(ctx)
	result, err := mgr.StopModules(ctx)
	if err != nil {
		t.Fatalf("StopModules failed: %v", err)
	}

	for _, m := range result.Modules {
		if m.Outcome != OutcomeStopped {
			t.Errorf("Expected %s stopped, got %s", m.Module, m.Outcome)
		}
		if m.Module == "B" && !IsCallbackError(m.Err) {
			t.Errorf("Expected stop warning on B, got %v", m.Err)
		}
	}
	if stateOf(t, mgr, "B") != StateStopped {
		t.Error("Module with failing Stop must still end stopped")
	}
}

func TestStopModules_ClearsWaitSet(t *testing.T) {
	mgr := newTestManager(t, Options{})
	modules := loadChain(t, mgr, nil, FailureIgnore)
	modules["A"].failStart(errors.New("down"))
	ctx := context.Background()

	_, _ = mgr.StartModules(ctx)
	if waiting, _ := mgr.WaitingModules(); len(waiting) != 2 {
		t.Fatalf("Expected B and C waiting, got %v", waiting)
	}

	_, _ = mgr.StopModules(ctx)
	if waiting, _ := mgr.WaitingModules(); len(waiting) != 0 {
		t.Errorf("Expected wait set cleared, got %v", waiting)
	}
	if stateOf(t, mgr, "A") != StateStopped {
		t.Error("Expected failed module stopped")
	}
}

func TestStopModule_RemovesStoppedEntriesFromWaitSet(t *testing.T) {
	mgr := newTestManager(t, Options{})
	modules := loadChain(t, mgr, nil, FailureIgnore)
	modules["A"].failStart(errors.New("down"))
	ctx := context.Background()

	_, _ = mgr.StartModules(ctx)
	_, _ = mgr.StopModule(ctx, "C")

	waiting, _ := mgr.WaitingModules()
	if _, ok := waiting["C"]; ok {
		t.Errorf("Expected C removed from wait set, got %v", waiting)
	}
	if _, ok := waiting["B"]; !ok {
		t.Errorf("Expected B still waiting, got %v", waiting)
	}
}
