package scripted

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modkernel/pkg/kernel"
)

const lifecycleScript = `
def initialize():
    state["connections"] = 0
    log("initialized " + module.name)

def start():
    state["connections"] = module.settings["pool"]
    log("started with %d connections" % state["connections"])

def health_check():
    if state["connections"] < 1:
        return "no connections"
    return True

def stop():
    log("stopping %d connections" % state["connections"], level = "warn")
`

func newModule(t *testing.T, src string, settings map[string]interface{}) (*Module, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	m, err := New("historian", "historian.star", []byte(src), settings, zerolog.New(&buf))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m, &buf
}

func TestModule_Lifecycle(t *testing.T) {
	m, logs := newModule(t, lifecycleScript, map[string]interface{}{"pool": 4})
	ctx := context.Background()

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.HealthCheck(ctx); err != nil {
		t.Errorf("Expected healthy module, got %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	out := logs.String()
	for _, want := range []string{"initialized historian", "started with 4 connections", "stopping 4 connections", `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %q:\n%s", want, out)
		}
	}
}

func TestModule_FreshStatePerIncarnation(t *testing.T) {
	src := `
def start():
    if "started" in state:
        fail("state leaked from a previous incarnation")
    state["started"] = True
`
	m, _ := newModule(t, src, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.Initialize(ctx); err != nil {
			t.Fatalf("Initialize %d failed: %v", i, err)
		}
		if err := m.Start(ctx); err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
		if err := m.Stop(ctx); err != nil {
			t.Fatalf("Stop %d failed: %v", i, err)
		}
	}
}

func TestModule_HealthCheckResults(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "none", body: "return None"},
		{name: "true", body: "return True"},
		{name: "false", body: "return False", wantErr: "unhealthy"},
		{name: "message", body: `return "queue backlog"`, wantErr: "queue backlog"},
		{name: "fail", body: `fail("sensor offline")`, wantErr: "sensor offline"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newModule(t, "def health_check():\n    "+tt.body+"\n", nil)
			ctx := context.Background()
			if err := m.Initialize(ctx); err != nil {
				t.Fatalf("Initialize failed: %v", err)
			}

			err := m.HealthCheck(ctx)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected healthy, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestModule_FailInStart(t *testing.T) {
	m, _ := newModule(t, `
def start():
    fail("port 502 in use")
`, nil)
	ctx := context.Background()
	_ = m.Initialize(ctx)

	err := m.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "port 502 in use") {
		t.Fatalf("Expected start failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "historian start") {
		t.Errorf("Expected error to name module and phase, got %v", err)
	}
}

func TestModule_SleepHonorsContext(t *testing.T) {
	m, _ := newModule(t, `
def start():
    sleep(10)
`, nil)
	_ = m.Initialize(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	begin := time.Now()
	err := m.Start(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("Sleep was not interrupted, took %v", elapsed)
	}
}

func TestModule_BusyLoopIsCancelled(t *testing.T) {
	m, _ := newModule(t, `
def start():
    while True:
        pass
`, nil)
	_ = m.Initialize(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "cancel") {
			t.Errorf("Expected cancellation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Busy loop was not cancelled")
	}
}

func TestModule_MissingCallbacksAreNoops(t *testing.T) {
	m, _ := newModule(t, "VERSION = 1\n", nil)
	ctx := context.Background()

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Errorf("Start failed: %v", err)
	}
	if err := m.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestModule_CompileErrors(t *testing.T) {
	tests := map[string]string{
		"syntax":     "def start(:\n",
		"undefined":  "def start():\n    launch()\n",
		"not a func": "start = 3\n",
	}

	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			m, err := New("x", "x.star", []byte(src), nil, zerolog.Nop())
			if name != "not a func" {
				if err == nil {
					t.Fatal("Expected compile error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			_ = m.Initialize(context.Background())
			if err := m.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "not a function") {
				t.Errorf("Expected not a function error, got %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plc.star")
	if err := os.WriteFile(path, []byte("def start():\n    pass\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	m, err := Load("plc", path, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Name() != "plc" {
		t.Errorf("Expected name plc, got %s", m.Name())
	}

	if _, err := Load("plc", path+".missing", nil, zerolog.Nop()); err == nil {
		t.Error("Expected error for missing script")
	}
}

func TestModule_UnderKernel(t *testing.T) {
	mgr := kernel.NewModuleManager(kernel.Options{
		HealthCheckInterval:  10 * time.Millisecond,
		HousekeepingInterval: -1,
	})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	healthy, _ := newModule(t, lifecycleScript, map[string]interface{}{"pool": 2})
	broken, _ := newModule(t, lifecycleScript, map[string]interface{}{"pool": 0})

	err := mgr.Load([]kernel.Registration{
		{Descriptor: kernel.Descriptor{Name: "db"}, Module: healthy},
		{Descriptor: kernel.Descriptor{Name: "api", Dependencies: []string{"db"}}, Module: broken},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := mgr.StartModules(context.Background()); err != nil {
		t.Fatalf("StartModules failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := mgr.GetState("api"); state == kernel.StateFailure {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if state, _ := mgr.GetState("api"); state != kernel.StateFailure {
		t.Errorf("Expected failing health check to drive api into failure, got %s", state)
	}
	if state, _ := mgr.GetState("db"); state != kernel.StateRunning {
		t.Errorf("Expected db running, got %s", state)
	}
}
