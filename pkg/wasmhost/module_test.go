package wasmhost

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

// lifecycleWasm exports start, health_check and stop, all returning 0.
// start calls env.log(LogInfo, 0, 5) on the data segment "hello".
var lifecycleWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x0b, 0x02, 0x60,
	0x00, 0x01, 0x7f, 0x60, 0x03, 0x7f, 0x7f, 0x7f, 0x00, 0x02, 0x0b, 0x01,
	0x03, 0x65, 0x6e, 0x76, 0x03, 0x6c, 0x6f, 0x67, 0x00, 0x01, 0x03, 0x04,
	0x03, 0x00, 0x00, 0x00, 0x05, 0x03, 0x01, 0x00, 0x01, 0x07, 0x28, 0x04,
	0x05, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x01, 0x0c, 0x68, 0x65, 0x61,
	0x6c, 0x74, 0x68, 0x5f, 0x63, 0x68, 0x65, 0x63, 0x6b, 0x00, 0x02, 0x04,
	0x73, 0x74, 0x6f, 0x70, 0x00, 0x03, 0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72,
	0x79, 0x02, 0x00, 0x0a, 0x18, 0x03, 0x0c, 0x00, 0x41, 0x01, 0x41, 0x00,
	0x41, 0x05, 0x10, 0x00, 0x41, 0x00, 0x0b, 0x04, 0x00, 0x41, 0x00, 0x0b,
	0x04, 0x00, 0x41, 0x00, 0x0b, 0x0b, 0x0b, 0x01, 0x00, 0x41, 0x00, 0x0b,
	0x05, 0x68, 0x65, 0x6c, 0x6c, 0x6f,
}

// failingWasm's start calls env.fail on "no bus" and returns 3.
// Its health_check never returns.
var failingWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x0a, 0x02, 0x60,
	0x00, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x00, 0x02, 0x0c, 0x01, 0x03,
	0x65, 0x6e, 0x76, 0x04, 0x66, 0x61, 0x69, 0x6c, 0x00, 0x01, 0x03, 0x03,
	0x02, 0x00, 0x00, 0x05, 0x03, 0x01, 0x00, 0x01, 0x07, 0x21, 0x03, 0x05,
	0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x01, 0x0c, 0x68, 0x65, 0x61, 0x6c,
	0x74, 0x68, 0x5f, 0x63, 0x68, 0x65, 0x63, 0x6b, 0x00, 0x02, 0x06, 0x6d,
	0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00, 0x0a, 0x16, 0x02, 0x0a, 0x00,
	0x41, 0x00, 0x41, 0x06, 0x10, 0x00, 0x41, 0x03, 0x0b, 0x09, 0x00, 0x03,
	0x40, 0x0c, 0x00, 0x0b, 0x41, 0x00, 0x0b, 0x0b, 0x0c, 0x01, 0x00, 0x41,
	0x00, 0x0b, 0x06, 0x6e, 0x6f, 0x20, 0x62, 0x75, 0x73,
}

func newModule(t *testing.T, bin []byte) (*Module, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	m, err := New(context.Background(), "bridge", bin, map[string]interface{}{"poll-ms": 250}, Config{}, zerolog.New(&buf))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, &buf
}

func TestModule_Lifecycle(t *testing.T) {
	m, logs := newModule(t, lifecycleWasm)
	ctx := context.Background()

	if got := strings.Join(m.Exports(), ","); got != "start,stop,health_check" {
		t.Errorf("Unexpected exports %s", got)
	}

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !strings.Contains(logs.String(), `"message":"hello"`) {
		t.Errorf("Expected guest log line, got %s", logs.String())
	}
	if err := m.HealthCheck(ctx); err != nil {
		t.Errorf("Expected healthy guest, got %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := m.Start(ctx); err == nil {
		t.Error("Expected Start without an instance to fail")
	}
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Stop without an instance must be a no-op, got %v", err)
	}
}

func TestModule_StatusCarriesReason(t *testing.T) {
	m, _ := newModule(t, failingWasm)
	ctx := context.Background()

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	err := m.Start(ctx)
	var status *StatusError
	if !errors.As(err, &status) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if status.Code != 3 || status.Reason != "no bus" || status.Func != FuncStart {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestModule_CancelAbortsGuest(t *testing.T) {
	m, _ := newModule(t, failingWasm)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	begin := time.Now()
	err := m.HealthCheck(ctx)
	if err == nil {
		t.Fatal("Expected the spinning health check to be aborted")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("Abort took %v", elapsed)
	}

	// The aborted instance is gone; a new incarnation starts fresh.
	if err := m.HealthCheck(context.Background()); err == nil {
		t.Error("Expected error after the instance was closed")
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize after abort failed: %v", err)
	}
}

func TestNew_RejectsInvalidBinary(t *testing.T) {
	if _, err := New(context.Background(), "junk", []byte("not wasm"), nil, Config{}, zerolog.Nop()); err == nil {
		t.Error("Expected compile error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.wasm")
	if err := os.WriteFile(path, lifecycleWasm, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	m, err := Load(context.Background(), "bridge", path, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer m.Close(context.Background())
	if m.Name() != "bridge" {
		t.Errorf("Unexpected name %s", m.Name())
	}

	if _, err := Load(context.Background(), "bridge", filepath.Join(t.TempDir(), "missing.wasm"), nil, zerolog.Nop()); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestSettingsEnv(t *testing.T) {
	env := settingsEnv(map[string]interface{}{"poll-ms": 250, "bus.name": "can0"})
	if env["MODKERNEL_POLL_MS"] != "250" || env["MODKERNEL_BUS_NAME"] != "can0" {
		t.Errorf("Unexpected environment: %v", env)
	}
}

func TestModule_UnderKernel(t *testing.T) {
	ok, _ := newModule(t, lifecycleWasm)
	bad, _ := newModule(t, failingWasm)

	mgr := kernel.NewModuleManager(kernel.Options{HealthCheckInterval: -1, HousekeepingInterval: -1})
	defer mgr.Close(context.Background())

	err := mgr.Load([]kernel.Registration{
		{Descriptor: kernel.Descriptor{Name: "bridge"}, Module: ok},
		{Descriptor: kernel.Descriptor{Name: "fieldbus", Dependencies: []string{"bridge"}}, Module: bad},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	result, err := mgr.StartModules(context.Background())
	if err != nil {
		t.Fatalf("StartModules failed: %v", err)
	}
	if outcome, _ := result.Outcome("bridge"); outcome != kernel.OutcomeStarted {
		t.Errorf("Expected bridge started, got %s", outcome)
	}
	if outcome, _ := result.Outcome("fieldbus"); outcome != kernel.OutcomeFailed {
		t.Errorf("Expected fieldbus failed, got %s", outcome)
	}

	status, _ := mgr.Status("fieldbus")
	var se *StatusError
	if !errors.As(status.LastError, &se) || se.Reason != "no bus" {
		t.Errorf("Expected the guest reason on the record, got %v", status.LastError)
	}
}
