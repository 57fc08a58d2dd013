package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/modkernel/pkg/kernel"
)

const yamlRegistry = `
kernel:
  max_parallel: 2
  default_start_timeout: 10s
  health_check_interval: -1s
  journal: journal.db
modules:
  - name: fieldbus
    kind: starlark
    script: fieldbus.star
    failure_behavior: restart_with_dependents
    max_restarts: 3
    restart_window: 5m
  - name: plc
    depends_on: [fieldbus]
    stop_timeout: 2.5
    settings:
      cycle: 10ms
      tags: [a, b]
  - name: hmi
    depends_on: [plc]
    start_behavior: manual
`

const jsonRegistry = `{
  "modules": [
    {"name": "db", "failure_behavior": "restart", "max_restarts": 1, "restart_window": "1m"},
    {"name": "api", "depends_on": ["db"], "start_timeout": 30}
  ]
}`

const cueRegistry = `
_window: "1m"

kernel: max_parallel: 4

modules: [
	{name: "db", failure_behavior: "restart", max_restarts: 2, restart_window: _window},
	{name: "api", depends_on: ["db"]},
]
`

func TestParse_YAML(t *testing.T) {
	reg, err := Parse([]byte(yamlRegistry), FormatYAML, "registry.yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(reg.Modules) != 3 {
		t.Fatalf("Expected 3 modules, got %d", len(reg.Modules))
	}
	fieldbus := reg.Modules[0]
	if fieldbus.Kind != KindStarlark || fieldbus.MaxRestarts != 3 || time.Duration(fieldbus.RestartWindow) != 5*time.Minute {
		t.Errorf("Unexpected fieldbus config: %+v", fieldbus)
	}

	plc, ok := reg.Module("plc")
	if !ok {
		t.Fatal("Expected plc module")
	}
	if time.Duration(plc.StopTimeout) != 2500*time.Millisecond {
		t.Errorf("Expected numeric seconds to decode, got %v", plc.StopTimeout)
	}
	if plc.Settings["cycle"] != "10ms" {
		t.Errorf("Expected settings to pass through, got %v", plc.Settings)
	}

	d := reg.Modules[2].Descriptor()
	if d.StartBehavior != kernel.StartManual || len(d.Dependencies) != 1 || d.Dependencies[0] != "plc" {
		t.Errorf("Unexpected descriptor: %+v", d)
	}

	opts := reg.KernelOptions(kernel.DefaultOptions())
	if opts.MaxParallel != 2 || opts.DefaultStartTimeout != 10*time.Second {
		t.Errorf("Kernel options not applied: %+v", opts)
	}
	if opts.HealthCheckInterval >= 0 {
		t.Errorf("Expected health checks disabled, got %v", opts.HealthCheckInterval)
	}
	if opts.ExecutorWorkers != kernel.DefaultOptions().ExecutorWorkers {
		t.Error("Unset options must keep their defaults")
	}
	if reg.Kernel.Journal != "journal.db" {
		t.Errorf("Expected journal path, got %q", reg.Kernel.Journal)
	}
}

func TestParse_JSON(t *testing.T) {
	reg, err := Parse([]byte(jsonRegistry), FormatJSON, "registry.json")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := reg.Modules[1].Descriptor().StartTimeout; got != 30*time.Second {
		t.Errorf("Expected 30s start timeout, got %v", got)
	}
	if got := reg.Modules[0].Descriptor().FailureBehavior; got != kernel.FailureRestart {
		t.Errorf("Expected restart behavior, got %s", got)
	}
}

func TestParse_CUE(t *testing.T) {
	reg, err := Parse([]byte(cueRegistry), FormatCUE, "registry.cue")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if reg.Kernel.MaxParallel != 4 {
		t.Errorf("Expected max_parallel 4, got %d", reg.Kernel.MaxParallel)
	}
	if time.Duration(reg.Modules[0].RestartWindow) != time.Minute {
		t.Errorf("Expected 1m window, got %v", reg.Modules[0].RestartWindow)
	}
}

func TestParse_CUESchemaViolation(t *testing.T) {
	_, err := Parse([]byte(`modules: [{name: "db", failure_behavior: "explode"}]`), FormatCUE, "bad.cue")

	var invalid *InvalidRegistryError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected InvalidRegistryError, got %v", err)
	}
	if len(invalid.Errors) == 0 {
		t.Error("Expected at least one validation error")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		content string
		want    string
	}{
		{
			name:    "no modules",
			format:  FormatYAML,
			content: "kernel:\n  max_parallel: 1\n",
			want:    "modules",
		},
		{
			name:    "unknown field",
			format:  FormatYAML,
			content: "modules:\n  - name: a\n    restarts: 3\n",
			want:    "restarts",
		},
		{
			name:    "bad failure behavior",
			format:  FormatYAML,
			content: "modules:\n  - name: a\n    failure_behavior: explode\n",
			want:    "failure_behavior",
		},
		{
			name:    "starlark without script",
			format:  FormatYAML,
			content: "modules:\n  - name: a\n    kind: starlark\n",
			want:    "script",
		},
		{
			name:    "wasm without script",
			format:  FormatYAML,
			content: "modules:\n  - name: a\n    kind: wasm\n",
			want:    "script",
		},
		{
			name:    "bad duration",
			format:  FormatYAML,
			content: "modules:\n  - name: a\n    restart_window: soon\n",
			want:    "invalid duration",
		},
		{
			name:    "unknown dependency",
			format:  FormatJSON,
			content: `{"modules": [{"name": "a", "depends_on": ["ghost"]}]}`,
			want:    "unknown module ghost",
		},
		{
			name:    "cycle",
			format:  FormatJSON,
			content: `{"modules": [{"name": "a", "depends_on": ["b"]}, {"name": "b", "depends_on": ["a"]}]}`,
			want:    "circular dependency",
		},
		{
			name:    "duplicate",
			format:  FormatJSON,
			content: `{"modules": [{"name": "a"}, {"name": "a"}]}`,
			want:    "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), tt.format, "registry")
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFile_ResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(path, []byte(yamlRegistry), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	reg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if want := filepath.Join(dir, "fieldbus.star"); reg.Modules[0].Script != want {
		t.Errorf("Expected script %s, got %s", want, reg.Modules[0].Script)
	}
	if want := filepath.Join(dir, "journal.db"); reg.Kernel.Journal != want {
		t.Errorf("Expected journal %s, got %s", want, reg.Kernel.Journal)
	}
	if reg.Source != path {
		t.Errorf("Expected source %s, got %s", path, reg.Source)
	}

	if _, err := LoadFile(filepath.Join(dir, "registry.toml")); err == nil {
		t.Error("Expected unsupported format error")
	}
}

type nopModule struct{}

func (nopModule) Initialize(context.Context) error { return nil }
func (nopModule) Start(context.Context) error      { return nil }
func (nopModule) Stop(context.Context) error       { return nil }

func TestRegistry_Registrations(t *testing.T) {
	reg, err := Parse([]byte(jsonRegistry), FormatJSON, "registry.json")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	regs, err := reg.Registrations(func(ModuleConfig) (kernel.Module, error) { return nopModule{}, nil })
	if err != nil {
		t.Fatalf("Registrations failed: %v", err)
	}
	if len(regs) != 2 || regs[1].Descriptor.Name != "api" || regs[1].Module == nil {
		t.Errorf("Unexpected registrations: %+v", regs)
	}

	_, err = reg.Registrations(func(m ModuleConfig) (kernel.Module, error) {
		return nil, errors.New("no driver")
	})
	if err == nil || !strings.Contains(err.Error(), "db") {
		t.Errorf("Expected factory error naming the module, got %v", err)
	}
}
