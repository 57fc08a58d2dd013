package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/modkernel/pkg/kernel"
)

// Module kinds understood by the CLI's module factory.
const (
	KindNoop     = "noop"
	KindStarlark = "starlark"
	KindWasm     = "wasm"
)

// Registry is the parsed content of a module registry file.
type Registry struct {
	// Kernel holds manager-level options.
	Kernel KernelConfig `json:"kernel" yaml:"kernel"`

	// Modules declares every module the kernel manages.
	Modules []ModuleConfig `json:"modules" yaml:"modules" validate:"required,min=1,dive"`

	// Source is the file the registry was read from, if any.
	Source string `json:"-" yaml:"-"`
}

// KernelConfig mirrors kernel.Options. Zero values keep the kernel defaults.
type KernelConfig struct {
	MaxParallel          int      `json:"max_parallel,omitempty" yaml:"max_parallel" validate:"gte=0"`
	ExecutorWorkers      int      `json:"executor_workers,omitempty" yaml:"executor_workers" validate:"gte=0"`
	DefaultStartTimeout  Duration `json:"default_start_timeout,omitempty" yaml:"default_start_timeout" validate:"gte=0"`
	DefaultStopTimeout   Duration `json:"default_stop_timeout,omitempty" yaml:"default_stop_timeout" validate:"gte=0"`
	HealthCheckInterval  Duration `json:"health_check_interval,omitempty" yaml:"health_check_interval"`
	HealthCheckTimeout   Duration `json:"health_check_timeout,omitempty" yaml:"health_check_timeout" validate:"gte=0"`
	HousekeepingInterval Duration `json:"housekeeping_interval,omitempty" yaml:"housekeeping_interval"`
	NotificationBuffer   int      `json:"notification_buffer,omitempty" yaml:"notification_buffer" validate:"gte=0"`

	// Journal is the SQLite path for the transition journal. Empty disables it.
	Journal string `json:"journal,omitempty" yaml:"journal"`
}

// ModuleConfig declares one module.
type ModuleConfig struct {
	Name            string   `json:"name" yaml:"name" validate:"required,max=128"`
	Kind            string   `json:"kind,omitempty" yaml:"kind" validate:"omitempty,oneof=noop starlark wasm"`
	Script          string   `json:"script,omitempty" yaml:"script" validate:"required_if=Kind starlark,required_if=Kind wasm"`
	DependsOn       []string `json:"depends_on,omitempty" yaml:"depends_on" validate:"omitempty,dive,required"`
	StartBehavior   string   `json:"start_behavior,omitempty" yaml:"start_behavior" validate:"omitempty,oneof=manual automatic"`
	FailureBehavior string   `json:"failure_behavior,omitempty" yaml:"failure_behavior" validate:"omitempty,oneof=ignore restart restart_with_dependents stop_dependents"`
	MaxRestarts     int      `json:"max_restarts,omitempty" yaml:"max_restarts" validate:"gte=0"`
	RestartWindow   Duration `json:"restart_window,omitempty" yaml:"restart_window" validate:"gte=0"`
	StartTimeout    Duration `json:"start_timeout,omitempty" yaml:"start_timeout" validate:"gte=0"`
	StopTimeout     Duration `json:"stop_timeout,omitempty" yaml:"stop_timeout" validate:"gte=0"`

	// Settings is passed verbatim to the module implementation.
	Settings map[string]interface{} `json:"settings,omitempty" yaml:"settings"`
}

// Descriptor converts the module declaration to a kernel descriptor.
func (m ModuleConfig) Descriptor() kernel.Descriptor {
	return kernel.Descriptor{
		Name:            m.Name,
		Dependencies:    append([]string(nil), m.DependsOn...),
		StartBehavior:   kernel.StartBehavior(m.StartBehavior),
		FailureBehavior: kernel.FailureBehavior(m.FailureBehavior),
		MaxRestarts:     m.MaxRestarts,
		RestartWindow:   time.Duration(m.RestartWindow),
		StartTimeout:    time.Duration(m.StartTimeout),
		StopTimeout:     time.Duration(m.StopTimeout),
	}
}

// Descriptors returns the kernel descriptors in declaration order.
func (r *Registry) Descriptors() []kernel.Descriptor {
	descriptors := make([]kernel.Descriptor, len(r.Modules))
	for i, m := range r.Modules {
		descriptors[i] = m.Descriptor()
	}
	return descriptors
}

// Module returns the declaration with the given name.
func (r *Registry) Module(name string) (ModuleConfig, bool) {
	for _, m := range r.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return ModuleConfig{}, false
}

// KernelOptions overlays the registry's kernel section on base.
func (r *Registry) KernelOptions(base kernel.Options) kernel.Options {
	k := r.Kernel
	if k.MaxParallel > 0 {
		base.MaxParallel = k.MaxParallel
	}
	if k.ExecutorWorkers > 0 {
		base.ExecutorWorkers = k.ExecutorWorkers
	}
	if k.DefaultStartTimeout > 0 {
		base.DefaultStartTimeout = time.Duration(k.DefaultStartTimeout)
	}
	if k.DefaultStopTimeout > 0 {
		base.DefaultStopTimeout = time.Duration(k.DefaultStopTimeout)
	}
	if k.HealthCheckInterval != 0 {
		base.HealthCheckInterval = time.Duration(k.HealthCheckInterval)
	}
	if k.HealthCheckTimeout > 0 {
		base.HealthCheckTimeout = time.Duration(k.HealthCheckTimeout)
	}
	if k.HousekeepingInterval != 0 {
		base.HousekeepingInterval = time.Duration(k.HousekeepingInterval)
	}
	if k.NotificationBuffer > 0 {
		base.NotificationBuffer = k.NotificationBuffer
	}
	return base
}

// Factory builds the module implementation for a declaration.
type Factory func(ModuleConfig) (kernel.Module, error)

// Registrations pairs every descriptor with a module built by factory.
func (r *Registry) Registrations(factory Factory) ([]kernel.Registration, error) {
	registrations := make([]kernel.Registration, 0, len(r.Modules))
	for _, m := range r.Modules {
		module, err := factory(m)
		if err != nil {
			return nil, fmt.Errorf("failed to build module %s: %w", m.Name, err)
		}
		registrations = append(registrations, kernel.Registration{
			Descriptor: m.Descriptor(),
			Module:     module,
		})
	}
	return registrations, nil
}

// Duration is a time.Duration written as a Go duration string ("1m30s").
// Bare numbers are read as seconds.
type Duration time.Duration

// String returns the duration in Go notation.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if err := d.set(raw); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(v * float64(time.Second))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}
