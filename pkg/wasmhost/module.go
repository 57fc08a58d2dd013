package wasmhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"golang.org/x/sync/semaphore"
)

// Exported functions a guest may provide. Each takes no arguments and
// returns an i32 status where zero means success.
const (
	FuncInitialize  = "initialize"
	FuncStart       = "start"
	FuncStop        = "stop"
	FuncHealthCheck = "health_check"
)

// SettingEnvPrefix prefixes the WASI environment variables carrying module settings.
const SettingEnvPrefix = "MODKERNEL_"

// DefaultMemoryLimitPages caps guest memory at 16MB.
const DefaultMemoryLimitPages = 256

// ErrUnhealthy is returned by HealthCheck when the guest reports a problem.
var ErrUnhealthy = errors.New("module reported unhealthy")

// Config tunes the guest runtime.
type Config struct {
	// MemoryLimitPages is the maximum memory in 64KB pages.
	MemoryLimitPages uint32
}

// Module runs a WebAssembly guest as a kernel module. Every incarnation
// starts from a fresh instance, so guest state does not survive a restart.
// Callbacks are serialized; cancelling their context aborts the guest.
type Module struct {
	name     string
	logger   zerolog.Logger
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	env      map[string]string

	busy *semaphore.Weighted

	mu       sync.Mutex
	instance api.Module
	failure  string
}

// Load reads and compiles the guest at path.
func Load(ctx context.Context, name, path string, settings map[string]interface{}, logger zerolog.Logger) (*Module, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", path, err)
	}
	return New(ctx, name, bin, settings, Config{}, logger)
}

// New compiles a guest binary.
func New(ctx context.Context, name string, bin []byte, settings map[string]interface{}, cfg Config, logger zerolog.Logger) (*Module, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}

	m := &Module{
		name:   name,
		logger: logger.With().Str("component", "wasm").Str("module", name).Logger(),
		env:    settingsEnv(settings),
		busy:   semaphore.NewWeighted(1),
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	m.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, m.runtime); err != nil {
		_ = m.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if err := m.instantiateHost(ctx); err != nil {
		_ = m.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := m.runtime.CompileModule(ctx, bin)
	if err != nil {
		_ = m.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile module %s: %w", name, err)
	}
	m.compiled = compiled

	return m, nil
}

// settingsEnv flattens settings into environment variables.
func settingsEnv(settings map[string]interface{}) map[string]string {
	env := make(map[string]string, len(settings))
	for key, value := range settings {
		name := SettingEnvPrefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
		env[name] = fmt.Sprint(value)
	}
	return env
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.name
}

// Exports lists the lifecycle functions the guest provides.
func (m *Module) Exports() []string {
	var names []string
	for _, name := range []string{FuncInitialize, FuncStart, FuncStop, FuncHealthCheck} {
		if _, ok := m.compiled.ExportedFunctions()[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Initialize instantiates a fresh guest and calls its initialize export.
func (m *Module) Initialize(ctx context.Context) error {
	if err := m.busy.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.busy.Release(1)

	m.closeInstance(ctx)

	config := wazero.NewModuleConfig().
		WithName("").
		WithArgs(m.name).
		WithStartFunctions("_initialize").
		WithStdout(logWriter{m.logger, zerolog.InfoLevel}).
		WithStderr(logWriter{m.logger, zerolog.WarnLevel})
	keys := make([]string, 0, len(m.env))
	for key := range m.env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		config = config.WithEnv(key, m.env[key])
	}

	instance, err := m.runtime.InstantiateModule(ctx, m.compiled, config)
	if err != nil {
		return fmt.Errorf("failed to instantiate module %s: %w", m.name, err)
	}

	m.mu.Lock()
	m.instance = instance
	m.mu.Unlock()

	return m.call(ctx, FuncInitialize)
}

// Start calls the guest's start export.
func (m *Module) Start(ctx context.Context) error {
	if err := m.busy.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.busy.Release(1)
	return m.call(ctx, FuncStart)
}

// Stop calls the guest's stop export and discards the instance.
func (m *Module) Stop(ctx context.Context) error {
	if err := m.busy.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.busy.Release(1)

	err := m.call(ctx, FuncStop)
	m.closeInstance(context.WithoutCancel(ctx))
	return err
}

// HealthCheck calls the guest's health_check export. A non-zero status is
// reported as ErrUnhealthy.
func (m *Module) HealthCheck(ctx context.Context) error {
	if err := m.busy.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.busy.Release(1)

	err := m.call(ctx, FuncHealthCheck)
	var status *StatusError
	if errors.As(err, &status) {
		return fmt.Errorf("%w: %s", ErrUnhealthy, status.Message())
	}
	return err
}

// Close releases the runtime and every instance.
func (m *Module) Close(ctx context.Context) error {
	m.closeInstance(ctx)
	return m.runtime.Close(ctx)
}

// StatusError is a non-zero status returned by a guest export.
type StatusError struct {
	Func   string
	Code   uint32
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Func, e.Code, e.Message())
}

// Message returns the reason passed to env.fail, or the status code.
func (e *StatusError) Message() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("status %d", e.Code)
}

// call invokes an export. Missing exports are no-ops. Callers hold busy.
func (m *Module) call(ctx context.Context, name string) error {
	m.mu.Lock()
	instance := m.instance
	m.failure = ""
	m.mu.Unlock()

	if instance == nil {
		if name == FuncStop {
			return nil
		}
		return fmt.Errorf("module %s is not initialized", m.name)
	}

	fn := instance.ExportedFunction(name)
	if fn == nil {
		return nil
	}

	results, err := fn.Call(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// The runtime closed the instance when ctx ended.
			m.mu.Lock()
			m.instance = nil
			m.mu.Unlock()
			return fmt.Errorf("%s %s: %w", m.name, name, context.Cause(ctx))
		}
		m.logger.Error().Err(err).Str("func", name).Msg("Guest trapped")
		return fmt.Errorf("%s %s: %w", m.name, name, err)
	}

	if len(results) == 0 || uint32(results[0]) == 0 {
		return nil
	}

	m.mu.Lock()
	reason := m.failure
	m.mu.Unlock()
	return &StatusError{Func: name, Code: uint32(results[0]), Reason: reason}
}

func (m *Module) closeInstance(ctx context.Context) {
	m.mu.Lock()
	instance := m.instance
	m.instance = nil
	m.mu.Unlock()

	if instance != nil {
		if err := instance.Close(ctx); err != nil {
			m.logger.Debug().Err(err).Msg("Failed to close instance")
		}
	}
}
