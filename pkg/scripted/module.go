package scripted

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/modkernel/pkg/kernel"
)

// Callback names looked up in a script's globals. All are optional.
const (
	FuncInitialize  = "initialize"
	FuncStart       = "start"
	FuncStop        = "stop"
	FuncHealthCheck = "health_check"
)

const contextKey = "context"

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
}

// ErrUnhealthy is returned by HealthCheck when health_check reports a problem.
var ErrUnhealthy = errors.New("module reported unhealthy")

// Module is a kernel module whose callbacks are Starlark functions.
//
// Every Initialize executes the script from scratch with a fresh state
// dict, so each incarnation starts clean. Callbacks are cancelled when
// their context is done, which is how kernel timeouts reach the script.
type Module struct {
	name     string
	program  *starlark.Program
	info     *starlarkstruct.Struct
	logger   zerolog.Logger
	settings map[string]interface{}

	// busy serializes callbacks; Starlark values are not safe for concurrent use.
	busy *semaphore.Weighted

	mu      sync.Mutex
	globals starlark.StringDict
}

var (
	_ kernel.Module        = (*Module)(nil)
	_ kernel.HealthChecker = (*Module)(nil)
)

// Load reads and compiles the script at path.
func Load(name, path string, settings map[string]interface{}, logger zerolog.Logger) (*Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script for %s: %w", name, err)
	}
	return New(name, path, src, settings, logger)
}

// New compiles src. Syntax and resolution errors are reported here, not on
// the first start.
func New(name, filename string, src []byte, settings map[string]interface{}, logger zerolog.Logger) (*Module, error) {
	m := &Module{
		name:     name,
		logger:   logger.With().Str("component", "scripted").Str("module", name).Logger(),
		settings: settings,
		busy:     semaphore.NewWeighted(1),
	}

	_, program, err := starlark.SourceProgramOptions(fileOptions, filename, src, m.predeclared(nil).Has)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script for %s: %w", name, err)
	}
	m.program = program

	settingsValue, err := toStarlarkValue(settings)
	if err != nil {
		return nil, fmt.Errorf("invalid settings for %s: %w", name, err)
	}
	if settings == nil {
		settingsValue = starlark.NewDict(0)
	}
	settingsValue.Freeze()

	m.info = starlarkstruct.FromStringDict(starlark.String("module"), starlark.StringDict{
		"name":     starlark.String(name),
		"settings": settingsValue,
	})
	m.info.Freeze()
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.name
}

func (m *Module) predeclared(state *starlark.Dict) starlark.StringDict {
	return starlark.StringDict{
		"module": m.info,
		"state":  state,
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"log":    starlark.NewBuiltin("log", m.builtinLog),
		"sleep":  starlark.NewBuiltin("sleep", builtinSleep),
	}
}

// Initialize executes the script top level and then its initialize function.
func (m *Module) Initialize(ctx context.Context) error {
	if err := m.busy.Acquire(ctx, 1); err != nil {
		return m.wrap(FuncInitialize, err)
	}
	err := m.load(ctx)
	m.busy.Release(1)
	if err != nil {
		return err
	}

	_, err = m.call(ctx, FuncInitialize)
	return err
}

func (m *Module) load(ctx context.Context) error {
	state := starlark.NewDict(8)
	thread := m.newThread(ctx, FuncInitialize)
	release := cancelOnDone(ctx, thread)
	globals, err := m.program.Init(thread, m.predeclared(state))
	release()
	if err != nil {
		return m.wrap("load", err)
	}
	globals.Freeze()

	m.mu.Lock()
	m.globals = globals
	m.mu.Unlock()
	return nil
}

// Start calls the script's start function.
func (m *Module) Start(ctx context.Context) error {
	_, err := m.call(ctx, FuncStart)
	return err
}

// Stop calls the script's stop function and drops the incarnation's globals.
func (m *Module) Stop(ctx context.Context) error {
	_, err := m.call(ctx, FuncStop)

	m.mu.Lock()
	m.globals = nil
	m.mu.Unlock()
	return err
}

// HealthCheck calls health_check. A False result or a non-empty string
// marks the module unhealthy; None and True are healthy.
func (m *Module) HealthCheck(ctx context.Context) error {
	result, err := m.call(ctx, FuncHealthCheck)
	if err != nil {
		return err
	}
	switch v := result.(type) {
	case starlark.Bool:
		if !v {
			return ErrUnhealthy
		}
	case starlark.String:
		if v != "" {
			return fmt.Errorf("%w: %s", ErrUnhealthy, string(v))
		}
	}
	return nil
}

func (m *Module) call(ctx context.Context, name string) (starlark.Value, error) {
	if err := m.busy.Acquire(ctx, 1); err != nil {
		return nil, m.wrap(name, err)
	}
	defer m.busy.Release(1)

	m.mu.Lock()
	globals := m.globals
	m.mu.Unlock()

	value, ok := globals[name]
	if !ok {
		return starlark.None, nil
	}
	fn, ok := value.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: %s is a %s, not a function", m.name, name, value.Type())
	}

	thread := m.newThread(ctx, name)
	release := cancelOnDone(ctx, thread)
	defer release()

	result, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, m.wrap(name, err)
	}
	return result, nil
}

func (m *Module) newThread(ctx context.Context, name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: m.name + "." + name,
		Print: func(_ *starlark.Thread, msg string) {
			m.logger.Info().Str("source", "print").Msg(msg)
		},
	}
	thread.SetLocal(contextKey, ctx)
	return thread
}

func (m *Module) wrap(phase string, err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		m.logger.Debug().Str("phase", phase).Str("backtrace", evalErr.Backtrace()).Msg("Script error")
	}
	return fmt.Errorf("%s %s: %w", m.name, phase, err)
}

// cancelOnDone interrupts the thread when ctx is done.
func cancelOnDone(ctx context.Context, thread *starlark.Thread) func() {
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	return func() { stop() }
}
