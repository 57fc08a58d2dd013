package commands

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modkernel/pkg/config"
	"github.com/openfroyo/modkernel/pkg/kernel"
	"github.com/openfroyo/modkernel/pkg/scripted"
	"github.com/openfroyo/modkernel/pkg/wasmhost"
)

// placeholderModule backs modules of kind noop. It only logs its lifecycle,
// which is enough to exercise ordering and failure handling of a registry.
type placeholderModule struct {
	logger zerolog.Logger
}

func (m *placeholderModule) Initialize(context.Context) error {
	m.logger.Debug().Msg("Initialized")
	return nil
}

func (m *placeholderModule) Start(context.Context) error {
	m.logger.Info().Msg("Started")
	return nil
}

func (m *placeholderModule) Stop(context.Context) error {
	m.logger.Info().Msg("Stopped")
	return nil
}

// newModuleFactory builds module implementations by kind.
func newModuleFactory(logger zerolog.Logger) config.Factory {
	return func(m config.ModuleConfig) (kernel.Module, error) {
		moduleLogger := logger.With().Str("module", m.Name).Str("kind", kindOf(m)).Logger()

		switch kindOf(m) {
		case config.KindNoop:
			return &placeholderModule{logger: moduleLogger}, nil
		case config.KindStarlark:
			return scripted.Load(m.Name, m.Script, m.Settings, moduleLogger)
		case config.KindWasm:
			return wasmhost.Load(context.Background(), m.Name, m.Script, m.Settings, moduleLogger)
		default:
			return nil, fmt.Errorf("unsupported module kind %q", m.Kind)
		}
	}
}

func kindOf(m config.ModuleConfig) string {
	if m.Kind == "" {
		return config.KindNoop
	}
	return m.Kind
}

// reloadRegistrations turns a new registry revision into registrations for
// ModuleManager.Reconfigure. Unchanged declarations keep their running
// instance; new or changed ones get a fresh implementation.
func reloadRegistrations(current, next *config.Registry, factory config.Factory) ([]kernel.Registration, error) {
	registrations := make([]kernel.Registration, 0, len(next.Modules))
	for _, m := range next.Modules {
		reg := kernel.Registration{Descriptor: m.Descriptor()}

		if current != nil {
			if prev, ok := current.Module(m.Name); ok && reflect.DeepEqual(prev, m) {
				registrations = append(registrations, reg)
				continue
			}
		}

		module, err := factory(m)
		if err != nil {
			return nil, fmt.Errorf("failed to build module %s: %w", m.Name, err)
		}
		reg.Module = module
		registrations = append(registrations, reg)
	}
	return registrations, nil
}
