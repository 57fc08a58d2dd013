package wasmhost

import (
	"bytes"
	"context"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/api"
)

// HostModule is the import module name of the host functions.
const HostModule = "env"

// Guest log levels accepted by env.log.
const (
	LogDebug uint32 = iota
	LogInfo
	LogWarn
	LogError
)

// instantiateHost registers the functions guests may import:
//
//	env.log(level, ptr, len i32)  writes a message from guest memory
//	env.fail(ptr, len i32)        sets the reason reported with the next non-zero status
func (m *Module) instantiateHost(ctx context.Context) error {
	builder := m.runtime.NewHostModuleBuilder(HostModule)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := readString(mod, ptr, length)
			if !ok {
				m.logger.Warn().Uint32("ptr", ptr).Uint32("len", length).Msg("Guest log out of memory bounds")
				return
			}
			m.logger.WithLevel(guestLevel(level)).Str("source", "guest").Msg(msg)
		}).
		WithParameterNames("level", "ptr", "len").
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			msg, ok := readString(mod, ptr, length)
			if !ok {
				return
			}
			m.mu.Lock()
			m.failure = msg
			m.mu.Unlock()
		}).
		WithParameterNames("ptr", "len").
		Export("fail")

	_, err := builder.Instantiate(ctx)
	return err
}

func readString(mod api.Module, ptr, length uint32) (string, bool) {
	mem := mod.Memory()
	if mem == nil {
		return "", false
	}
	b, ok := mem.Read(ptr, length)
	return string(b), ok
}

func guestLevel(level uint32) zerolog.Level {
	switch level {
	case LogDebug:
		return zerolog.DebugLevel
	case LogWarn:
		return zerolog.WarnLevel
	case LogError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// logWriter forwards WASI stdout and stderr lines to the logger.
type logWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) > 0 {
			w.logger.WithLevel(w.level).Str("source", "stdio").Msg(string(line))
		}
	}
	return len(p), nil
}
