package commands

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/modkernel/pkg/config"
	"github.com/openfroyo/modkernel/pkg/kernel"
	"github.com/openfroyo/modkernel/pkg/policy"
	"github.com/openfroyo/modkernel/pkg/stores"
	"github.com/openfroyo/modkernel/pkg/telemetry"
)

type runOptions struct {
	metricsAddr     string
	logFormat       string
	tracing         string
	otlpEndpoint    string
	journal         string
	watch           bool
	restartOnReload bool
	shutdownTimeout time.Duration
}

func newRunCommand(version string) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the registry's modules and supervise them",
		Long: `Load the module registry, start every automatic module in dependency
order and supervise the set until interrupted.

While running:
  - Failed modules are handled by their failure behavior
  - Registry edits are applied on the fly (--watch)
  - State changes are journaled when a journal is configured
  - Prometheus metrics are served on --metrics-addr

Registries, including reloaded revisions, must pass the policy check.
On SIGINT or SIGTERM all modules are stopped, dependents first.`,
		Example: `  # Run the registry in the current directory
  modkernel run

  # Run a CUE registry with OTLP tracing
  modkernel run -r plant.cue --tracing otlp --otlp-endpoint collector:4317

  # Restart the set when a reload changes a running module
  modkernel run --restart-on-reload`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKernel(cmd.Context(), version, opts)
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "metrics listen address (empty disables)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")
	cmd.Flags().StringVar(&opts.tracing, "tracing", "none", "trace exporter (none, stdout, otlp)")
	cmd.Flags().StringVar(&opts.otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP gRPC endpoint")
	cmd.Flags().StringVar(&opts.journal, "journal", "", "journal database path (overrides the registry)")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "reload the registry when it changes")
	cmd.Flags().BoolVar(&opts.restartOnReload, "restart-on-reload", false, "restart running modules to apply a reload")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for stopping all modules")

	return cmd
}

func telemetryConfig(version string, opts runOptions) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = opts.logFormat

	cfg.Metrics.Enabled = opts.metricsAddr != ""
	cfg.Metrics.ListenAddress = opts.metricsAddr

	cfg.Tracing.Exporter = opts.tracing
	cfg.Tracing.Enabled = opts.tracing != "none"
	cfg.Tracing.Endpoint = opts.otlpEndpoint
	return cfg
}

func runKernel(ctx context.Context, version string, opts runOptions) error {
	reg, err := config.LoadFile(registryPath)
	if err != nil {
		return err
	}
	if opts.journal != "" {
		reg.Kernel.Journal = opts.journal
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(version, opts))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger := *tel.Logger.NewComponentLogger("run").Zerolog()
	if err := tel.Metrics.StartMetricsServer(logger); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	policies, err := newPolicyEngine(ctx, logger)
	if err != nil {
		return err
	}
	result, err := enforcePolicies(ctx, policies, reg)
	if result != nil {
		logViolations(logger, result)
	}
	if err != nil {
		return err
	}

	kernelOpts := reg.KernelOptions(tel.Instrument(kernel.Options{}))

	var journal *stores.Journal
	if reg.Kernel.Journal != "" {
		journal, err = stores.OpenJournal(ctx, reg.Kernel.Journal, *tel.Logger.Zerolog())
		if err != nil {
			return err
		}
		defer journal.Close()
		kernelOpts.Observer = kernel.MultiObserver(tel.Metrics, journal)
	}

	mgr := kernel.NewModuleManager(kernelOpts)
	if journal != nil {
		mgr.AddSink(journal)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
		defer cancel()
		if err := mgr.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("Module shutdown incomplete")
		}
	}()

	factory := newModuleFactory(*tel.Logger.Zerolog())
	registrations, err := reg.Registrations(factory)
	if err != nil {
		return err
	}
	if err := mgr.Load(registrations); err != nil {
		return err
	}

	started, err := mgr.StartModules(ctx)
	if err != nil {
		return err
	}
	logResult(logger, started)

	if opts.watch && reg.Source != "" {
		r := &reloader{
			mgr:             mgr,
			current:         reg,
			factory:         factory,
			policies:        policies,
			restartOnReload: opts.restartOnReload,
			logger:          logger,
		}
		watcher := config.NewWatcher(reg.Source, logger)
		if err := watcher.Watch(ctx, func(next *config.Registry) error { return r.apply(ctx, next) }); err != nil {
			logger.Warn().Err(err).Msg("Registry hot reload disabled")
		} else {
			defer watcher.Close()
		}
	}

	<-ctx.Done()
	logger.Info().Msg("Stopping modules")
	return nil
}

// reloader applies registry revisions to a running manager.
type reloader struct {
	mu              sync.Mutex
	mgr             *kernel.ModuleManager
	current         *config.Registry
	factory         config.Factory
	policies        *policy.Engine
	restartOnReload bool
	logger          zerolog.Logger
}

func (r *reloader) apply(ctx context.Context, next *config.Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := enforcePolicies(ctx, r.policies, next)
	if result != nil {
		logViolations(r.logger, result)
	}
	if err != nil {
		return err
	}

	if !reflect.DeepEqual(r.current.Kernel, next.Kernel) {
		r.logger.Warn().Msg("Kernel settings changed; they take effect on the next run")
	}

	registrations, err := reloadRegistrations(r.current, next, r.factory)
	if err != nil {
		return err
	}

	err = r.mgr.Reconfigure(registrations...)
	switch {
	case err == nil:
	case errors.Is(err, kernel.ErrReconfigurePending) && r.restartOnReload:
		r.logger.Info().Msg("Restarting modules to apply the new registry")
		if _, err := r.mgr.StopModules(ctx); err != nil {
			return err
		}
		result, err := r.mgr.StartModules(ctx)
		if err != nil {
			return err
		}
		logResult(r.logger, result)
	case errors.Is(err, kernel.ErrReconfigurePending):
		r.logger.Info().Msg("New registry will be applied when all modules are stopped")
	default:
		return err
	}

	r.current = next
	return nil
}

func logResult(logger zerolog.Logger, result *kernel.Result) {
	for _, m := range result.Modules {
		event := logger.Info()
		if !m.Outcome.IsSuccess() {
			event = logger.Warn()
		}
		event = event.Str("module", m.Module).Str("outcome", string(m.Outcome)).Str("state", string(m.State))
		if len(m.WaitingOn) > 0 {
			event = event.Strs("waiting_on", m.WaitingOn)
		}
		if m.Err != nil {
			event = event.AnErr("error", m.Err)
		}
		event.Msg("Module " + string(m.Outcome))
	}
	logger.Info().
		Str("operation", result.Operation).
		Dur("duration", result.Duration).
		Msg("Orchestration finished")
}
