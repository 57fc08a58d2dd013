// Package telemetry provides the observability stack of the module kernel.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics. The kernel itself only depends on
// zerolog, the OpenTelemetry trace API and its own kernel.Observer interface;
// this package supplies the concrete implementations and wires them in:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	mgr := kernel.NewModuleManager(tel.Instrument(kernel.DefaultOptions()))
//
// # Metrics
//
// Metrics implements kernel.Observer and registers its collectors on a
// private registry exposed by Handler and StartMetricsServer:
//
//   - modkernel_module_transitions_total{module,from,to}
//   - modkernel_module_state{module,state}
//   - modkernel_module_restart_count{module}
//   - modkernel_module_restart_budget_exhausted_total{module}
//   - modkernel_module_failures_total{module}
//   - modkernel_orchestrations_total{operation}
//   - modkernel_orchestration_duration_seconds{operation}
//   - modkernel_module_outcomes_total{operation,outcome}
//   - modkernel_executor_jobs_total{job,status}
//   - modkernel_executor_job_duration_seconds{job}
//   - modkernel_executor_jobs_dropped_total{job}
//
// # Tracing
//
// The kernel opens one span per orchestration run and one per module start
// or stop. Exporters: stdout (development), otlp over gRPC, or none.
package telemetry
