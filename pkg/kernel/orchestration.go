package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Operation names recorded in Result.Operation.
const (
	OpStart          = "start"
	OpStartAll       = "start_all"
	OpResume         = "resume"
	OpStop           = "stop"
	OpStopAll        = "stop_all"
	OpStopDependents = "stop_dependents"
	OpRestart        = "restart"
)

// orchestration holds what start and stop runs share.
type orchestration struct {
	graph       *DependencyGraph
	machines    map[string]*HealthStateMachine
	claims      *claimSet
	maxParallel int
	clock       func() time.Time
	logger      zerolog.Logger
	tracer      trace.Tracer
	observer    Observer
}

// execute claims names, runs fn under a span and reports the result.
func (o *orchestration) execute(ctx context.Context, op, target string, names []string,
	fn func(ctx context.Context) []ModuleResult) (*Result, error) {
	startedAt := o.clock()
	began := time.Now()

	ctx, span := o.tracer.Start(ctx, "orchestration."+op, trace.WithAttributes(
		attribute.String("orchestration.operation", op),
		attribute.String("orchestration.target", target),
		attribute.Int("orchestration.modules", len(names)),
	))
	defer span.End()

	if err := o.claims.acquire(ctx, names); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s %s: waiting for orchestration lock: %w", op, target, err)
	}
	modules := fn(ctx)
	o.claims.release(names)

	result := &Result{
		ID:        uuid.New().String(),
		Operation: op,
		Target:    target,
		Modules:   modules,
		StartedAt: startedAt,
		Duration:  time.Since(began),
	}

	span.SetAttributes(attribute.String("orchestration.id", result.ID))
	if !result.Succeeded() {
		span.SetStatus(codes.Error, "not every module reached the requested state")
	} else {
		span.SetStatus(codes.Ok, "")
	}

	o.observer.ObserveOrchestration(result)

	entry := o.logger.Info()
	if !result.Succeeded() {
		entry = o.logger.Warn()
	}
	counts := zerolog.Dict()
	for outcome, n := range result.Counts() {
		counts = counts.Int(string(outcome), n)
	}
	entry.
		Str("operation", op).
		Str("target", target).
		Str("run_id", result.ID).
		Dict("outcomes", counts).
		Dur("duration", result.Duration).
		Msg("Orchestration completed")

	return result, nil
}

// fanOut runs step for every name in order, at most maxParallel at a time.
// A name waits until every name it depends on (per after) has finished.
// order must list prerequisites first so the fan-out never stalls.
func (o *orchestration) fanOut(ctx context.Context, order []string, after func(name string) []string,
	step func(ctx context.Context, name string) ModuleResult) []ModuleResult {
	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		done[name] = make(chan struct{})
	}

	results := make([]ModuleResult, len(order))

	var eg errgroup.Group
	if o.maxParallel > 0 {
		eg.SetLimit(o.maxParallel)
	}
	for i, name := range order {
		i, name := i, name
		eg.Go(func() error {
			defer close(done[name])
			for _, prev := range after(name) {
				if ch, ok := done[prev]; ok {
					<-ch
				}
			}
			results[i] = step(ctx, name)
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

// inGlobalOrder returns names sorted by the global start order.
func (o *orchestration) inGlobalOrder(names []string) []string {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	ordered := make([]string, 0, len(names))
	for _, name := range o.graph.GlobalStartOrder() {
		if wanted[name] {
			ordered = append(ordered, name)
		}
	}
	return ordered
}
