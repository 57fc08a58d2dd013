package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrExecutorClosed is returned by Submit and Schedule after Shutdown.
var ErrExecutorClosed = errors.New("executor is shut down")

// JobFunc is a unit of work run by the BoundedExecutor.
type JobFunc func(ctx context.Context) error

// JobOptions describes a job for logging, metrics and escalation.
type JobOptions struct {
	// Name identifies the job in logs and metrics.
	Name string

	// Module is the owning module. Critical failures are escalated to it.
	Module string

	// Critical jobs escalate errors and panics as a critical error of Module.
	Critical bool
}

// JobHandle identifies a periodic job.
type JobHandle string

// ExecutorStats is a snapshot of executor counters.
type ExecutorStats struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Scheduled int    `json:"scheduled"`
}

// periodicJob is a scheduled job with its overlap guard.
type periodicJob struct {
	opts    JobOptions
	period  time.Duration
	fn      JobFunc
	running atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func (j *periodicJob) cancel() {
	j.once.Do(func() { close(j.stop) })
}

// BoundedExecutor runs callbacks and periodic jobs on a bounded number of goroutines.
type BoundedExecutor struct {
	sem      *semaphore.Weighted
	workers  int
	escalate func(module string, err error)
	observer Observer
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[JobHandle]*periodicJob
	closed bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewBoundedExecutor creates an executor with the given worker bound.
// escalate receives critical job failures and may be nil.
func NewBoundedExecutor(workers int, escalate func(module string, err error), observer Observer, logger zerolog.Logger) *BoundedExecutor {
	if workers <= 0 {
		workers = 1
	}
	if observer == nil {
		observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &BoundedExecutor{
		sem:      semaphore.NewWeighted(int64(workers)),
		workers:  workers,
		escalate: escalate,
		observer: observer,
		logger:   logger.With().Str("component", "executor").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[JobHandle]*periodicJob),
	}
}

// Workers returns the concurrency bound.
func (e *BoundedExecutor) Workers() int {
	return e.workers
}

// Submit runs fn once on a worker without waiting for it.
func (e *BoundedExecutor) Submit(opts JobOptions, fn JobFunc) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	e.submitted.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			e.dropped.Add(1)
			e.observer.ObserveJob(opts.Name, nil, 0, true)
			return
		}
		defer e.sem.Release(1)
		e.run(opts, fn)
	}()
	return nil
}

// Schedule runs fn every period until cancelled. A tick that arrives while
// the previous invocation is still running is dropped.
func (e *BoundedExecutor) Schedule(opts JobOptions, period time.Duration, fn JobFunc) (JobHandle, error) {
	if period <= 0 {
		return "", fmt.Errorf("job %s: period must be positive", opts.Name)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrExecutorClosed
	}
	handle := JobHandle(uuid.New().String())
	job := &periodicJob{
		opts:   opts,
		period: period,
		fn:     fn,
		stop:   make(chan struct{}),
	}
	e.jobs[handle] = job
	e.wg.Add(1)
	e.mu.Unlock()

	go e.loop(job)

	e.logger.Debug().
		Str("job", opts.Name).
		Str("handle", string(handle)).
		Dur("period", period).
		Msg("Scheduled periodic job")
	return handle, nil
}

// loop drives the ticks of one periodic job.
func (e *BoundedExecutor) loop(job *periodicJob) {
	defer e.wg.Done()

	ticker := time.NewTicker(job.period)
	defer ticker.Stop()

	for {
		select {
		case <-job.stop:
			return
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		// A cancel racing with a tick wins.
		select {
		case <-job.stop:
			return
		default:
		}

		if !job.running.CompareAndSwap(false, true) {
			e.dropped.Add(1)
			e.observer.ObserveJob(job.opts.Name, nil, 0, true)
			e.logger.Debug().Str("job", job.opts.Name).Msg("Dropped tick, previous run still active")
			continue
		}

		e.submitted.Add(1)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer job.running.Store(false)
			if err := e.sem.Acquire(e.ctx, 1); err != nil {
				e.dropped.Add(1)
				return
			}
			defer e.sem.Release(1)
			e.run(job.opts, job.fn)
		}()
	}
}

// Cancel stops future ticks of a periodic job. A running invocation completes.
// It returns false if the handle is unknown.
func (e *BoundedExecutor) Cancel(handle JobHandle) bool {
	e.mu.Lock()
	job, ok := e.jobs[handle]
	delete(e.jobs, handle)
	e.mu.Unlock()

	if !ok {
		return false
	}
	job.cancel()
	return true
}

// Shutdown cancels all periodic jobs, rejects new work and waits for
// in-flight jobs. If ctx expires first, running jobs see their context cancelled.
func (e *BoundedExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for handle, job := range e.jobs {
		job.cancel()
		delete(e.jobs, handle)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return fmt.Errorf("executor shutdown: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the executor counters.
func (e *BoundedExecutor) Stats() ExecutorStats {
	e.mu.Lock()
	scheduled := len(e.jobs)
	e.mu.Unlock()

	return ExecutorStats{
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Dropped:   e.dropped.Load(),
		Scheduled: scheduled,
	}
}

// run executes one invocation and routes its error. Counters are updated
// last so a completed job has already been escalated.
func (e *BoundedExecutor) run(opts JobOptions, fn JobFunc) {
	start := time.Now()
	err := e.invoke(opts, fn)
	duration := time.Since(start)

	if err != nil {
		e.failed.Add(1)
		if opts.Critical && opts.Module != "" && e.escalate != nil {
			e.logger.Error().Err(err).
				Str("job", opts.Name).
				Str("module", opts.Module).
				Msg("Critical job failed, escalating")
			e.escalate(opts.Module, err)
		} else {
			e.logger.Warn().Err(err).
				Str("job", opts.Name).
				Str("module", opts.Module).
				Msg("Job failed")
		}
	}

	e.observer.ObserveJob(opts.Name, err, duration, false)
	e.completed.Add(1)
}

// invoke calls fn and converts a panic into an error.
func (e *BoundedExecutor) invoke(opts JobOptions, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", opts.Name, r)
		}
	}()
	return fn(e.ctx)
}
